package dto

import (
	"time"

	"github.com/cuongbtq/spot-pipeline/internal/domain"
)

// CreateJobForm carries the optional multipart fields next to the file.
type CreateJobForm struct {
	MaxAttempts int `form:"max_attempts" binding:"omitempty,min=1,max=20"`
}

type ListJobsRequest struct {
	State    string `form:"state"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs []JobDTO `json:"jobs"`
	// Invalid lists record keys that could not be decoded.
	Invalid    []string `json:"invalid,omitempty"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type RequeueJobRequest struct {
	ExtraAttempts int `json:"extra_attempts" binding:"omitempty,min=1,max=20"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	State string `json:"state,omitempty"`
}

type JobDTO struct {
	JobID       string `json:"job_id"`
	State       string `json:"state"`
	InputKey    string `json:"input_key"`
	OutputKey   string `json:"output_key,omitempty"`
	ClaimedBy   string `json:"claimed_by,omitempty"`
	ClaimedAt   string `json:"claimed_at,omitempty"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	Error       string `json:"error,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

func NewJobDTO(job *domain.Job) JobDTO {
	d := JobDTO{
		JobID:       job.ID,
		State:       job.State,
		InputKey:    job.InputKey,
		OutputKey:   job.OutputKey,
		ClaimedBy:   job.ClaimedBy,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		Error:       job.Error,
		LastError:   job.LastError,
		ContentType: job.ContentType,
		CreatedAt:   job.CreatedAt.Format(time.RFC3339),
	}
	if job.ClaimedAt != nil {
		d.ClaimedAt = job.ClaimedAt.Format(time.RFC3339)
	}
	if job.UpdatedAt != nil {
		d.UpdatedAt = job.UpdatedAt.Format(time.RFC3339)
	}
	return d
}
