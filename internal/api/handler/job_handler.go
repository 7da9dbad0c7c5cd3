package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/spot-pipeline/internal/api/dto"
	"github.com/cuongbtq/spot-pipeline/internal/domain"
	"github.com/cuongbtq/spot-pipeline/internal/queue"
	"github.com/cuongbtq/spot-pipeline/shared/objectstore"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /api/v1/jobs
// Stores the uploaded image and creates a PENDING job for it
func (h *JobHandler) CreateJob(c *gin.Context) {
	if c.Request.ContentLength > h.maxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, dto.ErrorResponse{
			Error: fmt.Sprintf("upload exceeds %d bytes", h.maxUploadSize),
		})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize)

	var form dto.CreateJobForm
	if err := c.ShouldBind(&form); err != nil {
		h.logger.Warn("Invalid form fields", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid form fields"})
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, dto.ErrorResponse{
				Error: fmt.Sprintf("upload exceeds %d bytes", h.maxUploadSize),
			})
			return
		}
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "file is required"})
		return
	}

	f, err := header.Open()
	if err != nil {
		h.logger.Error("Failed to open upload", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Failed to read upload"})
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		h.logger.Error("Failed to read upload", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Failed to read upload"})
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}

	job, err := h.queue.Submit(c.Request.Context(), queue.SubmitRequest{
		Filename:    header.Filename,
		Data:        data,
		ContentType: contentType,
		MaxAttempts: form.MaxAttempts,
	})
	if err != nil {
		if errors.Is(err, queue.ErrEmptyInput) {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "file is empty"})
			return
		}
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to create job"})
		return
	}

	c.JSON(http.StatusCreated, dto.NewJobDTO(job))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves the current record of a job
func (h *JobHandler) GetJob(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// GetJobResult handles GET /api/v1/jobs/:job_id/result
// Streams the output image of a DONE job
func (h *JobHandler) GetJobResult(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}

	if job.State != domain.JobStateDone {
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: "job has no result yet", State: job.State})
		return
	}

	data, info, err := h.storage.GetObject(c.Request.Context(), job.OutputKey)
	if err != nil {
		if objectstore.IsNotFound(err) {
			h.logger.Error("Output missing for DONE job",
				slog.String("job_id", job.ID),
				slog.String("output_key", job.OutputKey),
			)
			c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "result not found"})
			return
		}
		h.logger.Error("Failed to read result", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to read result"})
		return
	}

	contentType := info.ContentType
	if contentType == "" {
		contentType = domain.ContentTypePNG
	}
	c.Data(http.StatusOK, contentType, data)
}

// ListJobs handles GET /api/v1/jobs
// Lists one page of jobs in key order, optionally filtered by state
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters"})
		return
	}

	if req.State != "" && !domain.IsValidState(req.State) {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: fmt.Sprintf("unknown state %q", req.State)})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	marker, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid cursor"})
		return
	}

	page, err := h.storage.ListJobs(c.Request.Context(), marker, req.PageSize)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to list jobs"})
		return
	}

	jobs := make([]dto.JobDTO, 0, len(page.Jobs))
	for _, job := range page.Jobs {
		if req.State != "" && job.State != req.State {
			continue
		}
		jobs = append(jobs, dto.NewJobDTO(job))
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobs,
		Invalid:    page.Invalid,
		NextCursor: EncodeJobCursor(page.NextMarker),
	})
}

// RequeueJob handles POST /api/v1/jobs/:job_id/requeue
// Returns a FAILED job to PENDING with extra attempts
func (h *JobHandler) RequeueJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	var req dto.RequeueJobRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
			return
		}
	}

	job, err := h.queue.Requeue(c.Request.Context(), jobID, req.ExtraAttempts)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "job not found"})
		case errors.Is(err, domain.ErrInvalidTransition):
			c.JSON(http.StatusConflict, dto.ErrorResponse{Error: "only FAILED jobs can be requeued"})
		default:
			h.logger.Error("Failed to requeue job", slog.String("job_id", jobID), slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to requeue job"})
		}
		return
	}

	if err := h.cache.Invalidate(c.Request.Context(), jobID); err != nil {
		h.logger.Warn("Failed to invalidate cached job", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

func (h *JobHandler) jobID(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "job_id must be a valid UUID"})
		return "", false
	}
	return jobID, true
}

// loadJob reads a job through the status cache and writes the error
// response itself when it fails.
func (h *JobHandler) loadJob(c *gin.Context) (*domain.Job, bool) {
	jobID, ok := h.jobID(c)
	if !ok {
		return nil, false
	}
	ctx := c.Request.Context()

	job, hit, err := h.cache.Get(ctx, jobID)
	if err != nil {
		h.logger.Warn("Status cache read failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
	if hit {
		c.Header("X-Cache", "HIT")
		return job, true
	}

	job, err = h.queue.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "job not found"})
			return nil, false
		}
		h.logger.Error("Failed to get job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to get job"})
		return nil, false
	}

	if err := h.cache.Set(ctx, job); err != nil {
		h.logger.Warn("Status cache write failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
	c.Header("X-Cache", "MISS")
	return job, true
}
