package domain

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"
)

// Job is the persisted record tracking one unit of work. It is stored as
// JSON at jobs/<id>; unknown fields are ignored and missing optional fields
// decode to their zero values.
type Job struct {
	ID            string     `json:"id"`
	State         string     `json:"state"`
	InputKey      string     `json:"input_key"`
	OutputKey     string     `json:"output_key,omitempty"`
	ClaimedBy     string     `json:"claimed_by,omitempty"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	Attempts      int        `json:"attempts"`
	Error         string     `json:"error,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	MaxAttempts   int        `json:"max_attempts,omitempty"`
	ContentType   string     `json:"content_type,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
	SchemaVersion int        `json:"schema_version,omitempty"`
}

// IsTerminal reports whether the job reached DONE or FAILED.
func (j *Job) IsTerminal() bool {
	return j.State == JobStateDone || j.State == JobStateFailed
}

// IsClaimed reports whether a worker currently holds the job.
func (j *Job) IsClaimed() bool {
	return j.State == JobStateClaimed || j.State == JobStateProcessing
}

// IsStale reports whether a claimed job's claim is older than staleAfter.
// A claimed job with no claim time is always stale.
func (j *Job) IsStale(now time.Time, staleAfter time.Duration) bool {
	if !j.IsClaimed() {
		return false
	}
	if j.ClaimedAt == nil {
		return true
	}
	return now.Sub(*j.ClaimedAt) > staleAfter
}

// EffectiveMaxAttempts returns the per-job limit, or def when unset.
func (j *Job) EffectiveMaxAttempts(def int) int {
	if j.MaxAttempts > 0 {
		return j.MaxAttempts
	}
	return def
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	if j.ClaimedAt != nil {
		t := *j.ClaimedAt
		c.ClaimedAt = &t
	}
	if j.UpdatedAt != nil {
		t := *j.UpdatedAt
		c.UpdatedAt = &t
	}
	return &c
}

// Validate checks the record invariants.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	}
	if !IsValidState(j.State) {
		return fmt.Errorf("%w: job %s has unknown state %q", ErrInvalidRecord, j.ID, j.State)
	}
	if j.InputKey == "" {
		return fmt.Errorf("%w: job %s has no input_key", ErrInvalidRecord, j.ID)
	}
	if j.Attempts < 0 {
		return fmt.Errorf("%w: job %s has negative attempts", ErrInvalidRecord, j.ID)
	}
	if (j.State == JobStateDone) != (j.OutputKey != "") {
		return fmt.Errorf("%w: job %s in state %s must have output_key iff DONE", ErrInvalidRecord, j.ID, j.State)
	}
	if j.IsClaimed() != (j.ClaimedBy != "") {
		return fmt.Errorf("%w: job %s in state %s must have claimed_by iff CLAIMED or PROCESSING", ErrInvalidRecord, j.ID, j.State)
	}
	if j.Error != "" && j.State != JobStateFailed {
		return fmt.Errorf("%w: job %s in state %s must not carry error; use last_error", ErrInvalidRecord, j.ID, j.State)
	}
	return nil
}

// IsValidState reports whether s is a known job state.
func IsValidState(s string) bool {
	switch s {
	case JobStatePending, JobStateClaimed, JobStateProcessing, JobStateDone, JobStateFailed:
		return true
	}
	return false
}

var transitions = map[string][]string{
	JobStatePending:    {JobStateClaimed},
	JobStateClaimed:    {JobStateProcessing, JobStatePending, JobStateFailed},
	JobStateProcessing: {JobStateDone, JobStatePending, JobStateFailed},
}

// CanTransition reports whether the state machine allows from -> to. DONE
// and FAILED have no outgoing edges; operator requeue of a FAILED job is a
// separate, explicit operation.
func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// DecodeJob parses and validates a stored record.
func DecodeJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if job.SchemaVersion == 0 {
		job.SchemaVersion = 1
	}
	// Older records kept the requeue diagnostic in error.
	if job.Error != "" && job.State != JobStateFailed {
		if job.LastError == "" {
			job.LastError = job.Error
		}
		job.Error = ""
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return &job, nil
}

// EncodeJob validates and serializes a record.
func EncodeJob(job *Job) ([]byte, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	return data, nil
}

// JobKey returns the record key for id.
func JobKey(id string) string {
	return JobsPrefix + id
}

// JobIDFromKey extracts the id from a record key.
func JobIDFromKey(key string) (string, bool) {
	id := strings.TrimPrefix(key, JobsPrefix)
	if id == key || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// OutputKey returns the processed output key for id.
func OutputKey(id string) string {
	return OutputsPrefix + id
}

// LeaseKey returns the lease object key for one claim attempt of id.
// Every claim increments attempts, so each attempt has its own key and a
// lease is never overwritten or taken over.
func LeaseKey(id string, attempt int) string {
	return fmt.Sprintf("%s%s/%d", LeasesPrefix, id, attempt)
}

// InputKey returns the upload key for id. Only the base name of filename
// is kept.
func InputKey(id, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		name = "upload"
	}
	return InputsPrefix + id + "/" + name
}
