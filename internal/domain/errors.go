package domain

import (
	"errors"

	"github.com/cuongbtq/spot-pipeline/shared/objectstore"
)

var (
	// ErrJobNotFound is returned when a job record does not exist
	ErrJobNotFound = errors.New("job not found")

	// ErrJobConflict is returned when a new job id collides with an existing record
	ErrJobConflict = errors.New("job id already exists")

	// ErrJobAlreadyClaimed is returned when the claim was lost or the job is not claimable
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in PENDING state")

	// ErrInvalidRecord is returned when a stored record is malformed or breaks an invariant
	ErrInvalidRecord = errors.New("invalid job record")

	// ErrInvalidTransition is returned for state changes the state machine forbids
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrUnrecoverable marks processing failures that retrying the same input cannot fix
	ErrUnrecoverable = errors.New("unrecoverable processing error")

	// ErrMaxRetriesExceeded is returned when a job has used all of its attempts
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// RetryableError wraps transient errors that should trigger a retry
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// Kind classifies an error for retry and reporting decisions.
type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindTransient     Kind = "transient"
	KindValidation    Kind = "validation"
	KindUnrecoverable Kind = "unrecoverable"
	KindUnknown       Kind = "unknown"
)

// KindOf maps err onto the error taxonomy.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var retryable *RetryableError
	switch {
	case errors.As(err, &retryable), objectstore.IsTransient(err):
		return KindTransient
	case errors.Is(err, ErrJobNotFound), objectstore.IsNotFound(err):
		return KindNotFound
	case errors.Is(err, ErrJobConflict), errors.Is(err, objectstore.ErrConflict), errors.Is(err, ErrJobAlreadyClaimed):
		return KindConflict
	case errors.Is(err, ErrInvalidRecord), errors.Is(err, ErrInvalidTransition), errors.Is(err, objectstore.ErrInvalidKey):
		return KindValidation
	case errors.Is(err, ErrUnrecoverable):
		return KindUnrecoverable
	}
	return KindUnknown
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}
