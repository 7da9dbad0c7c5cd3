package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

var (
	// ErrNotFound is returned when a key or container does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrConflict is returned by CreateIfAbsent when the key already exists.
	ErrConflict = errors.New("object already exists")

	// ErrTransient marks failures that may succeed when retried.
	ErrTransient = errors.New("transient storage error")

	// ErrInvalidKey is returned for empty keys or keys escaping the container.
	ErrInvalidKey = errors.New("invalid object key")
)

// TransientError wraps a retryable backend failure.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, ErrTransient.Error(), e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrTransient) hold for every TransientError.
func (e *TransientError) Is(target error) bool {
	return target == ErrTransient
}

// Transient wraps err as a TransientError.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// NotFound returns an ErrNotFound naming the missing key.
func NotFound(container, key string) error {
	return fmt.Errorf("%w: %s/%s", ErrNotFound, container, key)
}

// Conflict returns an ErrConflict naming the existing key.
func Conflict(container, key string) error {
	return fmt.Errorf("%w: %s/%s", ErrConflict, container, key)
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// RetryableStatus reports whether an HTTP status returned by a provider
// signals a temporary condition.
func RetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusRequestTimeout ||
		code >= http.StatusInternalServerError
}

// IsNetworkError reports whether err came from the transport rather than
// the provider.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// ValidateKey rejects keys that are empty, absolute or contain ".." segments.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}
