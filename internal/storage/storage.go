package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/spot-pipeline/internal/domain"
	"github.com/cuongbtq/spot-pipeline/shared/objectstore"
)

// Containers names where records and payloads live. Both may be the same
// container since keys are prefixed.
type Containers struct {
	Jobs string
	Data string
}

// CreateOptions carries optional fields for a new job.
type CreateOptions struct {
	// ID is used when the caller already wrote the input under it.
	ID          string
	ContentType string
	MaxAttempts int
}

// JobPage is one page of job records.
type JobPage struct {
	Jobs       []*domain.Job
	Invalid    []string
	NextMarker string
}

// ScanResult summarizes a full pass over the job container.
type ScanResult struct {
	Scanned int
	Invalid []string
}

// Storage reads and writes job records and image payloads
type Storage struct {
	store      objectstore.Store
	containers Containers
	logger     *slog.Logger
	now        func() time.Time
}

// NewStorage creates a new Storage instance
func NewStorage(store objectstore.Store, containers Containers, logger *slog.Logger) *Storage {
	return &Storage{
		store:      store,
		containers: containers,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for audit timestamps.
func (s *Storage) SetClock(now func() time.Time) {
	s.now = now
}

// Store returns the underlying object store.
func (s *Storage) Store() objectstore.Store {
	return s.store
}

// Containers returns the configured container names.
func (s *Storage) Containers() Containers {
	return s.containers
}

// CreateJob writes a new PENDING record. It fails with ErrJobConflict if
// a record already exists under the id.
func (s *Storage) CreateJob(ctx context.Context, inputKey string, opts CreateOptions) (*domain.Job, error) {
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}

	job := &domain.Job{
		ID:            id,
		State:         domain.JobStatePending,
		InputKey:      inputKey,
		Attempts:      0,
		MaxAttempts:   opts.MaxAttempts,
		ContentType:   opts.ContentType,
		CreatedAt:     s.now(),
		SchemaVersion: domain.CurrentSchemaVersion,
	}

	data, err := domain.EncodeJob(job)
	if err != nil {
		return nil, err
	}

	key := domain.JobKey(id)
	meta := objectstore.Metadata{ContentType: domain.ContentTypeJSON}

	if cs, ok := s.store.(objectstore.ConditionalStore); ok {
		err = cs.CreateIfAbsent(ctx, s.containers.Jobs, key, data, meta)
	} else {
		err = s.putIfMissing(ctx, key, data, meta)
	}
	if err != nil {
		if errors.Is(err, objectstore.ErrConflict) {
			return nil, fmt.Errorf("%w: %s", domain.ErrJobConflict, id)
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Debug("Job record created",
		slog.String("job_id", id),
		slog.String("input_key", inputKey),
	)

	return job, nil
}

// putIfMissing is the best-effort fallback for stores without a
// create-if-absent primitive.
func (s *Storage) putIfMissing(ctx context.Context, key string, data []byte, meta objectstore.Metadata) error {
	exists, err := s.store.Exists(ctx, s.containers.Jobs, key)
	if err != nil {
		return err
	}
	if exists {
		return objectstore.Conflict(s.containers.Jobs, key)
	}
	return s.store.Put(ctx, s.containers.Jobs, key, data, meta)
}

// GetJobByID reads and validates the record for jobID
func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.getJobByKey(ctx, domain.JobKey(jobID))
}

func (s *Storage) getJobByKey(ctx context.Context, key string) (*domain.Job, error) {
	data, _, err := s.store.Get(ctx, s.containers.Jobs, key)
	if err != nil {
		if objectstore.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, key)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job, err := domain.DecodeJob(data)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", key, err)
	}

	if domain.JobKey(job.ID) != key {
		return nil, fmt.Errorf("%w: record at %s carries id %s", domain.ErrInvalidRecord, key, job.ID)
	}

	return job, nil
}

// SaveJob overwrites the full record. There is no partial update: every
// mutation is read-modify-write.
func (s *Storage) SaveJob(ctx context.Context, job *domain.Job) error {
	now := s.now()
	job.UpdatedAt = &now
	job.SchemaVersion = domain.CurrentSchemaVersion

	data, err := domain.EncodeJob(job)
	if err != nil {
		return err
	}

	if err := s.store.Put(ctx, s.containers.Jobs, domain.JobKey(job.ID), data, objectstore.Metadata{ContentType: domain.ContentTypeJSON}); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}

	return nil
}

// ListJobs returns one page of records in key order. Records that fail to
// decode are listed in Invalid rather than dropped.
func (s *Storage) ListJobs(ctx context.Context, marker string, limit int) (*JobPage, error) {
	page, err := s.store.List(ctx, s.containers.Jobs, domain.JobsPrefix, marker, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := &JobPage{NextMarker: page.NextMarker}
	for _, obj := range page.Objects {
		job, err := s.loadListed(ctx, obj.Key)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidRecord) {
				result.Invalid = append(result.Invalid, obj.Key)
				continue
			}
			return nil, err
		}
		if job != nil {
			result.Jobs = append(result.Jobs, job)
		}
	}

	return result, nil
}

// ScanJobs calls fn for every valid record in the job container. Invalid
// records are logged and returned in the result; fn errors stop the scan.
func (s *Storage) ScanJobs(ctx context.Context, fn func(*domain.Job) error) (*ScanResult, error) {
	result := &ScanResult{}

	err := objectstore.Walk(ctx, s.store, s.containers.Jobs, domain.JobsPrefix, func(obj objectstore.ObjectInfo) error {
		job, err := s.loadListed(ctx, obj.Key)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidRecord) {
				result.Invalid = append(result.Invalid, obj.Key)
				return nil
			}
			return err
		}
		if job == nil {
			return nil
		}
		result.Scanned++
		return fn(job)
	})
	if err != nil {
		return result, fmt.Errorf("failed to scan jobs: %w", err)
	}

	return result, nil
}

// loadListed reads a key returned by a listing. A nil job with nil error
// means the key is not a record or vanished after listing.
func (s *Storage) loadListed(ctx context.Context, key string) (*domain.Job, error) {
	if _, ok := domain.JobIDFromKey(key); !ok {
		s.logger.Warn("Skipping unexpected key in job container", slog.String("key", key))
		return nil, nil
	}

	job, err := s.getJobByKey(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			s.logger.Debug("Job record vanished during listing", slog.String("key", key))
			return nil, nil
		}
		if errors.Is(err, domain.ErrInvalidRecord) {
			s.logger.Error("Invalid job record",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, err
	}
	return job, nil
}

// PutInput stores an uploaded image and returns its key.
func (s *Storage) PutInput(ctx context.Context, jobID, filename string, data []byte, contentType string) (string, error) {
	key := domain.InputKey(jobID, filename)
	if err := s.store.Put(ctx, s.containers.Data, key, data, objectstore.Metadata{ContentType: contentType}); err != nil {
		return "", fmt.Errorf("failed to store input: %w", err)
	}
	return key, nil
}

// PutOutput stores the processed image at outputs/<id> and returns the key.
func (s *Storage) PutOutput(ctx context.Context, jobID string, data []byte, contentType string) (string, error) {
	key := domain.OutputKey(jobID)
	if err := s.store.Put(ctx, s.containers.Data, key, data, objectstore.Metadata{ContentType: contentType}); err != nil {
		return "", fmt.Errorf("failed to store output: %w", err)
	}
	return key, nil
}

// GetObject reads a payload from the data container.
func (s *Storage) GetObject(ctx context.Context, key string) ([]byte, objectstore.ObjectInfo, error) {
	data, info, err := s.store.Get(ctx, s.containers.Data, key)
	if err != nil {
		return nil, objectstore.ObjectInfo{}, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	return data, info, nil
}

// ObjectExists reports whether key exists in the data container.
func (s *Storage) ObjectExists(ctx context.Context, key string) (bool, error) {
	ok, err := s.store.Exists(ctx, s.containers.Data, key)
	if err != nil {
		return false, fmt.Errorf("failed to check object %s: %w", key, err)
	}
	return ok, nil
}
