// Package queue implements the job claim protocol on top of an object
// store. The store has no compare-and-swap, so a claim is an optimistic
// read-verify-write followed by a read-back; an optional Leaser closes the
// remaining race.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/spot-pipeline/internal/domain"
	"github.com/cuongbtq/spot-pipeline/internal/events"
	"github.com/cuongbtq/spot-pipeline/internal/observability"
	"github.com/cuongbtq/spot-pipeline/internal/retry"
	"github.com/cuongbtq/spot-pipeline/internal/storage"
)

// Defaults applied to zero Config fields.
const (
	DefaultStaleAfter  = 5 * time.Minute
	DefaultMaxAttempts = 3
)

// ErrEmptyInput is returned by Submit for an empty upload.
var ErrEmptyInput = errors.New("input payload is empty")

// maxIDCollisions bounds how many fresh ids Submit tries.
const maxIDCollisions = 3

// Config tunes the claim protocol.
type Config struct {
	// StaleAfter is the age after which a claim is considered abandoned.
	StaleAfter time.Duration
	// MaxAttempts is the number of claims a job gets before it is FAILED.
	MaxAttempts int
	Retry       retry.Policy
}

// Queue coordinates job records between producers and workers.
type Queue struct {
	storage   *storage.Storage
	leaser    Leaser
	publisher events.Publisher
	metrics   *observability.Metrics
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// Option customizes a Queue.
type Option func(*Queue)

// WithLeaser installs a claim leaser.
func WithLeaser(l Leaser) Option {
	return func(q *Queue) { q.leaser = l }
}

// WithPublisher installs a lifecycle event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(q *Queue) { q.publisher = p }
}

// WithMetrics installs metric instruments.
func WithMetrics(m *observability.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithClock replaces the time source of the queue and its storage.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
		q.storage.SetClock(now)
	}
}

// New creates a Queue over st.
func New(st *storage.Storage, cfg Config, logger *slog.Logger, opts ...Option) *Queue {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Retry.MaxAttempts == 0 {
		sleep := cfg.Retry.Sleep
		cfg.Retry = retry.DefaultPolicy()
		cfg.Retry.Sleep = sleep
	}
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = logger
	}

	q := &Queue{
		storage:   st,
		leaser:    NoopLeaser{},
		publisher: events.Noop{},
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Config returns the effective configuration.
func (q *Queue) Config() Config {
	return q.cfg
}

// SubmitRequest describes an uploaded image to process.
type SubmitRequest struct {
	Filename    string
	Data        []byte
	ContentType string
	MaxAttempts int
}

// Submit stores the input and creates a PENDING record for it. An id
// collision is retried with a fresh id.
func (q *Queue) Submit(ctx context.Context, req SubmitRequest) (*domain.Job, error) {
	if len(req.Data) == 0 {
		return nil, ErrEmptyInput
	}

	var lastErr error
	for i := 0; i < maxIDCollisions; i++ {
		id := uuid.New().String()

		var inputKey string
		err := retry.Do(ctx, q.cfg.Retry, "put input", func(ctx context.Context) error {
			key, err := q.storage.PutInput(ctx, id, req.Filename, req.Data, req.ContentType)
			inputKey = key
			return err
		})
		if err != nil {
			return nil, err
		}

		job, err := q.create(ctx, id, inputKey, req)
		if errors.Is(err, domain.ErrJobConflict) {
			q.logger.Warn("Job id collision, retrying with a new id", slog.String("job_id", id))
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}

		q.metrics.JobSubmitted(ctx)
		q.publish(ctx, events.TypeJobCreated, job, "")
		q.logger.Info("Job submitted",
			slog.String("job_id", job.ID),
			slog.String("input_key", job.InputKey),
		)
		return job, nil
	}

	return nil, fmt.Errorf("failed to submit job after %d id collisions: %w", maxIDCollisions, lastErr)
}

// create writes the record, recognising our own earlier write when a
// retried create reports a conflict.
func (q *Queue) create(ctx context.Context, id, inputKey string, req SubmitRequest) (*domain.Job, error) {
	var job *domain.Job
	err := retry.Do(ctx, q.cfg.Retry, "create job", func(ctx context.Context) error {
		j, err := q.storage.CreateJob(ctx, inputKey, storage.CreateOptions{
			ID:          id,
			ContentType: req.ContentType,
			MaxAttempts: req.MaxAttempts,
		})
		job = j
		return err
	})
	if !errors.Is(err, domain.ErrJobConflict) {
		return job, err
	}

	existing, readErr := q.read(ctx, id)
	if readErr == nil && existing.InputKey == inputKey && existing.State == domain.JobStatePending {
		return existing, nil
	}
	return nil, err
}

// Get returns the current record for jobID.
func (q *Queue) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	return q.read(ctx, jobID)
}

// Candidates returns the jobs a worker may try to claim: PENDING jobs
// first, then stale claims, each group oldest first.
func (q *Queue) Candidates(ctx context.Context) ([]*domain.Job, error) {
	now := q.now()

	var pending, stale []*domain.Job
	err := retry.Do(ctx, q.cfg.Retry, "scan jobs", func(ctx context.Context) error {
		pending, stale = nil, nil
		_, err := q.storage.ScanJobs(ctx, func(job *domain.Job) error {
			switch {
			case job.State == domain.JobStatePending:
				pending = append(pending, job)
			case job.IsStale(now, q.cfg.StaleAfter):
				stale = append(stale, job)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	sortOldestFirst(pending)
	sortOldestFirst(stale)
	return append(pending, stale...), nil
}

func sortOldestFirst(jobs []*domain.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}

// RecoverStale resets every stale CLAIMED or PROCESSING record to PENDING
// and returns how many were reset. Attempts are left unchanged. Per-job
// failures do not stop the pass and are returned joined.
func (q *Queue) RecoverStale(ctx context.Context) (int, error) {
	now := q.now()

	var stale []*domain.Job
	err := retry.Do(ctx, q.cfg.Retry, "scan jobs", func(ctx context.Context) error {
		stale = nil
		_, err := q.storage.ScanJobs(ctx, func(job *domain.Job) error {
			if job.IsStale(now, q.cfg.StaleAfter) {
				stale = append(stale, job)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return 0, err
	}

	recovered := 0
	var errs []error
	for _, job := range stale {
		ok, err := q.resetStale(ctx, job)
		if err != nil {
			q.logger.Error("Failed to reset stale job",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
			errs = append(errs, fmt.Errorf("job %s: %w", job.ID, err))
			continue
		}
		if ok {
			recovered++
		}
	}

	q.metrics.JobsRecovered(ctx, recovered)
	return recovered, errors.Join(errs...)
}

// resetStale re-reads the record and resets it only if it still carries
// the stale claim that was observed.
func (q *Queue) resetStale(ctx context.Context, observed *domain.Job) (bool, error) {
	current, err := q.read(ctx, observed.ID)
	if err != nil {
		return false, err
	}
	if !current.IsStale(q.now(), q.cfg.StaleAfter) ||
		current.ClaimedBy != observed.ClaimedBy ||
		current.Attempts != observed.Attempts {
		return false, nil
	}

	previousOwner := current.ClaimedBy
	resetClaim(current, fmt.Sprintf("claim by %s expired in state %s", previousOwner, current.State))

	if err := q.save(ctx, current); err != nil {
		return false, err
	}

	q.logger.Warn("Stale claim reset to PENDING",
		slog.String("job_id", current.ID),
		slog.String("previous_worker", previousOwner),
		slog.Int("attempts", current.Attempts),
	)
	q.publish(ctx, events.TypeJobRequeued, current, previousOwner)
	return true, nil
}

func resetClaim(job *domain.Job, reason string) {
	job.State = domain.JobStatePending
	job.ClaimedBy = ""
	job.ClaimedAt = nil
	if reason != "" {
		job.LastError = reason
	}
}

// Claim takes jobID for workerID. A stale claim is reset first. The
// returned record is the one read back after the write; ErrJobAlreadyClaimed
// means another worker owns the job or won the race.
func (q *Queue) Claim(ctx context.Context, jobID, workerID string) (*domain.Job, error) {
	job, err := q.read(ctx, jobID)
	if err != nil {
		q.metrics.ClaimAttempted(ctx, "error")
		return nil, err
	}

	now := q.now()
	if job.IsStale(now, q.cfg.StaleAfter) {
		q.logger.Warn("Reclaiming stale job",
			slog.String("job_id", jobID),
			slog.String("previous_worker", job.ClaimedBy),
			slog.String("worker_id", workerID),
		)
		resetClaim(job, fmt.Sprintf("claim by %s expired in state %s", job.ClaimedBy, job.State))
	}

	if job.State != domain.JobStatePending {
		q.metrics.ClaimAttempted(ctx, "lost")
		return nil, fmt.Errorf("%w: job %s is %s", domain.ErrJobAlreadyClaimed, jobID, job.State)
	}

	attempt := job.Attempts + 1

	var acquired bool
	err = retry.Do(ctx, q.cfg.Retry, "acquire lease", func(ctx context.Context) error {
		ok, err := q.leaser.Acquire(ctx, jobID, attempt, workerID)
		acquired = ok
		return err
	})
	if err != nil {
		q.metrics.ClaimAttempted(ctx, "error")
		return nil, err
	}
	if !acquired {
		q.metrics.ClaimAttempted(ctx, "lost")
		q.logger.Warn("Failed to claim job - lease held by another worker",
			slog.String("job_id", jobID),
			slog.String("worker_id", workerID),
			slog.Int("attempt", attempt),
		)
		return nil, fmt.Errorf("%w: job %s attempt %d is leased", domain.ErrJobAlreadyClaimed, jobID, attempt)
	}

	claimedAt := now
	job.State = domain.JobStateClaimed
	job.ClaimedBy = workerID
	job.ClaimedAt = &claimedAt
	job.Attempts = attempt

	if err := q.save(ctx, job); err != nil {
		q.release(ctx, jobID, attempt, workerID)
		q.metrics.ClaimAttempted(ctx, "error")
		return nil, err
	}

	current, err := q.read(ctx, jobID)
	if err != nil {
		q.metrics.ClaimAttempted(ctx, "error")
		return nil, err
	}
	if !holdsClaim(current, workerID, attempt, claimedAt) {
		q.release(ctx, jobID, attempt, workerID)
		q.metrics.ClaimAttempted(ctx, "lost")
		q.logger.Warn("Failed to claim job - claim overwritten by another worker",
			slog.String("job_id", jobID),
			slog.String("worker_id", workerID),
			slog.String("winner", current.ClaimedBy),
		)
		return nil, fmt.Errorf("%w: job %s taken by %q", domain.ErrJobAlreadyClaimed, jobID, current.ClaimedBy)
	}

	q.metrics.ClaimAttempted(ctx, "won")
	q.publish(ctx, events.TypeJobClaimed, current, workerID)
	q.logger.Info("Job claimed successfully",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
		slog.Int("attempt", attempt),
	)

	return current, nil
}

func holdsClaim(job *domain.Job, workerID string, attempt int, claimedAt time.Time) bool {
	return job.State == domain.JobStateClaimed &&
		job.ClaimedBy == workerID &&
		job.Attempts == attempt &&
		job.ClaimedAt != nil &&
		job.ClaimedAt.Equal(claimedAt)
}

// MarkProcessing moves a claimed job to PROCESSING.
func (q *Queue) MarkProcessing(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	current, err := q.owned(ctx, job)
	if err != nil {
		return nil, err
	}
	if err := transition(current, domain.JobStateProcessing); err != nil {
		return nil, err
	}

	if err := q.save(ctx, current); err != nil {
		return nil, err
	}
	return current, nil
}

// Complete marks the job DONE. The output object must already exist.
func (q *Queue) Complete(ctx context.Context, job *domain.Job, outputKey string) (*domain.Job, error) {
	var exists bool
	err := retry.Do(ctx, q.cfg.Retry, "check output", func(ctx context.Context) error {
		ok, err := q.storage.ObjectExists(ctx, outputKey)
		exists = ok
		return err
	})
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("cannot complete job %s: output %s does not exist", job.ID, outputKey)
	}

	current, err := q.owned(ctx, job)
	if err != nil {
		return nil, err
	}
	if err := transition(current, domain.JobStateDone); err != nil {
		return nil, err
	}

	workerID := current.ClaimedBy
	current.OutputKey = outputKey
	current.ClaimedBy = ""
	current.Error = ""

	if err := q.save(ctx, current); err != nil {
		return nil, err
	}

	q.release(ctx, current.ID, current.Attempts, workerID)
	q.publish(ctx, events.TypeJobCompleted, current, workerID)
	q.logger.Info("Job completed",
		slog.String("job_id", current.ID),
		slog.String("output_key", outputKey),
		slog.String("worker_id", workerID),
	)

	return current, nil
}

// Fail records cause on the job. With attempts left the job goes back to
// PENDING with the cause in last_error; otherwise it is FAILED with error set.
func (q *Queue) Fail(ctx context.Context, job *domain.Job, cause error) (*domain.Job, error) {
	current, err := q.owned(ctx, job)
	if err != nil {
		return nil, err
	}

	workerID := current.ClaimedBy
	maxAttempts := current.EffectiveMaxAttempts(q.cfg.MaxAttempts)
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}

	eventType := events.TypeJobRequeued
	if current.Attempts < maxAttempts {
		if err := transition(current, domain.JobStatePending); err != nil {
			return nil, err
		}
		resetClaim(current, reason)
	} else {
		if err := transition(current, domain.JobStateFailed); err != nil {
			return nil, err
		}
		current.ClaimedBy = ""
		current.Error = fmt.Sprintf("%s: %s", domain.ErrMaxRetriesExceeded, reason)
		current.LastError = reason
		eventType = events.TypeJobFailed
	}

	if err := q.save(ctx, current); err != nil {
		return nil, err
	}

	q.release(ctx, current.ID, current.Attempts, workerID)
	q.publish(ctx, eventType, current, workerID)
	q.logger.Warn("Job attempt failed",
		slog.String("job_id", current.ID),
		slog.String("state", current.State),
		slog.Int("attempts", current.Attempts),
		slog.Int("max_attempts", maxAttempts),
		slog.String("error", reason),
	)

	return current, nil
}

// Requeue returns a FAILED job to PENDING and grants it extra attempts.
// Attempts are never reset, so the limit is raised instead.
func (q *Queue) Requeue(ctx context.Context, jobID string, extraAttempts int) (*domain.Job, error) {
	if extraAttempts <= 0 {
		extraAttempts = 1
	}

	current, err := q.read(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if current.State != domain.JobStateFailed {
		return nil, fmt.Errorf("%w: only FAILED jobs can be requeued, job %s is %s", domain.ErrInvalidTransition, jobID, current.State)
	}

	current.State = domain.JobStatePending
	current.ClaimedAt = nil
	current.MaxAttempts = current.Attempts + extraAttempts
	current.LastError = current.Error
	current.Error = ""

	if err := q.save(ctx, current); err != nil {
		return nil, err
	}

	q.publish(ctx, events.TypeJobRequeued, current, "")
	q.logger.Info("Job requeued by operator",
		slog.String("job_id", jobID),
		slog.Int("max_attempts", current.MaxAttempts),
	)
	return current, nil
}

// owned re-reads job and checks the caller still holds the same claim.
func (q *Queue) owned(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	current, err := q.read(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if !current.IsClaimed() ||
		current.State != job.State ||
		current.ClaimedBy != job.ClaimedBy ||
		current.Attempts != job.Attempts {
		return nil, fmt.Errorf("%w: job %s claim by %s lost (now %s by %q)",
			domain.ErrJobAlreadyClaimed, job.ID, job.ClaimedBy, current.State, current.ClaimedBy)
	}
	return current, nil
}

func transition(job *domain.Job, to string) error {
	if !domain.CanTransition(job.State, to) {
		return fmt.Errorf("%w: %s -> %s for job %s", domain.ErrInvalidTransition, job.State, to, job.ID)
	}
	job.State = to
	return nil
}

func (q *Queue) read(ctx context.Context, jobID string) (*domain.Job, error) {
	var job *domain.Job
	err := retry.Do(ctx, q.cfg.Retry, "read job", func(ctx context.Context) error {
		j, err := q.storage.GetJobByID(ctx, jobID)
		job = j
		return err
	})
	return job, err
}

func (q *Queue) save(ctx context.Context, job *domain.Job) error {
	return retry.Do(ctx, q.cfg.Retry, "save job", func(ctx context.Context) error {
		return q.storage.SaveJob(ctx, job)
	})
}

func (q *Queue) release(ctx context.Context, jobID string, attempt int, workerID string) {
	if err := q.leaser.Release(ctx, jobID, attempt, workerID); err != nil {
		q.logger.Warn("Failed to release lease",
			slog.String("job_id", jobID),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
	}
}

func (q *Queue) publish(ctx context.Context, eventType string, job *domain.Job, workerID string) {
	if err := q.publisher.Publish(ctx, events.FromJob(eventType, job, workerID, q.now())); err != nil {
		q.logger.Error("Failed to publish job event",
			slog.String("job_id", job.ID),
			slog.String("type", eventType),
			slog.Any("error", err),
		)
	}
}
