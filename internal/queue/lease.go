package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/spot-pipeline/internal/domain"
	"github.com/cuongbtq/spot-pipeline/shared/objectstore"
)

// Lease modes accepted in configuration.
const (
	LeaseModeNone        = "none"
	LeaseModeConditional = "conditional"
	LeaseModePostgres    = "postgres"
)

// Leaser grants at most one worker the right to claim a given attempt of a
// job. Attempt numbers only grow, so a lease is never reused. A lease older
// than its TTL belongs to a claimer that died before recording the claim and
// can be taken over.
type Leaser interface {
	// Acquire reports whether workerID now holds the lease.
	Acquire(ctx context.Context, jobID string, attempt int, workerID string) (bool, error)
	// Release drops a lease held by workerID. Missing leases are ignored.
	Release(ctx context.Context, jobID string, attempt int, workerID string) error
}

// NoopLeaser grants every request. Concurrent claimers are then only
// separated by the claim read-back, which can let a duplicate through.
type NoopLeaser struct{}

func (NoopLeaser) Acquire(context.Context, string, int, string) (bool, error) { return true, nil }
func (NoopLeaser) Release(context.Context, string, int, string) error         { return nil }

type leaseRecord struct {
	JobID      string    `json:"job_id"`
	Attempt    int       `json:"attempt"`
	WorkerID   string    `json:"worker_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func leaseTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultStaleAfter
	}
	return ttl
}

// ObjectLeaser stores leases as objects created with create-if-absent.
type ObjectLeaser struct {
	store     objectstore.ConditionalStore
	container string
	ttl       time.Duration
	now       func() time.Time
}

// NewObjectLeaser fails when store has no create-if-absent primitive. ttl
// should match the queue's stale_after.
func NewObjectLeaser(store objectstore.Store, container string, ttl time.Duration) (*ObjectLeaser, error) {
	cs, ok := store.(objectstore.ConditionalStore)
	if !ok {
		return nil, fmt.Errorf("lease mode %q requires a storage backend with create-if-absent support", LeaseModeConditional)
	}
	return &ObjectLeaser{
		store:     cs,
		container: container,
		ttl:       leaseTTL(ttl),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock replaces the time source used to stamp and age leases.
func (l *ObjectLeaser) SetClock(now func() time.Time) {
	l.now = now
}

func (l *ObjectLeaser) Acquire(ctx context.Context, jobID string, attempt int, workerID string) (bool, error) {
	key := domain.LeaseKey(jobID, attempt)
	body, err := json.Marshal(leaseRecord{
		JobID:      jobID,
		Attempt:    attempt,
		WorkerID:   workerID,
		AcquiredAt: l.now(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal lease: %w", err)
	}

	ok, err := l.create(ctx, key, body)
	if ok || err != nil {
		return ok, err
	}

	held, err := l.read(ctx, key)
	if objectstore.IsNotFound(err) {
		// Released between the two calls.
		return l.create(ctx, key, body)
	}
	if err != nil {
		return false, err
	}
	if l.now().Sub(held.AcquiredAt) < l.ttl {
		return false, nil
	}

	// The holder never recorded its claim. Concurrent takeovers of the same
	// lease can both succeed here; the claim read-back still picks one.
	if err := l.store.Delete(ctx, l.container, key); err != nil && !objectstore.IsNotFound(err) {
		return false, fmt.Errorf("failed to remove abandoned lease: %w", err)
	}
	return l.create(ctx, key, body)
}

func (l *ObjectLeaser) create(ctx context.Context, key string, body []byte) (bool, error) {
	err := l.store.CreateIfAbsent(ctx, l.container, key, body, objectstore.Metadata{ContentType: domain.ContentTypeJSON})
	if errors.Is(err, objectstore.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return true, nil
}

// read decodes the lease at key. An undecodable lease is aged by its
// modification time.
func (l *ObjectLeaser) read(ctx context.Context, key string) (leaseRecord, error) {
	data, info, err := l.store.Get(ctx, l.container, key)
	if err != nil {
		if objectstore.IsNotFound(err) {
			return leaseRecord{}, err
		}
		return leaseRecord{}, fmt.Errorf("failed to read lease: %w", err)
	}

	var rec leaseRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.AcquiredAt.IsZero() {
		return leaseRecord{AcquiredAt: info.LastModified}, nil
	}
	return rec, nil
}

func (l *ObjectLeaser) Release(ctx context.Context, jobID string, attempt int, workerID string) error {
	key := domain.LeaseKey(jobID, attempt)

	rec, err := l.read(ctx, key)
	if objectstore.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.WorkerID != workerID {
		return nil
	}

	if err := l.store.Delete(ctx, l.container, key); err != nil && !objectstore.IsNotFound(err) {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

const leaseSchema = `
	CREATE TABLE IF NOT EXISTS job_leases (
		job_id      TEXT        NOT NULL,
		attempt     INTEGER     NOT NULL,
		worker_id   TEXT        NOT NULL,
		acquired_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (job_id, attempt)
	)
`

// PostgresLeaser keeps leases as rows keyed by (job_id, attempt).
type PostgresLeaser struct {
	db  *sqlx.DB
	ttl time.Duration
}

// NewPostgresLeaser creates a new PostgresLeaser instance
func NewPostgresLeaser(db *sqlx.DB, ttl time.Duration) *PostgresLeaser {
	return &PostgresLeaser{db: db, ttl: leaseTTL(ttl)}
}

// EnsureSchema creates the lease table if needed.
func (l *PostgresLeaser) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, leaseSchema); err != nil {
		return fmt.Errorf("failed to create job_leases table: %w", err)
	}
	return nil
}

func (l *PostgresLeaser) Acquire(ctx context.Context, jobID string, attempt int, workerID string) (bool, error) {
	query := `
		INSERT INTO job_leases (job_id, attempt, worker_id, acquired_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (job_id, attempt) DO UPDATE
		SET worker_id = EXCLUDED.worker_id, acquired_at = EXCLUDED.acquired_at
		WHERE job_leases.acquired_at < NOW() - make_interval(secs => $4)
	`

	result, err := l.db.ExecContext(ctx, query, jobID, attempt, workerID, l.ttl.Seconds())
	if err != nil {
		return false, classifySQL("acquire lease", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

func (l *PostgresLeaser) Release(ctx context.Context, jobID string, attempt int, workerID string) error {
	query := `
		DELETE FROM job_leases
		WHERE job_id = $1 AND attempt = $2 AND worker_id = $3
	`

	if _, err := l.db.ExecContext(ctx, query, jobID, attempt, workerID); err != nil {
		return classifySQL("release lease", err)
	}
	return nil
}

func classifySQL(op string, err error) error {
	if objectstore.IsNetworkError(err) {
		return domain.NewRetryableError(fmt.Errorf("failed to %s: %w", op, err))
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

var (
	_ Leaser = NoopLeaser{}
	_ Leaser = (*ObjectLeaser)(nil)
	_ Leaser = (*PostgresLeaser)(nil)
)
