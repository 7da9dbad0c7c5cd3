package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/spot-pipeline/internal/domain"
	"github.com/cuongbtq/spot-pipeline/shared/objectstore"
	"github.com/cuongbtq/spot-pipeline/shared/objectstore/localfs"
)

func newMockLeaser(t *testing.T) (*PostgresLeaser, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewPostgresLeaser(sqlx.NewDb(db, "sqlmock"), 5*time.Minute), mock
}

func TestPostgresLeaser_EnsureSchema(t *testing.T) {
	leaser, mock := newMockLeaser(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS job_leases`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, leaser.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLeaser_Acquire(t *testing.T) {
	tests := []struct {
		name         string
		rowsAffected int64
		want         bool
	}{
		{name: "lease granted", rowsAffected: 1, want: true},
		{name: "abandoned lease taken over", rowsAffected: 1, want: true},
		{name: "lease held by another worker", rowsAffected: 0, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			leaser, mock := newMockLeaser(t)

			mock.ExpectExec(`INSERT INTO job_leases .* ON CONFLICT \(job_id, attempt\) DO UPDATE .* WHERE job_leases.acquired_at <`).
				WithArgs("job-1", 2, "worker-1", float64(300)).
				WillReturnResult(sqlmock.NewResult(0, tt.rowsAffected))

			ok, err := leaser.Acquire(context.Background(), "job-1", 2, "worker-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresLeaser_AcquireError(t *testing.T) {
	leaser, mock := newMockLeaser(t)

	mock.ExpectExec(`INSERT INTO job_leases`).
		WithArgs("job-1", 1, "worker-1", float64(300)).
		WillReturnError(errors.New("relation does not exist"))

	ok, err := leaser.Acquire(context.Background(), "job-1", 1, "worker-1")
	require.Error(t, err)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "failed to acquire lease")
	assert.False(t, domain.IsRetryable(err))
}

func TestPostgresLeaser_Release(t *testing.T) {
	leaser, mock := newMockLeaser(t)

	mock.ExpectExec(`DELETE FROM job_leases`).
		WithArgs("job-1", 1, "worker-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, leaser.Release(context.Background(), "job-1", 1, "worker-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestObjectLeaser(t *testing.T) {
	ctx := context.Background()
	store := localfs.NewMemory()

	leaser, err := NewObjectLeaser(store, "jobs", time.Minute)
	require.NoError(t, err)

	ok, err := leaser.Acquire(ctx, "job-1", 1, "worker-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = leaser.Acquire(ctx, "job-1", 1, "worker-2")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = leaser.Acquire(ctx, "job-1", 2, "worker-2")
	require.NoError(t, err)
	assert.True(t, ok)

	// Releasing someone else's lease is a no-op.
	require.NoError(t, leaser.Release(ctx, "job-1", 1, "worker-2"))
	exists, err := store.Exists(ctx, "jobs", domain.LeaseKey("job-1", 1))
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, leaser.Release(ctx, "job-1", 1, "worker-1"))
	exists, err = store.Exists(ctx, "jobs", domain.LeaseKey("job-1", 1))
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, leaser.Release(ctx, "job-1", 9, "worker-1"))
}

func TestObjectLeaser_Expiry(t *testing.T) {
	ctx := context.Background()
	store := localfs.NewMemory()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	leaser, err := NewObjectLeaser(store, "jobs", time.Minute)
	require.NoError(t, err)
	leaser.SetClock(func() time.Time { return now })

	ok, err := leaser.Acquire(ctx, "job-1", 1, "worker-1")
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(59 * time.Second)
	ok, err = leaser.Acquire(ctx, "job-1", 1, "worker-2")
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(2 * time.Second)
	ok, err = leaser.Acquire(ctx, "job-1", 1, "worker-2")
	require.NoError(t, err)
	assert.True(t, ok)

	// The previous holder no longer owns the lease.
	require.NoError(t, leaser.Release(ctx, "job-1", 1, "worker-1"))
	exists, err := store.Exists(ctx, "jobs", domain.LeaseKey("job-1", 1))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestObjectLeaser_UndecodableLeaseAgesByModTime(t *testing.T) {
	ctx := context.Background()
	store := localfs.NewMemory()

	leaser, err := NewObjectLeaser(store, "jobs", time.Minute)
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "jobs", domain.LeaseKey("job-1", 1), []byte("{"), objectstore.Metadata{}))

	ok, err := leaser.Acquire(ctx, "job-1", 1, "worker-1")
	require.NoError(t, err)
	assert.False(t, ok)

	leaser.SetClock(func() time.Time { return time.Now().UTC().Add(time.Hour) })
	ok, err = leaser.Acquire(ctx, "job-1", 1, "worker-1")
	require.NoError(t, err)
	assert.True(t, ok)
}
