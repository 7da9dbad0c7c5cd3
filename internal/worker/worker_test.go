package worker

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/spot-pipeline/internal/domain"
	"github.com/cuongbtq/spot-pipeline/internal/events"
	"github.com/cuongbtq/spot-pipeline/internal/queue"
	"github.com/cuongbtq/spot-pipeline/internal/retry"
	"github.com/cuongbtq/spot-pipeline/internal/storage"
	"github.com/cuongbtq/spot-pipeline/internal/transform"
	"github.com/cuongbtq/spot-pipeline/shared/objectstore"
	"github.com/cuongbtq/spot-pipeline/shared/objectstore/localfs"
	"github.com/cuongbtq/spot-pipeline/shared/objectstore/objectstoretest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	store   *objectstoretest.Faulty
	storage *storage.Storage
	queue   *queue.Queue
	clock   *fakeClock
	events  *events.Memory
	logger  *slog.Logger
}

func noSleepPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return p
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := objectstoretest.NewFaulty(localfs.NewMemory())
	st := storage.NewStorage(store, storage.Containers{Jobs: "jobs", Data: "images"}, logger)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	mem := &events.Memory{}

	q := queue.New(st, queue.Config{
		StaleAfter:  time.Minute,
		MaxAttempts: 3,
		Retry:       noSleepPolicy(),
	}, logger, queue.WithClock(clock.Now), queue.WithPublisher(mem))

	return &testEnv{store: store, storage: st, queue: q, clock: clock, events: mem, logger: logger}
}

func (e *testEnv) newWorker(id string) *Worker {
	return NewWorker(e.queue, e.storage, transform.NewGrayscale(transform.Options{}, e.logger), Config{
		ID:           id,
		PollInterval: time.Millisecond,
		MaxBackoff:   5 * time.Millisecond,
		JobTimeout:   10 * time.Second,
		Retry:        noSleepPolicy(),
	}, e.logger, nil)
}

func (e *testEnv) submit(t *testing.T, data []byte) *domain.Job {
	t.Helper()
	job, err := e.queue.Submit(context.Background(), queue.SubmitRequest{
		Filename:    "photo.png",
		Data:        data,
		ContentType: "image/png",
	})
	require.NoError(t, err)
	return job
}

func (e *testEnv) read(t *testing.T, id string) *domain.Job {
	t.Helper()
	job, err := e.queue.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (e *testEnv) count(eventType string) int {
	n := 0
	for _, typ := range e.events.Types() {
		if typ == eventType {
			n++
		}
	}
	return n
}

func colorPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 3, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			img.Set(x, y, color.NRGBA{R: 250, G: uint8(x * 80), B: uint8(y * 80), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}

func assertGrayscaleOutput(t *testing.T, env *testEnv, job *domain.Job) {
	t.Helper()

	data, _, err := env.storage.GetObject(context.Background(), job.OutputKey)
	require.NoError(t, err)

	img, err := imaging.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	r, g, b, _ := img.At(1, 1).RGBA()
	assert.Equal(t, r, g)
	assert.Equal(t, g, b)
}

func TestRunOnce_EndToEnd(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	job := env.submit(t, colorPNG(t))

	found, err := env.newWorker("worker-1").RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, found)

	done := env.read(t, job.ID)
	assert.Equal(t, domain.JobStateDone, done.State)
	assert.Equal(t, domain.OutputKey(job.ID), done.OutputKey)
	assert.Equal(t, 1, done.Attempts)
	assert.Empty(t, done.ClaimedBy)
	assertGrayscaleOutput(t, env, done)

	assert.Equal(t, []string{
		events.TypeJobCreated,
		events.TypeJobClaimed,
		events.TypeJobCompleted,
	}, env.events.Types())
}

func TestRunOnce_NoWork(t *testing.T) {
	found, err := newTestEnv(t).newWorker("worker-1").RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRunOnce_UndecodableInputFailsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	job := env.submit(t, []byte("not an image"))
	w := env.newWorker("worker-1")

	for i := 1; i <= 3; i++ {
		found, err := w.RunOnce(ctx)
		require.NoError(t, err)
		assert.True(t, found)

		got := env.read(t, job.ID)
		assert.Equal(t, i, got.Attempts)
		assert.Contains(t, got.LastError, "cannot decode image")
		if i < 3 {
			assert.Equal(t, domain.JobStatePending, got.State)
			assert.Empty(t, got.Error)
		} else {
			assert.Equal(t, domain.JobStateFailed, got.State)
			assert.Contains(t, got.Error, "cannot decode image")
		}
	}

	found, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, found, "FAILED jobs are terminal")
	assert.Equal(t, 1, env.count(events.TypeJobFailed))
}

func TestRunOnce_MissingInput(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	job := env.submit(t, colorPNG(t))

	require.NoError(t, env.store.Delete(ctx, "images", job.InputKey))

	found, err := env.newWorker("worker-1").RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, found)

	got := env.read(t, job.ID)
	assert.Equal(t, domain.JobStatePending, got.State)
	assert.Empty(t, got.Error)
	assert.Contains(t, got.LastError, "is missing")
}

func TestRunOnce_RetriesTransientStorageErrors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	job := env.submit(t, colorPNG(t))

	env.store.FailTransient(objectstoretest.OpGet, job.InputKey, 2)
	env.store.FailTransient(objectstoretest.OpPut, domain.OutputKey(job.ID), 2)

	found, err := env.newWorker("worker-1").RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, found)

	assert.Equal(t, domain.JobStateDone, env.read(t, job.ID).State)
}

func TestRunOnce_PersistentOutageRequeues(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	job := env.submit(t, colorPNG(t))

	env.store.FailTransient(objectstoretest.OpPut, domain.OutputKey(job.ID), -1)

	found, err := env.newWorker("worker-1").RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, found)

	got := env.read(t, job.ID)
	assert.Equal(t, domain.JobStatePending, got.State)
	assert.Empty(t, got.Error)
	assert.Contains(t, got.LastError, "transient")
}

// A worker killed at any point of the protocol leaves a record that a
// second worker finishes exactly once after the claim goes stale.
func TestCrashRecovery(t *testing.T) {
	tests := []struct {
		name      string
		crashStep string
		wantState string
	}{
		{name: "crash after claim", crashStep: stepClaimed, wantState: domain.JobStateClaimed},
		{name: "crash while processing", crashStep: stepProcessing, wantState: domain.JobStateProcessing},
		{name: "crash after writing output", crashStep: stepOutputWritten, wantState: domain.JobStateProcessing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			job := env.submit(t, colorPNG(t))

			crashCtx, crash := context.WithCancel(context.Background())
			defer crash()

			doomed := env.newWorker("worker-1")
			doomed.stepHook = func(_ context.Context, step string, _ *domain.Job) {
				if step == tt.crashStep {
					crash()
				}
			}

			found, err := doomed.RunOnce(crashCtx)
			assert.True(t, found)
			assert.ErrorIs(t, err, ErrAbandoned)

			abandoned := env.read(t, job.ID)
			assert.Equal(t, tt.wantState, abandoned.State)
			assert.Equal(t, "worker-1", abandoned.ClaimedBy)

			ctx := context.Background()
			rescuer := env.newWorker("worker-2")

			found, err = rescuer.RunOnce(ctx)
			require.NoError(t, err)
			assert.False(t, found, "a fresh claim must not be taken over")

			env.clock.Advance(2 * time.Minute)

			found, err = rescuer.RunOnce(ctx)
			require.NoError(t, err)
			assert.True(t, found)

			done := env.read(t, job.ID)
			assert.Equal(t, domain.JobStateDone, done.State)
			assert.Equal(t, 2, done.Attempts)
			assertGrayscaleOutput(t, env, done)

			found, err = rescuer.RunOnce(ctx)
			require.NoError(t, err)
			assert.False(t, found)

			assert.Equal(t, 1, env.count(events.TypeJobCompleted))
		})
	}
}

func TestProcessJob_ClaimLostToAnotherWorker(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	job := env.submit(t, colorPNG(t))

	slow := env.newWorker("worker-1")
	slow.stepHook = func(ctx context.Context, step string, j *domain.Job) {
		if step != stepClaimed {
			return
		}
		// worker-1 stalls past the staleness threshold and worker-2 takes over.
		env.clock.Advance(2 * time.Minute)
		_, err := env.queue.Claim(ctx, j.ID, "worker-2")
		require.NoError(t, err)
	}

	found, err := slow.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, found)

	got := env.read(t, job.ID)
	assert.Equal(t, domain.JobStateClaimed, got.State)
	assert.Equal(t, "worker-2", got.ClaimedBy)

	ok, err := env.storage.ObjectExists(ctx, domain.OutputKey(job.ID))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRun_ProcessesUntilCancelled(t *testing.T) {
	env := newTestEnv(t)
	first := env.submit(t, colorPNG(t))
	second := env.submit(t, colorPNG(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := env.newWorker("worker-1")
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return env.count(events.TypeJobCompleted) == 2
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	<-w.Done()

	for _, id := range []string{first.ID, second.ID} {
		assert.Equal(t, domain.JobStateDone, env.read(t, id).State)
	}
}

func TestNewWorker_Defaults(t *testing.T) {
	env := newTestEnv(t)
	w := NewWorker(env.queue, env.storage, transform.NewGrayscale(transform.Options{}, env.logger), Config{ID: "w"}, env.logger, nil)

	assert.Equal(t, DefaultPollInterval, w.cfg.PollInterval)
	assert.Equal(t, DefaultMaxBackoff, w.cfg.MaxBackoff)
	assert.Equal(t, 30*time.Second, w.cfg.JobTimeout)
	assert.Equal(t, retry.DefaultPolicy().MaxAttempts, w.cfg.Retry.MaxAttempts)
}

func TestJobTimeoutFor(t *testing.T) {
	tests := []struct {
		staleAfter time.Duration
		want       time.Duration
	}{
		{staleAfter: 30 * time.Second, want: 15 * time.Second},
		{staleAfter: 5 * time.Minute, want: DefaultJobTimeout},
		{staleAfter: time.Hour, want: DefaultJobTimeout},
		{staleAfter: 0, want: DefaultJobTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.staleAfter.String(), func(t *testing.T) {
			got := JobTimeoutFor(tt.staleAfter)
			assert.Equal(t, tt.want, got)
			if tt.staleAfter > 0 {
				assert.Less(t, got, tt.staleAfter)
			}
		})
	}
}

var _ objectstore.Store = (*objectstoretest.Faulty)(nil)
