package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/spot-pipeline/internal/domain"
	"github.com/cuongbtq/spot-pipeline/internal/observability"
	"github.com/cuongbtq/spot-pipeline/internal/queue"
	"github.com/cuongbtq/spot-pipeline/internal/retry"
	"github.com/cuongbtq/spot-pipeline/internal/storage"
)

// Defaults applied to zero Config fields.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultMaxBackoff   = 30 * time.Second
	DefaultJobTimeout   = 2 * time.Minute
)

// JobTimeoutFor returns the default job timeout for a staleness threshold:
// half of it, capped at DefaultJobTimeout.
func JobTimeoutFor(staleAfter time.Duration) time.Duration {
	timeout := staleAfter / 2
	if timeout <= 0 || timeout > DefaultJobTimeout {
		return DefaultJobTimeout
	}
	return timeout
}

// Transformer turns an input payload into an output payload.
type Transformer interface {
	Transform(ctx context.Context, data []byte) ([]byte, string, error)
}

// Config holds worker configuration
type Config struct {
	ID           string
	PollInterval time.Duration
	// MaxBackoff caps the idle wait, which doubles on every empty poll.
	MaxBackoff time.Duration
	// JobTimeout bounds a single processing attempt. It should stay well
	// below the queue's staleness threshold.
	JobTimeout time.Duration
	Retry      retry.Policy
}

// Worker runs the poll, recover, claim and process loop. A process runs a
// single Worker; parallelism comes from running more processes.
type Worker struct {
	queue       *queue.Queue
	storage     *storage.Storage
	transformer Transformer
	metrics     *observability.Metrics
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
	done        chan struct{}

	// stepHook runs after each protocol step; tests use it to simulate a
	// worker dying mid-job.
	stepHook func(ctx context.Context, step string, job *domain.Job)
}

// Processing steps reported to stepHook.
const (
	stepClaimed       = "claimed"
	stepProcessing    = "processing"
	stepOutputWritten = "output_written"
)

// NewWorker creates a new worker instance
func NewWorker(q *queue.Queue, st *storage.Storage, t Transformer, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.PollInterval {
		cfg.MaxBackoff = cfg.PollInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = JobTimeoutFor(q.Config().StaleAfter)
	}
	if cfg.Retry.MaxAttempts == 0 {
		sleep := cfg.Retry.Sleep
		cfg.Retry = retry.DefaultPolicy()
		cfg.Retry.Sleep = sleep
	}
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = logger
	}

	return &Worker{
		queue:       q,
		storage:     st,
		transformer: t,
		metrics:     metrics,
		cfg:         cfg,
		logger:      logger.With(slog.String("worker_id", cfg.ID)),
		now:         time.Now,
		done:        make(chan struct{}),
	}
}

// Run polls until ctx is cancelled. Cancellation abandons any in-flight job
// without touching its record; the claim expires and another worker picks
// the job up.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)

	w.logger.Info("Starting worker",
		slog.Duration("poll_interval", w.cfg.PollInterval),
		slog.Duration("max_backoff", w.cfg.MaxBackoff),
		slog.Duration("job_timeout", w.cfg.JobTimeout),
	)

	backoff := w.cfg.PollInterval
	for {
		found, err := w.RunOnce(ctx)
		if ctx.Err() != nil {
			w.logger.Info("Worker context canceled, stopping...")
			return nil
		}
		if err != nil {
			w.logger.Error("Poll cycle failed", slog.Any("error", err))
		}

		wait := w.cfg.PollInterval
		if found {
			backoff = w.cfg.PollInterval
		} else {
			wait = backoff
			backoff *= 2
			if backoff > w.cfg.MaxBackoff {
				backoff = w.cfg.MaxBackoff
			}
		}

		if err := retry.Sleep(ctx, wait); err != nil {
			w.logger.Info("Worker context canceled, stopping...")
			return nil
		}
	}
}

// Done is closed when Run returns.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// RunOnce executes one cycle: recover stale claims, then claim and process
// the first candidate that can be claimed. It reports whether a job was
// claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	recovered, err := w.queue.RecoverStale(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		w.logger.Warn("Stale recovery incomplete", slog.Any("error", err))
	}
	if recovered > 0 {
		w.logger.Info("Recovered stale jobs", slog.Int("count", recovered))
	}

	candidates, err := w.queue.Candidates(ctx)
	if err != nil {
		return false, err
	}

	for _, candidate := range candidates {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		job, err := w.queue.Claim(ctx, candidate.ID, w.cfg.ID)
		if err != nil {
			if errors.Is(err, domain.ErrJobAlreadyClaimed) {
				w.logger.Debug("Job already claimed, skipping", slog.String("job_id", candidate.ID))
				continue
			}
			w.logger.Error("Failed to claim job",
				slog.String("job_id", candidate.ID),
				slog.Any("error", err),
			)
			continue
		}

		return true, w.processJob(ctx, job)
	}

	return false, nil
}

func (w *Worker) step(ctx context.Context, name string, job *domain.Job) {
	if w.stepHook != nil {
		w.stepHook(ctx, name, job)
	}
}
