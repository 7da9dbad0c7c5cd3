package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/spot-pipeline/internal/domain"
	"github.com/cuongbtq/spot-pipeline/internal/retry"
	"github.com/cuongbtq/spot-pipeline/shared/objectstore"
)

// ErrAbandoned is returned when shutdown interrupts a job. The record is
// left as is for staleness recovery.
var ErrAbandoned = errors.New("job abandoned on shutdown")

// processJob drives a claimed job to DONE, back to PENDING or to FAILED.
func (w *Worker) processJob(ctx context.Context, job *domain.Job) error {
	start := w.now()
	logger := w.logger.With(slog.String("job_id", job.ID), slog.Int("attempt", job.Attempts))

	w.step(ctx, stepClaimed, job)
	if ctx.Err() != nil {
		return w.abandon(logger, job)
	}

	processing, err := w.queue.MarkProcessing(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			return w.abandon(logger, job)
		}
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			logger.Warn("Claim lost before processing", slog.Any("error", err))
			return nil
		}
		return fmt.Errorf("failed to mark job processing: %w", err)
	}
	job = processing

	w.step(ctx, stepProcessing, job)
	if ctx.Err() != nil {
		return w.abandon(logger, job)
	}

	logger.Info("Processing job", slog.String("input_key", job.InputKey))

	outputKey, err := w.execute(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			return w.abandon(logger, job)
		}
		return w.fail(ctx, logger, job, err, start)
	}

	w.step(ctx, stepOutputWritten, job)
	if ctx.Err() != nil {
		return w.abandon(logger, job)
	}

	done, err := w.queue.Complete(ctx, job, outputKey)
	if err != nil {
		if ctx.Err() != nil {
			return w.abandon(logger, job)
		}
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			logger.Warn("Claim lost before completion; output left for the new owner", slog.Any("error", err))
			return nil
		}
		return fmt.Errorf("failed to complete job: %w", err)
	}

	elapsed := w.now().Sub(start)
	w.metrics.JobFinished(ctx, done.State, elapsed)
	logger.Info("Job completed successfully",
		slog.String("output_key", done.OutputKey),
		slog.Duration("duration", elapsed),
	)
	return nil
}

// execute downloads the input, transforms it and writes the output under
// the job id.
func (w *Worker) execute(ctx context.Context, job *domain.Job) (string, error) {
	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	var input []byte
	err := retry.Do(jobCtx, w.cfg.Retry, "download input", func(ctx context.Context) error {
		data, _, err := w.storage.GetObject(ctx, job.InputKey)
		input = data
		return err
	})
	if err != nil {
		if objectstore.IsNotFound(err) {
			return "", fmt.Errorf("%w: input %s is missing", domain.ErrUnrecoverable, job.InputKey)
		}
		return "", err
	}

	output, contentType, err := w.transformer.Transform(jobCtx, input)
	if err != nil {
		return "", err
	}

	var outputKey string
	err = retry.Do(jobCtx, w.cfg.Retry, "upload output", func(ctx context.Context) error {
		key, err := w.storage.PutOutput(ctx, job.ID, output, contentType)
		outputKey = key
		return err
	})
	if err != nil {
		return "", err
	}

	return outputKey, nil
}

func (w *Worker) fail(ctx context.Context, logger *slog.Logger, job *domain.Job, cause error, start time.Time) error {
	logger.Error("Job execution failed",
		slog.String("kind", string(domain.KindOf(cause))),
		slog.Any("error", cause),
	)

	failed, err := w.queue.Fail(ctx, job, cause)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			logger.Warn("Claim lost before recording failure", slog.Any("error", err))
			return nil
		}
		return fmt.Errorf("failed to record job failure: %w", err)
	}

	w.metrics.JobFinished(ctx, failed.State, w.now().Sub(start))
	return nil
}

func (w *Worker) abandon(logger *slog.Logger, job *domain.Job) error {
	logger.Warn("Shutdown during job, leaving claim to expire",
		slog.String("state", job.State),
	)
	return ErrAbandoned
}
