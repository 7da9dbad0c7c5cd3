// Package replicate copies every object from one store to another. A run
// is idempotent: objects already present with the same size are skipped,
// so re-running after a partial failure converges without duplicating work.
package replicate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/spot-pipeline/internal/observability"
	"github.com/cuongbtq/spot-pipeline/internal/retry"
	"github.com/cuongbtq/spot-pipeline/shared/objectstore"
)

// DefaultConcurrency is the number of objects copied in parallel.
const DefaultConcurrency = 8

// ErrVerifyMismatch is recorded when a copied object reads back with a
// different size.
var ErrVerifyMismatch = errors.New("destination size does not match source")

// Request names what to copy.
type Request struct {
	SourceContainer string
	DestContainer   string
	// Prefix restricts the copy to keys under it; empty copies everything.
	Prefix string
	// DryRun lists what would be copied without writing.
	DryRun bool
	// Verify re-stats each destination object after writing it.
	Verify bool
}

// Failure is one object that could not be copied.
type Failure struct {
	Key string
	Err error
}

// Report summarizes a run.
type Report struct {
	Listed  int
	Copied  int
	Skipped int
	Bytes   int64
	// Planned holds the keys a dry run would copy.
	Planned  []string
	Failures []Failure

	mu sync.Mutex
}

// Err is non-nil when at least one object failed.
func (r *Report) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, fmt.Errorf("%s: %w", f.Key, f.Err))
	}
	return fmt.Errorf("%d of %d objects failed to copy: %w", len(r.Failures), r.Listed, errors.Join(errs...))
}

// FailedKeys returns the failed keys in order.
func (r *Report) FailedKeys() []string {
	keys := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		keys = append(keys, f.Key)
	}
	return keys
}

func (r *Report) record(fn func(r *Report)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

func (r *Report) sort() {
	sort.Strings(r.Planned)
	sort.Slice(r.Failures, func(i, j int) bool { return r.Failures[i].Key < r.Failures[j].Key })
}

// Options tunes a Replicator.
type Options struct {
	Concurrency int
	Retry       retry.Policy
}

// Replicator copies between two stores.
type Replicator struct {
	src     objectstore.Store
	dst     objectstore.Store
	opts    Options
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates a Replicator from src to dst.
func New(src, dst objectstore.Store, opts Options, logger *slog.Logger, metrics *observability.Metrics) *Replicator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Retry.MaxAttempts == 0 {
		sleep := opts.Retry.Sleep
		opts.Retry = retry.DefaultPolicy()
		opts.Retry.Sleep = sleep
	}
	if opts.Retry.Logger == nil {
		opts.Retry.Logger = logger
	}

	return &Replicator{src: src, dst: dst, opts: opts, logger: logger, metrics: metrics}
}

// Run walks the source and copies what the destination lacks. Per-object
// failures are collected in the report and do not stop the run; the
// returned error covers only failures of the run itself, such as listing
// the source.
func (r *Replicator) Run(ctx context.Context, req Request) (*Report, error) {
	report := &Report{}

	if !req.DryRun {
		if creator, ok := r.dst.(objectstore.ContainerCreator); ok {
			if err := creator.EnsureContainer(ctx, req.DestContainer); err != nil {
				return report, fmt.Errorf("failed to ensure destination container %s: %w", req.DestContainer, err)
			}
		}
	}

	r.logger.Info("Starting copy",
		slog.String("source", req.SourceContainer),
		slog.String("destination", req.DestContainer),
		slog.String("prefix", req.Prefix),
		slog.Bool("dry_run", req.DryRun),
		slog.Int("concurrency", r.opts.Concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)

	walkErr := objectstore.Walk(ctx, r.src, req.SourceContainer, req.Prefix, func(obj objectstore.ObjectInfo) error {
		report.record(func(rep *Report) { rep.Listed++ })
		g.Go(func() error {
			r.copyOne(gctx, req, obj, report)
			return nil
		})
		return nil
	})

	_ = g.Wait()
	report.sort()

	if walkErr != nil {
		return report, fmt.Errorf("failed to list source %s: %w", req.SourceContainer, walkErr)
	}

	r.logger.Info("Copy finished",
		slog.Int("listed", report.Listed),
		slog.Int("copied", report.Copied),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", len(report.Failures)),
		slog.Int64("bytes", report.Bytes),
	)

	return report, nil
}

func (r *Replicator) copyOne(ctx context.Context, req Request, obj objectstore.ObjectInfo, report *Report) {
	logger := r.logger.With(slog.String("key", obj.Key))

	fail := func(err error) {
		logger.Error("Failed to copy object", slog.Any("error", err))
		r.metrics.ObjectCopied(ctx, "failed", 0)
		report.record(func(rep *Report) {
			rep.Failures = append(rep.Failures, Failure{Key: obj.Key, Err: err})
		})
	}

	var existing objectstore.ObjectInfo
	var present bool
	err := retry.Do(ctx, r.opts.Retry, "stat destination", func(ctx context.Context) error {
		info, err := r.dst.Stat(ctx, req.DestContainer, obj.Key)
		if objectstore.IsNotFound(err) {
			present = false
			return nil
		}
		existing, present = info, err == nil
		return err
	})
	if err != nil {
		fail(err)
		return
	}

	if present && existing.Size == obj.Size {
		logger.Debug("Skipping object, destination has same size")
		r.metrics.ObjectCopied(ctx, "skipped", 0)
		report.record(func(rep *Report) { rep.Skipped++ })
		return
	}

	if req.DryRun {
		logger.Info("Would copy object", slog.Int64("size", obj.Size))
		report.record(func(rep *Report) { rep.Planned = append(rep.Planned, obj.Key) })
		return
	}

	var data []byte
	var info objectstore.ObjectInfo
	err = retry.Do(ctx, r.opts.Retry, "get source", func(ctx context.Context) error {
		d, i, err := r.src.Get(ctx, req.SourceContainer, obj.Key)
		data, info = d, i
		return err
	})
	if err != nil {
		fail(err)
		return
	}

	contentType := info.ContentType
	if contentType == "" {
		contentType = obj.ContentType
	}

	err = retry.Do(ctx, r.opts.Retry, "put destination", func(ctx context.Context) error {
		return r.dst.Put(ctx, req.DestContainer, obj.Key, data, objectstore.Metadata{ContentType: contentType})
	})
	if err != nil {
		fail(err)
		return
	}

	if req.Verify {
		var written objectstore.ObjectInfo
		err := retry.Do(ctx, r.opts.Retry, "verify destination", func(ctx context.Context) error {
			i, err := r.dst.Stat(ctx, req.DestContainer, obj.Key)
			written = i
			return err
		})
		if err != nil {
			fail(err)
			return
		}
		if written.Size != int64(len(data)) {
			fail(fmt.Errorf("%w: wrote %d bytes, found %d", ErrVerifyMismatch, len(data), written.Size))
			return
		}
	}

	logger.Info("Copied object", slog.Int("size", len(data)))
	r.metrics.ObjectCopied(ctx, "copied", int64(len(data)))
	report.record(func(rep *Report) {
		rep.Copied++
		rep.Bytes += int64(len(data))
	})
}
