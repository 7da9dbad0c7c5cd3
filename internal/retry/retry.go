// Package retry runs remote calls with bounded exponential backoff, retrying
// only the error kinds a policy names.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/spot-pipeline/internal/domain"
)

// Policy configures Do.
type Policy struct {
	// MaxAttempts counts the first call; values below 1 mean a single call.
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	// Kinds lists the error kinds worth retrying. Empty means transient only.
	Kinds []domain.Kind

	Logger *slog.Logger
	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy retries transient failures three more times.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       4,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		Kinds:             []domain.Kind{domain.KindTransient},
	}
}

func (p Policy) retryable(err error) bool {
	kind := domain.KindOf(err)
	if len(p.Kinds) == 0 {
		return kind == domain.KindTransient
	}
	for _, k := range p.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Delay returns the wait before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 2.0
	}

	d := float64(base)
	for i := 0; i < attempt; i++ {
		d *= mult
		if p.MaxDelay > 0 && time.Duration(d) >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return time.Duration(d)
}

// Do calls op until it succeeds, fails with a non-retryable error, the
// attempts run out or ctx is done. The last error is returned wrapped.
func Do(ctx context.Context, p Policy, name string, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := op(ctx)
		if err == nil {
			if attempt > 0 && p.Logger != nil {
				p.Logger.Info("Operation succeeded after retry",
					slog.String("operation", name),
					slog.Int("attempt", attempt+1),
				)
			}
			return nil
		}
		lastErr = err

		if !p.retryable(err) {
			return err
		}

		if attempt < attempts-1 {
			delay := p.Delay(attempt)
			if p.Logger != nil {
				p.Logger.Warn("Operation failed, retrying...",
					slog.String("operation", name),
					slog.Int("attempt", attempt+1),
					slog.Int("max_attempts", attempts),
					slog.Duration("retry_after", delay),
					slog.Any("error", err),
				)
			}
			if err := sleep(ctx, delay); err != nil {
				return fmt.Errorf("%s: %w (last error: %v)", name, err, lastErr)
			}
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", name, attempts, lastErr)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
