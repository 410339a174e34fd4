package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Policy describes a bounded-attempt retry schedule with exponential backoff.
// Both store adapters run their backend calls under the same policy.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as terminal so Do returns it without further attempts.
// Logical outcomes (not found, version conflict) are permanent; only
// transient backend failures are worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn until it succeeds, returns a permanent error, or the attempt
// budget is exhausted. The last transient error is returned after exhaustion.
func (p Policy) Do(ctx context.Context, logger *zap.Logger, operation string, fn func(context.Context) error) error {
	var lastErr error
	delay := p.BaseDelay

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}

		lastErr = err
		if attempt == p.MaxAttempts {
			break
		}

		logger.Warn("Transient failure, retrying...",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = p.next(delay)
	}

	return lastErr
}

func (p Policy) next(delay time.Duration) time.Duration {
	next := time.Duration(float64(delay) * p.Multiplier)
	if next < p.BaseDelay {
		next = p.BaseDelay
	}
	if p.MaxDelay > 0 && next > p.MaxDelay {
		next = p.MaxDelay
	}
	return next
}
