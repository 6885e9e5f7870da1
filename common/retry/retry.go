// Package retry runs an operation again after a growing pause when it fails
// with an error the caller considers transient.
//
// Kotoba uses it for exactly one thing: the first read of a state that was
// just created, because the state store may acknowledge a create before the
// value is queryable. Writes are never retried.
//
//	err := retry.Do(ctx, retry.Config{Attempts: 5, Delay: 50 * time.Millisecond}, func() error {
//	    val, err = states.Get(ctx, path)
//	    return err
//	})
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Config controls how often and how patiently Do tries again.
type Config struct {
	// Attempts is the total number of calls, the first one included.
	// Values below 1 mean a single call.
	Attempts int
	// Delay is the pause after the first failure. It doubles after every
	// further failure, capped at MaxDelay.
	Delay time.Duration
	// MaxDelay caps a single pause. Zero means DefaultConfig.MaxDelay.
	MaxDelay time.Duration
	// Retryable decides whether an error is worth another attempt. When nil
	// every error is.
	Retryable func(err error) bool
}

// DefaultConfig suits short local round trips.
var DefaultConfig = Config{
	Attempts: 5,
	Delay:    50 * time.Millisecond,
	MaxDelay: 2 * time.Second,
}

// Do calls fn until it succeeds, returns a non-retryable error, runs out of
// attempts, or ctx is done. It returns the last error fn produced, joined
// with the context error when the context ended the loop.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	attempts := max(cfg.Attempts, 1)
	delay := cfg.Delay
	if delay <= 0 {
		delay = DefaultConfig.Delay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultConfig.MaxDelay
	}

	var err error
	for attempt := 1; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return errors.Join(err, cerr)
		}
		if err = fn(); err == nil {
			return nil
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return err
		}
		if attempt >= attempts {
			return err
		}

		slog.Debug("retry: attempt failed",
			"attempt", attempt, "of", attempts, "err", err, "next_in", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
		delay = min(delay*2, maxDelay)
	}
}
