package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	retryMultiplier          = 2
	retryRandomizationFactor = 0.2
)

// RetryConfig controls how conflicting writes are retried.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig is used by the switch store for every guarded mutation.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts: 8,
	BaseDelay:   5 * time.Millisecond,
	MaxDelay:    200 * time.Millisecond,
}

// RetryOnConflict runs fn until it succeeds, returns an error other than
// ErrRevisionMismatch, the attempts are exhausted, or ctx is done.
// fn must re-read whatever state it validates on every attempt.
func RetryOnConflict(ctx context.Context, cfg RetryConfig, fn func() error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	operation := func() (struct{}, error) {
		err := fn()
		if err != nil && !errors.Is(err, ErrRevisionMismatch) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(newBackOff(cfg)),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0))
	return err
}

// newBackOff maps cfg onto an exponential schedule starting at BaseDelay and
// capped at MaxDelay.
func newBackOff(cfg RetryConfig) backoff.BackOff {
	if cfg.BaseDelay <= 0 {
		return &backoff.ZeroBackOff{}
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BaseDelay
	bo.Multiplier = retryMultiplier
	bo.RandomizationFactor = retryRandomizationFactor
	if cfg.MaxDelay > 0 {
		bo.MaxInterval = cfg.MaxDelay
	}
	if bo.MaxInterval < bo.InitialInterval {
		bo.MaxInterval = bo.InitialInterval
	}
	return bo
}
