package mailbox

import (
	"context"
	"time"
)

// RetryConfig bounds the retry loop around transient provider failures.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig is 3 attempts at 1s/2s/4s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		BackoffFactor: 2.0,
	}
}

// Retry runs fn, retrying with exponential backoff while the error is
// transient per IsTransient. Auth errors and permanent client errors pass
// straight through so the caller can handle refresh-and-retry itself.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.BackoffFactor < 1.0 {
		cfg.BackoffFactor = 2.0
	}

	delay := cfg.InitialDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) || attempt == cfg.MaxAttempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
	}
}
