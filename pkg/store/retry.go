package store

import (
	"context"
	"errors"
	"time"

	"github.com/mcclellann/payAdvance/pkg/models"
)

// RetryConfig controls WithRetry.
type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration

	// RetryOn decides whether err is worth another attempt. Defaults to
	// models.ErrConcurrentModification.
	RetryOn func(err error) bool
}

// WithRetry runs fn until it succeeds, returns a non-retryable error, runs out
// of attempts or ctx is done. fn must re-read whatever state it acts on.
func WithRetry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryOn == nil {
		cfg.RetryOn = func(err error) bool { return errors.Is(err, models.ErrConcurrentModification) }
	}

	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err = fn(); err == nil || !cfg.RetryOn(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(cfg.Delay * time.Duration(attempt)):
		}
	}
	return err
}
