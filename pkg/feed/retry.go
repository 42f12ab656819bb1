package feed

import (
	"context"
	"errors"
	"math"
	"net"
	"time"
)

const (
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMaxBackoff     = 3 * time.Second
	defaultBackoffFactor  = 2.0
)

// RetryConfig encapsulates exponential backoff settings.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// RetryHandler executes retryable provider calls with backoff. Only failures
// classified as transient are retried; permanent failures return immediately.
type RetryHandler struct {
	cfg RetryConfig
}

// NewRetryHandler constructs a handler with sane defaults.
func NewRetryHandler(cfg RetryConfig) *RetryHandler {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = defaultBackoffFactor
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &RetryHandler{cfg: cfg}
}

// Do executes fn until it succeeds, exhausts the retry budget, or fails
// permanently. The attempt count is stamped onto the returned *Error.
func (r *RetryHandler) Do(ctx context.Context, fn func() error) error {
	var attempt int
	backoff := r.cfg.InitialBackoff

	for {
		err := fn()
		attempt++
		if err == nil {
			return nil
		}

		if !retryable(err) || attempt > r.cfg.MaxRetries {
			return stampAttempts(err, attempt)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return stampAttempts(err, attempt)
		}

		backoff = time.Duration(math.Min(
			float64(r.cfg.MaxBackoff),
			float64(backoff)*r.cfg.Multiplier,
		))
	}
}

func stampAttempts(err error, attempts int) error {
	var fe *Error
	if errors.As(err, &fe) {
		fe.Attempts = attempts
	}
	return err
}

func retryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}

	if IsPermanent(err) {
		return false
	}
	if IsTransient(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Treat unknown transport errors as retryable to be safe.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	return false
}
