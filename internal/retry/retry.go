// Package retry runs remote calls with bounded exponential backoff.
//
// Only transient failures are retried: network errors (connection refused,
// reset, dropped connections) and, when enabled, 429 and 5xx statuses.
// Redirect limits and unsupported schemes are permanent. Every other
// error, parse failures and missing postback fields included, returns at once.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"time"

	"driver_mirror/internal/config"
)

// StatusError is a non-200 response from the catalog.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d %s for %s", e.Code, http.StatusText(e.Code), e.URL)
}

// Temporary reports whether the status is worth another attempt.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

type Policy struct {
	// Attempts is the number of retries after the first call.
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration

	RetryServerErrors bool

	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

func FromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		Attempts:          cfg.Attempts,
		Backoff:           time.Duration(cfg.BackoffMS) * time.Millisecond,
		MaxBackoff:        time.Duration(cfg.MaxBackoffMS) * time.Millisecond,
		RetryServerErrors: cfg.RetryServerErrors,
	}
}

// Do calls fn until it succeeds, fails permanently or the attempts run out.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= p.Attempts; attempt++ {
		if attempt > 0 {
			wait := p.delay(attempt)
			if p.OnRetry != nil {
				p.OnRetry(attempt, err, wait)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		err = fn()
		if err == nil || !p.Retryable(err) {
			return err
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", p.Attempts+1, err)
}

// Retryable classifies err as transient.
func (p Policy) Retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return p.RetryServerErrors && se.Temporary()
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		// *url.Error is itself a net.Error; only its cause tells.
		err = ue.Err
		if err == io.EOF {
			return true
		}
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// delay grows exponentially from Backoff, capped at MaxBackoff, with 0.5x-1.5x jitter.
func (p Policy) delay(attempt int) time.Duration {
	d := p.Backoff * time.Duration(1<<uint(attempt-1))
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return time.Duration(float64(d) * (0.5 + rand.Float64()))
}
