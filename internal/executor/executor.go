// Package executor wraps one outbound provider call with a per-attempt
// timeout, bounded retries with jittered exponential backoff, and failure
// classification. Every failure mode funnels into a single enriched *Error
// so callers never branch on the shape of what went wrong.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"github.com/marcus/roundtable/internal/logging"
	"github.com/marcus/roundtable/internal/providers"
)

// Defaults applied by New for unset Options fields.
const (
	DefaultTimeout     = 60 * time.Second
	DefaultMaxRetries  = 3
	DefaultBackoffBase = 250 * time.Millisecond
	DefaultBackoffCap  = 2 * time.Second

	maxJitter = 100 * time.Millisecond
)

// Options tunes retry behavior. MaxRetries counts retries, not attempts: a
// call is tried at most MaxRetries+1 times.
type Options struct {
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// OnRateLimit fires once per observed HTTP 429, including ones that a
	// later retry recovers from. The orchestrator uses it to slow the
	// provider's dispatch gate.
	OnRateLimit func()
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = DefaultBackoffCap
	}
	return o
}

// Call is the deferred provider operation the executor drives.
type Call func(ctx context.Context) (*providers.QueryResponse, error)

// Error is the single failure type the executor surfaces: the original
// message plus how hard we tried.
type Error struct {
	Label      string
	Message    string
	Attempts   int
	Elapsed    time.Duration
	StatusCode int
	Body       string
	Retryable  bool
	cause      error
}

func (e *Error) Error() string {
	plural := ""
	if e.Attempts != 1 {
		plural = "s"
	}
	return fmt.Sprintf("%s failed after %d attempt%s in %s: %s",
		e.Label, e.Attempts, plural, e.Elapsed.Round(time.Millisecond), e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Executor retries calls according to its options.
type Executor struct {
	opts Options
	log  *logging.Logger
}

// New builds an executor, filling unset options with the defaults.
func New(opts Options) *Executor {
	return &Executor{
		opts: opts.withDefaults(),
		log:  logging.Component("executor"),
	}
}

// Do runs the call until it succeeds, a non-retryable failure occurs, or
// retries are exhausted. The label names the call in errors and logs
// ("openai q1", "synthesis"). Each attempt gets a fresh timeout; backoff
// sleeps abort when the parent context ends.
func (x *Executor) Do(ctx context.Context, label string, call Call) (*providers.QueryResponse, error) {
	start := time.Now()
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= x.opts.MaxRetries; attempt++ {
		attempts++

		attemptCtx, cancel := context.WithTimeout(ctx, x.opts.Timeout)
		resp, err := call(attemptCtx)
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err

		retryable, status, _ := classify(err)
		if status == http.StatusTooManyRequests && x.opts.OnRateLimit != nil {
			x.opts.OnRateLimit()
		}

		// A dead parent context means the run is over, not that this
		// attempt timed out.
		if ctx.Err() != nil {
			break
		}
		if !retryable || attempt == x.opts.MaxRetries {
			break
		}

		delay := backoffDelay(attempt, x.opts.BackoffBase, x.opts.BackoffCap)
		x.log.WarnCtx("retrying after failure", map[string]any{
			"call":    label,
			"attempt": attempt + 1,
			"delay":   delay.String(),
			"error":   err.Error(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			lastErr = ctx.Err()
			return nil, x.enrich(ctx.Err(), label, attempts, time.Since(start))
		}
	}

	return nil, x.enrich(lastErr, label, attempts, time.Since(start))
}

func (x *Executor) enrich(err error, label string, attempts int, elapsed time.Duration) *Error {
	retryable, status, body := classify(err)
	return &Error{
		Label:      label,
		Message:    err.Error(),
		Attempts:   attempts,
		Elapsed:    elapsed,
		StatusCode: status,
		Body:       body,
		Retryable:  retryable,
		cause:      err,
	}
}

// classify sorts a failure into retryable or not. Retryable: attempt
// timeout, network-level failures, HTTP 5xx and 429. Everything else,
// including other 4xx, is permanent.
func classify(err error) (retryable bool, status int, body string) {
	var apiErr *providers.APIError
	if errors.As(err, &apiErr) {
		retryable = apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
		return retryable, apiErr.StatusCode, apiErr.Body
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true, 0, ""
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true, 0, ""
	}
	return false, 0, ""
}

// backoffDelay computes the wait before retrying attempt i (0-indexed):
// min(base * 2^i, ceiling) plus uniform jitter up to 100ms.
func backoffDelay(attempt int, base, ceiling time.Duration) time.Duration {
	delay := base << uint(attempt)
	if delay > ceiling || delay <= 0 {
		delay = ceiling
	}
	return delay + rand.N(maxJitter)
}
