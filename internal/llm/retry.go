package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
)

// StatusError is a non-2xx answer from the provider.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("OpenRouter API returned status %d", e.StatusCode)
}

// RetryPolicy bounds the provider-level retry loop. MaxElapsed caps one
// logical call including every attempt and sleep.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxElapsed  time.Duration
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return false
	}
	// Transport failures: resets, DNS, per-request timeouts.
	return true
}

// permanentError marks malformed provider envelopes that a retry will not fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BaseBackoff << (attempt - 1)
	if p.BaseBackoff > 0 {
		d += rand.N(p.BaseBackoff)
	}
	return d
}

// Do runs fn until it succeeds, fails permanently, exhausts MaxAttempts or
// runs out of MaxElapsed. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, logger *utils.Logger, op string, fn func(ctx context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)
	if p.MaxElapsed > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.MaxElapsed)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || attempt == attempts || ctx.Err() != nil {
			break
		}

		wait := p.backoff(attempt)
		logger.Warn("LLM call failed, retrying",
			"operation", op,
			"attempt", attempt,
			"backoff", wait.String(),
			"error", lastErr)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: retry window exhausted: %w", op, errors.Join(lastErr, ctx.Err()))
		case <-timer.C:
		}
	}
	return fmt.Errorf("%s: %w", op, lastErr)
}
