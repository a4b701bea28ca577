package unifiedllm

import (
	"context"
	"errors"
	"time"
)

// Decision tells the caller of Complete what to do with a failed call.
type Decision int

const (
	// DecisionSurface hands the error back to the model as a user turn.
	DecisionSurface Decision = iota
	// DecisionRetry waits and tries again.
	DecisionRetry
	// DecisionAbort ends the run with the error.
	DecisionAbort
	// DecisionStop ends the run quietly; nothing more can be obtained from
	// the provider.
	DecisionStop
)

func (d Decision) String() string {
	switch d {
	case DecisionRetry:
		return "retry"
	case DecisionAbort:
		return "abort"
	case DecisionStop:
		return "stop"
	default:
		return "surface"
	}
}

// Backoff holds the fixed waits applied to transient provider failures.
type Backoff struct {
	Unavailable time.Duration
	RateLimited time.Duration
}

// DefaultBackoff waits 5s on an unavailable backend and 60s on an exhausted
// quota.
func DefaultBackoff() Backoff {
	return Backoff{
		Unavailable: 5 * time.Second,
		RateLimited: 60 * time.Second,
	}
}

// Decide classifies err. The returned delay is only meaningful for
// DecisionRetry.
func (b Backoff) Decide(err error) (Decision, time.Duration) {
	if err == nil {
		return DecisionSurface, 0
	}

	var (
		rl      *RateLimitError
		se      *ServerError
		invalid *InvalidRequestError
		notFnd  *NotFoundError
		cfg     *ConfigurationError
		auth    *AuthenticationError
		abort   *AbortError
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.As(err, &abort):
		return DecisionAbort, 0
	case errors.As(err, &rl):
		return DecisionRetry, b.RateLimited
	case errors.As(err, &se) && (se.ErrorCode == "UNAVAILABLE" || se.StatusCode == 503):
		return DecisionRetry, b.Unavailable
	case errors.As(err, &invalid):
		return DecisionAbort, 0
	case errors.As(err, &notFnd), errors.As(err, &cfg), errors.As(err, &auth):
		return DecisionStop, 0
	default:
		return DecisionSurface, 0
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return &AbortError{SDKError: SDKError{Message: "request cancelled during backoff", Cause: ctx.Err()}}
	case <-t.C:
		return nil
	}
}
