// Package retrypolicy implements the retry/backoff/fallback policy applied
// around a single foreign call, per spec §4.7.
package retrypolicy

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/joeycumines/promptbridge/bridgeerr"
)

// Policy configures retry behavior for a predictor.
type Policy struct {
	// MaxRetries is the total number of attempts allowed (spec §4.7:
	// "attempt < max_retries"); zero means a single attempt with no
	// retries.
	MaxRetries int
	// BaseBackoff is the initial backoff interval.
	BaseBackoff time.Duration
	// MaxBackoff caps the backoff interval.
	MaxBackoff time.Duration
	// JitterRatio is applied as backoff/v4's RandomizationFactor, in [0,1].
	JitterRatio float64
	// RequestTimeout bounds a single attempt, zero means no per-attempt
	// timeout.
	RequestTimeout time.Duration
	// Fallback, if set, is invoked with the last error after retries are
	// exhausted; its result is returned instead when it returns a nil
	// error, otherwise its own error is returned.
	Fallback func(ctx context.Context, lastErr error) (any, error)
	// OnFallback, if set, runs immediately before Fallback (e.g. to emit an
	// observability event); it is not invoked if Fallback is nil.
	OnFallback func(lastErr error)
}

// DefaultPolicy matches spec §4.7's defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		BaseBackoff:    500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		JitterRatio:    0.2,
		RequestTimeout: 30 * time.Second,
	}
}

// Attempt is invoked once per try. It must return a retryable *bridgeerr.Error
// (per bridgeerr.IsRetryable) for Run to retry it.
type Attempt func(ctx context.Context, attemptNumber int) (any, error)

// Run executes fn under p's retry/backoff/timeout/fallback policy. attemptNumber
// passed to fn is 1-based.
//
// The foreign call itself is never invoked concurrently with retries: Run
// only begins attempt N+1 after attempt N's result (and any backoff sleep)
// completes, preserving the single-goroutine foreign runtime contract -
// the caller's fn is responsible for acquiring the runtimelock.Token for
// each attempt itself, not Run.
func (p Policy) Run(ctx context.Context, fn Attempt) (any, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseBackoff
	bo.MaxInterval = p.MaxBackoff
	bo.RandomizationFactor = p.JitterRatio
	bo.Multiplier = backoff.DefaultMultiplier
	bo.MaxElapsedTime = 0 // bounded by MaxRetries, not elapsed wall time
	bo.Reset()

	var lastErr error
	for attempt := 1; ; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if p.RequestTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.RequestTimeout)
		}

		result, err := fn(attemptCtx, attempt)

		if cancel != nil {
			cancel()
		}

		if err == nil {
			return result, nil
		}

		if ctx.Err() != nil {
			return nil, bridgeerr.Wrap(bridgeerr.KindCancelled, "retrypolicy: context done", ctx.Err())
		}

		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && bridgeerr.KindOf(err) != bridgeerr.KindTimeout {
			err = bridgeerr.Wrap(bridgeerr.KindTimeout, "retrypolicy: attempt exceeded request timeout", err)
		}

		lastErr = err

		if attempt >= p.MaxRetries || !bridgeerr.IsRetryable(err) {
			break
		}

		delay := nextDelay(bo, err)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, bridgeerr.Wrap(bridgeerr.KindCancelled, "retrypolicy: context done during backoff", ctx.Err())
		}
	}

	if p.Fallback != nil {
		if p.OnFallback != nil {
			p.OnFallback(lastErr)
		}
		result, ferr := p.Fallback(ctx, lastErr)
		if ferr == nil {
			return result, nil
		}
		return nil, ferr
	}

	return nil, lastErr
}

// nextDelay is bo.NextBackOff(), overridden to at least the RetryAfter
// requested by a rate-limited error (spec §4.7: "a rate-limit error's
// RetryAfter is a floor on the next attempt's delay, never a ceiling").
func nextDelay(bo *backoff.ExponentialBackOff, err error) time.Duration {
	delay := bo.NextBackOff()

	var bErr *bridgeerr.Error
	if errors.As(err, &bErr) && bErr.Kind == bridgeerr.KindRateLimited && bErr.RetryAfter > 0 {
		if floor := time.Duration(bErr.RetryAfter); floor > delay {
			delay = floor
		}
	}
	return delay
}
