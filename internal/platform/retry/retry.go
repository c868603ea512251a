package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Action int

const (
	Stop  Action = iota // permanent error, abort immediately
	Retry               // transient error, use normal backoff
	After               // rate-limited, use longer backoff
)

type Policy struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	RateLimitBackoff time.Duration
	Jitter           float64 // randomization factor in [0,1], 0 disables
	OnRetry          func(attempt int, err error, backoff time.Duration)
}

type Classify func(err error) Action
type Operation[T any] func() (T, error)
type VoidOperation func() error

func Do[T any](ctx context.Context, p Policy, classify Classify, op Operation[T]) (T, error) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var (
		attempts int
		last     = Retry
	)
	attempt := func() (T, error) {
		attempts++
		val, err := op()
		if err == nil {
			return val, nil
		}
		last = classify(err)
		if last == Stop {
			return val, backoff.Permanent(&PermanentError{Err: err})
		}
		return val, err
	}
	notify := func(err error, wait time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempts, err, wait)
		}
	}

	val, err := backoff.RetryNotifyWithData(attempt, p.backOff(ctx, &last), notify)
	if err == nil {
		return val, nil
	}

	var zero T
	switch {
	case last == Stop:
		return zero, err
	case ctx.Err() != nil:
		return zero, fmt.Errorf("context cancelled during retry: %w", err)
	default:
		return zero, fmt.Errorf("failed after %d attempts: %w", attempts, err)
	}
}

func DoVoid(ctx context.Context, p Policy, classify Classify, op VoidOperation) error {
	_, err := Do(ctx, p, classify, func() (struct{}, error) { return struct{}{}, op() })
	return err
}

func (p Policy) backOff(ctx context.Context, last *Action) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.InitialBackoff
	expo.Multiplier = 2
	expo.RandomizationFactor = p.Jitter
	expo.MaxElapsedTime = 0
	if p.MaxBackoff > 0 {
		expo.MaxInterval = p.MaxBackoff
	}

	var b backoff.BackOff = &classifiedBackOff{BackOff: expo, rateLimit: p.RateLimitBackoff, last: last}
	b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	return backoff.WithContext(b, ctx)
}

// classifiedBackOff swaps in the rate-limit wait after an error classified as After.
type classifiedBackOff struct {
	backoff.BackOff
	rateLimit time.Duration
	last      *Action
}

func (b *classifiedBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next != backoff.Stop && *b.last == After && b.rateLimit > 0 {
		return b.rateLimit
	}
	return next
}

type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }
