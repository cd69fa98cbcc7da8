// Package retry runs an operation under a bounded exponential-backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Class tells Do whether a failure is worth another attempt.
type Class int

const (
	Retryable Class = iota
	NonRetryable
)

// Policy defines retry behaviour for one kind of call.
type Policy struct {
	MaxRetries   int           // retries after the first attempt (0 = single attempt)
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration // cap; 0 means uncapped
	Multiplier   float64       // backoff multiplier, e.g. 2.0
	Jitter       bool          // add up to 20% random delay
}

// Func is an operation that can be retried.
type Func[T any] func(ctx context.Context) (T, error)

// Do executes fn until it succeeds, classify says stop, or MaxRetries is
// exhausted. The last error is returned unwrapped so callers can errors.Is it;
// when ctx ends during a backoff the result matches both ctx.Err() and it.
func Do[T any](
	ctx context.Context,
	policy Policy,
	fn Func[T],
	classify func(error) Class,
	onRetry func(attempt int, delay time.Duration, err error),
) (T, error) {
	var zero T

	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		if classify != nil && classify(err) == NonRetryable {
			return zero, err
		}
		if attempt >= policy.MaxRetries {
			return zero, err
		}

		delay := policy.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt+1, delay, err)
		}

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("retry aborted: %w", errors.Join(ctx.Err(), err))
		case <-time.After(delay):
		}
	}
}

// Delay computes the wait before retry number attempt+1.
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		delay += rand.Float64() * 0.2 * delay
	}
	return time.Duration(delay)
}
