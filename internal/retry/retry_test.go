package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	var delays []time.Duration

	got, err := Do(context.Background(),
		Policy{MaxRetries: 2, InitialDelay: time.Millisecond, Multiplier: 2},
		func(ctx context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errBoom
			}
			return "ok", nil
		},
		nil,
		func(attempt int, delay time.Duration, err error) { delays = append(delays, delay) },
	)

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, delays)
}

func TestDo_StopsAfterMaxRetries(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{MaxRetries: 1, InitialDelay: time.Millisecond},
		func(ctx context.Context) (int, error) {
			calls++
			return 0, errBoom
		}, nil, nil)

	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 2, calls)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{MaxRetries: 5, InitialDelay: time.Millisecond},
		func(ctx context.Context) (int, error) {
			calls++
			return 0, errBoom
		},
		func(error) Class { return NonRetryable },
		nil)

	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	_, err := Do(ctx, Policy{MaxRetries: 3, InitialDelay: time.Hour},
		func(ctx context.Context) (int, error) {
			cancel()
			return 0, errBoom
		}, nil, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, errBoom, "the last failure keeps its class")
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{InitialDelay: 500 * time.Millisecond, Multiplier: 2, MaxDelay: 1500 * time.Millisecond}
	assert.Equal(t, 500*time.Millisecond, p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 1500*time.Millisecond, p.Delay(2))
}
