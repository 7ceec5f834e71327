package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
		Jitter:          0.1,
	}
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("boom")

	err := fastPolicy(3).Do(context.Background(), func(context.Context) error {
		calls++
		return boom
	}, nil)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDoSucceedsAfterRetry(t *testing.T) {
	calls := 0
	var retried []error

	err := fastPolicy(3).Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("flaky")
		}
		return nil
	}, func(err error, _ time.Duration) {
		retried = append(retried, err)
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, retried, 1)
}

func TestDoPermanentErrorIsNotRetried(t *testing.T) {
	calls := 0
	denied := errors.New("denied")

	err := fastPolicy(5).Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(denied)
	}, nil)

	assert.ErrorIs(t, err, denied)
	assert.Equal(t, 1, calls)
}

func TestDoHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0

	err := fastPolicy(5).Do(ctx, func(context.Context) error {
		calls++
		return nil
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestSingleAllowsOneRetry(t *testing.T) {
	p := Single(time.Millisecond)
	calls := 0

	_ = p.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("down")
	}, nil)

	assert.Equal(t, 2, calls)
}

func TestNormalizedFillsDefaults(t *testing.T) {
	p := Policy{}.normalized()
	assert.Equal(t, 1, p.MaxAttempts)
	assert.Equal(t, DefaultPolicy().InitialInterval, p.InitialInterval)
	assert.Equal(t, DefaultPolicy().Multiplier, p.Multiplier)
}
