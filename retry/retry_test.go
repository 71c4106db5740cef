package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoStopsAfterSuccess(t *testing.T) {
	calls := 0
	err := Fixed(5, time.Millisecond).Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsPolicy(t *testing.T) {
	calls := 0
	err := Fixed(3, time.Millisecond).Do(context.Background(), func() error {
		calls++
		return fmt.Errorf("always")
	})
	require.EqualError(t, err, "always")
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Fixed(100, time.Hour).Do(ctx, func() error {
		calls++
		cancel()
		return fmt.Errorf("fail")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls, "a cancelled context must not wait out the backoff")
}

func TestExponentialBackoffIsCapped(t *testing.T) {
	p := Exponential(10, time.Second, 8*time.Second)
	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 8*time.Second, p.Backoff(3))
	assert.Equal(t, 8*time.Second, p.Backoff(4))
	assert.Equal(t, 8*time.Second, p.Backoff(40), "overflow must land on the cap")
}

func TestSleepHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}
