package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry_Success(t *testing.T) {
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2.0,
	}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_AllAttemptsFail(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return errors.New("persistent error")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, 3, attempts)
}

func TestRetry_NonRetryable(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), DefaultConfig(), func() error {
		attempts++
		return NonRetryable(errors.New("bad config"))
	})

	assert.True(t, IsNonRetryable(err))
	assert.Equal(t, 1, attempts)
	assert.Nil(t, NonRetryable(nil))
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		return errors.New("error")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Less(t, attempts, 5)
}

func TestRetry_InvalidConfig(t *testing.T) {
	err := Do(context.Background(), Config{InitialDelay: -1}, func() error { return nil })
	assert.Error(t, err)

	err = Do(context.Background(), Config{InitialDelay: time.Second, MaxDelay: time.Millisecond}, func() error { return nil })
	assert.Error(t, err)
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	v, err := DoWithResult(context.Background(), Config{MaxAttempts: 2, InitialDelay: time.Millisecond}, func() (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("first")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestBackoff_Sequence(t *testing.T) {
	b := NewBackoff(Policy{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2})

	assert.Equal(t, 10*time.Millisecond, b.Next())
	assert.Equal(t, 20*time.Millisecond, b.Next())
	assert.Equal(t, 40*time.Millisecond, b.Next())
	assert.Equal(t, 50*time.Millisecond, b.Next())
	assert.Equal(t, 50*time.Millisecond, b.Next())
	assert.Equal(t, 5, b.Attempts())

	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.Peek())
	assert.Equal(t, 0, b.Attempts())
}

func TestBackoff_JitterBounded(t *testing.T) {
	b := NewBackoff(Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: 100 * time.Millisecond, Multiplier: 2, Jitter: true})
	for i := 0; i < 20; i++ {
		d := b.Next()
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 125*time.Millisecond)
	}
}

func TestReconnector_SucceedsAfterFailures(t *testing.T) {
	var calls int32
	r := NewReconnector(Policy{InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}, 0,
		func(ctx context.Context) error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return errors.New("refused")
			}
			return nil
		})

	var delays []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, StateConnected, r.State())
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, delays)
}

func TestReconnector_ExhaustsBudget(t *testing.T) {
	want := errors.New("refused")
	r := NewReconnector(Policy{InitialDelay: time.Millisecond}, 3, func(ctx context.Context) error { return want })
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	err := r.Run(context.Background())
	assert.ErrorIs(t, err, want)
	assert.Equal(t, StateDisconnected, r.State())
}

func TestReconnector_Cancel(t *testing.T) {
	r := NewReconnector(Policy{InitialDelay: time.Hour, MaxDelay: time.Hour}, 0,
		func(ctx context.Context) error { return errors.New("down") })

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	require.Eventually(t, func() bool { return r.State() == StateWaiting }, time.Second, time.Millisecond)
	r.Cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("reconnector did not stop after Cancel")
	}
	assert.Equal(t, StateCancelled, r.State())

	assert.ErrorIs(t, r.Run(context.Background()), context.Canceled)
}
