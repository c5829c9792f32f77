package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBusy = errors.New("busy")

func TestBackoffSchedule(t *testing.T) {
	for k := 0; k <= 4; k++ {
		var delays []time.Duration
		b := NewBackoff(time.Millisecond, 5)
		b.OnRetry = func(_ int, d time.Duration, _ error) { delays = append(delays, d) }

		calls := 0
		err := b.Do(context.Background(), func(int) error {
			calls++
			if calls <= k {
				return errBusy
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, k+1, calls)
		require.Len(t, delays, k)
		for i, d := range delays {
			assert.Equal(t, time.Millisecond<<i, d)
		}
	}
}

func TestBackoffExhausted(t *testing.T) {
	b := NewBackoff(time.Millisecond, 2)
	calls := 0
	err := b.Do(context.Background(), func(int) error {
		calls++
		return errBusy
	})
	assert.ErrorIs(t, err, errBusy)
	assert.Equal(t, 3, calls)
}

func TestBackoffNotRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	b := NewBackoff(time.Millisecond, 5)
	b.Retryable = func(err error) bool { return err == errBusy }
	calls := 0
	err := b.Do(context.Background(), func(int) error {
		calls++
		return fatal
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestBackoffOverride(t *testing.T) {
	var delays []time.Duration
	b := NewBackoff(time.Hour, 5)
	b.Override = func(error) (time.Duration, bool) { return 2 * time.Millisecond, true }
	b.OnRetry = func(_ int, d time.Duration, _ error) { delays = append(delays, d) }
	calls := 0
	err := b.Do(context.Background(), func(int) error {
		calls++
		if calls < 3 {
			return errBusy
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2 * time.Millisecond, 2 * time.Millisecond}, delays)
}

func TestBackoffNegativeRetriesMeansNone(t *testing.T) {
	b := NewBackoff(time.Millisecond, -1)
	calls := 0
	err := b.Do(context.Background(), func(int) error {
		calls++
		return errBusy
	})
	assert.ErrorIs(t, err, errBusy)
	assert.Equal(t, 1, calls)
}
