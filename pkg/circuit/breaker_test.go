package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestBreaker(t *testing.T) {
	t.Run("should stay closed under successes", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 2, Cooldown: time.Minute})
		for i := 0; i < 10; i++ {
			require.NoError(t, b.Execute(func() error { return nil }))
		}
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("should open after consecutive failures", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 3, Cooldown: time.Minute})
		for i := 0; i < 3; i++ {
			assert.ErrorIs(t, b.Execute(func() error { return errBoom }), errBoom)
		}
		assert.Equal(t, StateOpen, b.State())

		err := b.Execute(func() error { return nil })
		assert.ErrorIs(t, err, ErrOpen)
	})

	t.Run("should reset the failure count on success", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 2, Cooldown: time.Minute})
		require.Error(t, b.Execute(func() error { return errBoom }))
		require.NoError(t, b.Execute(func() error { return nil }))
		require.Error(t, b.Execute(func() error { return errBoom }))
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("should close again after a successful probe", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 1, Cooldown: 10 * time.Millisecond})
		require.Error(t, b.Execute(func() error { return errBoom }))
		require.Equal(t, StateOpen, b.State())

		time.Sleep(20 * time.Millisecond)
		require.NoError(t, b.Execute(func() error { return nil }))
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("should reopen on a failed probe", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 1, Cooldown: 10 * time.Millisecond})
		require.Error(t, b.Execute(func() error { return errBoom }))

		time.Sleep(20 * time.Millisecond)
		require.Error(t, b.Execute(func() error { return errBoom }))
		assert.Equal(t, StateOpen, b.State())

		// Fresh cooldown: still refusing.
		assert.ErrorIs(t, b.Execute(func() error { return nil }), ErrOpen)
	})
}
