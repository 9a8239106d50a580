package capacity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	g := New(10)
	require.NoError(t, g.Acquire(context.Background(), 6))
	assert.Equal(t, int64(6), g.Reserved())

	g.Release(4)
	assert.Equal(t, int64(2), g.Reserved())
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	g := New(10)
	g.Release(5)
	assert.Equal(t, int64(0), g.Reserved())
}

func TestAcquireBlocksUntilCapacityFrees(t *testing.T) {
	g := New(5)
	require.NoError(t, g.Acquire(context.Background(), 5))

	done := make(chan struct{})
	go func() {
		require.NoError(t, g.Acquire(context.Background(), 1))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Acquire returned before capacity was released")
	case <-time.After(50 * time.Millisecond):
	}

	g.Release(5)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire did not unblock after Release")
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	g := New(1)
	require.NoError(t, g.Acquire(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Acquire(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestShouldThrottle(t *testing.T) {
	g := New(100)
	assert.False(t, g.ShouldThrottle())

	require.NoError(t, g.Acquire(context.Background(), 80))
	assert.True(t, g.ShouldThrottle())

	g.Release(1)
	assert.False(t, g.ShouldThrottle())
}

func TestSetTotal(t *testing.T) {
	g := New(10)
	g.SetTotal(20)
	assert.Equal(t, int64(20), g.Total())
}
