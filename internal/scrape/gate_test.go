package scrape

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestGateLimitsPermits verifies permits are exhausted at capacity and
// freed by Release.
func TestGateLimitsPermits(t *testing.T) {
	t.Parallel()

	g := NewGate(2)
	require.True(t, g.TryAcquire())
	require.True(t, g.TryAcquire())
	require.False(t, g.TryAcquire())
	require.Equal(t, 2, g.Active())

	g.Release()
	require.Equal(t, 1, g.Active())
	require.True(t, g.TryAcquire())
}

// TestGateAcquireHonorsContext verifies a blocked Acquire returns once the
// context is canceled.
func TestGateAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	g := NewGate(1)
	require.NoError(t, g.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Acquire(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestGateUnblocksWaiter verifies Release hands the permit to a blocked
// Acquire.
func TestGateUnblocksWaiter(t *testing.T) {
	t.Parallel()

	g := NewGate(1)
	require.NoError(t, g.Acquire(context.Background()))

	acquired := make(chan error, 1)
	go func() {
		acquired <- g.Acquire(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	g.Release()

	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the released permit")
	}
}

func TestGateClampsToOne(t *testing.T) {
	t.Parallel()

	g := NewGate(0)
	require.Equal(t, 1, g.Cap())
}

func TestGateReleaseWithoutAcquirePanics(t *testing.T) {
	t.Parallel()

	defer func() {
		require.NotNil(t, recover())
	}()
	NewGate(1).Release()
}
