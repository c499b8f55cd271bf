package coordinator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/mssql-querypool/internal/pool"
)

var _ pool.SlotLimiter = (*Semaphore)(nil)

func TestSemaphore_unlimitedPool(t *testing.T) {
	m := miniredis.RunT(t)
	rc := newCoordinator(t, testConfig(m.Addr(), "inst-a", false))
	s := NewSemaphore(rc, time.Second)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Acquire(ctx, "reports"))
	}
	require.NoError(t, s.Release(ctx, "reports"))
	assert.False(t, m.Exists(fmt.Sprintf(keyPermitsHeld, "reports")))
}

func TestSemaphore_waitsForRelease(t *testing.T) {
	m := miniredis.RunT(t)
	a := newCoordinator(t, testConfig(m.Addr(), "inst-a", false))
	b := newCoordinator(t, testConfig(m.Addr(), "inst-b", false))
	ctx := context.Background()

	require.NoError(t, b.TryAcquire(ctx, "sales"))
	require.NoError(t, b.TryAcquire(ctx, "sales"))

	s := NewSemaphore(a, 2*time.Second)
	done := make(chan error, 1)
	go func() { done <- s.Acquire(ctx, "sales") }()

	select {
	case err := <-done:
		t.Fatalf("acquired while at capacity: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, b.Release(ctx, "sales"))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken by release")
	}

	counts, err := a.InstanceCounts(ctx, "inst-a")
	require.NoError(t, err)
	assert.Equal(t, 1, counts["sales"])
}

func TestSemaphore_timesOut(t *testing.T) {
	m := miniredis.RunT(t)
	rc := newCoordinator(t, testConfig(m.Addr(), "inst-a", false))
	ctx := context.Background()
	require.NoError(t, rc.TryAcquire(ctx, "sales"))
	require.NoError(t, rc.TryAcquire(ctx, "sales"))

	err := NewSemaphore(rc, 50*time.Millisecond).Acquire(ctx, "sales")
	assert.ErrorIs(t, err, ErrAtCapacity)

	err = NewSemaphore(rc, 0).Acquire(ctx, "sales")
	assert.ErrorIs(t, err, ErrAtCapacity)
}

func TestSemaphore_contextCancelled(t *testing.T) {
	m := miniredis.RunT(t)
	rc := newCoordinator(t, testConfig(m.Addr(), "inst-a", false))
	require.NoError(t, rc.TryAcquire(context.Background(), "sales"))
	require.NoError(t, rc.TryAcquire(context.Background(), "sales"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := NewSemaphore(rc, 5*time.Second).Acquire(ctx, "sales")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSemaphore_fallbackPolls(t *testing.T) {
	m := miniredis.RunT(t)
	addr := m.Addr()
	m.Close()

	rc := newCoordinator(t, testConfig(addr, "inst-a", true))
	s := NewSemaphore(rc, time.Second)
	ctx := context.Background()
	require.NoError(t, s.Acquire(ctx, "sales"))

	done := make(chan error, 1)
	go func() { done <- s.Acquire(ctx, "sales") }()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Release(ctx, "sales"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("fallback waiter not granted")
	}
}
