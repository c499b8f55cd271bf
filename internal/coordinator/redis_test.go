package coordinator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/joao-brasil/mssql-querypool/internal/config"
)

func testConfig(addr, instanceID string, fallback bool) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{InstanceID: instanceID},
		Redis: config.RedisConfig{
			Enabled:           true,
			Addr:              addr,
			PoolSize:          4,
			DialTimeout:       200 * time.Millisecond,
			ReadTimeout:       200 * time.Millisecond,
			WriteTimeout:      200 * time.Millisecond,
			HeartbeatInterval: 10 * time.Millisecond,
			HeartbeatTTL:      time.Second,
		},
		Fallback: config.FallbackConfig{Enabled: fallback, LocalLimitDivisor: 2},
		Connections: []config.ConnectionConfig{
			{Name: "sales", GlobalMaxConnections: 2},
			{Name: "reports"},
		},
	}
}

func newCoordinator(t *testing.T, cfg *config.Config) *RedisCoordinator {
	t.Helper()
	rc, err := NewRedisCoordinator(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close(context.Background()) })
	return rc
}

func TestNewRedisCoordinator_registersPools(t *testing.T) {
	m := miniredis.RunT(t)
	rc := newCoordinator(t, testConfig(m.Addr(), "inst-a", false))

	assert.False(t, rc.IsFallback())
	assert.Equal(t, "inst-a", rc.InstanceID())
	assert.True(t, rc.Limited("sales"))
	assert.False(t, rc.Limited("reports"))

	m.CheckGet(t, fmt.Sprintf(keyPermitsMax, "sales"), "2")
	m.CheckGet(t, fmt.Sprintf(keyPermitsHeld, "sales"), "0")
	assert.False(t, m.Exists(fmt.Sprintf(keyPermitsMax, "reports")))

	instances, err := rc.ActiveInstances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"inst-a"}, instances)
}

func TestRedisCoordinator_acquireUpToCap(t *testing.T) {
	m := miniredis.RunT(t)
	rc := newCoordinator(t, testConfig(m.Addr(), "inst-a", false))
	ctx := context.Background()

	require.NoError(t, rc.TryAcquire(ctx, "sales"))
	require.NoError(t, rc.TryAcquire(ctx, "sales"))
	assert.ErrorIs(t, rc.TryAcquire(ctx, "sales"), ErrAtCapacity)

	n, err := rc.GlobalCount(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts, err := rc.InstanceCounts(ctx, "inst-a")
	require.NoError(t, err)
	assert.Equal(t, 2, counts["sales"])

	require.NoError(t, rc.Release(ctx, "sales"))
	n, err = rc.GlobalCount(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, rc.TryAcquire(ctx, "sales"))
}

func TestRedisCoordinator_releaseNeverGoesNegative(t *testing.T) {
	m := miniredis.RunT(t)
	rc := newCoordinator(t, testConfig(m.Addr(), "inst-a", false))
	ctx := context.Background()

	require.NoError(t, rc.Release(ctx, "sales"))
	n, err := rc.GlobalCount(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRedisCoordinator_unregisteredPool(t *testing.T) {
	m := miniredis.RunT(t)
	rc := newCoordinator(t, testConfig(m.Addr(), "inst-a", false))

	err := rc.TryAcquire(context.Background(), "reports")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max not configured")
}

func TestRedisCoordinator_instancesShareCap(t *testing.T) {
	m := miniredis.RunT(t)
	a := newCoordinator(t, testConfig(m.Addr(), "inst-a", false))
	b := newCoordinator(t, testConfig(m.Addr(), "inst-b", false))
	ctx := context.Background()

	require.NoError(t, a.TryAcquire(ctx, "sales"))
	require.NoError(t, b.TryAcquire(ctx, "sales"))
	assert.ErrorIs(t, a.TryAcquire(ctx, "sales"), ErrAtCapacity)
	assert.ErrorIs(t, b.TryAcquire(ctx, "sales"), ErrAtCapacity)

	instances, err := a.ActiveInstances(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"inst-a", "inst-b"}, instances)

	require.NoError(t, b.Close(ctx))
	instances, err = a.ActiveInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"inst-a"}, instances)
}

func TestRedisCoordinator_subscribeReceivesReleases(t *testing.T) {
	m := miniredis.RunT(t)
	a := newCoordinator(t, testConfig(m.Addr(), "inst-a", false))
	b := newCoordinator(t, testConfig(m.Addr(), "inst-b", false))
	ctx := context.Background()

	ch, unsubscribe, err := a.Subscribe(ctx, "sales")
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, b.TryAcquire(ctx, "sales"))
	require.NoError(t, b.Release(ctx, "sales"))

	select {
	case name := <-ch:
		assert.Equal(t, "sales", name)
	case <-time.After(2 * time.Second):
		t.Fatal("no release notification")
	}
}

func TestNewRedisCoordinator_unreachable(t *testing.T) {
	m := miniredis.RunT(t)
	addr := m.Addr()
	m.Close()

	_, err := NewRedisCoordinator(context.Background(), testConfig(addr, "inst-a", false), zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping failed")
}

func TestRedisCoordinator_fallbackLocalLimit(t *testing.T) {
	m := miniredis.RunT(t)
	addr := m.Addr()
	m.Close()

	rc := newCoordinator(t, testConfig(addr, "inst-a", true))
	ctx := context.Background()
	require.True(t, rc.IsFallback())

	// global cap 2 / divisor 2
	require.NoError(t, rc.TryAcquire(ctx, "sales"))
	assert.ErrorIs(t, rc.TryAcquire(ctx, "sales"), ErrAtCapacity)
	n, err := rc.GlobalCount(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, rc.Release(ctx, "sales"))
	require.NoError(t, rc.TryAcquire(ctx, "sales"))

	ch, unsubscribe, err := rc.Subscribe(ctx, "sales")
	require.NoError(t, err)
	defer unsubscribe()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestRedisCoordinator_acquireErrorEntersFallback(t *testing.T) {
	m := miniredis.RunT(t)
	rc := newCoordinator(t, testConfig(m.Addr(), "inst-a", true))
	ctx := context.Background()

	m.SetError("LOADING Redis is loading the dataset in memory")
	require.NoError(t, rc.TryAcquire(ctx, "sales"))
	assert.True(t, rc.IsFallback())
}

func TestRedisCoordinator_exitFallbackReconciles(t *testing.T) {
	m := miniredis.RunT(t)
	addr := m.Addr()
	m.Close()

	rc := newCoordinator(t, testConfig(addr, "inst-a", true))
	ctx := context.Background()
	require.True(t, rc.IsFallback())
	require.NoError(t, rc.TryAcquire(ctx, "sales"))

	assert.Error(t, rc.ExitFallback(ctx))
	require.NoError(t, m.Restart())
	require.Eventually(t, func() bool { return rc.ExitFallback(ctx) == nil }, 2*time.Second, 20*time.Millisecond)
	assert.False(t, rc.IsFallback())

	m.CheckGet(t, fmt.Sprintf(keyPermitsHeld, "sales"), "1")
	counts, err := rc.InstanceCounts(ctx, "inst-a")
	require.NoError(t, err)
	assert.Equal(t, 1, counts["sales"])

	// the permit taken during fallback is returned to redis
	require.NoError(t, rc.Release(ctx, "sales"))
	m.CheckGet(t, fmt.Sprintf(keyPermitsHeld, "sales"), "0")
}
