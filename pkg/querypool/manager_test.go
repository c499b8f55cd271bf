package querypool_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lni/goutils/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/joao-brasil/mssql-querypool/internal/config"
	"github.com/joao-brasil/mssql-querypool/internal/pool"
	"github.com/joao-brasil/mssql-querypool/internal/pool/pooltest"
	"github.com/joao-brasil/mssql-querypool/pkg/descriptor"
	"github.com/joao-brasil/mssql-querypool/pkg/querypool"
)

func managerConfig() *config.Config {
	return &config.Config{
		Pool: config.PoolConfig{
			Size:  1,
			Retry: pool.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		},
		Connections: []config.ConnectionConfig{
			{Name: "sales", Descriptor: descriptor.Descriptor{Host: "db1", User: "sa"}, Pool: config.PoolConfig{Size: 2}},
			{Name: "reports", Descriptor: descriptor.Descriptor{Host: "db2", Instance: "SQLEXPRESS", User: "reader"}},
		},
	}
}

func TestNewManager(t *testing.T) {
	defer leaktest.AfterTest(t)()
	servers := map[string]*pooltest.Server{
		"sales":   pooltest.NewServer(),
		"reports": pooltest.NewServer(),
	}
	lim := &countingLimiter{}
	m, err := querypool.NewManager(context.Background(), managerConfig(), lim,
		querypool.WithLogger(zap.NewNop()),
		querypool.WithDialer(func(cc config.ConnectionConfig) pool.Dialer { return servers[cc.Name] }))
	require.NoError(t, err)

	c, ok := m.Client("sales")
	require.True(t, ok)
	assert.Equal(t, "sales", c.Name())
	_, ok = m.Client("missing")
	assert.False(t, ok)

	clients := m.Clients()
	require.Len(t, clients, 2)
	assert.Equal(t, "reports", clients[0].Name())
	assert.Equal(t, "sales", clients[1].Name())

	require.Eventually(t, func() bool {
		stats := m.Stats()
		return stats[0].Free == 1 && stats[1].Free == 2
	}, 2*time.Second, time.Millisecond)
	stats := m.Stats()
	assert.Equal(t, "reports", stats[0].Pool)
	assert.Equal(t, 1, stats[0].Size)
	assert.Equal(t, 2, stats[1].Size)

	_, err = c.Query(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Len(t, servers["sales"].Conns()[0].Queries(), 1)
	assert.Empty(t, servers["reports"].Conns()[0].Queries())

	require.NoError(t, m.Close())
	acquired, released := lim.counts()
	assert.Equal(t, 3, acquired)
	assert.Equal(t, 3, released)
	assert.Empty(t, m.Clients())
}

func TestNewManager_connectFailureClosesOthers(t *testing.T) {
	defer leaktest.AfterTest(t)()
	sales := pooltest.NewServer()
	reports := pooltest.NewServer()
	reports.FailDials(-1, errors.New("network unreachable"))

	_, err := querypool.NewManager(context.Background(), managerConfig(), nil,
		querypool.WithLogger(zap.NewNop()),
		querypool.WithDialer(func(cc config.ConnectionConfig) pool.Dialer {
			if cc.Name == "sales" {
				return sales
			}
			return reports
		}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reports")
	for _, c := range sales.Conns() {
		assert.True(t, c.Closed())
	}
}
