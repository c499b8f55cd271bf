package querypool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/joao-brasil/mssql-querypool/internal/config"
	"github.com/joao-brasil/mssql-querypool/internal/pool"
)

// ManagerOption ajusta a criação dos clients de um Manager.
type ManagerOption func(*managerOptions)

type managerOptions struct {
	logger    *zap.Logger
	dialerFor func(config.ConnectionConfig) pool.Dialer
}

// WithLogger define o logger dos clients.
func WithLogger(l *zap.Logger) ManagerOption {
	return func(o *managerOptions) { o.logger = l }
}

// WithDialer substitui o dialer go-mssqldb de cada conexão configurada.
func WithDialer(f func(config.ConnectionConfig) pool.Dialer) ManagerOption {
	return func(o *managerOptions) { o.dialerFor = f }
}

// Manager gerencia um Client para cada conexão configurada.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*Client // keyed by connection name
	logger  *zap.Logger
}

// NewManager cria um Manager e conecta um Client para cada conexão.
// limiter pode ser nil; quando presente, limita conexões físicas entre instâncias.
func NewManager(ctx context.Context, cfg *config.Config, limiter SlotLimiter, opts ...ManagerOption) (*Manager, error) {
	o := managerOptions{logger: zap.L()}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Manager{
		clients: make(map[string]*Client, len(cfg.Connections)),
		logger:  o.logger.Named("manager"),
	}

	for _, cc := range cfg.Connections {
		d, err := cc.Resolve()
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("connection %s: %w", cc.Name, err)
		}
		pc := cfg.PoolFor(cc)
		copts := Options{
			Size:                pc.Size,
			AcquireTimeout:      pc.AcquireTimeout,
			HealthCheckInterval: pc.HealthCheckInterval,
			Retry:               pc.Retry,
			StreamBuffer:        pc.StreamBuffer,
			StatementCacheSize:  pc.StatementCacheSize,
			Limiter:             limiter,
			Logger:              o.logger,
		}
		if o.dialerFor != nil {
			copts.Dialer = o.dialerFor(cc)
		}

		client, err := Connect(ctx, cc.Name, d, copts)
		if err != nil {
			// Fechar quaisquer clients já criados antes de retornar.
			m.Close()
			return nil, fmt.Errorf("initializing pool for connection %s: %w", cc.Name, err)
		}
		m.clients[cc.Name] = client
	}

	m.logger.Info("manager initialized", zap.Int("pools", len(m.clients)))
	return m, nil
}

// Client retorna o Client de uma conexão pelo nome.
func (m *Manager) Client(name string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[name]
	return c, ok
}

// Clients retorna todos os clients ordenados por nome.
func (m *Manager) Clients() []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Stats retorna estatísticas de todos os pools, ordenadas por nome.
func (m *Manager) Stats() []Stats {
	clients := m.Clients()
	stats := make([]Stats, 0, len(clients))
	for _, c := range clients {
		stats = append(stats, c.Stats())
	}
	return stats
}

// Close encerra todos os pools.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, c := range m.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing pool %s: %w", name, err)
		}
	}
	m.clients = nil

	m.logger.Info("manager closed")
	return firstErr
}
