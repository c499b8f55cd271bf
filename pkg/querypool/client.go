// Package querypool is the public entry point: it opens a pooled SQL Server
// connection from a descriptor and runs statements over it.
package querypool

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/joao-brasil/mssql-querypool/internal/mssql"
	"github.com/joao-brasil/mssql-querypool/internal/pool"
	"github.com/joao-brasil/mssql-querypool/internal/query"
	"github.com/joao-brasil/mssql-querypool/pkg/descriptor"
)

// Re-exported so callers outside this module can name them.
type (
	Result      = query.Result
	Row         = query.Row
	Field       = query.Field
	RowStream   = query.RowStream
	Event       = query.Event
	EventType   = query.EventType
	Stats       = pool.Stats
	RetryPolicy = pool.RetryPolicy
	SlotLimiter = pool.SlotLimiter
)

// Stream event types.
const (
	EventColumns = query.EventColumns
	EventRow     = query.EventRow
	EventEnd     = query.EventEnd
)

// Options configures a Client. Zero values take the pool and executor
// defaults; the timeouts come from the descriptor.
type Options struct {
	Size                int
	AcquireTimeout      time.Duration
	HealthCheckInterval time.Duration
	Retry               RetryPolicy
	StreamBuffer        int
	StatementCacheSize  int
	// Limiter gates every physical connection behind a cluster-wide permit.
	Limiter SlotLimiter
	// Dialer replaces the go-mssqldb dialer.
	Dialer pool.Dialer
	Logger *zap.Logger
}

// Client is a named pool of connections to one database plus the executor
// that runs statements over it.
type Client struct {
	name     string
	pool     *pool.Pool
	executor *query.Executor
}

// Connect validates d, opens the pool and waits until its first connection
// is live. The remaining slots are established in the background.
func Connect(ctx context.Context, name string, d descriptor.Descriptor, opts Options) (*Client, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("querypool %s: invalid descriptor: %w", name, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.L()
	}
	params := mssql.Adapt(d)

	dialer := opts.Dialer
	if dialer == nil {
		dl, err := mssql.NewDialer(params, logger)
		if err != nil {
			return nil, fmt.Errorf("querypool %s: %w", name, err)
		}
		dialer = dl
	}

	p, err := pool.New(name, dialer, pool.Options{
		Size:                opts.Size,
		AcquireTimeout:      opts.AcquireTimeout,
		ConnectTimeout:      params.ConnectTimeout,
		HealthCheckInterval: opts.HealthCheckInterval,
		Retry:               opts.Retry,
		Limiter:             opts.Limiter,
		Logger:              logger,
	})
	if err != nil {
		return nil, fmt.Errorf("querypool %s: %w", name, err)
	}
	if err := p.Connect(ctx); err != nil {
		p.Close()
		return nil, err
	}

	exec, err := query.NewExecutor(p, query.Options{
		RequestTimeout: params.RequestTimeout,
		StreamBuffer:   opts.StreamBuffer,
		ClassifierSize: opts.StatementCacheSize,
		UTC:            params.UseUTC,
		Logger:         logger,
	})
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("querypool %s: %w", name, err)
	}

	logger.Info("client connected",
		zap.String("pool", name), zap.Stringer("target", d), zap.Int("size", p.Size()))

	return &Client{
		name:     name,
		pool:     p,
		executor: exec,
	}, nil
}

// Name returns the pool name.
func (c *Client) Name() string { return c.name }

// Query runs sql and buffers every result set.
func (c *Client) Query(ctx context.Context, sql string, args ...any) (*Result, error) {
	return c.executor.Query(ctx, sql, args...)
}

// Stream runs sql and delivers its rows as events. The caller must drain
// the stream or Close it.
func (c *Client) Stream(ctx context.Context, sql string, args ...any) (*RowStream, error) {
	return c.executor.Stream(ctx, sql, args...)
}

// Ping checks that a slot can be acquired and answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.executor.Ping(ctx)
}

// Version returns the server version banner.
func (c *Client) Version(ctx context.Context) (string, error) {
	res, err := c.executor.Query(ctx, "SELECT @@VERSION AS version")
	if err != nil {
		return "", err
	}
	if len(res.Rows) == 0 {
		return "", fmt.Errorf("querypool %s: empty version result", c.name)
	}
	v, _ := res.Rows[0]["version"].(string)
	return v, nil
}

// Stats returns the current slot counts.
func (c *Client) Stats() Stats {
	return c.pool.Stats()
}

// Close fails every waiter and closes every connection.
func (c *Client) Close() error {
	return c.pool.Close()
}
