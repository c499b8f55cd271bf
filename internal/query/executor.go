package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joao-brasil/mssql-querypool/internal/metrics"
	"github.com/joao-brasil/mssql-querypool/internal/pool"
)

// Defaults for zero-valued Options fields.
const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultStreamBuffer   = 64
)

// pingTimeout bounds the liveness check of a slot whose statement was
// cancelled.
const pingTimeout = 2 * time.Second

// Pool is the part of a connection pool the executor needs.
type Pool interface {
	Name() string
	Acquire(ctx context.Context) (*pool.PooledConn, error)
	Release(c *pool.PooledConn)
	Discard(c *pool.PooledConn, cause error)
}

// Options configures an Executor.
type Options struct {
	// RequestTimeout bounds one statement, from the moment it holds a slot
	// until its last row is read.
	RequestTimeout time.Duration
	// StreamBuffer is the number of events a RowStream buffers ahead of its
	// consumer.
	StreamBuffer int
	// ClassifierSize is the number of statements whose kind is memoized.
	ClassifierSize int
	// UTC renders timestamps in UTC instead of their own location.
	UTC bool
	// Logger defaults to zap.L().
	Logger *zap.Logger
}

// Executor runs statements, one slot per statement.
type Executor struct {
	pool       Pool
	opts       Options
	classifier *Classifier
	logger     *zap.Logger
}

// NewExecutor returns an executor over p.
func NewExecutor(p Pool, opts Options) (*Executor, error) {
	if p == nil {
		return nil, errors.New("query: pool is required")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = DefaultStreamBuffer
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	classifier, err := NewClassifier(opts.ClassifierSize)
	if err != nil {
		return nil, fmt.Errorf("query: creating classifier: %w", err)
	}
	return &Executor{
		pool:       p,
		opts:       opts,
		classifier: classifier,
		logger:     opts.Logger.Named("query").With(zap.String("pool", p.Name())),
	}, nil
}

// Query runs sql and buffers its whole outcome. The slot is returned to the
// pool before Query returns, whatever the outcome.
func (e *Executor) Query(ctx context.Context, sql string, args ...any) (res *Result, err error) {
	id := uuid.NewString()
	kind := e.classifier.Classify(sql)
	log := e.logger.With(zap.String("statement", id), zap.Stringer("kind", kind))

	c, err := e.pool.Acquire(ctx)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues(e.pool.Name(), kind.String(), "acquire_failed").Inc()
		return nil, err
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()
	defer func() {
		e.settle(ctx, c, err)
		e.observe("buffered", kind, start, err)
		if err != nil {
			log.Debug("statement failed", zap.Int("slot", c.Index()), zap.Error(err))
		}
	}()

	conn, err := c.Live()
	if err != nil {
		return nil, err
	}

	if kind == KindModify {
		n, err := conn.Exec(ctx, sql, args...)
		if err != nil {
			return nil, err
		}
		return &Result{Total: &n}, nil
	}

	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		sets   [][]Row
		fields [][]Field
	)
	for {
		cols, err := rows.Columns()
		if err != nil {
			return nil, err
		}
		if len(cols) > 0 {
			set := []Row{}
			for rows.Next() {
				vals, err := rows.Values()
				if err != nil {
					return nil, err
				}
				set = append(set, makeRow(cols, vals, e.opts.UTC))
			}
			sets = append(sets, set)
			fields = append(fields, fieldsOf(cols))
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
		if !rows.NextResultSet() {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	res = &Result{Fields: fields}
	switch len(sets) {
	case 0:
		res.Rows = []Row{}
	case 1:
		res.Rows = sets[0]
	default:
		res.Sets = sets
	}
	log.Debug("statement completed", zap.Int("slot", c.Index()), zap.Int("sets", len(sets)))
	return res, nil
}

// Ping checks out one slot and pings its connection.
func (e *Executor) Ping(ctx context.Context) (err error) {
	c, err := e.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()
	defer func() { e.settle(ctx, c, err) }()
	conn, err := c.Live()
	if err != nil {
		return err
	}
	return conn.Ping(ctx)
}

// settle hands the slot back after a statement. A faulted connection is
// torn down; one whose statement was interrupted is kept only if it still
// answers a ping.
func (e *Executor) settle(ctx context.Context, c *pool.PooledConn, err error) {
	switch {
	case errors.Is(err, pool.ErrSlotFault):
		e.pool.Discard(c, err)
	case ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		conn, lerr := c.Live()
		if lerr != nil {
			e.pool.Release(c)
			return
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()
		if perr := conn.Ping(pingCtx); perr != nil {
			e.pool.Discard(c, pool.Fault(perr))
			return
		}
		e.pool.Release(c)
	default:
		e.pool.Release(c)
	}
}

func (e *Executor) observe(mode string, kind Kind, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.QueryDuration.WithLabelValues(e.pool.Name(), mode).Observe(time.Since(start).Seconds())
	metrics.QueriesTotal.WithLabelValues(e.pool.Name(), kind.String(), status).Inc()
}
