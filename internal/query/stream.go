package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joao-brasil/mssql-querypool/internal/metrics"
	"github.com/joao-brasil/mssql-querypool/internal/pool"
)

// ErrStreamClosed ends a statement whose stream was closed before the last
// row was read.
var ErrStreamClosed = errors.New("query: stream closed")

// EventType identifies a stream event.
type EventType int

const (
	// EventColumns opens a result set.
	EventColumns EventType = iota
	// EventRow carries one row of the current result set.
	EventRow
	// EventEnd is the last event of every stream.
	EventEnd
)

func (t EventType) String() string {
	switch t {
	case EventColumns:
		return "columns"
	case EventRow:
		return "row"
	case EventEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Event is one step of a statement's output.
type Event struct {
	Type EventType
	// Set is the zero-based result set the event belongs to.
	Set int
	// Fields is set on EventColumns.
	Fields []Field
	// Row is set on EventRow.
	Row Row
	// Total is set on EventEnd for modifying statements that succeeded.
	Total *int64
	// Err is set on EventEnd when the statement failed.
	Err error
}

// RowStream delivers a statement's rows as they are read. It is single-pass:
// each row is delivered once, followed by exactly one EventEnd, after which
// the channel is closed.
type RowStream struct {
	id     string
	events chan Event
	cancel context.CancelFunc

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

// ID returns the statement id used in logs.
func (s *RowStream) ID() string {
	return s.id
}

// Events returns the event channel.
func (s *RowStream) Events() <-chan Event {
	return s.events
}

// Close abandons the statement and waits until its slot is back in the pool.
// Closing a finished stream only waits. Safe to call more than once.
func (s *RowStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.cancel()
	})
	<-s.done
	return nil
}

// Done is closed once the slot has been returned to the pool.
func (s *RowStream) Done() <-chan struct{} {
	return s.done
}

// send delivers ev unless the stream is closed or the statement's context
// ends first. Room in the buffer always wins.
func (s *RowStream) send(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.closing:
		return false
	case <-ctx.Done():
		return false
	}
}

// stopped explains why send gave up.
func (s *RowStream) stopped(ctx context.Context) error {
	select {
	case <-s.closing:
		return ErrStreamClosed
	default:
		return ctx.Err()
	}
}

// Stream runs sql and delivers its output as events. Stream returns once a
// slot is held; acquisition errors are returned directly, every later error
// arrives on the EventEnd event.
func (e *Executor) Stream(ctx context.Context, sql string, args ...any) (*RowStream, error) {
	kind := e.classifier.Classify(sql)
	c, err := e.pool.Acquire(ctx)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues(e.pool.Name(), kind.String(), "acquire_failed").Inc()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	s := &RowStream{
		id:      uuid.NewString(),
		events:  make(chan Event, e.opts.StreamBuffer),
		cancel:  cancel,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go e.produce(ctx, s, c, kind, sql, args)
	return s, nil
}

// produce owns the slot for the life of the stream.
func (e *Executor) produce(ctx context.Context, s *RowStream, c *pool.PooledConn, kind Kind, sql string, args []any) {
	log := e.logger.With(zap.String("statement", s.id), zap.Stringer("kind", kind), zap.Int("slot", c.Index()))
	start := time.Now()
	end := Event{Type: EventEnd}

	defer func() {
		if r := recover(); r != nil {
			log.Error("stream producer panicked", zap.Any("panic", r))
			end.Err = fmt.Errorf("query: stream %s: %v", s.id, r)
		}
		e.settle(ctx, c, end.Err)
		e.observe("stream", kind, start, end.Err)
		if end.Err != nil && !errors.Is(end.Err, ErrStreamClosed) {
			log.Debug("statement failed", zap.Error(end.Err))
		}
		s.send(ctx, end)
		s.cancel()
		close(s.events)
		close(s.done)
	}()

	conn, err := c.Live()
	if err != nil {
		end.Err = err
		return
	}

	if kind == KindModify {
		n, err := conn.Exec(ctx, sql, args...)
		if err != nil {
			end.Err = err
			return
		}
		end.Total = &n
		return
	}

	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		end.Err = err
		return
	}
	defer rows.Close()

	set := 0
	for {
		cols, err := rows.Columns()
		if err != nil {
			end.Err = err
			return
		}
		if len(cols) > 0 {
			if !s.send(ctx, Event{Type: EventColumns, Set: set, Fields: fieldsOf(cols)}) {
				end.Err = s.stopped(ctx)
				return
			}
			for rows.Next() {
				vals, err := rows.Values()
				if err != nil {
					end.Err = err
					return
				}
				if !s.send(ctx, Event{Type: EventRow, Set: set, Row: makeRow(cols, vals, e.opts.UTC)}) {
					end.Err = s.stopped(ctx)
					return
				}
			}
			set++
		}
		if err := rows.Err(); err != nil {
			end.Err = err
			return
		}
		if !rows.NextResultSet() {
			break
		}
	}
	end.Err = rows.Err()
}
