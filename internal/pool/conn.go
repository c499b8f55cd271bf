package pool

import (
	"context"
	"errors"
)

// ErrSlotFault marks errors that mean the physical connection behind a slot
// is no longer usable (network drop, server-initiated close). Slots that
// report it are torn down instead of being returned to the pool.
var ErrSlotFault = errors.New("connection fault")

// Fault wraps err so that errors.Is(err, ErrSlotFault) holds.
func Fault(err error) error {
	if err == nil || errors.Is(err, ErrSlotFault) {
		return err
	}
	return &faultError{err: err}
}

type faultError struct{ err error }

func (e *faultError) Error() string   { return e.err.Error() }
func (e *faultError) Unwrap() []error { return []error{ErrSlotFault, e.err} }

// Column describes one column of a result set.
type Column struct {
	Name  string
	Table string // originating table, empty when the driver does not report it
	Type  string // database type name
}

// Rows iterates the result sets of one statement. The first result set is
// current right after Query returns; NextResultSet advances to the next one.
type Rows interface {
	Columns() ([]Column, error)
	Next() bool
	Values() ([]any, error)
	NextResultSet() bool
	Err() error
	Close() error
}

// Conn is the physical database session owned by one slot.
type Conn interface {
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens physical connections for a pool's slots.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// SlotLimiter grants permits for physical connections beyond this process,
// e.g. a cluster-wide cap on connections to one server.
type SlotLimiter interface {
	Acquire(ctx context.Context, poolName string) error
	Release(ctx context.Context, poolName string) error
}
