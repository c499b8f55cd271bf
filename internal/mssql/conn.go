package mssql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"

	mssql "github.com/microsoft/go-mssqldb"

	"github.com/joao-brasil/mssql-querypool/internal/pool"
)

// Conn is one physical SQL Server session. It pins a single connection of
// a database/sql handle that is limited to that one connection, so every
// statement of a slot runs on the same session.
type Conn struct {
	db   *sql.DB
	conn *sql.Conn
}

var _ pool.Conn = (*Conn)(nil)

// Query implements pool.Conn.
func (c *Conn) Query(ctx context.Context, query string, args ...any) (pool.Rows, error) {
	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	return &Rows{rows: rows}, nil
}

// Exec implements pool.Conn and returns the affected-row count.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// Ping implements pool.Conn.
func (c *Conn) Ping(ctx context.Context) error {
	return classify(c.conn.PingContext(ctx))
}

// Close implements pool.Conn.
func (c *Conn) Close() error {
	err := c.conn.Close()
	if dbErr := c.db.Close(); err == nil {
		err = dbErr
	}
	return err
}

// Rows adapts *sql.Rows to pool.Rows.
type Rows struct {
	rows  *sql.Rows
	types []*sql.ColumnType // current result set, loaded lazily
}

var _ pool.Rows = (*Rows)(nil)

// Columns implements pool.Rows. go-mssqldb does not expose the source
// table of a column through database/sql, so Table is always empty.
func (r *Rows) Columns() ([]pool.Column, error) {
	if err := r.loadTypes(); err != nil {
		return nil, err
	}
	cols := make([]pool.Column, len(r.types))
	for i, ct := range r.types {
		cols[i] = pool.Column{Name: ct.Name(), Type: ct.DatabaseTypeName()}
	}
	return cols, nil
}

// Next implements pool.Rows.
func (r *Rows) Next() bool {
	return r.rows.Next()
}

// Values implements pool.Rows.
func (r *Rows) Values() ([]any, error) {
	if err := r.loadTypes(); err != nil {
		return nil, err
	}
	vals := make([]any, len(r.types))
	dest := make([]any, len(r.types))
	for i := range vals {
		dest[i] = &vals[i]
	}
	if err := r.rows.Scan(dest...); err != nil {
		return nil, classify(err)
	}
	for i, ct := range r.types {
		vals[i] = convert(vals[i], ct.DatabaseTypeName())
	}
	return vals, nil
}

// NextResultSet implements pool.Rows.
func (r *Rows) NextResultSet() bool {
	r.types = nil
	return r.rows.NextResultSet()
}

// Err implements pool.Rows.
func (r *Rows) Err() error {
	return classify(r.rows.Err())
}

// Close implements pool.Rows.
func (r *Rows) Close() error {
	return classify(r.rows.Close())
}

func (r *Rows) loadTypes() error {
	if r.types != nil {
		return nil
	}
	types, err := r.rows.ColumnTypes()
	if err != nil {
		return classify(err)
	}
	r.types = types
	return nil
}

// convert turns driver byte encodings into printable values.
func convert(v any, typeName string) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	switch typeName {
	case "DECIMAL", "NUMERIC", "MONEY", "SMALLMONEY":
		return string(b)
	case "UNIQUEIDENTIFIER":
		var u mssql.UniqueIdentifier
		if err := u.Scan(b); err == nil {
			return u.String()
		}
	}
	return b
}

// classify marks errors that leave the session unusable as slot faults.
// Server-reported errors and context errors keep the connection.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var serverErr mssql.Error
	if errors.As(err, &serverErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var streamErr mssql.StreamError
	if errors.As(err, &streamErr) {
		return pool.Fault(err)
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) {
		return pool.Fault(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return pool.Fault(err)
	}
	return err
}
