// Package pooltest provides an in-memory SQL Server stand-in for tests:
// a Dialer whose connections answer scripted statements.
package pooltest

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/joao-brasil/mssql-querypool/internal/pool"
)

// ErrConnReset is the fault reported by killed connections.
var ErrConnReset = errors.New("pooltest: connection reset by peer")

// ResultSet is one scripted tabular result.
type ResultSet struct {
	Columns []pool.Column
	Rows    [][]any
}

// Response scripts the server's answer to one statement.
type Response struct {
	Sets     []ResultSet
	Affected int64
	// Err is returned by Query/Exec before any row.
	Err error
	// RowErr is reported by Rows.Err once every row has been read.
	RowErr error
	// Fault kills the connection after the rows were delivered; the
	// statement then fails with a connection fault.
	Fault bool
	// Block, when set, holds the statement until the channel is closed or
	// the context ends.
	Block chan struct{}
}

// Server scripts responses and dial behaviour for every connection it opens.
type Server struct {
	mu sync.Mutex

	responses map[string]Response
	fallback  Response

	dialErr   error
	dialFails int
	dials     int
	conns     []*Conn

	active    int
	maxActive int

	pingBlock chan struct{}
}

// NewServer returns a server that answers unknown statements with an empty
// result set.
func NewServer() *Server {
	return &Server{responses: make(map[string]Response)}
}

// Handle scripts the response to an exact statement text.
func (s *Server) Handle(query string, r Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[query] = r
}

// HandleDefault scripts the response to unscripted statements.
func (s *Server) HandleDefault(r Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = r
}

// FailDials makes the next n dials fail with err. A negative n fails every dial.
func (s *Server) FailDials(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialFails = n
	s.dialErr = err
}

// BlockPings holds every following Ping until ch is closed or the ping's
// context ends.
func (s *Server) BlockPings(ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingBlock = ch
}

// Dial implements pool.Dialer.
func (s *Server) Dial(ctx context.Context) (pool.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if s.dialFails != 0 {
		if s.dialFails > 0 {
			s.dialFails--
		}
		return nil, s.dialErr
	}
	c := &Conn{server: s, id: len(s.conns)}
	s.conns = append(s.conns, c)
	return c, nil
}

// Dials returns the number of dial attempts.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Conns returns every connection opened so far.
func (s *Server) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conn, len(s.conns))
	copy(out, s.conns)
	return out
}

// MaxConcurrent returns the highest number of statements that ran at once.
func (s *Server) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxActive
}

func (s *Server) response(query string) Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.responses[query]; ok {
		return r
	}
	return s.fallback
}

func (s *Server) begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
}

func (s *Server) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
}

// Conn is a scripted connection.
type Conn struct {
	server *Server
	id     int

	mu      sync.Mutex
	dead    bool
	closed  bool
	queries []string
}

// ID returns the connection's dial order.
func (c *Conn) ID() int { return c.id }

// Kill makes every following operation fail with a connection fault.
func (c *Conn) Kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dead = true
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Queries returns the statements run on this connection.
func (c *Conn) Queries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.queries))
	copy(out, c.queries)
	return out
}

func (c *Conn) start(ctx context.Context, query string) (Response, error) {
	c.mu.Lock()
	if c.dead || c.closed {
		c.mu.Unlock()
		return Response{}, pool.Fault(ErrConnReset)
	}
	c.queries = append(c.queries, query)
	c.mu.Unlock()

	r := c.server.response(query)
	if r.Block != nil {
		select {
		case <-r.Block:
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
	if r.Err != nil {
		return Response{}, r.Err
	}
	return r, nil
}

// Query implements pool.Conn.
func (c *Conn) Query(ctx context.Context, query string, _ ...any) (pool.Rows, error) {
	c.server.begin()
	r, err := c.start(ctx, query)
	if err != nil {
		c.server.end()
		return nil, err
	}
	return &Rows{ctx: ctx, conn: c, resp: r, row: -1}, nil
}

// Exec implements pool.Conn.
func (c *Conn) Exec(ctx context.Context, query string, _ ...any) (int64, error) {
	c.server.begin()
	defer c.server.end()
	r, err := c.start(ctx, query)
	if err != nil {
		return 0, err
	}
	if r.Fault {
		c.Kill()
		return 0, pool.Fault(ErrConnReset)
	}
	return r.Affected, nil
}

// Ping implements pool.Conn.
func (c *Conn) Ping(ctx context.Context) error {
	c.server.mu.Lock()
	block := c.server.pingBlock
	c.server.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead || c.closed {
		return pool.Fault(io.EOF)
	}
	return nil
}

// Close implements pool.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Rows iterates a scripted response.
type Rows struct {
	ctx  context.Context
	conn *Conn
	resp Response

	set    int
	row    int // index of the current row, -1 before the first Next
	closed bool
	err    error
}

// Columns implements pool.Rows.
func (r *Rows) Columns() ([]pool.Column, error) {
	if r.set >= len(r.resp.Sets) {
		return nil, nil
	}
	return r.resp.Sets[r.set].Columns, nil
}

// Next implements pool.Rows.
func (r *Rows) Next() bool {
	if r.closed || r.err != nil || r.set >= len(r.resp.Sets) {
		return false
	}
	if err := r.ctx.Err(); err != nil {
		r.err = err
		return false
	}
	if r.row+1 >= len(r.resp.Sets[r.set].Rows) {
		return false
	}
	r.row++
	return true
}

// Values implements pool.Rows.
func (r *Rows) Values() ([]any, error) {
	if r.set >= len(r.resp.Sets) || r.row < 0 {
		return nil, errors.New("pooltest: Values called without a current row")
	}
	src := r.resp.Sets[r.set].Rows[r.row]
	out := make([]any, len(src))
	copy(out, src)
	return out, nil
}

// NextResultSet implements pool.Rows.
func (r *Rows) NextResultSet() bool {
	if r.closed || r.err != nil || r.set+1 >= len(r.resp.Sets) {
		r.set = len(r.resp.Sets)
		return false
	}
	r.set++
	r.row = -1
	return true
}

// Err implements pool.Rows.
func (r *Rows) Err() error {
	if r.err != nil {
		return r.err
	}
	if r.set < len(r.resp.Sets) {
		return nil
	}
	if r.resp.Fault {
		r.conn.Kill()
		return pool.Fault(ErrConnReset)
	}
	return r.resp.RowErr
}

// Close implements pool.Rows.
func (r *Rows) Close() error {
	if !r.closed {
		r.closed = true
		r.conn.server.end()
	}
	return nil
}
