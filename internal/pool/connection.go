// Package pool provides a fixed-size connection pool for SQL Server.
// Each pool owns an arena of slots, a FIFO wait queue of acquisition
// requests, and bounded background establishment of physical connections.
package pool

import (
	"sync"
	"time"
)

// SlotState is the lifecycle state of one slot.
type SlotState int

const (
	StatePending SlotState = iota // connection being established
	StateFree                     // live and idle
	StateBusy                     // bound to one in-flight statement
	StateVacant                   // torn down, waiting to be refilled
)

func (s SlotState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFree:
		return "free"
	case StateBusy:
		return "busy"
	case StateVacant:
		return "vacant"
	default:
		return "unknown"
	}
}

// PooledConn is one slot of the pool. Its index is stable for the lifetime
// of the pool; the physical connection behind it is replaced whenever the
// slot is torn down and refilled.
type PooledConn struct {
	mu sync.Mutex

	// index is the slot position in the pool arena.
	index int

	// poolName identifies the owning pool.
	poolName string

	// conn is the physical connection, nil while pending or vacant.
	conn Conn

	// state tracks the slot lifecycle. Written only by the pool.
	state SlotState

	// generation increments every time a new physical connection is bound.
	generation uint64

	// createdAt is when the current physical connection was bound.
	createdAt time.Time

	// lastUsedAt is the last acquire or release.
	lastUsedAt time.Time

	// useCount counts acquisitions of this slot.
	useCount uint64
}

func newPooledConn(index int, poolName string) *PooledConn {
	return &PooledConn{
		index:    index,
		poolName: poolName,
		state:    StatePending,
	}
}

// Index returns the slot position.
func (c *PooledConn) Index() int {
	return c.index
}

// PoolName returns the owning pool's name.
func (c *PooledConn) PoolName() string {
	return c.poolName
}

// Conn returns the physical connection bound to the slot.
func (c *PooledConn) Conn() Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Live returns the connection bound to a checked-out slot. Close empties
// every slot, including busy ones, so a slot emptied under its holder
// reports the pool as closed.
func (c *PooledConn) Live() (Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, &Error{Pool: c.poolName, Kind: KindClosed}
	}
	return c.conn, nil
}

// State returns the current slot state.
func (c *PooledConn) State() SlotState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Generation returns how many physical connections the slot has held.
func (c *PooledConn) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// UseCount returns how many times the slot was acquired.
func (c *PooledConn) UseCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.useCount
}

func (c *PooledConn) markPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StatePending
}

// bind attaches a freshly established connection.
func (c *PooledConn) bind(conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.conn = conn
	c.generation++
	c.createdAt = now
	c.lastUsedAt = now
}

func (c *PooledConn) markBusy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateBusy
	c.lastUsedAt = time.Now()
	c.useCount++
}

func (c *PooledConn) markFree() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateFree
	c.lastUsedAt = time.Now()
}

// vacate tombstones the slot and returns the connection it held.
func (c *PooledConn) vacate() Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.conn
	c.conn = nil
	c.state = StateVacant
	return conn
}

// idleDuration returns how long the slot has gone without an acquire or release.
func (c *PooledConn) idleDuration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastUsedAt)
}
