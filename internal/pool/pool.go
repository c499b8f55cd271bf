package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/joao-brasil/mssql-querypool/internal/metrics"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// DefaultConnectTimeout bounds a single establishment attempt when the
// options leave it unset.
const DefaultConnectTimeout = 5 * time.Second

// Options configures a Pool.
type Options struct {
	// Size is the number of slots. Defaults to 1.
	Size int
	// AcquireTimeout bounds the wait for a free slot. Zero waits until the
	// context ends.
	AcquireTimeout time.Duration
	// ConnectTimeout bounds one establishment attempt and one health ping.
	ConnectTimeout time.Duration
	// HealthCheckInterval is the period of the idle slot sweep. Zero disables it.
	HealthCheckInterval time.Duration
	// Retry bounds background establishment.
	Retry RetryPolicy
	// Limiter, when set, must grant a permit before each physical connection.
	Limiter SlotLimiter
	// Logger defaults to zap.L().
	Logger *zap.Logger
}

// acquireResult is delivered exactly once to a waiter.
type acquireResult struct {
	conn *PooledConn
	err  error
}

// Pool manages a fixed number of slots for one SQL Server database.
// Acquire hands out free slots, queueing callers in FIFO order when none is
// free; Release returns a slot, serving the oldest waiter first.
type Pool struct {
	mu sync.Mutex

	name   string
	dialer Dialer
	opts   Options
	logger *zap.Logger

	// slots is the arena. An index beyond len(slots) has never been created;
	// a StateVacant slot was torn down and awaits refill.
	slots []*PooledConn

	// waiters is the FIFO wait queue. Each channel has capacity 1 and
	// receives exactly one result, always sent while holding mu.
	waiters []chan acquireResult

	// closed indicates whether the pool has been shut down.
	closed bool

	// ctx is cancelled on Close to stop establishment and maintenance.
	ctx    context.Context
	cancel context.CancelFunc

	// workers runs slot establishment tasks.
	workers *ants.Pool

	// wg tracks establishment tasks and the maintenance loop.
	wg sync.WaitGroup
}

// New creates a pool. No connection is opened until Connect, Fill or the
// first Acquire.
func New(name string, dialer Dialer, opts Options) (*Pool, error) {
	if dialer == nil {
		return nil, fmt.Errorf("pool %s: dialer is required", name)
	}
	if opts.Size <= 0 {
		opts.Size = 1
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	opts.Retry = opts.Retry.withDefaults()
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	logger := opts.Logger.Named("pool").With(zap.String("pool", name))

	workers, err := ants.NewPool(opts.Size, ants.WithPanicHandler(func(v interface{}) {
		logger.Error("establishment task panicked", zap.Any("panic", v))
	}))
	if err != nil {
		return nil, fmt.Errorf("pool %s: creating workers: %w", name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:    name,
		dialer:  dialer,
		opts:    opts,
		logger:  logger,
		slots:   make([]*PooledConn, 0, opts.Size),
		ctx:     ctx,
		cancel:  cancel,
		workers: workers,
	}

	metrics.SlotsMax.WithLabelValues(name).Set(float64(opts.Size))
	p.updateMetricsLocked()

	if opts.HealthCheckInterval > 0 {
		p.wg.Add(1)
		go p.maintenanceLoop()
	}
	return p, nil
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.name
}

// Size returns the configured number of slots.
func (p *Pool) Size() int {
	return p.opts.Size
}

// Connect establishes the first slot synchronously, surfacing its error to
// the caller, then fills the remaining slots in the background.
func (p *Pool) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return p.closedErr()
	}
	if len(p.slots) > 0 {
		// Already filled: prove a live slot exists.
		p.mu.Unlock()
		c, err := p.Acquire(ctx)
		if err != nil {
			return err
		}
		p.Release(c)
		return nil
	}
	first := newPooledConn(0, p.name)
	p.slots = append(p.slots, first)
	p.updateMetricsLocked()
	p.mu.Unlock()

	conn, err := p.dialOnce(ctx)
	if err != nil {
		metrics.EstablishAttempts.WithLabelValues(p.name, "error").Inc()
		metrics.ConnectionErrors.WithLabelValues(p.name, "connect_failed").Inc()
		perr := &Error{Pool: p.name, Kind: KindConnect, Attempts: 1, Err: err}
		p.vacateAfterFailure(first, perr)
		return perr
	}
	metrics.EstablishAttempts.WithLabelValues(p.name, "ok").Inc()
	p.onEstablished(first, conn)
	p.logger.Info("pool connected", zap.Int("size", p.opts.Size))

	p.Fill()
	return nil
}

// Acquire returns a free slot marked busy. When no slot is free the caller
// joins the wait queue until a slot is released or established, the context
// ends, the acquire timeout elapses or the pool closes.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		metrics.AcquireTotal.WithLabelValues(p.name, "closed").Inc()
		return nil, p.closedErr()
	}

	if c := p.firstFreeLocked(); c != nil {
		c.markBusy()
		p.updateMetricsLocked()
		p.mu.Unlock()
		metrics.AcquireTotal.WithLabelValues(p.name, "acquired").Inc()
		return c, nil
	}

	// No free slot: join the wait queue and make sure every slot exists.
	ch := make(chan acquireResult, 1)
	p.waiters = append(p.waiters, ch)
	position := len(p.waiters)
	pending := p.fillLocked()
	p.updateMetricsLocked()
	p.mu.Unlock()

	p.establish(pending)
	p.logger.Debug("wait queue entered", zap.Int("position", position))

	var timeout <-chan time.Time
	if p.opts.AcquireTimeout > 0 {
		timer := time.NewTimer(p.opts.AcquireTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-ch:
		if res.err != nil {
			metrics.AcquireTotal.WithLabelValues(p.name, "failed").Inc()
			return nil, res.err
		}
		metrics.QueueWaitDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())
		metrics.AcquireTotal.WithLabelValues(p.name, "acquired_after_wait").Inc()
		return res.conn, nil

	case <-timeout:
		p.abandon(ch)
		metrics.AcquireTotal.WithLabelValues(p.name, "timeout").Inc()
		metrics.QueueWaitDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())
		return nil, &Error{
			Pool:     p.name,
			Kind:     KindAcquireTimeout,
			WaitTime: time.Since(start),
			Timeout:  p.opts.AcquireTimeout,
		}

	case <-ctx.Done():
		p.abandon(ch)
		metrics.AcquireTotal.WithLabelValues(p.name, "cancelled").Inc()
		return nil, ctx.Err()
	}
}

// Release marks the slot free, or hands it straight to the oldest waiter.
func (p *Pool) Release(c *PooledConn) {
	if c == nil {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if c.State() != StateBusy {
		p.mu.Unlock()
		p.logger.Warn("release of a slot that is not busy",
			zap.Int("slot", c.Index()), zap.Stringer("state", c.State()))
		return
	}

	if w := p.popWaiterLocked(); w != nil {
		c.markBusy()
		w <- acquireResult{conn: c}
		p.updateMetricsLocked()
		p.mu.Unlock()
		metrics.AcquireTotal.WithLabelValues(p.name, "handed_off").Inc()
		return
	}

	c.markFree()
	p.updateMetricsLocked()
	p.mu.Unlock()
}

// Discard tears down a slot whose connection faulted. The slot becomes
// vacant and is refilled right away if callers are waiting, otherwise on
// the next Acquire.
func (p *Pool) Discard(c *PooledConn, cause error) {
	if c == nil {
		return
	}

	p.mu.Lock()
	if c.State() != StateBusy {
		p.mu.Unlock()
		return
	}
	conn := c.vacate()
	var pending []*PooledConn
	if !p.closed && len(p.waiters) > 0 {
		pending = p.fillLocked()
	}
	p.updateMetricsLocked()
	p.mu.Unlock()

	p.logger.Warn("slot discarded", zap.Int("slot", c.Index()), zap.Error(cause))
	metrics.ConnectionErrors.WithLabelValues(p.name, "discarded").Inc()
	p.closeConn(conn)
	p.establish(pending)
}

// Fill ensures every slot exists, establishing missing and vacant slots in
// the background.
func (p *Pool) Fill() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	pending := p.fillLocked()
	p.updateMetricsLocked()
	p.mu.Unlock()

	p.establish(pending)
}

// Close shuts down the pool: waiters fail, every connection is closed and
// background work stops.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cancel()

	for _, w := range p.waiters {
		w <- acquireResult{err: p.closedErr()}
	}
	p.waiters = nil

	var conns []Conn
	for _, s := range p.slots {
		if conn := s.vacate(); conn != nil {
			conns = append(conns, conn)
		}
	}
	p.updateMetricsLocked()
	p.mu.Unlock()

	for _, conn := range conns {
		p.closeConn(conn)
	}

	p.wg.Wait()
	p.workers.Release()

	p.logger.Info("pool closed")
	return nil
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

// Stats holds pool statistics.
type Stats struct {
	Pool    string
	Size    int
	Pending int
	Free    int
	Busy    int
	Vacant  int
	Waiters int
}

// ── Internal helpers ─────────────────────────────────────────────────────

func (p *Pool) statsLocked() Stats {
	s := Stats{Pool: p.name, Size: p.opts.Size, Waiters: len(p.waiters)}
	for _, c := range p.slots {
		switch c.State() {
		case StatePending:
			s.Pending++
		case StateFree:
			s.Free++
		case StateBusy:
			s.Busy++
		case StateVacant:
			s.Vacant++
		}
	}
	return s
}

func (p *Pool) firstFreeLocked() *PooledConn {
	for _, c := range p.slots {
		if c.State() == StateFree {
			return c
		}
	}
	return nil
}

func (p *Pool) popWaiterLocked() chan acquireResult {
	if len(p.waiters) == 0 {
		return nil
	}
	w := p.waiters[0]
	p.waiters[0] = nil
	p.waiters = p.waiters[1:]
	return w
}

func (p *Pool) hasLiveSlotLocked() bool {
	for _, c := range p.slots {
		if c.State() != StateVacant {
			return true
		}
	}
	return false
}

// abandon removes a waiter that gave up. A waiter that was served
// concurrently already holds a result; its slot goes to the next waiter.
func (p *Pool) abandon(ch chan acquireResult) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.updateMetricsLocked()
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	if res := <-ch; res.conn != nil {
		p.Release(res.conn)
	}
}

// fillLocked creates missing slots and revives vacant ones, returning the
// slots that now need establishing.
func (p *Pool) fillLocked() []*PooledConn {
	var pending []*PooledConn
	for i := 0; i < p.opts.Size; i++ {
		if i >= len(p.slots) {
			slot := newPooledConn(i, p.name)
			p.slots = append(p.slots, slot)
			pending = append(pending, slot)
			continue
		}
		if slot := p.slots[i]; slot.State() == StateVacant {
			slot.markPending()
			pending = append(pending, slot)
		}
	}
	p.wg.Add(len(pending))
	return pending
}

// establish runs the establishment state machine for each slot on the
// worker pool. The wait group was already incremented by fillLocked.
func (p *Pool) establish(slots []*PooledConn) {
	for _, slot := range slots {
		slot := slot
		err := p.workers.Submit(func() {
			defer p.wg.Done()
			p.establishSlot(slot)
		})
		if err != nil {
			p.wg.Done()
			p.vacateAfterFailure(slot, &Error{Pool: p.name, Kind: KindConnect,
				Err: fmt.Errorf("scheduling establishment: %w", err)})
		}
	}
}

// establishSlot drives one slot from pending to free, retrying with
// exponential backoff until the retry policy is exhausted.
func (p *Pool) establishSlot(slot *PooledConn) {
	log := p.logger.With(zap.Int("slot", slot.Index()))
	retry := p.opts.Retry

	var (
		lastErr  error
		attempts int
	)
	for attempts < retry.MaxAttempts {
		attempts++
		conn, err := p.dialOnce(p.ctx)
		if err == nil {
			metrics.EstablishAttempts.WithLabelValues(p.name, "ok").Inc()
			p.onEstablished(slot, conn)
			if attempts > 1 {
				log.Info("slot established after retry", zap.Int("attempts", attempts))
			}
			return
		}
		lastErr = err
		metrics.EstablishAttempts.WithLabelValues(p.name, "error").Inc()

		if attempts == retry.MaxAttempts || p.ctx.Err() != nil {
			break
		}
		delay := retry.delay(attempts)
		log.Warn("slot establishment failed, retrying",
			zap.Int("attempt", attempts), zap.Duration("backoff", delay), zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-p.ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
		if p.ctx.Err() != nil {
			break
		}
	}

	metrics.ConnectionErrors.WithLabelValues(p.name, "establish_gave_up").Inc()
	log.Error("slot establishment gave up", zap.Int("attempts", attempts), zap.Error(lastErr))
	p.vacateAfterFailure(slot, &Error{Pool: p.name, Kind: KindConnect, Attempts: attempts, Err: lastErr})
}

// vacateAfterFailure tombstones a slot that could not be established. When
// no live slot remains, every waiter fails with cause instead of waiting
// for a connection that will not come.
func (p *Pool) vacateAfterFailure(slot *PooledConn, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot.vacate()
	if !p.hasLiveSlotLocked() {
		for _, w := range p.waiters {
			w <- acquireResult{err: cause}
		}
		p.waiters = nil
	}
	p.updateMetricsLocked()
}

// onEstablished binds a new connection to a slot and serves the oldest
// waiter, if any.
func (p *Pool) onEstablished(slot *PooledConn, conn Conn) {
	p.mu.Lock()
	if p.closed || slot.State() != StatePending {
		p.mu.Unlock()
		p.closeConn(conn)
		return
	}

	slot.bind(conn)
	if w := p.popWaiterLocked(); w != nil {
		slot.markBusy()
		w <- acquireResult{conn: slot}
	} else {
		slot.markFree()
	}
	p.updateMetricsLocked()
	p.mu.Unlock()
}

// dialOnce makes one establishment attempt within the connect timeout.
func (p *Pool) dialOnce(ctx context.Context) (Conn, error) {
	if p.opts.Limiter != nil {
		if err := p.opts.Limiter.Acquire(ctx, p.name); err != nil {
			return nil, fmt.Errorf("slot limiter: %w", err)
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
	defer cancel()

	conn, err := p.dialer.Dial(dialCtx)
	if err != nil {
		p.releaseLimiter()
		return nil, err
	}
	return conn, nil
}

// closeConn closes a physical connection and returns its limiter permit.
func (p *Pool) closeConn(conn Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		p.logger.Debug("closing connection", zap.Error(err))
	}
	p.releaseLimiter()
}

func (p *Pool) releaseLimiter() {
	if p.opts.Limiter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.opts.Limiter.Release(ctx, p.name); err != nil {
		p.logger.Warn("slot limiter release failed", zap.Error(err))
	}
}

func (p *Pool) closedErr() error {
	return &Error{Pool: p.name, Kind: KindClosed}
}

// updateMetricsLocked refreshes Prometheus gauges for this pool.
func (p *Pool) updateMetricsLocked() {
	s := p.statsLocked()
	metrics.Slots.WithLabelValues(p.name, StatePending.String()).Set(float64(s.Pending))
	metrics.Slots.WithLabelValues(p.name, StateFree.String()).Set(float64(s.Free))
	metrics.Slots.WithLabelValues(p.name, StateBusy.String()).Set(float64(s.Busy))
	metrics.Slots.WithLabelValues(p.name, StateVacant.String()).Set(float64(s.Vacant))
	metrics.QueueLength.WithLabelValues(p.name).Set(float64(s.Waiters))
}
