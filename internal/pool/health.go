package pool

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// HealthCheck pings every free slot, discarding any that are unhealthy.
// Slots are checked out while pinged so no caller can acquire them
// mid-check. Returns the number of discarded slots.
func (p *Pool) HealthCheck(ctx context.Context) int {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	type candidate struct {
		slot *PooledConn
		conn Conn
		idle time.Duration
	}
	var checked []candidate
	for _, c := range p.slots {
		if c.State() == StateFree {
			idle := c.idleDuration()
			c.markBusy()
			checked = append(checked, candidate{slot: c, conn: c.Conn(), idle: idle})
		}
	}
	p.updateMetricsLocked()
	p.mu.Unlock()

	removed := 0
	for _, cand := range checked {
		c := cand.slot
		pingCtx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
		err := cand.conn.Ping(pingCtx)
		cancel()

		// A cancelled sweep says nothing about the connection.
		if err != nil && ctx.Err() != nil {
			p.Release(c)
			continue
		}
		if err != nil {
			p.logger.Warn("health check failed",
				zap.Int("slot", c.Index()), zap.Duration("idle", cand.idle), zap.Error(err))
			p.Discard(c, Fault(err))
			removed++
			continue
		}
		p.Release(c)
	}

	if removed > 0 {
		p.logger.Info("health check removed unhealthy slots", zap.Int("removed", removed))
	}
	return removed
}

// maintenanceLoop runs the periodic health check until the pool closes.
func (p *Pool) maintenanceLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.HealthCheck(p.ctx)
		}
	}
}
