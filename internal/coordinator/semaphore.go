package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/joao-brasil/mssql-querypool/internal/metrics"
)

// ── Distributed Semaphore ───────────────────────────────────────────────
//
// The semaphore gates every physical connection a pool opens behind a
// cluster-wide permit. When the global cap of a pool is reached, the slot
// being established waits until a permit is released by any instance.
//
// It combines:
//   - Redis Pub/Sub for instant cross-instance notifications
//   - Polling to handle missed Pub/Sub messages
//   - A bounded wait so establishment retries can take over

const (
	pollInterval         = 500 * time.Millisecond
	fallbackPollInterval = 200 * time.Millisecond
)

// Semaphore implements pool.SlotLimiter on top of a RedisCoordinator.
type Semaphore struct {
	coordinator *RedisCoordinator
	wait        time.Duration
	logger      *zap.Logger
}

// NewSemaphore creates a distributed semaphore. wait bounds how long
// Acquire blocks for a permit; zero means a single attempt.
func NewSemaphore(rc *RedisCoordinator, wait time.Duration) *Semaphore {
	return &Semaphore{
		coordinator: rc,
		wait:        wait,
		logger:      rc.logger.Named("semaphore"),
	}
}

// Acquire blocks until a permit for poolName is granted. Pools without a
// global cap are always granted.
func (s *Semaphore) Acquire(ctx context.Context, poolName string) error {
	if !s.coordinator.Limited(poolName) {
		return nil
	}

	err := s.coordinator.TryAcquire(ctx, poolName)
	if err == nil || !errors.Is(err, ErrAtCapacity) || s.wait <= 0 {
		return err
	}

	start := time.Now()
	s.logger.Debug("waiting for permit", zap.String("pool", poolName), zap.Duration("timeout", s.wait))

	notifyCh, unsubscribe, err := s.coordinator.Subscribe(ctx, poolName)
	if err != nil {
		s.logger.Debug("subscribe failed, polling", zap.String("pool", poolName), zap.Error(err))
		return s.waitPolling(ctx, poolName, start, s.wait)
	}
	defer unsubscribe()

	timer := time.NewTimer(s.wait)
	defer timer.Stop()

	// Pub/Sub messages can be lost, so poll as well.
	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			metrics.RedisOperations.WithLabelValues("permit_wait", "cancelled").Inc()
			return ctx.Err()

		case <-timer.C:
			metrics.RedisOperations.WithLabelValues("permit_wait", "timeout").Inc()
			return fmt.Errorf("permit wait timeout (%v) for pool %s: %w", s.wait, poolName, ErrAtCapacity)

		case _, ok := <-notifyCh:
			if !ok {
				return s.waitPolling(ctx, poolName, start, s.wait-time.Since(start))
			}
			if s.tryAfterWait(ctx, poolName, start) {
				return nil
			}

		case <-pollTicker.C:
			if s.tryAfterWait(ctx, poolName, start) {
				return nil
			}
		}
	}
}

// Release returns a permit for poolName.
func (s *Semaphore) Release(ctx context.Context, poolName string) error {
	if !s.coordinator.Limited(poolName) {
		return nil
	}
	return s.coordinator.Release(ctx, poolName)
}

// waitPolling polls the coordinator until a permit is granted or remaining
// runs out.
func (s *Semaphore) waitPolling(ctx context.Context, poolName string, start time.Time, remaining time.Duration) error {
	if remaining <= 0 {
		return fmt.Errorf("permit wait timeout for pool %s: %w", poolName, ErrAtCapacity)
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	ticker := time.NewTicker(fallbackPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			metrics.RedisOperations.WithLabelValues("permit_wait", "timeout").Inc()
			return fmt.Errorf("permit wait timeout (%v) for pool %s: %w", remaining, poolName, ErrAtCapacity)
		case <-ticker.C:
			if s.tryAfterWait(ctx, poolName, start) {
				return nil
			}
		}
	}
}

func (s *Semaphore) tryAfterWait(ctx context.Context, poolName string, start time.Time) bool {
	if err := s.coordinator.TryAcquire(ctx, poolName); err != nil {
		return false
	}
	dur := time.Since(start)
	metrics.PermitWaitDuration.WithLabelValues(poolName).Observe(dur.Seconds())
	s.logger.Debug("permit granted", zap.String("pool", poolName), zap.Duration("waited", dur))
	return true
}
