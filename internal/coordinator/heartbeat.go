package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joao-brasil/mssql-querypool/internal/metrics"
)

const (
	defaultHeartbeatInterval = 10 * time.Second
	defaultHeartbeatTTL      = 30 * time.Second

	// sweepEvery is how many beats pass between dead-instance sweeps.
	sweepEvery = 3
)

// Heartbeat keeps this instance's alive key fresh and gives back the permits
// of instances whose key expired. While the coordinator is degraded each
// tick tries to bring it back to Redis instead.
type Heartbeat struct {
	coordinator *RedisCoordinator
	interval    time.Duration
	ttl         time.Duration
	logger      *zap.Logger
	stopCh      chan struct{}
	stopOnce    sync.Once
}

func NewHeartbeat(rc *RedisCoordinator) *Heartbeat {
	hb := &Heartbeat{
		coordinator: rc,
		interval:    rc.cfg.Redis.HeartbeatInterval,
		ttl:         rc.cfg.Redis.HeartbeatTTL,
		logger:      rc.logger.Named("heartbeat"),
		stopCh:      make(chan struct{}),
	}
	if hb.interval <= 0 {
		hb.interval = defaultHeartbeatInterval
	}
	if hb.ttl <= 0 {
		hb.ttl = defaultHeartbeatTTL
	}
	return hb
}

// Start beats once and then on every interval until Stop, ctx ends or the
// coordinator closes.
func (hb *Heartbeat) Start(ctx context.Context) {
	hb.coordinator.wg.Add(1)
	go hb.run(ctx)
	hb.logger.Info("started",
		zap.Duration("interval", hb.interval),
		zap.Duration("ttl", hb.ttl),
		zap.String("instance", hb.coordinator.instanceID))
}

// Stop is idempotent.
func (hb *Heartbeat) Stop() {
	hb.stopOnce.Do(func() { close(hb.stopCh) })
}

func (hb *Heartbeat) run(ctx context.Context) {
	defer hb.coordinator.wg.Done()
	hb.beat(ctx)

	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()

	beats := 0
	for {
		select {
		case <-hb.stopCh:
			return
		case <-hb.coordinator.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if hb.coordinator.IsFallback() {
				if err := hb.coordinator.ExitFallback(ctx); err != nil {
					hb.logger.Debug("redis still unavailable", zap.Error(err))
					continue
				}
			}
			hb.beat(ctx)
			if beats++; beats%sweepEvery == 0 {
				hb.sweep(ctx)
			}
		}
	}
}

func (hb *Heartbeat) beat(ctx context.Context) {
	rc := hb.coordinator
	gauge := metrics.InstanceHeartbeat.WithLabelValues(rc.instanceID)
	if rc.IsFallback() {
		gauge.Set(0)
		return
	}

	err := rc.client.Set(ctx, fmt.Sprintf(keyInstanceAlive, rc.instanceID), time.Now().Unix(), hb.ttl).Err()
	observe("heartbeat", err)
	if err != nil {
		hb.logger.Warn("sending heartbeat failed", zap.Error(err))
		return
	}
	gauge.Set(1)
}

// sweep reaps every registered instance, other than this one, whose alive
// key has expired.
func (hb *Heartbeat) sweep(ctx context.Context) {
	rc := hb.coordinator
	if rc.IsFallback() {
		return
	}

	ids, err := rc.client.SMembers(ctx, keyInstanceSet).Result()
	if err != nil {
		hb.logger.Warn("listing instances failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		if id == rc.instanceID {
			continue
		}
		n, err := rc.client.Exists(ctx, fmt.Sprintf(keyInstanceAlive, id)).Result()
		if err != nil || n > 0 {
			continue
		}
		hb.logger.Info("instance has no heartbeat, cleaning up", zap.String("instance", id))
		hb.reap(ctx, id)
	}
}

// reap subtracts a dead instance's permits from the pool totals and forgets
// the instance. Totals are clamped at zero afterwards.
func (hb *Heartbeat) reap(ctx context.Context, id string) {
	client := hb.coordinator.client
	permitsKey := fmt.Sprintf(keyInstancePermits, id)
	log := hb.logger.With(zap.String("instance", id))

	held, err := client.HGetAll(ctx, permitsKey).Result()
	if err != nil {
		log.Warn("reading dead instance counts failed", zap.Error(err))
		return
	}

	pipe := client.Pipeline()
	recovered := 0
	for pool, v := range held {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			continue
		}
		pipe.DecrBy(ctx, fmt.Sprintf(keyPermitsHeld, pool), int64(n))
		recovered += n
	}
	pipe.Del(ctx, permitsKey)
	pipe.SRem(ctx, keyInstanceSet, id)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn("cleaning up dead instance failed", zap.Error(err))
		return
	}

	if recovered > 0 {
		log.Info("recovered permits of dead instance", zap.Int("permits", recovered))
		metrics.ConnectionErrors.WithLabelValues("coordinator", "dead_instance_cleanup").Inc()
	}

	for pool := range held {
		key := fmt.Sprintf(keyPermitsHeld, pool)
		if n, err := client.Get(ctx, key).Int64(); err == nil && n < 0 {
			client.Set(ctx, key, 0, 0)
			log.Warn("corrected negative count", zap.String("pool", pool))
		}
	}
}
