// Package coordinator limita, via Redis, quantas conexões físicas ao SQL
// Server todas as instâncias abrem juntas para cada pool configurado.
//
// Cada conexão física exige uma permissão. As permissões são contadas por
// scripts Lua no Redis; sem Redis, cada instância cai para uma fração local
// do limite até o Redis voltar.
package coordinator

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/joao-brasil/mssql-querypool/internal/config"
	"github.com/joao-brasil/mssql-querypool/internal/metrics"
)

//go:embed lua/acquire.lua
var acquireLuaScript string

//go:embed lua/release.lua
var releaseLuaScript string

const (
	keyPermitsHeld     = "querypool:permits:%s:held"     // permissões em uso, por pool
	keyPermitsMax      = "querypool:permits:%s:max"      // global_max_connections, por pool
	keyInstancePermits = "querypool:instance:%s:permits" // hash pool -> permissões da instância
	keyInstanceAlive   = "querypool:instance:%s:alive"   // expira quando a instância some
	keyInstanceSet     = "querypool:instances"           // instâncias registradas
	channelPermitFreed = "querypool:permits:%s:freed"    // avisa quem espera por permissão
)

const (
	defaultPingTimeout = 5 * time.Second
	defaultDivisor     = 3
)

// ErrAtCapacity indica que o limite global do pool foi atingido.
var ErrAtCapacity = errors.New("pool at global connection capacity")

// RedisCoordinator concede permissões de conexão contadas no Redis.
type RedisCoordinator struct {
	client     redis.UniversalClient
	cfg        *config.Config
	instanceID string
	logger     *zap.Logger

	// limits só contém pools com global_max_connections > 0.
	limits map[string]int

	acquireSHA string
	releaseSHA string

	// degraded fica true enquanto as permissões são contadas localmente.
	degraded  atomic.Bool
	localMu   sync.Mutex
	localHeld map[string]int

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func redisOptions(cfg *config.Config) *redis.Options {
	r := cfg.Redis
	return &redis.Options{
		Addr:         r.Addr,
		Password:     r.Password,
		DB:           r.DB,
		PoolSize:     r.PoolSize,
		DialTimeout:  r.DialTimeout,
		ReadTimeout:  r.ReadTimeout,
		WriteTimeout: r.WriteTimeout,
	}
}

// NewRedisCoordinator conecta ao Redis, publica os limites dos pools e
// registra a instância. Com fallback habilitado, um Redis inacessível não é
// erro: o coordenador começa degradado.
func NewRedisCoordinator(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*RedisCoordinator, error) {
	if logger == nil {
		logger = zap.L()
	}
	rc := &RedisCoordinator{
		client:     redis.NewClient(redisOptions(cfg)),
		cfg:        cfg,
		instanceID: cfg.Server.InstanceID,
		logger:     logger.Named("coordinator"),
		limits:     make(map[string]int),
		localHeld:  make(map[string]int),
		stopCh:     make(chan struct{}),
	}
	for _, cc := range cfg.Connections {
		if cc.GlobalMaxConnections > 0 {
			rc.limits[cc.Name] = cc.GlobalMaxConnections
		}
	}

	timeout := cfg.Redis.DialTimeout
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := rc.client.Ping(pingCtx).Err()
	observe("ping", err)
	if err != nil {
		if cfg.Fallback.Enabled {
			rc.logger.Warn("redis unavailable, counting permits locally", zap.Error(err))
			rc.degraded.Store(true)
			return rc, nil
		}
		rc.client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	if err := rc.setup(ctx); err != nil {
		rc.client.Close()
		return nil, err
	}
	rc.logger.Info("coordinator initialized",
		zap.String("addr", cfg.Redis.Addr),
		zap.String("instance", rc.instanceID),
		zap.Int("limited_pools", len(rc.limits)))
	return rc, nil
}

// setup deixa o Redis pronto para esta instância. Roda na partida e de novo
// ao sair do modo degradado, pois um flush apaga scripts e chaves.
func (rc *RedisCoordinator) setup(ctx context.Context) error {
	var err error
	if rc.acquireSHA, err = rc.client.ScriptLoad(ctx, acquireLuaScript).Result(); err != nil {
		return fmt.Errorf("loading acquire.lua: %w", err)
	}
	if rc.releaseSHA, err = rc.client.ScriptLoad(ctx, releaseLuaScript).Result(); err != nil {
		return fmt.Errorf("loading release.lua: %w", err)
	}

	pipe := rc.client.Pipeline()
	own := fmt.Sprintf(keyInstancePermits, rc.instanceID)
	for name, max := range rc.limits {
		pipe.Set(ctx, fmt.Sprintf(keyPermitsMax, name), max, 0)
		pipe.SetNX(ctx, fmt.Sprintf(keyPermitsHeld, name), 0, 0)
		pipe.HSetNX(ctx, own, name, 0)
	}
	pipe.SAdd(ctx, keyInstanceSet, rc.instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registering instance %s: %w", rc.instanceID, err)
	}
	return nil
}

func observe(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RedisOperations.WithLabelValues(op, status).Inc()
}

// Limited informa se o pool tem limite global.
func (rc *RedisCoordinator) Limited(poolName string) bool {
	_, ok := rc.limits[poolName]
	return ok
}

// TryAcquire reserva uma permissão sem esperar. Devolve ErrAtCapacity
// quando o pool já está no limite.
func (rc *RedisCoordinator) TryAcquire(ctx context.Context, poolName string) error {
	if rc.degraded.Load() {
		return rc.acquireLocal(poolName)
	}

	keys := []string{
		fmt.Sprintf(keyPermitsHeld, poolName),
		fmt.Sprintf(keyPermitsMax, poolName),
		fmt.Sprintf(keyInstancePermits, rc.instanceID),
	}
	n, err := rc.client.EvalSha(ctx, rc.acquireSHA, keys, poolName, rc.instanceID).Int64()
	if err != nil {
		observe("acquire", err)
		if !rc.cfg.Fallback.Enabled {
			return fmt.Errorf("redis acquire: %w", err)
		}
		rc.logger.Warn("redis acquire failed, counting permits locally", zap.Error(err))
		rc.degrade()
		return rc.acquireLocal(poolName)
	}

	switch n {
	case -1:
		metrics.RedisOperations.WithLabelValues("acquire", "rejected").Inc()
		return fmt.Errorf("pool %s: %w", poolName, ErrAtCapacity)
	case -2:
		metrics.RedisOperations.WithLabelValues("acquire", "error").Inc()
		return fmt.Errorf("pool %s max not configured in Redis", poolName)
	}
	observe("acquire", nil)
	return nil
}

// Release devolve uma permissão e avisa quem espera pelo pool.
func (rc *RedisCoordinator) Release(ctx context.Context, poolName string) error {
	if rc.degraded.Load() {
		rc.releaseLocal(poolName)
		return nil
	}

	keys := []string{
		fmt.Sprintf(keyPermitsHeld, poolName),
		fmt.Sprintf(keyInstancePermits, rc.instanceID),
	}
	err := rc.client.EvalSha(ctx, rc.releaseSHA, keys,
		poolName, fmt.Sprintf(channelPermitFreed, poolName)).Err()
	observe("release", err)
	if err != nil {
		if !rc.cfg.Fallback.Enabled {
			return fmt.Errorf("redis release: %w", err)
		}
		rc.degrade()
		rc.releaseLocal(poolName)
	}
	return nil
}

// Subscribe entrega o nome do pool a cada permissão devolvida por qualquer
// instância. Avisos são descartados se o consumidor não acompanhar. Em modo
// degradado o canal já vem fechado.
func (rc *RedisCoordinator) Subscribe(ctx context.Context, poolName string) (<-chan string, func(), error) {
	if rc.degraded.Load() {
		ch := make(chan string)
		close(ch)
		return ch, func() {}, nil
	}

	sub := rc.client.Subscribe(ctx, fmt.Sprintf(channelPermitFreed, poolName))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		observe("subscribe", err)
		return nil, nil, err
	}

	out := make(chan string, 16)
	done := make(chan struct{})
	rc.wg.Add(1)
	go func() {
		defer rc.wg.Done()
		defer close(out)
		in := sub.Channel()
		for {
			select {
			case <-rc.stopCh:
				return
			case <-done:
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				default:
				}
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			close(done)
			sub.Close()
		})
	}, nil
}

func (rc *RedisCoordinator) degrade() {
	if rc.degraded.CompareAndSwap(false, true) {
		rc.logger.Warn("entering fallback mode (local limits)")
		metrics.ConnectionErrors.WithLabelValues("coordinator", "fallback_entered").Inc()
	}
}

// ExitFallback volta a contar no Redis, levando para lá as permissões
// concedidas localmente. Enquanto algo falhar, continua degradado.
func (rc *RedisCoordinator) ExitFallback(ctx context.Context) error {
	if err := rc.client.Ping(ctx).Err(); err != nil {
		return err
	}
	if err := rc.setup(ctx); err != nil {
		return err
	}
	if err := rc.handOverLocal(ctx); err != nil {
		rc.logger.Warn("reconciliation failed", zap.Error(err))
		return err
	}

	rc.degraded.Store(false)
	rc.logger.Info("exited fallback mode, redis reconnected")
	metrics.ConnectionErrors.WithLabelValues("coordinator", "fallback_exited").Inc()
	return nil
}

// IsFallback informa se as permissões estão sendo contadas localmente.
func (rc *RedisCoordinator) IsFallback() bool {
	return rc.degraded.Load()
}

func (rc *RedisCoordinator) acquireLocal(poolName string) error {
	rc.localMu.Lock()
	defer rc.localMu.Unlock()

	held, limit := rc.localHeld[poolName], rc.localLimit(poolName)
	if held >= limit {
		return fmt.Errorf("pool %s at local fallback limit (%d/%d): %w",
			poolName, held, limit, ErrAtCapacity)
	}
	rc.localHeld[poolName] = held + 1
	return nil
}

func (rc *RedisCoordinator) releaseLocal(poolName string) {
	rc.localMu.Lock()
	defer rc.localMu.Unlock()
	if rc.localHeld[poolName] > 0 {
		rc.localHeld[poolName]--
	}
}

// localLimit é a fatia do limite global que cabe a uma instância isolada,
// nunca menos que 1.
func (rc *RedisCoordinator) localLimit(poolName string) int {
	max, ok := rc.limits[poolName]
	if !ok {
		return 1
	}
	divisor := rc.cfg.Fallback.LocalLimitDivisor
	if divisor <= 0 {
		divisor = defaultDivisor
	}
	return maxInt(max/divisor, 1)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// handOverLocal soma no Redis as permissões concedidas em modo degradado.
func (rc *RedisCoordinator) handOverLocal(ctx context.Context) error {
	rc.localMu.Lock()
	held := make(map[string]int, len(rc.localHeld))
	for name, n := range rc.localHeld {
		held[name] = n
	}
	rc.localMu.Unlock()

	own := fmt.Sprintf(keyInstancePermits, rc.instanceID)
	pipe := rc.client.Pipeline()
	for name, n := range held {
		pipe.HSet(ctx, own, name, n)
		pipe.IncrBy(ctx, fmt.Sprintf(keyPermitsHeld, name), int64(n))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("reconcile pipeline: %w", err)
	}

	rc.localMu.Lock()
	for name := range held {
		delete(rc.localHeld, name)
	}
	rc.localMu.Unlock()

	rc.logger.Info("reconciled fallback counts to redis", zap.Int("pools", len(held)))
	return nil
}

// GlobalCount devolve as permissões em uso no pool; em modo degradado,
// só as desta instância.
func (rc *RedisCoordinator) GlobalCount(ctx context.Context, poolName string) (int, error) {
	if rc.degraded.Load() {
		rc.localMu.Lock()
		defer rc.localMu.Unlock()
		return rc.localHeld[poolName], nil
	}

	n, err := rc.client.Get(ctx, fmt.Sprintf(keyPermitsHeld, poolName)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// InstanceCounts devolve as permissões que uma instância detém, por pool.
func (rc *RedisCoordinator) InstanceCounts(ctx context.Context, instanceID string) (map[string]int, error) {
	raw, err := rc.client.HGetAll(ctx, fmt.Sprintf(keyInstancePermits, instanceID)).Result()
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(raw))
	for name, v := range raw {
		if n, err := strconv.Atoi(v); err == nil {
			counts[name] = n
		}
	}
	return counts, nil
}

// ActiveInstances lista as instâncias registradas.
func (rc *RedisCoordinator) ActiveInstances(ctx context.Context) ([]string, error) {
	return rc.client.SMembers(ctx, keyInstanceSet).Result()
}

// Ping verifica a conectividade com o Redis.
func (rc *RedisCoordinator) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// Close para as assinaturas e o heartbeat, remove a instância do Redis e
// fecha o cliente.
func (rc *RedisCoordinator) Close(ctx context.Context) error {
	rc.closeOnce.Do(func() { close(rc.stopCh) })
	rc.wg.Wait()

	if !rc.degraded.Load() {
		pipe := rc.client.Pipeline()
		pipe.SRem(ctx, keyInstanceSet, rc.instanceID)
		pipe.Del(ctx,
			fmt.Sprintf(keyInstancePermits, rc.instanceID),
			fmt.Sprintf(keyInstanceAlive, rc.instanceID))
		if _, err := pipe.Exec(ctx); err != nil {
			rc.logger.Warn("unregistering instance failed", zap.Error(err))
		}
	}

	rc.logger.Info("instance unregistered", zap.String("instance", rc.instanceID))
	return rc.client.Close()
}

// InstanceID devolve o ID desta instância.
func (rc *RedisCoordinator) InstanceID() string {
	return rc.instanceID
}
