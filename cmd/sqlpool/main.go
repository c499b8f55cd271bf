// Package main is the entrypoint for the query pool CLI.
// It loads configuration, opens one pool per configured connection, serves
// metrics and health checks, and optionally runs a single statement.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/joao-brasil/mssql-querypool/internal/config"
	"github.com/joao-brasil/mssql-querypool/internal/coordinator"
	"github.com/joao-brasil/mssql-querypool/internal/health"
	"github.com/joao-brasil/mssql-querypool/internal/logutil"
	"github.com/joao-brasil/mssql-querypool/internal/metrics"
	"github.com/joao-brasil/mssql-querypool/pkg/querypool"
)

var (
	configPath = flag.String("config", "configs/querypool.yaml", "Path to configuration file (.yaml or .toml)")
	connName   = flag.String("conn", "", "Connection to run the statement on (default: first configured)")
	statement  = flag.String("query", "", "Statement to run once; without it the process serves until signalled")
	stream     = flag.Bool("stream", false, "Print the statement's rows as JSON lines while they are read")
	serve      = flag.Bool("serve", false, "Keep serving metrics and health checks after running -query")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sqlpool: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ─── Load Configuration ───────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logutil.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	log := logger.Named("main")

	log.Info("configuration loaded",
		zap.Int("connections", len(cfg.Connections)), zap.String("instance", cfg.Server.InstanceID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ─── Initialize Metrics ──────────────────────────────────────────
	metrics.InstanceHeartbeat.WithLabelValues(cfg.Server.InstanceID).Set(1)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("metrics server listening", zap.Int("port", cfg.Server.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", zap.Error(err))
		}
	}()

	checker := health.NewChecker(cfg.Server.InstanceID, cfg.Server.HealthCheckPort, logger)

	// ─── Initialize Redis Coordinator ────────────────────────────────
	var limiter querypool.SlotLimiter
	if cfg.Redis.Enabled {
		rc, err := coordinator.NewRedisCoordinator(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("initializing coordinator: %w", err)
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := rc.Close(shutCtx); err != nil {
				log.Warn("coordinator close error", zap.Error(err))
			}
		}()
		if rc.IsFallback() {
			log.Warn("coordinator started in fallback mode (redis unavailable)")
		}

		hb := coordinator.NewHeartbeat(rc)
		hb.Start(ctx)
		defer hb.Stop()

		limiter = coordinator.NewSemaphore(rc, cfg.Redis.PermitWait)
		checker.AddRedis(rc)
	}

	// ─── Initialize Pools ────────────────────────────────────────────
	mgr, err := querypool.NewManager(ctx, cfg, limiter, querypool.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			log.Warn("manager close error", zap.Error(err))
		}
	}()
	for _, c := range mgr.Clients() {
		checker.AddSQLServer(c.Name(), c)
	}
	for _, s := range mgr.Stats() {
		log.Info("pool ready", zap.String("pool", s.Pool), zap.Int("size", s.Size), zap.Int("free", s.Free))
	}

	healthServer := checker.ServeHTTP(ctx)

	// ─── Run Statement ───────────────────────────────────────────────
	if *statement != "" {
		if err := runStatement(ctx, mgr, cfg); err != nil {
			shutdown(log, cfg.Server.ShutdownTimeout, healthServer, metricsServer)
			return err
		}
		if !*serve {
			shutdown(log, cfg.Server.ShutdownTimeout, healthServer, metricsServer)
			return nil
		}
	}

	// ─── Graceful Shutdown ───────────────────────────────────────────
	log.Info("ready, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutting down")

	metrics.InstanceHeartbeat.WithLabelValues(cfg.Server.InstanceID).Set(0)
	shutdown(log, cfg.Server.ShutdownTimeout, healthServer, metricsServer)
	return nil
}

func runStatement(ctx context.Context, mgr *querypool.Manager, cfg *config.Config) error {
	name := *connName
	if name == "" {
		name = cfg.Connections[0].Name
	}
	client, ok := mgr.Client(name)
	if !ok {
		return fmt.Errorf("unknown connection %q", name)
	}

	if *stream {
		s, err := client.Stream(ctx, *statement)
		if err != nil {
			return err
		}
		defer s.Close()
		return writeEvents(os.Stdout, s.Events())
	}

	res, err := client.Query(ctx, *statement)
	if err != nil {
		return err
	}
	return writeResult(os.Stdout, res)
}

func shutdown(log *zap.Logger, timeout time.Duration, servers ...*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn("server shutdown error", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}
}
