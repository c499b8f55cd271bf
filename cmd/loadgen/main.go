// Package main is the entrypoint for the load generator.
// It drives many concurrent statements through one configured pool to
// exercise wait-queue fairness and slot reuse, then reports latencies.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/joao-brasil/mssql-querypool/internal/config"
	"github.com/joao-brasil/mssql-querypool/internal/logutil"
	"github.com/joao-brasil/mssql-querypool/pkg/querypool"
)

var (
	configPath = flag.String("config", "configs/querypool.yaml", "Path to configuration file")
	connName   = flag.String("conn", "", "Connection to load (default: first configured)")
	workers    = flag.Int("workers", 50, "Concurrent callers")
	requests   = flag.Int("requests", 1000, "Total statements to run")
	queryMix   = flag.String("query-mix", "read", "Statement mix: read, write or mixed")
	readQuery  = flag.String("read-query", "SELECT 1 AS n", "Statement used for reads")
	writeQuery = flag.String("write-query", "", "Statement used for writes (required for write and mixed)")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "loadgen: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	mix, err := newMix(*queryMix, *readQuery, *writeQuery)
	if err != nil {
		return err
	}

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
	log := logger.Named("loadgen")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr, err := querypool.NewManager(ctx, cfg, nil, querypool.WithLogger(logger))
	if err != nil {
		return err
	}
	defer mgr.Close()

	name := *connName
	if name == "" {
		name = cfg.Connections[0].Name
	}
	client, ok := mgr.Client(name)
	if !ok {
		return fmt.Errorf("unknown connection %q", name)
	}

	workerPool, err := ants.NewPool(*workers)
	if err != nil {
		return fmt.Errorf("creating worker pool: %w", err)
	}
	defer workerPool.Release()

	log.Info("starting load",
		zap.String("pool", name), zap.Int("workers", *workers),
		zap.Int("requests", *requests), zap.String("mix", *queryMix))

	rec := newRecorder(*requests)
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < *requests && ctx.Err() == nil; i++ {
		sql := mix.statement(i)
		wg.Add(1)
		err := workerPool.Submit(func() {
			defer wg.Done()
			t0 := time.Now()
			_, err := client.Query(ctx, sql)
			rec.record(time.Since(t0), err)
		})
		if err != nil {
			wg.Done()
			rec.record(0, err)
		}
	}
	wg.Wait()

	sum := rec.summary(time.Since(start))
	log.Info("load finished",
		zap.Int("ok", sum.OK),
		zap.Int("errors", sum.Errors),
		zap.Duration("elapsed", sum.Elapsed),
		zap.Float64("rps", sum.Throughput),
		zap.Duration("p50", sum.P50),
		zap.Duration("p95", sum.P95),
		zap.Duration("p99", sum.P99),
		zap.Duration("max", sum.Max))
	for msg, n := range sum.ErrorKinds {
		log.Warn("errors", zap.String("error", msg), zap.Int("count", n))
	}
	return nil
}
