// Command worker runs a standalone crawl_queue claimant: one of
// potentially many processes that atomically claim and execute backfill
// subtasks from crawl_jobs (spec §4.5, §8 "Atomic claim"). It shares no
// state with the HTTP server process beyond Mongo and Redis.
package main

import (
	"context"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/menglacorp/mengla-collector/internal/adapter/cache"
	"github.com/menglacorp/mengla-collector/internal/adapter/mongostore"
	"github.com/menglacorp/mengla-collector/internal/adapter/observability"
	"github.com/menglacorp/mengla-collector/internal/adapter/upstream"
	"github.com/menglacorp/mengla-collector/internal/config"
	"github.com/menglacorp/mengla-collector/internal/domain"
	"github.com/menglacorp/mengla-collector/internal/scheduler"
	"github.com/menglacorp/mengla-collector/internal/usecase"
)

// claimBatch is the number of subtasks one tick claims from its job.
const claimBatch = 5

// tickInterval is the base delay between claim attempts; jitter is added
// so that many worker processes don't thunder the same job document.
const tickInterval = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mongoClient, err := mongostore.NewClient(ctx, cfg.MongoURI)
	if err != nil {
		slog.Error("mongo connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = mongoClient.Disconnect(context.Background()) }()
	db := mongoClient.Database(cfg.MongoDB)

	redisOpts, err := redis.ParseURL(cfg.RedisURI)
	if err != nil {
		slog.Error("invalid redis uri", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	artifacts := mongostore.NewArtifactRepo(db)
	jobs := mongostore.NewCrawlJobRepo(db)

	l1 := cache.NewL1(cfg.L1CacheMaxSize, cfg.L1CacheTTL)
	l2 := cache.NewL2(rdb, logger)
	metrics := observability.NewCollector(1000)
	cacheMgr := cache.NewManager(l1, l2, artifacts, metrics)

	upstreamClient := upstream.NewClient(cfg)
	dispatcher := upstream.NewDispatcher(cfg, upstreamClient, rdb, logger)

	breakers := observability.NewCircuitBreakerManager()
	breaker := breakers.GetOrCreate("upstream", cfg.CBFailureThreshold, cfg.CBSuccessThreshold, cfg.CBHalfOpenCalls, cfg.CBTimeout)

	retry := domain.RetryPolicy{MaxAttempts: cfg.RetryMaxAttempts, BaseDelay: cfg.RetryBaseDelay, MaxDelay: cfg.RetryMaxDelay}
	collector := usecase.NewCollector(cacheMgr, artifacts, dispatcher, metrics, breaker, retry, logger)

	slog.Info("worker started", slog.Duration("tick_interval", tickInterval))

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker shutting down")
			return
		case <-ticker.C:
			if err := scheduler.RunCrawlQueueTick(ctx, jobs, collector, claimBatch); err != nil {
				slog.Warn("crawl_queue tick failed", slog.Any("error", err))
			}
			jitter := time.Duration(rand.Intn(2000)) * time.Millisecond
			ticker.Reset(tickInterval + jitter)
		}
	}
}
