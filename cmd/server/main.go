// Command server starts the mengla-collector HTTP server: the webhook
// sink, admin API, and the calendar/queue scheduler, all wired against
// Mongo/Redis and the upstream managed-task dispatcher.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/menglacorp/mengla-collector/internal/adapter/cache"
	"github.com/menglacorp/mengla-collector/internal/adapter/catalogue"
	httpserver "github.com/menglacorp/mengla-collector/internal/adapter/httpserver"
	"github.com/menglacorp/mengla-collector/internal/adapter/mongostore"
	"github.com/menglacorp/mengla-collector/internal/adapter/observability"
	"github.com/menglacorp/mengla-collector/internal/adapter/upstream"
	"github.com/menglacorp/mengla-collector/internal/config"
	"github.com/menglacorp/mengla-collector/internal/domain"
	"github.com/menglacorp/mengla-collector/internal/scheduler"
	"github.com/menglacorp/mengla-collector/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
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

	ctx := context.Background()

	mongoClient, err := mongostore.NewClient(ctx, cfg.MongoURI)
	if err != nil {
		slog.Error("mongo connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = mongoClient.Disconnect(context.Background()) }()
	db := mongoClient.Database(cfg.MongoDB)
	if err := mongostore.EnsureIndexes(ctx, db); err != nil {
		slog.Error("mongo index setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURI)
	if err != nil {
		slog.Error("invalid redis uri", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	artifacts := mongostore.NewArtifactRepo(db)
	jobs := mongostore.NewCrawlJobRepo(db)
	syncLogs := mongostore.NewSyncTaskLogRepo(db)

	l1 := cache.NewL1(cfg.L1CacheMaxSize, cfg.L1CacheTTL)
	l2 := cache.NewL2(rdb, logger)
	metrics := observability.NewCollector(1000)
	cacheMgr := cache.NewManager(l1, l2, artifacts, metrics)

	upstreamClient := upstream.NewClient(cfg)
	dispatcher := upstream.NewDispatcher(cfg, upstreamClient, rdb, logger)

	breakers := observability.NewCircuitBreakerManager()
	upstreamBreaker := breakers.GetOrCreate("upstream", cfg.CBFailureThreshold, cfg.CBSuccessThreshold, cfg.CBHalfOpenCalls, cfg.CBTimeout)

	retry := domain.RetryPolicy{MaxAttempts: cfg.RetryMaxAttempts, BaseDelay: cfg.RetryBaseDelay, MaxDelay: cfg.RetryMaxDelay}
	collector := usecase.NewCollector(cacheMgr, artifacts, dispatcher, metrics, upstreamBreaker, retry, logger)

	sinks := []domain.AlertSink{observability.NewLogAlertSink(logger)}
	if cfg.SlackAlertWebhookToken != "" {
		sinks = append(sinks, observability.NewSlackAlertSink(cfg.SlackAlertWebhookToken, cfg.SlackAlertChannel))
	}
	rules := observability.DefaultAlertRules(0.9, 0.75, 5000, 0.5)
	alerts := observability.NewAlertEngine(logger, rules, sinks...)

	cat := catalogue.NewStatic(cfg.CategoryCatIDList())
	sched := scheduler.New(cfg, collector, syncLogs, jobs, cat, logger)
	if err := sched.RecoverOnStartup(ctx); err != nil {
		slog.Error("scheduler startup recovery failed", slog.Any("error", err))
	}
	if err := sched.Start(); err != nil {
		slog.Error("scheduler start failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer sched.Stop()

	mongoCheck := func(ctx context.Context) error { return mongoClient.Ping(ctx, nil) }
	redisCheck := func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	upstreamCheck := func(ctx context.Context) error {
		_, err := upstreamClient.ResolveTaskID(ctx)
		return err
	}

	srv := httpserver.NewServer(cfg, collector, sched, cacheMgr, artifacts, metrics, syncLogs, jobs, breakers, alerts, rdb, mongoCheck, redisCheck, upstreamCheck)
	handler := srv.Routes()

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
