// Package httpserver contains HTTP handlers and middleware: the webhook
// sink, readiness/liveness probes, and the admin API.
package httpserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/redis/go-redis/v9"

	"github.com/menglacorp/mengla-collector/internal/adapter/observability"
	"github.com/menglacorp/mengla-collector/internal/config"
	"github.com/menglacorp/mengla-collector/internal/domain"
	"github.com/menglacorp/mengla-collector/internal/scheduler"
	"github.com/menglacorp/mengla-collector/internal/usecase"
)

// Server aggregates every collaborator the HTTP layer dispatches into:
// the collector usecase for ad hoc queries, the scheduler for admin
// control, and the resilience/observability ports for status surfaces.
type Server struct {
	Cfg config.Config

	Collector *usecase.Collector
	Scheduler *scheduler.Scheduler

	Cache     domain.CacheManager
	Artifacts domain.ArtifactRepository
	Metrics   domain.MetricsRecorder
	SyncLogs  domain.SyncTaskLogRepository
	Jobs      domain.CrawlJobRepository
	Breakers  *observability.CircuitBreakerManager
	Alerts    *observability.AlertEngine
	Rdb       *redis.Client

	MongoCheck    func(ctx context.Context) error
	RedisCheck    func(ctx context.Context) error
	UpstreamCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(
	cfg config.Config,
	collector *usecase.Collector,
	sched *scheduler.Scheduler,
	cache domain.CacheManager,
	artifacts domain.ArtifactRepository,
	metrics domain.MetricsRecorder,
	syncLogs domain.SyncTaskLogRepository,
	jobs domain.CrawlJobRepository,
	breakers *observability.CircuitBreakerManager,
	alerts *observability.AlertEngine,
	rdb *redis.Client,
	mongoCheck, redisCheck, upstreamCheck func(context.Context) error,
) *Server {
	return &Server{
		Cfg: cfg, Collector: collector, Scheduler: sched,
		Cache: cache, Artifacts: artifacts, Metrics: metrics,
		SyncLogs: syncLogs, Jobs: jobs, Breakers: breakers, Alerts: alerts, Rdb: rdb,
		MongoCheck: mongoCheck, RedisCheck: redisCheck, UpstreamCheck: upstreamCheck,
	}
}

// HealthzHandler is a liveness probe: the process is up and serving.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

// ReadyzHandler probes Mongo, Redis, and the upstream managed-task API.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := make([]check, 0, 3)
		run := func(name string, fn func(context.Context) error) {
			if fn == nil {
				return
			}
			if err := fn(ctx); err != nil {
				checks = append(checks, check{Name: name, OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: name, OK: true})
			}
		}
		run("mongo", s.MongoCheck)
		run("redis", s.RedisCheck)
		run("upstream", s.UpstreamCheck)

		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

// Routes assembles the full HTTP router: ambient middleware, health
// probes, the webhook sink, and (when enabled) the admin surface.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID())
	r.Use(TraceMiddleware)
	r.Use(Recoverer())
	r.Use(SecurityHeaders)
	r.Use(AccessLog())
	r.Use(TimeoutMiddleware(s.Cfg.HTTPWriteTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(s.Cfg.CORSAllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Signature-256"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if s.Cfg.RateLimitPerMin > 0 {
		r.Use(httprate.LimitByIP(s.Cfg.RateLimitPerMin, time.Minute))
	}

	r.Get("/healthz", s.HealthzHandler())
	r.Get("/readyz", s.ReadyzHandler())
	r.Post("/api/webhook/mengla-notify", s.WebhookHandler())
	r.Get("/api/webhook/mengla-notify", s.WebhookProbeHandler())

	if s.Cfg.AdminEnabled() {
		s.MountAdmin(r)
	}
	return r
}

// MountAdmin wires the admin surface (spec §6 "Admin HTTP") behind the
// bearer/SSO guard, when admin is enabled.
func (s *Server) MountAdmin(r chi.Router) {
	admin, err := NewAdminServer(s.Cfg, s)
	if err != nil {
		return
	}
	r.Post("/admin/token", admin.AdminTokenHandler())

	r.Group(func(r chi.Router) {
		r.Use(s.AdminAPIGuard())

		r.Get("/admin/api/status", admin.AdminStatusHandler())

		r.Get("/admin/metrics", admin.MetricsHandler())
		r.Get("/admin/metrics/latency", admin.MetricsLatencyHandler())

		r.Get("/admin/alerts", admin.AlertsHandler())
		r.Get("/admin/alerts/history", admin.AlertsHistoryHandler())
		r.Post("/admin/alerts/check", admin.AlertsCheckHandler())
		r.Post("/admin/alerts/silence", admin.AlertsSilenceHandler())

		r.Get("/admin/cache/stats", admin.CacheStatsHandler())
		r.Post("/admin/cache/warmup", admin.CacheWarmupHandler())
		r.Post("/admin/cache/clear-l1", admin.CacheClearL1Handler())

		r.Get("/admin/circuit-breakers", admin.CircuitBreakersHandler())
		r.Post("/admin/circuit-breakers/reset", admin.CircuitBreakersResetHandler())

		r.Get("/admin/scheduler/status", admin.SchedulerStatusHandler())
		r.Post("/admin/scheduler/pause", admin.SchedulerPauseHandler())
		r.Post("/admin/scheduler/resume", admin.SchedulerResumeHandler())

		r.Post("/admin/tasks/cancel-all", admin.TasksCancelAllHandler())
		r.Post("/admin/data/purge", admin.DataPurgeHandler())
		r.Post("/admin/mengla/enqueue-full-crawl", admin.EnqueueFullCrawlHandler())
		r.Get("/admin/collect-health", admin.CollectHealthHandler())

		r.Get("/admin/sync-tasks", admin.SyncTasksListHandler())
		r.Get("/admin/sync-tasks/{id}", admin.SyncTaskDetailHandler())
		r.Post("/admin/sync-tasks/{id}/cancel", admin.SyncTaskCancelHandler())
	})
}
