// Package httpserver contains the Admin API server and HTTP adapters.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/menglacorp/mengla-collector/internal/config"
	"github.com/menglacorp/mengla-collector/internal/domain"
)

// AdminServer handles admin API routes.
type AdminServer struct {
	cfg            config.Config
	sessionManager *SessionManager
	server         *Server
}

// NewAdminServer creates a new admin server.
func NewAdminServer(cfg config.Config, server *Server) (*AdminServer, error) {
	return &AdminServer{
		cfg:            cfg,
		sessionManager: NewSessionManager(cfg),
		server:         server,
	}, nil
}

// AdminTokenHandler issues a JWT for admin APIs.
func (a *AdminServer) AdminTokenHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tracer := otel.Tracer("http.admin")
		_, span := tracer.Start(r.Context(), "AdminServer.AdminTokenHandler")
		defer span.End()

		lg := LoggerFrom(r)
		var username, password string
		ct := r.Header.Get("Content-Type")
		if strings.HasPrefix(strings.ToLower(ct), "application/json") {
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			username = strings.TrimSpace(body["username"])
			password = strings.TrimSpace(body["password"])
		} else {
			username = strings.TrimSpace(r.FormValue("username"))
			password = strings.TrimSpace(r.FormValue("password"))
		}

		if username != a.cfg.AdminUsername || password != a.cfg.AdminPassword {
			span.SetAttributes(attribute.Bool("auth.success", false))
			http.Error(w, "Invalid credentials", http.StatusUnauthorized)
			lg.Error("invalid credentials", slog.Any("username", username))
			return
		}

		token, err := a.sessionManager.GenerateJWT(username, 24*time.Hour)
		if err != nil {
			http.Error(w, "Failed to issue token", http.StatusInternalServerError)
			lg.Error("failed to issue token", slog.Any("error", err))
			return
		}
		span.SetAttributes(attribute.Bool("auth.success", true), attribute.String("admin.username", username))
		writeJSON(w, http.StatusOK, map[string]any{
			"token": token, "username": username, "expires": time.Now().Add(24 * time.Hour).Unix(),
		})
		lg.Info("issued token", slog.Any("username", username))
	}
}

// AdminStatusHandler confirms the caller's admin identity.
func (a *AdminServer) AdminStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username := getSSOUsernameFromHeaders(r)
		if username == "" {
			authz := strings.TrimSpace(r.Header.Get("Authorization"))
			token := strings.TrimSpace(strings.TrimPrefix(strings.ToLower(authz), "bearer "))
			if sub, err := a.sessionManager.ValidateJWT(token); err == nil {
				username = sub
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "authenticated", "username": username})
	}
}

// MetricsHandler reports the in-process counters (spec §6 "GET /admin/metrics").
func (a *AdminServer) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.server.Metrics == nil {
			writeJSON(w, http.StatusOK, domain.MetricsSnapshot{})
			return
		}
		writeJSON(w, http.StatusOK, a.server.Metrics.Snapshot())
	}
}

// MetricsLatencyHandler reports p50/p90/p95/p99 over a window
// (spec §6 "GET /admin/metrics/latency?window_minutes=N").
func (a *AdminServer) MetricsLatencyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		window := 15 * time.Minute
		if wm := r.URL.Query().Get("window_minutes"); wm != "" {
			if n, err := parseIntDefault(wm, 15); err == nil && n > 0 {
				window = time.Duration(n) * time.Minute
			}
		}
		if a.server.Metrics == nil {
			writeJSON(w, http.StatusOK, domain.LatencyPercentiles{})
			return
		}
		writeJSON(w, http.StatusOK, a.server.Metrics.LatencyPercentiles(window))
	}
}

// AlertsHandler reports the currently-firing rule set (spec §6 "GET /admin/alerts").
func (a *AdminServer) AlertsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.server.Alerts == nil {
			writeJSON(w, http.StatusOK, map[string]bool{})
			return
		}
		writeJSON(w, http.StatusOK, a.server.Alerts.Firing())
	}
}

// AlertsHistoryHandler reports the bounded transition log
// (spec §6 "GET /admin/alerts/history").
func (a *AdminServer) AlertsHistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.server.Alerts == nil {
			writeJSON(w, http.StatusOK, []domain.AlertEvent{})
			return
		}
		writeJSON(w, http.StatusOK, a.server.Alerts.History())
	}
}

// AlertsCheckHandler forces an immediate rule evaluation against the
// latest metrics snapshot (spec §6 "POST /admin/alerts/check").
func (a *AdminServer) AlertsCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.server.Alerts == nil || a.server.Metrics == nil {
			writeJSON(w, http.StatusOK, map[string]any{"checked": false})
			return
		}
		snap := a.server.Metrics.Snapshot()
		latency := a.server.Metrics.LatencyPercentiles(15 * time.Minute)
		a.server.Alerts.Evaluate(r.Context(), snap, latency)
		writeJSON(w, http.StatusOK, map[string]any{"checked": true, "firing": a.server.Alerts.Firing()})
	}
}

type silenceRequest struct {
	RuleName        string `json:"rule_name"`
	DurationMinutes int    `json:"duration_minutes"`
}

// AlertsSilenceHandler suppresses a rule for a bounded duration
// (spec §6 "POST /admin/alerts/silence {rule_name, duration_minutes}").
func (a *AdminServer) AlertsSilenceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req silenceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RuleName == "" || req.DurationMinutes <= 0 {
			writeError(w, r, domain.ErrValidation, nil)
			return
		}
		if a.server.Alerts == nil {
			writeJSON(w, http.StatusOK, map[string]any{"silenced": false})
			return
		}
		a.server.Alerts.Silence(req.RuleName, time.Duration(req.DurationMinutes)*time.Minute)
		writeJSON(w, http.StatusOK, map[string]any{"silenced": true, "rule_name": req.RuleName})
	}
}

// CacheStatsHandler reports L1/L2/L3 hit counters (spec §6 "GET /admin/cache/stats").
func (a *AdminServer) CacheStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.server.Cache == nil {
			writeJSON(w, http.StatusOK, domain.CacheStats{})
			return
		}
		writeJSON(w, http.StatusOK, a.server.Cache.Stats())
	}
}

type warmupRequest struct {
	Actions       []string `json:"actions"`
	CatIDs        []string `json:"cat_ids"`
	Granularities []string `json:"granularities"`
	Limit         int      `json:"limit"`
}

// CacheWarmupHandler pre-populates L1 from recently-updated durable
// artifacts (spec §6 "POST /admin/cache/warmup").
func (a *AdminServer) CacheWarmupHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req warmupRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Limit <= 0 {
			req.Limit = 500
		}
		if a.server.Cache == nil {
			writeJSON(w, http.StatusOK, map[string]any{"populated": 0, "errors": 0})
			return
		}
		actions := toActions(req.Actions)
		grans := toGranularities(req.Granularities)
		populated, errCount := a.server.Cache.Warmup(r.Context(), actions, req.CatIDs, grans, req.Limit)
		writeJSON(w, http.StatusOK, map[string]any{"populated": populated, "errors": errCount})
	}
}

// CacheClearL1Handler drops every in-process L1 entry
// (spec §6 "POST /admin/cache/clear-l1").
func (a *AdminServer) CacheClearL1Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.server.Cache != nil {
			a.server.Cache.ClearL1()
		}
		writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
	}
}

// CircuitBreakersHandler reports every registered breaker's state
// (spec §6 "GET /admin/circuit-breakers").
func (a *AdminServer) CircuitBreakersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.server.Breakers == nil {
			writeJSON(w, http.StatusOK, map[string]any{})
			return
		}
		out := make(map[string]any)
		for name, cb := range a.server.Breakers.GetAll() {
			out[name] = map[string]any{"state": cb.StateString(), "failures": cb.Failures()}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// CircuitBreakersResetHandler force-closes every registered breaker
// (spec §6 "POST /admin/circuit-breakers/reset").
func (a *AdminServer) CircuitBreakersResetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.server.Breakers != nil {
			a.server.Breakers.ResetAll()
		}
		writeJSON(w, http.StatusOK, map[string]any{"reset": true})
	}
}

// SchedulerStatusHandler reports pause state and upcoming cron runs
// (spec §6 "GET /admin/scheduler/status").
func (a *AdminServer) SchedulerStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.server.Scheduler == nil {
			writeJSON(w, http.StatusOK, map[string]any{})
			return
		}
		writeJSON(w, http.StatusOK, a.server.Scheduler.Status())
	}
}

// SchedulerPauseHandler stops new cron/crawl ticks from starting
// (spec §6 "POST /admin/scheduler/pause").
func (a *AdminServer) SchedulerPauseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.server.Scheduler != nil {
			a.server.Scheduler.Pause()
		}
		writeJSON(w, http.StatusOK, map[string]any{"paused": true})
	}
}

// SchedulerResumeHandler clears a prior pause (spec §6 "POST /admin/scheduler/resume").
func (a *AdminServer) SchedulerResumeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.server.Scheduler != nil {
			a.server.Scheduler.Resume()
		}
		writeJSON(w, http.StatusOK, map[string]any{"paused": false})
	}
}

// TasksCancelAllHandler cancels every in-flight sync task
// (spec §6 "POST /admin/tasks/cancel-all").
func (a *AdminServer) TasksCancelAllHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.server.Scheduler == nil {
			writeJSON(w, http.StatusOK, map[string]any{"cancelled": 0})
			return
		}
		n, err := a.server.Scheduler.CancelAll(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cancelled": n})
	}
}

type purgeRequest struct {
	Confirm bool     `json:"confirm"`
	Targets []string `json:"targets"`
}

// DataPurgeHandler deletes durable data from the requested tiers
// (spec §6 "POST /admin/data/purge {confirm, targets}").
func (a *AdminServer) DataPurgeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req purgeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Confirm {
			writeError(w, r, domain.ErrValidation, map[string]string{"reason": "confirm must be true"})
			return
		}
		if len(req.Targets) == 0 {
			req.Targets = []string{"mongodb", "redis", "l1"}
		}
		result := map[string]any{}
		for _, target := range req.Targets {
			switch target {
			case "mongodb":
				if a.server.Artifacts != nil {
					n, err := a.server.Artifacts.Purge(r.Context())
					if err != nil {
						writeError(w, r, err, nil)
						return
					}
					result["mongodb_deleted"] = n
				}
			case "redis":
				if a.server.Rdb != nil {
					n := purgeRedisKeys(r.Context(), a.server.Rdb, "mengla:*")
					result["redis_deleted"] = n
				}
			case "l1":
				if a.server.Cache != nil {
					a.server.Cache.ClearL1()
					result["l1_cleared"] = true
				}
			}
		}
		writeJSON(w, http.StatusOK, result)
	}
}

type enqueueFullCrawlRequest struct {
	StartDate     string   `json:"startDate"`
	EndDate       string   `json:"endDate"`
	Granularities []string `json:"granularities"`
	Actions       []string `json:"actions"`
	CatID         string   `json:"catId"`
}

// EnqueueFullCrawlHandler enumerates a date-range backfill plan into
// crawl_jobs/crawl_subtasks (spec §6 "POST /admin/mengla/enqueue-full-crawl").
func (a *AdminServer) EnqueueFullCrawlHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req enqueueFullCrawlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, domain.ErrValidation, nil)
			return
		}
		if a.server.Jobs == nil {
			writeError(w, r, domain.ErrInternal, nil)
			return
		}

		grans := toGranularities(req.Granularities)
		if len(grans) == 0 {
			grans = []domain.Granularity{domain.GranularityDay}
		}
		actions := toActions(req.Actions)
		if len(actions) == 0 {
			for act := range domain.ValidActions {
				actions = append(actions, act)
			}
		}

		plan := domain.CrawlJobPlan{Granularities: grans, Actions: actions, CatID: req.CatID}
		var subtasks []domain.IdentityKey
		for _, g := range grans {
			startKey, err := periodKeyFromDate(g, req.StartDate)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			endKey, err := periodKeyFromDate(g, req.EndDate)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			periodKeys, err := domain.EnumeratePeriodKeys(g, startKey, endKey)
			if err != nil {
				writeError(w, r, domain.ErrValidation, map[string]string{"reason": err.Error()})
				return
			}
			for _, act := range actions {
				if act.IsTrend() {
					continue
				}
				for _, pk := range periodKeys {
					subtasks = append(subtasks, domain.IdentityKey{Action: act, CatID: req.CatID, Granularity: g, PeriodKey: pk})
				}
			}
		}

		job, err := a.server.Jobs.CreateJob(r.Context(), plan, subtasks)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	}
}

// CollectHealthHandler summarizes today's sync-task outcomes
// (spec §6 "GET /admin/collect-health?date=yyyy-MM-dd").
func (a *AdminServer) CollectHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date")
		if a.server.SyncLogs == nil {
			writeJSON(w, http.StatusOK, map[string]any{"date": date, "logs": []any{}})
			return
		}
		logs, err := a.server.SyncLogs.ListToday(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		counts := map[string]int{}
		for _, l := range logs {
			counts[string(l.Status)]++
		}
		writeJSON(w, http.StatusOK, map[string]any{"date": date, "counts": counts, "logs": logs})
	}
}

// SyncTasksListHandler lists today's sync-task-log rows
// (spec §6 "GET /admin/sync-tasks").
func (a *AdminServer) SyncTasksListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := SanitizeString(r.URL.Query().Get("status"))
		if validation := ValidateStatus(status); !validation.Valid {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{
				"code": "VALIDATION_ERROR", "message": "Invalid status filter", "details": validation.Errors,
			}})
			return
		}
		if a.server.SyncLogs == nil {
			writeJSON(w, http.StatusOK, []any{})
			return
		}
		logs, err := a.server.SyncLogs.ListToday(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if status != "" {
			filtered := logs[:0]
			for _, l := range logs {
				if string(l.Status) == status {
					filtered = append(filtered, l)
				}
			}
			logs = filtered
		}
		writeJSON(w, http.StatusOK, logs)
	}
}

// SyncTaskDetailHandler returns one sync-task-log row by id
// (spec §6 "GET /admin/sync-tasks/{id}").
func (a *AdminServer) SyncTaskDetailHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := SanitizeJobID(chi.URLParam(r, "id"))
		if a.server.SyncLogs == nil {
			writeError(w, r, domain.ErrNotFound, nil)
			return
		}
		log, err := a.server.SyncLogs.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, log)
	}
}

// SyncTaskCancelHandler cooperatively cancels one running sync task
// (spec §6 "POST /admin/sync-tasks/{id}/cancel").
func (a *AdminServer) SyncTaskCancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := SanitizeJobID(chi.URLParam(r, "id"))
		if a.server.Scheduler == nil {
			writeError(w, r, domain.ErrInternal, nil)
			return
		}
		ok, err := a.server.Scheduler.CancelSyncTask(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cancelled": ok})
	}
}

// AdminAuthRequired protects admin routes with the bearer/SSO guard.
func (a *AdminServer) AdminAuthRequired(next http.HandlerFunc) http.HandlerFunc {
	return a.AdminBearerRequired(next)
}

func toActions(raw []string) []domain.Action {
	out := make([]domain.Action, 0, len(raw))
	for _, s := range raw {
		act := domain.Action(s)
		if domain.ValidActions[act] {
			out = append(out, act)
		}
	}
	return out
}

func toGranularities(raw []string) []domain.Granularity {
	out := make([]domain.Granularity, 0, len(raw))
	for _, s := range raw {
		switch domain.Granularity(s) {
		case domain.GranularityDay, domain.GranularityMonth, domain.GranularityQuarter, domain.GranularityYear:
			out = append(out, domain.Granularity(s))
		}
	}
	return out
}

// periodKeyFromDate converts a yyyy-MM-dd request parameter into the
// canonical period key for granularity g.
func periodKeyFromDate(g domain.Granularity, dateStr string) (string, error) {
	t, err := time.ParseInLocation("2006-01-02", dateStr, domain.Location())
	if err != nil {
		return "", fmt.Errorf("%w: invalid date %q", domain.ErrValidation, dateStr)
	}
	return domain.FormatPeriodKey(g, t), nil
}

func parseIntDefault(s string, def int) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def, err
	}
	return n, nil
}

// purgeRedisKeys deletes every Redis key matching pattern via SCAN+DEL,
// avoiding KEYS's O(n) blocking behavior on a live instance.
func purgeRedisKeys(ctx context.Context, rdb *redis.Client, pattern string) int64 {
	var cursor uint64
	var deleted int64
	for {
		keys, next, err := rdb.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return deleted
		}
		if len(keys) > 0 {
			if n, err := rdb.Del(ctx, keys...).Result(); err == nil {
				deleted += n
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return deleted
}
