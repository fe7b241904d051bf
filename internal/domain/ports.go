package domain

import "time"

// ArtifactRepository is the L3 durable store port over `mengla_data`
// (spec §4.1, §3). Implemented by internal/adapter/mongostore.
type ArtifactRepository interface {
	// Get returns the durable artifact for an identity, or ErrNotFound.
	Get(ctx Context, key IdentityKey) (Artifact, error)
	// GetMany returns every artifact matching the given period keys for a
	// fixed (action, cat_id, granularity) — used for trend assembly.
	GetMany(ctx Context, action Action, catID string, granularity Granularity, periodKeys []string) ([]Artifact, error)
	// Upsert idempotently writes an artifact keyed by its identity tuple.
	Upsert(ctx Context, a Artifact) error
	// RecentlyUpdated streams up to limit artifacts matching the optional
	// filters, most-recently-updated first, for cache warmup.
	RecentlyUpdated(ctx Context, actions []Action, catIDs []string, granularities []Granularity, limit int) ([]Artifact, error)
	// Purge deletes every durable artifact, returning the count removed
	// (spec §6 "POST /admin/data/purge").
	Purge(ctx Context) (int64, error)
}

// CacheManager is the L1/L2/L3 layered cache port (spec §4.1). Non-trend
// reads go through it; trend reads bypass it and hit ArtifactRepository
// directly per spec's trend-merge rule.
type CacheManager interface {
	Get(ctx Context, key IdentityKey) (value any, source Source, found bool)
	Set(ctx Context, key IdentityKey, value any, source Source, collectDurationMS int64) error
	Invalidate(ctx Context, key IdentityKey)
	ClearL1()
	Stats() CacheStats
	Warmup(ctx Context, actions []Action, catIDs []string, granularities []Granularity, limit int) (populated int, errCount int)
}

// CacheStats is the snapshot returned by GET /admin/cache/stats.
type CacheStats struct {
	L1Size       int
	L1Hits       int64
	L2Hits       int64
	L3Hits       int64
	Misses       int64
}

// UpstreamDispatcher is the port over the managed-task upstream (spec
// §4.2). Implemented by internal/adapter/upstream.
type UpstreamDispatcher interface {
	Execute(ctx Context, key IdentityKey, extra map[string]any) (result any, err error)
	PressureStats() DispatcherStats
}

// DispatcherStats mirrors spec §4.2's pressure metrics.
type DispatcherStats struct {
	MaxInflight     int
	Inflight        int
	Waiting         int
	TotalSent       int64
	TotalCompleted  int64
	TotalTimeout    int64
	TotalError      int64
}

// CrawlJobRepository is the durable job-queue port over `crawl_jobs` and
// `crawl_subtasks` (spec §4.5, §3).
type CrawlJobRepository interface {
	CreateJob(ctx Context, plan CrawlJobPlan, subtasks []IdentityKey) (CrawlJob, error)
	GetNextJob(ctx Context) (CrawlJob, bool, error)
	MarkJobRunning(ctx Context, id string) error
	ClaimSubtasks(ctx Context, jobID string, n int) ([]CrawlSubtask, error)
	MarkSubtaskSuccess(ctx Context, subtaskID string) error
	MarkSubtaskFailed(ctx Context, subtaskID string, errMsg string) error
	RemainingSubtasks(ctx Context, jobID string) (pending, running int, anyFailed bool, err error)
	FinishJob(ctx Context, jobID string, status CrawlJobStatus) error
	GetJob(ctx Context, jobID string) (CrawlJob, error)
}

// SyncTaskLogRepository is the port over `sync_task_logs` (spec §3, §4.5).
type SyncTaskLogRepository interface {
	// CreateRunning inserts a RUNNING row for taskID unless one already
	// exists, in which case it returns ok=false and a nil error.
	CreateRunning(ctx Context, taskID, displayName, arg string, trigger SyncTaskTrigger) (log SyncTaskLog, ok bool, err error)
	UpdateProgress(ctx Context, id string, progress SyncTaskProgress) error
	Finish(ctx Context, id string, status SyncTaskStatus, errMsg string) error
	// CancelRunning marks a RUNNING row CANCELLED with a status-precondition
	// find-and-update; returns false if no RUNNING row matched.
	CancelRunning(ctx Context, id string) (bool, error)
	Get(ctx Context, id string) (SyncTaskLog, error)
	ListToday(ctx Context) ([]SyncTaskLog, error)
	// MarkAllRunningFailed implements startup recovery (spec §4.5).
	MarkAllRunningFailed(ctx Context, message string) (count int, err error)
}

// MetricsRecorder is the in-process business metrics port behind
// GET /admin/metrics and GET /admin/metrics/latency (spec §4.4). Distinct
// from the Prometheus scrape surface: this port answers point queries
// (percentile over a window, bounded daily summaries) that a scrape-only
// histogram cannot serve without a TSDB query layer.
type MetricsRecorder interface {
	RecordOutcome(action Action, source Source, ok bool, durationMS int64)
	RecordCacheHit(tier Source)
	RecordCacheMiss()
	Snapshot() MetricsSnapshot
	// LatencyPercentiles returns p50/p90/p95/p99 over the trailing window.
	LatencyPercentiles(window time.Duration) LatencyPercentiles
}

// MetricsSnapshot is the payload for GET /admin/metrics.
type MetricsSnapshot struct {
	Total         int64
	Success       int64
	Fail          int64
	CacheHits     int64
	CacheMisses   int64
	BySource      map[string]int64
	ByAction      map[string]int64
	FailByAction  map[string]int64
	DailySummary  map[string]DailyMetrics
}

// DailyMetrics is one day's bounded rollup (spec §4.4: 30-day retention).
type DailyMetrics struct {
	Total   int64
	Success int64
	Fail    int64
}

// LatencyPercentiles is the response shape for the percentile query.
type LatencyPercentiles struct {
	P50        float64
	P90        float64
	P95        float64
	P99        float64
	SampleSize int
}

// CategoryCatalogue is the out-of-scope external collaborator (spec §1)
// supplying the top-level category ids the scheduler sweeps. The HTTP
// routing layer owns the authoritative catalogue; the scheduler only needs
// a stable snapshot of top-level cat_ids to iterate.
type CategoryCatalogue interface {
	TopLevelCatIDs(ctx Context) ([]string, error)
}

// AlertSink delivers alert transitions (spec §4.4).
type AlertSink interface {
	Notify(ctx Context, a AlertEvent) error
}

// AlertSeverity classifies an alert rule.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "INFO"
	SeverityWarning  AlertSeverity = "WARNING"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// AlertEvent is one firing/resolving transition of a named rule.
type AlertEvent struct {
	Rule      string
	Severity  AlertSeverity
	Message   string
	Firing    bool
	Value     float64
	Threshold float64
	At        time.Time
}
