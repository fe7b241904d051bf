// Package scheduler runs the calendar-driven and interval-driven collection
// sweeps (spec §4.5): a single in-process cron/interval scheduler with an
// overlap guard, cooperative cancellation, and startup recovery.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"

	"github.com/menglacorp/mengla-collector/internal/config"
	"github.com/menglacorp/mengla-collector/internal/domain"
	obsctx "github.com/menglacorp/mengla-collector/internal/observability"
	"github.com/menglacorp/mengla-collector/internal/usecase"
)

var nonTrendActions = []domain.Action{domain.ActionHigh, domain.ActionHot, domain.ActionChance, domain.ActionIndustryViewV2}

// Scheduler owns the cron table, the crawl_queue interval job, and the
// cooperative-cancellation set (spec §4.5).
type Scheduler struct {
	cfg       config.Config
	cron      *cron.Cron
	collector *usecase.Collector
	syncLogs  domain.SyncTaskLogRepository
	jobs      domain.CrawlJobRepository
	catalogue domain.CategoryCatalogue
	log       *slog.Logger

	mu        sync.Mutex
	cancelled map[string]bool
	paused    bool

	stopInterval chan struct{}
	wg           sync.WaitGroup
}

// New constructs a Scheduler with its dependencies wired.
func New(cfg config.Config, collector *usecase.Collector, syncLogs domain.SyncTaskLogRepository, jobs domain.CrawlJobRepository, catalogue domain.CategoryCatalogue, log *slog.Logger) *Scheduler {
	loc := domain.Location()
	return &Scheduler{
		cfg:          cfg,
		cron:         cron.New(cron.WithLocation(loc)),
		collector:    collector,
		syncLogs:     syncLogs,
		jobs:         jobs,
		catalogue:    catalogue,
		log:          log,
		cancelled:    make(map[string]bool),
		stopInterval: make(chan struct{}),
	}
}

// Start registers the cron job table, launches the crawl_queue interval
// loop, and starts the cron scheduler. Call RecoverOnStartup first.
func (s *Scheduler) Start() error {
	entries := []struct {
		id   string
		cron string
		arg  string
		g    domain.Granularity
	}{
		{"daily_collect", s.cfg.CronDailyCollect, "day", domain.GranularityDay},
		{"monthly_collect", s.cfg.CronMonthlyCollect, "month", domain.GranularityMonth},
		{"quarterly_collect", s.cfg.CronQuarterlyCollect, "quarter", domain.GranularityQuarter},
		{"yearly_collect", s.cfg.CronYearlyCollect, "year", domain.GranularityYear},
	}
	for _, e := range entries {
		e := e
		if _, err := s.cron.AddFunc(e.cron, func() { s.runPeriodCollectJob(e.id, e.g) }); err != nil {
			return fmt.Errorf("op=scheduler.start add_cron %s: %w", e.id, err)
		}
	}
	if _, err := s.cron.AddFunc(s.cfg.CronBackfillCheck, func() { s.runBackfillCheckJob() }); err != nil {
		return fmt.Errorf("op=scheduler.start add_cron backfill_check: %w", err)
	}
	s.cron.Start()
	s.wg.Add(1)
	go s.runCrawlQueueLoop()
	s.log.Info("scheduler started", slog.Int("cron_entries", len(s.cron.Entries())))
	return nil
}

// Stop drains the cron scheduler and the interval loop.
func (s *Scheduler) Stop() {
	close(s.stopInterval)
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.wg.Wait()
}

// RecoverOnStartup marks every still-RUNNING sync-task log FAILED: their
// owning goroutines are gone (spec §4.5 "Startup recovery").
func (s *Scheduler) RecoverOnStartup(ctx domain.Context) error {
	count, err := s.syncLogs.MarkAllRunningFailed(ctx, "interrupted by restart")
	if err != nil {
		return fmt.Errorf("op=scheduler.recover: %w", err)
	}
	if count > 0 {
		s.log.Warn("recovered interrupted sync-task logs", slog.Int("count", count))
	}
	return nil
}

// CancelSyncTask marks a RUNNING log row CANCELLED and adds it to the
// cooperative-cancellation set, observed at the next checkpoint by the
// owning goroutine (spec §4.5 "Cooperative cancellation").
func (s *Scheduler) CancelSyncTask(ctx domain.Context, id string) (bool, error) {
	ok, err := s.syncLogs.CancelRunning(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		s.mu.Lock()
		s.cancelled[id] = true
		s.mu.Unlock()
	}
	return ok, nil
}

func (s *Scheduler) isCancelled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[id]
}

func (s *Scheduler) clearCancelled(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancelled, id)
}

// Pause stops new cron and crawl_queue ticks from starting a run; a run
// already in progress finishes normally (GET/POST /admin/scheduler/*).
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume clears the pause flag set by Pause.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

func (s *Scheduler) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// SchedulerStatus is the payload for GET /admin/scheduler/status.
type SchedulerStatus struct {
	Paused     bool      `json:"paused"`
	NextRuns   []string  `json:"next_runs"`
	CronJobs   int       `json:"cron_jobs"`
}

// Status reports whether the scheduler is paused and the next run time of
// each registered cron entry.
func (s *Scheduler) Status() SchedulerStatus {
	entries := s.cron.Entries()
	next := make([]string, 0, len(entries))
	for _, e := range entries {
		next = append(next, e.Next.Format(time.RFC3339))
	}
	return SchedulerStatus{Paused: s.isPaused(), NextRuns: next, CronJobs: len(entries)}
}

// CancelAll marks every currently RUNNING sync-task log CANCELLED and adds
// it to the cooperative-cancellation set (spec §6 "POST /admin/tasks/cancel-all
// cancels in-process tasks and marks RUNNING rows CANCELLED in Mongo").
func (s *Scheduler) CancelAll(ctx domain.Context) (int, error) {
	logs, err := s.syncLogs.ListToday(ctx)
	if err != nil {
		return 0, fmt.Errorf("op=scheduler.cancel_all: %w", err)
	}
	cancelled := 0
	for _, l := range logs {
		if l.Status != domain.SyncTaskRunning {
			continue
		}
		ok, err := s.CancelSyncTask(ctx, l.ID)
		if err != nil {
			s.log.Warn("cancel_all failed for log", slog.String("log_id", l.ID), slog.Any("error", err))
			continue
		}
		if ok {
			cancelled++
		}
	}
	return cancelled, nil
}

// runGuarded implements the overlap guard (spec §4.5): skip if a RUNNING row
// for taskID already exists, otherwise create one and run fn, which observes
// cooperative cancellation at its own checkpoints via isCancelled(logID).
func (s *Scheduler) runGuarded(ctx domain.Context, taskID, displayName, arg string, trigger domain.SyncTaskTrigger, fn func(ctx domain.Context, logID string) domain.SyncTaskProgress) {
	logEntry, ok, err := s.syncLogs.CreateRunning(ctx, taskID, displayName, arg, trigger)
	if err != nil {
		s.log.Error("sync-task create_running failed", slog.String("task_id", taskID), slog.Any("error", err))
		return
	}
	if !ok {
		s.log.Info("sync-task skipped: already running", slog.String("task_id", taskID))
		return
	}
	defer s.clearCancelled(logEntry.ID)

	progress := fn(ctx, logEntry.ID)
	status := domain.SyncTaskCompleted
	if s.isCancelled(logEntry.ID) {
		status = domain.SyncTaskCancelled
	} else if progress.Failed > 0 {
		status = domain.SyncTaskFailed
	}
	if err := s.syncLogs.UpdateProgress(ctx, logEntry.ID, progress); err != nil {
		s.log.Warn("sync-task update_progress failed", slog.String("log_id", logEntry.ID), slog.Any("error", err))
	}
	if err := s.syncLogs.Finish(ctx, logEntry.ID, status, ""); err != nil {
		s.log.Warn("sync-task finish failed", slog.String("log_id", logEntry.ID), slog.Any("error", err))
	}
}

func (s *Scheduler) runPeriodCollectJob(taskID string, g domain.Granularity) {
	if s.isPaused() {
		s.log.Info("cron tick skipped: scheduler paused", slog.String("task_id", taskID))
		return
	}
	ctx := obsctx.ContextWithLogger(context.Background(), s.log)
	s.runGuarded(ctx, taskID, taskID, string(g), domain.TriggerScheduled, func(ctx domain.Context, logID string) domain.SyncTaskProgress {
		return s.RunPeriodCollect(ctx, g, logID)
	})
}

// RunPeriodCollect implements run_period_collect(g) (spec §4.5): non-trend
// actions for every category (parallel within a category up to
// max_concurrent, serial across categories), then one trend call per
// category over a yearly range.
func (s *Scheduler) RunPeriodCollect(ctx domain.Context, g domain.Granularity, logID string) domain.SyncTaskProgress {
	tr := otel.Tracer("scheduler")
	ctx, span := tr.Start(ctx, "Scheduler.RunPeriodCollect")
	defer span.End()

	periodKey := domain.PreviousPeriodKey(g, time.Now())
	catIDs, err := s.catalogue.TopLevelCatIDs(ctx)
	if err != nil {
		s.log.Error("run_period_collect catalogue lookup failed", slog.Any("error", err))
		return domain.SyncTaskProgress{Failed: 1}
	}

	progress := domain.SyncTaskProgress{Total: len(catIDs) * (len(nonTrendActions) + 1)}
	for _, catID := range catIDs {
		if s.isCancelled(logID) {
			return progress
		}
		s.runNonTrendBatch(ctx, catID, g, periodKey, &progress)
		s.runCategoryTrend(ctx, catID, g, &progress)
	}
	return progress
}

// runNonTrendBatch fires every non-trend action for one category, up to
// max_concurrent in parallel, retrying once after a 5s wait on failure
// (spec §4.5 "Retry-on-fail is exactly one extra attempt after a 5s wait").
func (s *Scheduler) runNonTrendBatch(ctx domain.Context, catID string, g domain.Granularity, periodKey string, progress *domain.SyncTaskProgress) {
	sem := make(chan struct{}, s.cfg.MaxConcurrentTasks)
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, action := range nonTrendActions {
		action := action
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			key := domain.IdentityKey{Action: action, CatID: catID, Granularity: g, PeriodKey: periodKey}
			_, err := s.collector.Query(ctx, key, nil, nil)
			if err != nil {
				time.Sleep(5 * time.Second)
				_, err = s.collector.Query(ctx, key, nil, nil)
			}
			mu.Lock()
			if err != nil {
				progress.Failed++
				s.log.Warn("run_period_collect action failed", slog.String("action", string(action)), slog.String("cat_id", catID), slog.Any("error", err))
			} else {
				progress.Completed++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
}

func (s *Scheduler) runCategoryTrend(ctx domain.Context, catID string, g domain.Granularity, progress *domain.SyncTaskProgress) {
	now := time.Now().In(domain.Location())
	startKey := domain.FormatPeriodKey(g, now.AddDate(-1, 0, 0))
	endKey := domain.FormatPeriodKey(g, now)
	keys, err := domain.EnumeratePeriodKeys(g, startKey, endKey)
	if err != nil {
		progress.Failed++
		return
	}
	key := domain.IdentityKey{Action: domain.ActionIndustryTrendRange, CatID: catID, Granularity: g}
	_, err = s.collector.Query(ctx, key, keys, nil)
	if err != nil {
		progress.Failed++
		s.log.Warn("run_period_collect trend failed", slog.String("cat_id", catID), slog.Any("error", err))
		return
	}
	progress.Completed++
}

func (s *Scheduler) runBackfillCheckJob() {
	if s.isPaused() {
		s.log.Info("cron tick skipped: scheduler paused", slog.String("task_id", "backfill_check"))
		return
	}
	ctx := obsctx.ContextWithLogger(context.Background(), s.log)
	s.runGuarded(ctx, "backfill_check", "backfill_check", "", domain.TriggerScheduled, func(ctx domain.Context, logID string) domain.SyncTaskProgress {
		pending, running, _, err := s.remainingAcrossPendingJobs(ctx)
		if err != nil {
			return domain.SyncTaskProgress{Failed: 1}
		}
		return domain.SyncTaskProgress{Total: pending + running, Completed: 0}
	})
}

// remainingAcrossPendingJobs is a lightweight probe used by backfill_check
// to surface outstanding backfill work in its sync-task log, without
// claiming or running any subtasks itself (that is the job-queue worker's
// responsibility).
func (s *Scheduler) remainingAcrossPendingJobs(ctx domain.Context) (pending, running int, anyFailed bool, err error) {
	job, ok, err := s.jobs.GetNextJob(ctx)
	if err != nil {
		return 0, 0, false, err
	}
	if !ok {
		return 0, 0, false, nil
	}
	return s.jobs.RemainingSubtasks(ctx, job.ID)
}

// runCrawlQueueLoop ticks the job-queue worker every CollectInterval ±60s
// jitter (spec §4.5 job table: "crawl_queue (interval) | 240 s ± 60 s
// jitter").
func (s *Scheduler) runCrawlQueueLoop() {
	defer s.wg.Done()
	for {
		jitter := time.Duration(rand.Int63n(int64(120*time.Second))) - 60*time.Second
		wait := s.cfg.CollectInterval() + jitter
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.stopInterval:
			timer.Stop()
			return
		}
		if s.isPaused() {
			continue
		}
		ctx := obsctx.ContextWithLogger(context.Background(), s.log)
		if err := RunCrawlQueueTick(ctx, s.jobs, s.collector, 1); err != nil {
			s.log.Warn("crawl_queue tick failed", slog.Any("error", err))
		}
	}
}
