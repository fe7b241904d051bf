package scheduler

import (
	"fmt"

	"github.com/menglacorp/mengla-collector/internal/domain"
	"github.com/menglacorp/mengla-collector/internal/usecase"
)

// RunCrawlQueueTick implements the job-queue worker tick (spec §4.5):
// pick the oldest RUNNING-or-PENDING parent, claim up to batch subtasks
// atomically, run each through the collector, and close out the parent
// when nothing remains.
func RunCrawlQueueTick(ctx domain.Context, jobs domain.CrawlJobRepository, collector *usecase.Collector, batch int) error {
	job, ok, err := jobs.GetNextJob(ctx)
	if err != nil {
		return fmt.Errorf("op=crawl_queue.get_next_job: %w", err)
	}
	if !ok {
		return nil
	}
	if job.Status == domain.CrawlJobPending {
		if err := jobs.MarkJobRunning(ctx, job.ID); err != nil {
			return fmt.Errorf("op=crawl_queue.mark_running job_id=%s: %w", job.ID, err)
		}
	}

	subtasks, err := jobs.ClaimSubtasks(ctx, job.ID, batch)
	if err != nil {
		return fmt.Errorf("op=crawl_queue.claim_subtasks job_id=%s: %w", job.ID, err)
	}
	for _, st := range subtasks {
		runSubtask(ctx, jobs, collector, st)
	}

	pending, running, anyFailed, err := jobs.RemainingSubtasks(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("op=crawl_queue.remaining_subtasks job_id=%s: %w", job.ID, err)
	}
	if pending+running > 0 {
		return nil
	}
	status := domain.CrawlJobCompleted
	if anyFailed {
		status = domain.CrawlJobFailed
	}
	if err := jobs.FinishJob(ctx, job.ID, status); err != nil {
		return fmt.Errorf("op=crawl_queue.finish_job job_id=%s: %w", job.ID, err)
	}
	return nil
}

// runSubtask executes one claimed subtask and records its outcome. A
// subtask that has already exhausted MaxSubtaskAttempts is failed outright
// without dispatching (spec §4.5 "Retry budget per subtask").
func runSubtask(ctx domain.Context, jobs domain.CrawlJobRepository, collector *usecase.Collector, st domain.CrawlSubtask) {
	if st.Attempts > domain.MaxSubtaskAttempts {
		_ = jobs.MarkSubtaskFailed(ctx, st.ID, "attempts exhausted")
		return
	}
	_, err := collector.Query(ctx, st.IdentityKey, nil, nil)
	if err != nil {
		_ = jobs.MarkSubtaskFailed(ctx, st.ID, domain.TruncateError(err.Error()))
		return
	}
	_ = jobs.MarkSubtaskSuccess(ctx, st.ID)
}
