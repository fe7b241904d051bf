package scheduler_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menglacorp/mengla-collector/internal/domain"
	"github.com/menglacorp/mengla-collector/internal/scheduler"
)

type fakeJobRepo struct {
	mu       sync.Mutex
	job      domain.CrawlJob
	subtasks []domain.CrawlSubtask
	finished domain.CrawlJobStatus
}

func newFakeJobRepo(status domain.CrawlJobStatus, subtasks []domain.CrawlSubtask) *fakeJobRepo {
	return &fakeJobRepo{job: domain.CrawlJob{ID: "job-1", Status: status}, subtasks: subtasks}
}

func (r *fakeJobRepo) CreateJob(domain.Context, domain.CrawlJobPlan, []domain.IdentityKey) (domain.CrawlJob, error) {
	return domain.CrawlJob{}, nil
}
func (r *fakeJobRepo) GetNextJob(domain.Context) (domain.CrawlJob, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job.Status == domain.CrawlJobCompleted || r.job.Status == domain.CrawlJobFailed {
		return domain.CrawlJob{}, false, nil
	}
	return r.job, true, nil
}
func (r *fakeJobRepo) MarkJobRunning(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.job.Status = domain.CrawlJobRunning
	return nil
}
func (r *fakeJobRepo) ClaimSubtasks(_ domain.Context, jobID string, n int) ([]domain.CrawlSubtask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var claimed []domain.CrawlSubtask
	for i := range r.subtasks {
		if len(claimed) >= n {
			break
		}
		if r.subtasks[i].Status == domain.SubtaskPending {
			r.subtasks[i].Status = domain.SubtaskRunning
			r.subtasks[i].Attempts++
			claimed = append(claimed, r.subtasks[i])
		}
	}
	return claimed, nil
}
func (r *fakeJobRepo) MarkSubtaskSuccess(_ domain.Context, subtaskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.subtasks {
		if r.subtasks[i].ID == subtaskID {
			r.subtasks[i].Status = domain.SubtaskSuccess
		}
	}
	return nil
}
func (r *fakeJobRepo) MarkSubtaskFailed(_ domain.Context, subtaskID string, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.subtasks {
		if r.subtasks[i].ID == subtaskID {
			r.subtasks[i].Status = domain.SubtaskFailed
			r.subtasks[i].LastError = errMsg
		}
	}
	return nil
}
func (r *fakeJobRepo) RemainingSubtasks(domain.Context, string) (pending, running int, anyFailed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subtasks {
		switch s.Status {
		case domain.SubtaskPending:
			pending++
		case domain.SubtaskRunning:
			running++
		case domain.SubtaskFailed:
			anyFailed = true
		}
	}
	return pending, running, anyFailed, nil
}
func (r *fakeJobRepo) FinishJob(_ domain.Context, jobID string, status domain.CrawlJobStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.job.Status = status
	r.finished = status
	return nil
}
func (r *fakeJobRepo) GetJob(domain.Context, string) (domain.CrawlJob, error) { return r.job, nil }

func TestRunCrawlQueueTick_ClaimsAndCompletesJob(t *testing.T) {
	key := domain.IdentityKey{Action: domain.ActionHigh, CatID: "1", Granularity: domain.GranularityDay, PeriodKey: "20250115"}
	repo := newFakeJobRepo(domain.CrawlJobPending, []domain.CrawlSubtask{
		{ID: "st-1", JobID: "job-1", IdentityKey: key, Status: domain.SubtaskPending},
	})
	collector := newTestCollector(&fakeDispatcher{})

	err := scheduler.RunCrawlQueueTick(context.Background(), repo, collector, 1)
	require.NoError(t, err)

	assert.Equal(t, domain.SubtaskSuccess, repo.subtasks[0].Status)
	assert.Equal(t, domain.CrawlJobCompleted, repo.finished)
}

func TestRunCrawlQueueTick_MarksJobFailedOnSubtaskFailure(t *testing.T) {
	key := domain.IdentityKey{Action: domain.ActionHigh, CatID: "1", Granularity: domain.GranularityDay, PeriodKey: "20250115"}
	repo := newFakeJobRepo(domain.CrawlJobRunning, []domain.CrawlSubtask{
		{ID: "st-1", JobID: "job-1", IdentityKey: key, Status: domain.SubtaskPending},
	})
	collector := newTestCollector(&fakeDispatcher{fail: true})

	err := scheduler.RunCrawlQueueTick(context.Background(), repo, collector, 1)
	require.NoError(t, err)

	assert.Equal(t, domain.SubtaskFailed, repo.subtasks[0].Status)
	assert.Equal(t, domain.CrawlJobFailed, repo.finished)
}

func TestRunCrawlQueueTick_SkipsExhaustedSubtaskWithoutDispatch(t *testing.T) {
	key := domain.IdentityKey{Action: domain.ActionHigh, CatID: "1", Granularity: domain.GranularityDay, PeriodKey: "20250115"}
	repo := newFakeJobRepo(domain.CrawlJobRunning, []domain.CrawlSubtask{
		{ID: "st-1", JobID: "job-1", IdentityKey: key, Status: domain.SubtaskPending, Attempts: domain.MaxSubtaskAttempts + 1},
	})
	dispatcher := &fakeDispatcher{}
	collector := newTestCollector(dispatcher)

	err := scheduler.RunCrawlQueueTick(context.Background(), repo, collector, 1)
	require.NoError(t, err)

	assert.Equal(t, domain.SubtaskFailed, repo.subtasks[0].Status)
	assert.Equal(t, 0, dispatcher.calls)
}

func TestRunCrawlQueueTick_NoJobIsNoop(t *testing.T) {
	repo := newFakeJobRepo(domain.CrawlJobCompleted, nil)
	collector := newTestCollector(&fakeDispatcher{})
	err := scheduler.RunCrawlQueueTick(context.Background(), repo, collector, 1)
	require.NoError(t, err)
}
