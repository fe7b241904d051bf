//go:build integration

// Container-backed tests, disabled by default like the teacher's own
// internal/integration/containers_test.go; run with `-tags integration`.
package mongostore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/menglacorp/mengla-collector/internal/domain"
)

func setupMongo(t *testing.T) *mongo.Database {
	t.Helper()
	ctx := context.Background()
	container, err := mongodb.Run(ctx, "mongo:7")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := NewClient(ctx, uri)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(ctx) })

	db := client.Database("mengla_test")
	require.NoError(t, EnsureIndexes(ctx, db))
	return db
}

func TestArtifactRepo_UpsertAndGet(t *testing.T) {
	db := setupMongo(t)
	repo := NewArtifactRepo(db)
	ctx := context.Background()

	key := domain.IdentityKey{Action: domain.ActionHigh, CatID: "100001", Granularity: domain.GranularityDay, PeriodKey: "20250115"}
	art := domain.Artifact{IdentityKey: key, Data: map[string]any{"list": []any{"x"}}, Source: "fresh"}

	require.NoError(t, repo.Upsert(ctx, art))
	got, err := repo.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got.Data)

	// Upsert again: created_at must be preserved, updated_at must move.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, repo.Upsert(ctx, art))
	got2, err := repo.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, got.CreatedAt.Unix(), got2.CreatedAt.Unix())
	require.True(t, got2.UpdatedAt.After(got.UpdatedAt) || got2.UpdatedAt.Equal(got.UpdatedAt))
}

func TestCrawlJobRepo_ClaimLifecycle(t *testing.T) {
	db := setupMongo(t)
	repo := NewCrawlJobRepo(db)
	ctx := context.Background()

	plan := domain.CrawlJobPlan{Actions: []domain.Action{domain.ActionHigh}, Granularities: []domain.Granularity{domain.GranularityDay}}
	subtasks := []domain.IdentityKey{
		{Action: domain.ActionHigh, CatID: "1", Granularity: domain.GranularityDay, PeriodKey: "20250101"},
		{Action: domain.ActionHigh, CatID: "1", Granularity: domain.GranularityDay, PeriodKey: "20250102"},
	}
	job, err := repo.CreateJob(ctx, plan, subtasks)
	require.NoError(t, err)

	claimed, err := repo.ClaimSubtasks(ctx, job.ID, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	require.NoError(t, repo.MarkSubtaskSuccess(ctx, claimed[0].ID))
	require.NoError(t, repo.MarkSubtaskFailed(ctx, claimed[1].ID, "upstream timeout"))

	pending, running, anyFailed, err := repo.RemainingSubtasks(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 0, pending)
	require.Equal(t, 0, running)
	require.True(t, anyFailed)

	require.NoError(t, repo.FinishJob(ctx, job.ID, domain.CrawlJobFailed))
	final, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CrawlJobFailed, final.Status)
}

func TestSyncTaskLogRepo_SingleRunningGuard(t *testing.T) {
	db := setupMongo(t)
	repo := NewSyncTaskLogRepo(db)
	ctx := context.Background()

	_, ok, err := repo.CreateRunning(ctx, "daily_collect", "Daily Collect", "", domain.TriggerScheduled)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok2, err := repo.CreateRunning(ctx, "daily_collect", "Daily Collect", "", domain.TriggerScheduled)
	require.NoError(t, err)
	require.False(t, ok2, "a second concurrent RUNNING row for the same task must be refused")
}
