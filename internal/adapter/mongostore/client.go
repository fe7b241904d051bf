// Package mongostore implements the L3 durable store (spec §3) over
// MongoDB: the `mengla_data`, `crawl_jobs`, `crawl_subtasks`, and
// `sync_task_logs` collections.
package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names, spec §3/§6.
const (
	CollArtifacts    = "mengla_data"
	CollCrawlJobs    = "crawl_jobs"
	CollCrawlSubtasks = "crawl_subtasks"
	CollSyncTaskLogs = "sync_task_logs"
)

// NewClient connects to MongoDB. Single-node mode per spec §6
// ("writes use retryWrites=false"): the URI is expected to already carry
// that query parameter, matching the teacher's NewPool pattern of trusting
// the caller's DSN rather than mutating it.
func NewClient(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetConnectTimeout(10*time.Second))
	if err != nil {
		return nil, fmt.Errorf("op=mongostore.NewClient connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("op=mongostore.NewClient ping: %w", err)
	}
	return client, nil
}

// EnsureIndexes creates every index spec §3/§6 names. Called once at
// startup; idempotent (CreateMany is a no-op for indexes that already exist
// with the same keys).
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	artifacts := db.Collection(CollArtifacts)
	_, err := artifacts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "action", Value: 1}, {Key: "cat_id", Value: 1}, {Key: "granularity", Value: 1}, {Key: "period_key", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("identity_unique"),
		},
		{
			Keys:    bson.D{{Key: "cat_id", Value: 1}, {Key: "created_at", Value: 1}},
			Options: options.Index().SetName("cat_created"),
		},
		{
			Keys:    bson.D{{Key: "action", Value: 1}, {Key: "granularity", Value: 1}, {Key: "period_key", Value: 1}},
			Options: options.Index().SetName("action_gran_period"),
		},
		{
			Keys:    bson.D{{Key: "updated_at", Value: 1}},
			Options: options.Index().SetName("updated_at"),
		},
		{
			Keys:    bson.D{{Key: "expired_at", Value: 1}},
			Options: options.Index().SetName("expired_at_ttl").SetExpireAfterSeconds(0),
		},
	})
	if err != nil {
		return fmt.Errorf("op=mongostore.EnsureIndexes artifacts: %w", err)
	}

	subtasks := db.Collection(CollCrawlSubtasks)
	_, err = subtasks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "job_id", Value: 1}, {Key: "status", Value: 1}}, Options: options.Index().SetName("job_status")},
	})
	if err != nil {
		return fmt.Errorf("op=mongostore.EnsureIndexes subtasks: %w", err)
	}

	syncLogs := db.Collection(CollSyncTaskLogs)
	_, err = syncLogs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "task_id", Value: 1}, {Key: "status", Value: 1}}, Options: options.Index().SetName("task_status")},
		{Keys: bson.D{{Key: "started_at", Value: 1}}, Options: options.Index().SetName("started_at")},
	})
	if err != nil {
		return fmt.Errorf("op=mongostore.EnsureIndexes sync_task_logs: %w", err)
	}
	return nil
}
