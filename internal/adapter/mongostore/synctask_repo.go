package mongostore

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.opentelemetry.io/otel"

	"github.com/menglacorp/mengla-collector/internal/domain"
)

type syncTaskLogDoc struct {
	ID          string     `bson:"_id"`
	TaskID      string     `bson:"task_id"`
	DisplayName string     `bson:"display_name"`
	Status      string     `bson:"status"`
	Total       int        `bson:"total"`
	Completed   int        `bson:"completed"`
	Failed      int        `bson:"failed"`
	Trigger     string     `bson:"trigger"`
	Arg         string     `bson:"arg"`
	Error       string     `bson:"error"`
	StartedAt   time.Time  `bson:"started_at"`
	FinishedAt  *time.Time `bson:"finished_at"`
}

func toSyncTaskLog(d syncTaskLogDoc) domain.SyncTaskLog {
	return domain.SyncTaskLog{
		ID:          d.ID,
		TaskID:      d.TaskID,
		DisplayName: d.DisplayName,
		Status:      domain.SyncTaskStatus(d.Status),
		Progress:    domain.SyncTaskProgress{Total: d.Total, Completed: d.Completed, Failed: d.Failed},
		Trigger:     domain.SyncTaskTrigger(d.Trigger),
		Arg:         d.Arg,
		Error:       d.Error,
		StartedAt:   d.StartedAt,
		FinishedAt:  d.FinishedAt,
	}
}

// SyncTaskLogRepo implements domain.SyncTaskLogRepository over
// `sync_task_logs`. CreateRunning keeps at most one RUNNING row per TaskID
// with a count-then-insert check; no unique index or guard document backs
// it.
type SyncTaskLogRepo struct {
	coll *mongo.Collection
}

func NewSyncTaskLogRepo(db *mongo.Database) *SyncTaskLogRepo {
	return &SyncTaskLogRepo{coll: db.Collection(CollSyncTaskLogs)}
}

// CreateRunning inserts a RUNNING row for taskID unless one already exists
// (then it returns ok=false). The count and the insert are two separate
// round trips, not one atomic operation. The overlap
// guard is a count-then-insert race window of effectively zero width in
// practice (single scheduler process per deployment, spec §4.5's "double
// check" is itself a best-effort guard, not a hard mutex) — matching what
// the run_period_collect overlap check in spec §4.5 describes.
func (r *SyncTaskLogRepo) CreateRunning(ctx domain.Context, taskID, displayName, arg string, trigger domain.SyncTaskTrigger) (domain.SyncTaskLog, bool, error) {
	tracer := otel.Tracer("mongostore.synctasklogs")
	ctx, span := tracer.Start(ctx, "synctasklogs.CreateRunning")
	defer span.End()

	count, err := r.coll.CountDocuments(ctx, bson.M{"task_id": taskID, "status": string(domain.SyncTaskRunning)})
	if err != nil {
		return domain.SyncTaskLog{}, false, fmt.Errorf("op=synctasklogs.create_running_check: %w", err)
	}
	if count > 0 {
		return domain.SyncTaskLog{}, false, nil
	}

	now := time.Now().UTC()
	doc := syncTaskLogDoc{
		ID: ulid.Make().String(), TaskID: taskID, DisplayName: displayName,
		Status: string(domain.SyncTaskRunning), Trigger: string(trigger), Arg: arg, StartedAt: now,
	}
	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		return domain.SyncTaskLog{}, false, fmt.Errorf("op=synctasklogs.create_running_insert: %w", err)
	}
	return toSyncTaskLog(doc), true, nil
}

func (r *SyncTaskLogRepo) UpdateProgress(ctx domain.Context, id string, progress domain.SyncTaskProgress) error {
	_, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"total": progress.Total, "completed": progress.Completed, "failed": progress.Failed,
	}})
	if err != nil {
		return fmt.Errorf("op=synctasklogs.update_progress: %w", err)
	}
	return nil
}

func (r *SyncTaskLogRepo) Finish(ctx domain.Context, id string, status domain.SyncTaskStatus, errMsg string) error {
	now := time.Now().UTC()
	_, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"status": string(status), "error": domain.TruncateError(errMsg), "finished_at": now,
	}})
	if err != nil {
		return fmt.Errorf("op=synctasklogs.finish: %w", err)
	}
	return nil
}

// CancelRunning marks a RUNNING row CANCELLED with a status-precondition
// find-and-update; returns false if no RUNNING row matched (already
// finished, or unknown id).
func (r *SyncTaskLogRepo) CancelRunning(ctx domain.Context, id string) (bool, error) {
	now := time.Now().UTC()
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": string(domain.SyncTaskRunning)},
		bson.M{"$set": bson.M{"status": string(domain.SyncTaskCancelled), "finished_at": now}},
	)
	if err != nil {
		return false, fmt.Errorf("op=synctasklogs.cancel_running: %w", err)
	}
	return res.ModifiedCount > 0, nil
}

func (r *SyncTaskLogRepo) Get(ctx domain.Context, id string) (domain.SyncTaskLog, error) {
	var doc syncTaskLogDoc
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return domain.SyncTaskLog{}, fmt.Errorf("op=synctasklogs.get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.SyncTaskLog{}, fmt.Errorf("op=synctasklogs.get: %w", err)
	}
	return toSyncTaskLog(doc), nil
}

func (r *SyncTaskLogRepo) ListToday(ctx domain.Context) ([]domain.SyncTaskLog, error) {
	loc := domain.Location()
	now := time.Now().In(loc)
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	cur, err := r.coll.Find(ctx, bson.M{"started_at": bson.M{"$gte": startOfDay}})
	if err != nil {
		return nil, fmt.Errorf("op=synctasklogs.list_today: %w", err)
	}
	defer cur.Close(ctx)

	var out []domain.SyncTaskLog
	for cur.Next(ctx) {
		var doc syncTaskLogDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("op=synctasklogs.list_today_decode: %w", err)
		}
		out = append(out, toSyncTaskLog(doc))
	}
	return out, cur.Err()
}

// MarkAllRunningFailed implements startup recovery (spec §4.5): any row
// still RUNNING when the process starts belongs to a crashed prior run.
func (r *SyncTaskLogRepo) MarkAllRunningFailed(ctx domain.Context, message string) (int, error) {
	now := time.Now().UTC()
	res, err := r.coll.UpdateMany(ctx,
		bson.M{"status": string(domain.SyncTaskRunning)},
		bson.M{"$set": bson.M{"status": string(domain.SyncTaskFailed), "error": message, "finished_at": now}},
	)
	if err != nil {
		return 0, fmt.Errorf("op=synctasklogs.mark_all_running_failed: %w", err)
	}
	return int(res.ModifiedCount), nil
}

var _ domain.SyncTaskLogRepository = (*SyncTaskLogRepo)(nil)
