package mongostore

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/menglacorp/mengla-collector/internal/domain"
)

type crawlJobDoc struct {
	ID        string    `bson:"_id"`
	Plan      planDoc   `bson:"plan"`
	Status    string    `bson:"status"`
	Total     int       `bson:"total"`
	Completed int       `bson:"completed"`
	Failed    int       `bson:"failed"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type planDoc struct {
	StartDate     time.Time `bson:"start_date"`
	EndDate       time.Time `bson:"end_date"`
	Granularities []string  `bson:"granularities"`
	Actions       []string  `bson:"actions"`
	CatID         string    `bson:"cat_id"`
}

func toCrawlJob(d crawlJobDoc) domain.CrawlJob {
	gs := make([]domain.Granularity, len(d.Plan.Granularities))
	for i, g := range d.Plan.Granularities {
		gs[i] = domain.Granularity(g)
	}
	as := make([]domain.Action, len(d.Plan.Actions))
	for i, a := range d.Plan.Actions {
		as[i] = domain.Action(a)
	}
	return domain.CrawlJob{
		ID: d.ID,
		Plan: domain.CrawlJobPlan{
			StartDate:     d.Plan.StartDate,
			EndDate:       d.Plan.EndDate,
			Granularities: gs,
			Actions:       as,
			CatID:         d.Plan.CatID,
		},
		Status:    domain.CrawlJobStatus(d.Status),
		Stats:     domain.CrawlJobStats{Total: d.Total, Completed: d.Completed, Failed: d.Failed},
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

type crawlSubtaskDoc struct {
	ID          string     `bson:"_id"`
	JobID       string     `bson:"job_id"`
	Action      string     `bson:"action"`
	CatID       string     `bson:"cat_id"`
	Granularity string     `bson:"granularity"`
	PeriodKey   string     `bson:"period_key"`
	Status      string     `bson:"status"`
	Attempts    int        `bson:"attempts"`
	LastError   string     `bson:"last_error"`
	StartedAt   *time.Time `bson:"started_at"`
	FinishedAt  *time.Time `bson:"finished_at"`
	CreatedAt   time.Time  `bson:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at"`
}

func toSubtask(d crawlSubtaskDoc) domain.CrawlSubtask {
	return domain.CrawlSubtask{
		ID:    d.ID,
		JobID: d.JobID,
		IdentityKey: domain.IdentityKey{
			Action:      domain.Action(d.Action),
			CatID:       d.CatID,
			Granularity: domain.Granularity(d.Granularity),
			PeriodKey:   d.PeriodKey,
		},
		Status:     domain.SubtaskStatus(d.Status),
		Attempts:   d.Attempts,
		LastError:  d.LastError,
		StartedAt:  d.StartedAt,
		FinishedAt: d.FinishedAt,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

// CrawlJobRepo implements domain.CrawlJobRepository over `crawl_jobs` and
// `crawl_subtasks`, using atomic FindOneAndUpdate claims so multiple worker
// processes can share the same queue without double-processing (spec §4.5).
type CrawlJobRepo struct {
	jobs     *mongo.Collection
	subtasks *mongo.Collection
}

func NewCrawlJobRepo(db *mongo.Database) *CrawlJobRepo {
	return &CrawlJobRepo{jobs: db.Collection(CollCrawlJobs), subtasks: db.Collection(CollCrawlSubtasks)}
}

func (r *CrawlJobRepo) CreateJob(ctx domain.Context, plan domain.CrawlJobPlan, subtasks []domain.IdentityKey) (domain.CrawlJob, error) {
	tracer := otel.Tracer("mongostore.crawljobs")
	ctx, span := tracer.Start(ctx, "crawljobs.CreateJob")
	defer span.End()

	now := time.Now().UTC()
	id := ulid.Make().String()

	gs := make([]string, len(plan.Granularities))
	for i, g := range plan.Granularities {
		gs[i] = string(g)
	}
	as := make([]string, len(plan.Actions))
	for i, a := range plan.Actions {
		as[i] = string(a)
	}
	jobDoc := crawlJobDoc{
		ID: id,
		Plan: planDoc{
			StartDate: plan.StartDate, EndDate: plan.EndDate,
			Granularities: gs, Actions: as, CatID: plan.CatID,
		},
		Status:    string(domain.CrawlJobPending),
		Total:     len(subtasks),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := r.jobs.InsertOne(ctx, jobDoc); err != nil {
		return domain.CrawlJob{}, fmt.Errorf("op=crawljobs.create_job: %w", err)
	}

	if len(subtasks) > 0 {
		docs := make([]any, len(subtasks))
		for i, k := range subtasks {
			docs[i] = crawlSubtaskDoc{
				ID: ulid.Make().String(), JobID: id,
				Action: string(k.Action), CatID: k.CatID,
				Granularity: string(k.Granularity), PeriodKey: k.PeriodKey,
				Status: string(domain.SubtaskPending), CreatedAt: now, UpdatedAt: now,
			}
		}
		if _, err := r.subtasks.InsertMany(ctx, docs); err != nil {
			return domain.CrawlJob{}, fmt.Errorf("op=crawljobs.create_subtasks: %w", err)
		}
	}
	return toCrawlJob(jobDoc), nil
}

// GetNextJob picks the oldest RUNNING-or-PENDING job; if it is PENDING it
// atomically marks it RUNNING in the same operation so two scheduler
// instances can't both pick it up. A job already RUNNING is returned as-is
// so a tick that only claimed part of its subtasks last time is revisited
// instead of abandoned (spec §4.5 "get_next_job").
func (r *CrawlJobRepo) GetNextJob(ctx domain.Context) (domain.CrawlJob, bool, error) {
	tracer := otel.Tracer("mongostore.crawljobs")
	ctx, span := tracer.Start(ctx, "crawljobs.GetNextJob")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "mongodb"))

	var doc crawlJobDoc
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetReturnDocument(options.After)
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "status", Value: bson.D{{Key: "$cond", Value: bson.A{
				bson.D{{Key: "$eq", Value: bson.A{"$status", string(domain.CrawlJobPending)}}},
				string(domain.CrawlJobRunning),
				"$status",
			}}}},
			{Key: "updated_at", Value: time.Now().UTC()},
		}}},
	}
	err := r.jobs.FindOneAndUpdate(ctx,
		bson.M{"status": bson.M{"$in": []string{string(domain.CrawlJobPending), string(domain.CrawlJobRunning)}}},
		pipeline,
		opts,
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return domain.CrawlJob{}, false, nil
	}
	if err != nil {
		return domain.CrawlJob{}, false, fmt.Errorf("op=crawljobs.get_next_job: %w", err)
	}
	return toCrawlJob(doc), true, nil
}

func (r *CrawlJobRepo) MarkJobRunning(ctx domain.Context, id string) error {
	_, err := r.jobs.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"status": string(domain.CrawlJobRunning), "updated_at": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("op=crawljobs.mark_running: %w", err)
	}
	return nil
}

// ClaimSubtasks atomically claims up to n PENDING subtasks of jobID,
// incrementing each one's attempt counter. Subtasks that have already
// reached domain.MaxSubtaskAttempts are skipped and marked FAILED instead
// of reclaimed (spec §4.5 retry budget).
func (r *CrawlJobRepo) ClaimSubtasks(ctx domain.Context, jobID string, n int) ([]domain.CrawlSubtask, error) {
	tracer := otel.Tracer("mongostore.crawljobs")
	ctx, span := tracer.Start(ctx, "crawljobs.ClaimSubtasks")
	defer span.End()

	exhaustedAt := time.Now().UTC()
	if _, err := r.subtasks.UpdateMany(ctx,
		bson.M{"job_id": jobID, "status": string(domain.SubtaskPending), "attempts": bson.M{"$gte": domain.MaxSubtaskAttempts}},
		bson.M{"$set": bson.M{"status": string(domain.SubtaskFailed), "last_error": "attempts exhausted", "finished_at": exhaustedAt, "updated_at": exhaustedAt}},
	); err != nil {
		return nil, fmt.Errorf("op=crawljobs.claim_subtasks fail_exhausted: %w", err)
	}

	var claimed []domain.CrawlSubtask
	for i := 0; i < n; i++ {
		var doc crawlSubtaskDoc
		now := time.Now().UTC()
		opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
		err := r.subtasks.FindOneAndUpdate(ctx,
			bson.M{"job_id": jobID, "status": string(domain.SubtaskPending), "attempts": bson.M{"$lt": domain.MaxSubtaskAttempts}},
			bson.M{"$set": bson.M{"status": string(domain.SubtaskRunning), "started_at": now, "updated_at": now}, "$inc": bson.M{"attempts": 1}},
			opts,
		).Decode(&doc)
		if err == mongo.ErrNoDocuments {
			break
		}
		if err != nil {
			return claimed, fmt.Errorf("op=crawljobs.claim_subtasks: %w", err)
		}
		claimed = append(claimed, toSubtask(doc))
	}
	return claimed, nil
}

func (r *CrawlJobRepo) MarkSubtaskSuccess(ctx domain.Context, subtaskID string) error {
	now := time.Now().UTC()
	_, err := r.subtasks.UpdateOne(ctx, bson.M{"_id": subtaskID},
		bson.M{"$set": bson.M{"status": string(domain.SubtaskSuccess), "finished_at": now, "updated_at": now}})
	if err != nil {
		return fmt.Errorf("op=crawljobs.mark_subtask_success: %w", err)
	}
	return nil
}

func (r *CrawlJobRepo) MarkSubtaskFailed(ctx domain.Context, subtaskID string, errMsg string) error {
	now := time.Now().UTC()
	_, err := r.subtasks.UpdateOne(ctx, bson.M{"_id": subtaskID},
		bson.M{"$set": bson.M{"status": string(domain.SubtaskFailed), "last_error": domain.TruncateError(errMsg), "finished_at": now, "updated_at": now}})
	if err != nil {
		return fmt.Errorf("op=crawljobs.mark_subtask_failed: %w", err)
	}
	return nil
}

func (r *CrawlJobRepo) RemainingSubtasks(ctx domain.Context, jobID string) (pending, running int, anyFailed bool, err error) {
	tracer := otel.Tracer("mongostore.crawljobs")
	ctx, span := tracer.Start(ctx, "crawljobs.RemainingSubtasks")
	defer span.End()

	pendingCount, err := r.subtasks.CountDocuments(ctx, bson.M{"job_id": jobID, "status": string(domain.SubtaskPending)})
	if err != nil {
		return 0, 0, false, fmt.Errorf("op=crawljobs.remaining_pending: %w", err)
	}
	runningCount, err := r.subtasks.CountDocuments(ctx, bson.M{"job_id": jobID, "status": string(domain.SubtaskRunning)})
	if err != nil {
		return 0, 0, false, fmt.Errorf("op=crawljobs.remaining_running: %w", err)
	}
	failedCount, err := r.subtasks.CountDocuments(ctx, bson.M{"job_id": jobID, "status": string(domain.SubtaskFailed)})
	if err != nil {
		return 0, 0, false, fmt.Errorf("op=crawljobs.remaining_failed: %w", err)
	}
	return int(pendingCount), int(runningCount), failedCount > 0, nil
}

func (r *CrawlJobRepo) FinishJob(ctx domain.Context, jobID string, status domain.CrawlJobStatus) error {
	tracer := otel.Tracer("mongostore.crawljobs")
	ctx, span := tracer.Start(ctx, "crawljobs.FinishJob")
	defer span.End()

	completed, _ := r.subtasks.CountDocuments(ctx, bson.M{"job_id": jobID, "status": string(domain.SubtaskSuccess)})
	failed, _ := r.subtasks.CountDocuments(ctx, bson.M{"job_id": jobID, "status": string(domain.SubtaskFailed)})

	_, err := r.jobs.UpdateOne(ctx, bson.M{"_id": jobID}, bson.M{"$set": bson.M{
		"status":     string(status),
		"completed":  int(completed),
		"failed":     int(failed),
		"updated_at": time.Now().UTC(),
	}})
	if err != nil {
		return fmt.Errorf("op=crawljobs.finish_job: %w", err)
	}
	return nil
}

func (r *CrawlJobRepo) GetJob(ctx domain.Context, jobID string) (domain.CrawlJob, error) {
	var doc crawlJobDoc
	err := r.jobs.FindOne(ctx, bson.M{"_id": jobID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return domain.CrawlJob{}, fmt.Errorf("op=crawljobs.get_job: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.CrawlJob{}, fmt.Errorf("op=crawljobs.get_job: %w", err)
	}
	return toCrawlJob(doc), nil
}

var _ domain.CrawlJobRepository = (*CrawlJobRepo)(nil)
