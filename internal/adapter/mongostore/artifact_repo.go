package mongostore

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/menglacorp/mengla-collector/internal/domain"
)

// artifactDoc is the `mengla_data` wire shape.
type artifactDoc struct {
	Action            string    `bson:"action"`
	CatID             string    `bson:"cat_id"`
	Granularity       string    `bson:"granularity"`
	PeriodKey         string    `bson:"period_key"`
	Data              any       `bson:"data"`
	DataHash          string    `bson:"data_hash"`
	Source            string    `bson:"source"`
	CollectDurationMS int64     `bson:"collect_duration_ms"`
	CreatedAt         time.Time `bson:"created_at"`
	UpdatedAt         time.Time `bson:"updated_at"`
	ExpiredAt         time.Time `bson:"expired_at"`
}

func toArtifact(d artifactDoc) domain.Artifact {
	return domain.Artifact{
		IdentityKey: domain.IdentityKey{
			Action:      domain.Action(d.Action),
			CatID:       d.CatID,
			Granularity: domain.Granularity(d.Granularity),
			PeriodKey:   d.PeriodKey,
		},
		Data:              d.Data,
		DataHash:          d.DataHash,
		Source:            d.Source,
		CollectDurationMS: d.CollectDurationMS,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
		ExpiredAt:         d.ExpiredAt,
	}
}

func identityFilter(k domain.IdentityKey) bson.M {
	return bson.M{
		"action":      string(k.Action),
		"cat_id":      k.CatID,
		"granularity": string(k.Granularity),
		"period_key":  k.PeriodKey,
	}
}

// ArtifactRepo implements domain.ArtifactRepository over `mengla_data`.
// Grounded on the teacher's JobRepo (internal/adapter/repo/postgres/jobs_repo.go):
// one otel span per method, op= prefixed error wrapping.
type ArtifactRepo struct {
	coll *mongo.Collection
}

func NewArtifactRepo(db *mongo.Database) *ArtifactRepo {
	return &ArtifactRepo{coll: db.Collection(CollArtifacts)}
}

func (r *ArtifactRepo) Get(ctx domain.Context, key domain.IdentityKey) (domain.Artifact, error) {
	tracer := otel.Tracer("mongostore.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.Get")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "mongodb"), attribute.String("db.collection", CollArtifacts))

	var doc artifactDoc
	err := r.coll.FindOne(ctx, identityFilter(key)).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return domain.Artifact{}, fmt.Errorf("op=artifacts.get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("op=artifacts.get: %w", err)
	}
	return toArtifact(doc), nil
}

func (r *ArtifactRepo) GetMany(ctx domain.Context, action domain.Action, catID string, granularity domain.Granularity, periodKeys []string) ([]domain.Artifact, error) {
	tracer := otel.Tracer("mongostore.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.GetMany")
	defer span.End()

	filter := bson.M{
		"action":      string(action),
		"cat_id":      catID,
		"granularity": string(granularity),
		"period_key":  bson.M{"$in": periodKeys},
	}
	cur, err := r.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("op=artifacts.get_many: %w", err)
	}
	defer cur.Close(ctx)

	var out []domain.Artifact
	for cur.Next(ctx) {
		var doc artifactDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("op=artifacts.get_many_decode: %w", err)
		}
		out = append(out, toArtifact(doc))
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("op=artifacts.get_many_cursor: %w", err)
	}
	return out, nil
}

// Upsert idempotently writes an artifact keyed by its identity tuple,
// setting created_at only on insert and updated_at/expired_at on every
// write (spec §4.1 persistence policy).
func (r *ArtifactRepo) Upsert(ctx domain.Context, a domain.Artifact) error {
	tracer := otel.Tracer("mongostore.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "mongodb"), attribute.String("db.operation", "UPDATE"))

	now := time.Now().UTC()
	update := bson.M{
		"$set": bson.M{
			"data":                a.Data,
			"data_hash":           a.DataHash,
			"source":              a.Source,
			"collect_duration_ms": a.CollectDurationMS,
			"updated_at":          now,
			"expired_at":          now.Add(domain.TTLRetention(a.Granularity)),
		},
		"$setOnInsert": bson.M{
			"action":      string(a.Action),
			"cat_id":      a.CatID,
			"granularity": string(a.Granularity),
			"period_key":  a.PeriodKey,
			"created_at":  now,
		},
	}
	_, err := r.coll.UpdateOne(ctx, identityFilter(a.IdentityKey), update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("op=artifacts.upsert: %w", err)
	}
	return nil
}

func (r *ArtifactRepo) RecentlyUpdated(ctx domain.Context, actions []domain.Action, catIDs []string, granularities []domain.Granularity, limit int) ([]domain.Artifact, error) {
	tracer := otel.Tracer("mongostore.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.RecentlyUpdated")
	defer span.End()

	filter := bson.M{}
	if len(actions) > 0 {
		filter["action"] = bson.M{"$in": toStrings(actions)}
	}
	if len(catIDs) > 0 {
		filter["cat_id"] = bson.M{"$in": catIDs}
	}
	if len(granularities) > 0 {
		filter["granularity"] = bson.M{"$in": toGranularityStrings(granularities)}
	}
	if limit <= 0 {
		limit = 100
	}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}}).SetLimit(int64(limit))
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("op=artifacts.recently_updated: %w", err)
	}
	defer cur.Close(ctx)

	var out []domain.Artifact
	for cur.Next(ctx) {
		var doc artifactDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("op=artifacts.recently_updated_decode: %w", err)
		}
		out = append(out, toArtifact(doc))
	}
	return out, cur.Err()
}

// Purge deletes every document in mengla_data (spec §6 "POST /admin/data/purge").
func (r *ArtifactRepo) Purge(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("mongostore.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.Purge")
	defer span.End()

	res, err := r.coll.DeleteMany(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("op=artifacts.purge: %w", err)
	}
	return res.DeletedCount, nil
}

func toStrings(actions []domain.Action) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = string(a)
	}
	return out
}

func toGranularityStrings(gs []domain.Granularity) []string {
	out := make([]string, len(gs))
	for i, g := range gs {
		out[i] = string(g)
	}
	return out
}

var _ domain.ArtifactRepository = (*ArtifactRepo)(nil)
