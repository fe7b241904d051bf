// Package usecase orchestrates the cache, upstream dispatcher, and durable
// store into the single entry point clients and schedulers call to resolve
// an identity key.
package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/singleflight"

	"github.com/menglacorp/mengla-collector/internal/adapter/observability"
	"github.com/menglacorp/mengla-collector/internal/domain"
	obsctx "github.com/menglacorp/mengla-collector/internal/observability"
)

// QueryResult is the outcome of Collector.Query.
type QueryResult struct {
	Data    any
	Source  domain.Source
	Partial *domain.TrendMergeResult
}

// Collector implements the domain collector (spec §4.3): cache read-through,
// in-flight dedup, circuit-breaker-wrapped dispatch, and the persistence
// policy.
type Collector struct {
	Cache      domain.CacheManager
	Artifacts  domain.ArtifactRepository
	Dispatcher domain.UpstreamDispatcher
	Metrics    domain.MetricsRecorder
	Breaker    *observability.CircuitBreaker
	Retry      domain.RetryPolicy
	Log        *slog.Logger

	group singleflight.Group
}

// NewCollector wires a Collector from its adapter dependencies.
func NewCollector(cache domain.CacheManager, artifacts domain.ArtifactRepository, dispatcher domain.UpstreamDispatcher, metrics domain.MetricsRecorder, breaker *observability.CircuitBreaker, retry domain.RetryPolicy, log *slog.Logger) *Collector {
	return &Collector{Cache: cache, Artifacts: artifacts, Dispatcher: dispatcher, Metrics: metrics, Breaker: breaker, Retry: retry, Log: log}
}

// Query resolves key from the fastest available source, falling through to
// the upstream dispatcher on a miss (spec §4.3).
func (c *Collector) Query(ctx domain.Context, key domain.IdentityKey, periodKeys []string, extra map[string]any) (QueryResult, error) {
	tr := otel.Tracer("usecase.collector")
	ctx, span := tr.Start(ctx, "Collector.Query")
	defer span.End()

	if err := key.Validate(); err != nil {
		return QueryResult{}, err
	}

	lg := obsctx.LoggerFromContext(ctx)
	start := time.Now()

	if key.Action.IsTrend() {
		res, err := c.queryTrend(ctx, key, periodKeys)
		c.recordOutcome(key, res.Source, err, start)
		return res, err
	}

	res, err := c.queryPoint(ctx, key, extra)
	c.recordOutcome(key, res.Source, err, start)
	if err != nil {
		lg.Warn("collector query failed", slog.String("request_key", key.RequestKey()), slog.Any("error", err))
	}
	return res, err
}

func (c *Collector) recordOutcome(key domain.IdentityKey, source domain.Source, err error, start time.Time) {
	if c.Metrics == nil {
		return
	}
	c.Metrics.RecordOutcome(key.Action, source, err == nil, time.Since(start).Milliseconds())
}

// queryTrend implements the trend read-through and persistence split (spec
// §4.1 "Trend merging", §4.3 step 2).
func (c *Collector) queryTrend(ctx domain.Context, key domain.IdentityKey, periodKeys []string) (QueryResult, error) {
	artifacts, err := c.Artifacts.GetMany(ctx, key.Action, key.CatID, key.Granularity, periodKeys)
	if err != nil {
		return QueryResult{}, fmt.Errorf("%w: op=collector.trend_read: %v", domain.ErrInternal, err)
	}
	if len(artifacts) > 0 {
		merged := mergeTrendPoints(artifacts)
		merged.Requested = len(periodKeys)
		return QueryResult{Data: merged.Points, Source: domain.SourceMongo, Partial: &merged}, nil
	}

	v, err, _ := c.group.Do(key.RequestKey(), func() (any, error) {
		result, derr := c.dispatchWithResilience(ctx, key, nil)
		if derr != nil {
			return nil, derr
		}
		unwrapped := domain.ExtractActionPayload(key.Action, result)
		if unwrapped.Status != domain.PayloadOK {
			return QueryResult{Data: []any{}, Source: domain.SourceFresh}, nil
		}
		c.persistTrendPoints(ctx, key, unwrapped.Points)
		fresh := domain.TrendMergeResult{Points: unwrapped.Points, Requested: len(periodKeys), Found: len(unwrapped.Points)}
		return QueryResult{Data: unwrapped.Points, Source: domain.SourceFresh, Partial: &fresh}, nil
	})
	if err != nil {
		return QueryResult{Source: domain.SourceFresh}, err
	}
	return v.(QueryResult), nil
}

// mergeTrendPoints concatenates every artifact's trend points and sorts them
// ascending by timest (spec §3 "Trend decomposition", testable property 9).
func mergeTrendPoints(artifacts []domain.Artifact) domain.TrendMergeResult {
	points := make([]any, 0, len(artifacts))
	for _, a := range artifacts {
		points = append(points, a.Data)
	}
	insertionSortByTimest(points)
	return domain.TrendMergeResult{Points: points, Found: len(artifacts)}
}

func insertionSortByTimest(points []any) {
	for i := 1; i < len(points); i++ {
		j := i
		for j > 0 && domain.TimestOf(points[j-1]) > domain.TimestOf(points[j]) {
			points[j-1], points[j] = points[j], points[j-1]
			j--
		}
	}
}

// persistTrendPoints writes one idempotent artifact per trend point (spec
// §4.3 step 5). Write failures are logged, not raised.
func (c *Collector) persistTrendPoints(ctx domain.Context, key domain.IdentityKey, points []any) {
	for _, p := range points {
		periodKey := domain.TimestOf(p)
		if periodKey == "" {
			continue
		}
		pointKey := domain.IdentityKey{Action: key.Action, CatID: key.CatID, Granularity: key.Granularity, PeriodKey: periodKey}
		a := domain.Artifact{IdentityKey: pointKey, Data: p, DataHash: dataHash(p), Source: string(domain.SourceFresh), CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(), ExpiredAt: time.Now().Add(domain.TTLRetention(key.Granularity))}
		if err := c.Artifacts.Upsert(ctx, a); err != nil && c.Log != nil {
			c.Log.Warn("trend point upsert failed", slog.String("period_key", periodKey), slog.Any("error", err))
		}
	}
}

// queryPoint implements the non-trend cache read-through, dedup, and
// persistence policy (spec §4.1, §4.3 steps 3-6).
func (c *Collector) queryPoint(ctx domain.Context, key domain.IdentityKey, extra map[string]any) (QueryResult, error) {
	if c.Cache != nil {
		if v, source, ok := c.Cache.Get(ctx, key); ok {
			return QueryResult{Data: v, Source: source}, nil
		}
	}

	v, err, _ := c.group.Do(key.RequestKey(), func() (any, error) {
		result, derr := c.dispatchWithResilience(ctx, key, extra)
		if derr != nil {
			return nil, derr
		}
		unwrapped := domain.ExtractActionPayload(key.Action, result)
		if unwrapped.Status != domain.PayloadOK {
			return QueryResult{Data: nil, Source: domain.SourceFresh}, nil
		}
		c.persistPoint(ctx, key, unwrapped.Data)
		return QueryResult{Data: unwrapped.Data, Source: domain.SourceFresh}, nil
	})
	if err != nil {
		return QueryResult{Source: domain.SourceFresh}, err
	}
	return v.(QueryResult), nil
}

// persistPoint writes the cache tiers and the durable artifact for a single
// non-trend result, re-checking L3 to avoid clobbering a concurrently
// written non-empty doc (spec §4.3 step 5).
func (c *Collector) persistPoint(ctx domain.Context, key domain.IdentityKey, data any) {
	if c.Cache != nil {
		if err := c.Cache.Set(ctx, key, data, domain.SourceFresh, 0); err != nil && c.Log != nil {
			c.Log.Warn("cache set failed", slog.String("request_key", key.RequestKey()), slog.Any("error", err))
		}
	}
	if c.Artifacts == nil {
		return
	}
	// Re-check L3 before writing: a concurrent writer may already have
	// deposited a non-empty doc for this identity (spec §4.3 step 5).
	if existing, err := c.Artifacts.Get(ctx, key); err == nil && existing.Data != nil {
		return
	}
	a := domain.Artifact{IdentityKey: key, Data: data, DataHash: dataHash(data), Source: string(domain.SourceFresh), CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(), ExpiredAt: time.Now().Add(domain.TTLRetention(key.Granularity))}
	if err := c.Artifacts.Upsert(ctx, a); err != nil && c.Log != nil {
		c.Log.Warn("artifact upsert failed", slog.String("request_key", key.RequestKey()), slog.Any("error", err))
	}
}

// dataHash returns a content hash of a payload for change detection (spec
// §3 "data_hash"). Canonicalized via JSON marshal since the payload is
// always a decoded JSON value (map[string]any or similar).
func dataHash(data any) string {
	b, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// dispatchWithResilience wraps the upstream dispatcher in the circuit
// breaker and retry driver (spec §4.4).
func (c *Collector) dispatchWithResilience(ctx domain.Context, key domain.IdentityKey, extra map[string]any) (any, error) {
	var result any
	attempt := 0
	for {
		attempt++
		callErr := c.Breaker.Call(func() error {
			var err error
			result, err = c.Dispatcher.Execute(ctx, key, extra)
			return err
		})
		if callErr == nil {
			return result, nil
		}
		if attempt >= c.Retry.MaxAttempts || !domain.IsRetryableUpstream(callErr) {
			return nil, callErr
		}
		delay := backoffDelay(c.Retry, attempt)
		if c.Log != nil {
			c.Log.Warn("collector retrying dispatch", slog.Int("attempt", attempt), slog.Duration("delay", delay), slog.Any("error", callErr))
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: op=collector.retry_wait: %v", domain.ErrUpstreamTimeout, ctx.Err())
		}
	}
}

// backoffDelay computes min(base*2^n, max) with ±25% uniform jitter (spec
// §4.4's retry_async). Hand-rolled rather than a library Retry call since
// the circuit breaker must wrap each attempt individually.
func backoffDelay(p domain.RetryPolicy, attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt-1)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	if !p.Jitter {
		return d
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}
