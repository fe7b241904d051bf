package usecase_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menglacorp/mengla-collector/internal/adapter/observability"
	"github.com/menglacorp/mengla-collector/internal/domain"
	"github.com/menglacorp/mengla-collector/internal/usecase"
)

type fakeCache struct {
	mu    sync.Mutex
	store map[string]any
}

func newFakeCache() *fakeCache { return &fakeCache{store: map[string]any{}} }

func (c *fakeCache) Get(_ domain.Context, key domain.IdentityKey) (any, domain.Source, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.store[key.RequestKey()]
	if !ok {
		return nil, domain.SourceMiss, false
	}
	return v, domain.SourceL1, true
}

func (c *fakeCache) Set(_ domain.Context, key domain.IdentityKey, value any, _ domain.Source, _ int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[key.RequestKey()] = value
	return nil
}

func (c *fakeCache) Invalidate(_ domain.Context, key domain.IdentityKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, key.RequestKey())
}
func (c *fakeCache) ClearL1()                 {}
func (c *fakeCache) Stats() domain.CacheStats { return domain.CacheStats{} }
func (c *fakeCache) Warmup(domain.Context, []domain.Action, []string, []domain.Granularity, int) (int, int) {
	return 0, 0
}

type fakeArtifacts struct {
	mu    sync.Mutex
	byKey map[string]domain.Artifact
}

func newFakeArtifacts() *fakeArtifacts { return &fakeArtifacts{byKey: map[string]domain.Artifact{}} }

func (a *fakeArtifacts) Get(_ domain.Context, key domain.IdentityKey) (domain.Artifact, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.byKey[key.RequestKey()]
	if !ok {
		return domain.Artifact{}, domain.ErrNotFound
	}
	return v, nil
}

func (a *fakeArtifacts) GetMany(_ domain.Context, action domain.Action, catID string, g domain.Granularity, periodKeys []string) ([]domain.Artifact, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.Artifact
	for _, pk := range periodKeys {
		k := domain.IdentityKey{Action: action, CatID: catID, Granularity: g, PeriodKey: pk}
		if v, ok := a.byKey[k.RequestKey()]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func (a *fakeArtifacts) Upsert(_ domain.Context, art domain.Artifact) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byKey[art.IdentityKey.RequestKey()] = art
	return nil
}

func (a *fakeArtifacts) RecentlyUpdated(domain.Context, []domain.Action, []string, []domain.Granularity, int) ([]domain.Artifact, error) {
	return nil, nil
}

func (a *fakeArtifacts) Purge(domain.Context) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := int64(len(a.byKey))
	a.byKey = map[string]domain.Artifact{}
	return n, nil
}

type fakeDispatcher struct {
	calls  int
	result any
	err    error
}

func (d *fakeDispatcher) Execute(domain.Context, domain.IdentityKey, map[string]any) (any, error) {
	d.calls++
	return d.result, d.err
}
func (d *fakeDispatcher) PressureStats() domain.DispatcherStats { return domain.DispatcherStats{} }

func highResult(data map[string]any) map[string]any {
	return map[string]any{"highList": map[string]any{"code": 0, "data": data}}
}

func testBreaker() *observability.CircuitBreaker {
	return observability.NewCircuitBreaker("test", 5, 3, 3, time.Minute)
}

func TestCollector_QueryPoint_CacheHit(t *testing.T) {
	t.Parallel()
	cache := newFakeCache()
	key := domain.IdentityKey{Action: domain.ActionHigh, CatID: "1", Granularity: domain.GranularityDay, PeriodKey: "20250115"}
	_ = cache.Set(context.Background(), key, map[string]any{"list": []any{1}}, domain.SourceL1, 0)

	dispatcher := &fakeDispatcher{}
	col := usecase.NewCollector(cache, newFakeArtifacts(), dispatcher, nil, testBreaker(), domain.DefaultRetryPolicy(), nil)

	res, err := col.Query(context.Background(), key, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceL1, res.Source)
	assert.Equal(t, 0, dispatcher.calls)
}

func TestCollector_QueryPoint_MissFetchesAndPersists(t *testing.T) {
	t.Parallel()
	cache := newFakeCache()
	artifacts := newFakeArtifacts()
	key := domain.IdentityKey{Action: domain.ActionHigh, CatID: "1", Granularity: domain.GranularityDay, PeriodKey: "20250115"}
	dispatcher := &fakeDispatcher{result: highResult(map[string]any{"list": []any{1, 2}})}
	col := usecase.NewCollector(cache, artifacts, dispatcher, nil, testBreaker(), domain.DefaultRetryPolicy(), nil)

	res, err := col.Query(context.Background(), key, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceFresh, res.Source)
	assert.Equal(t, 1, dispatcher.calls)

	_, _, found := cache.Get(context.Background(), key)
	assert.True(t, found)
	stored, err := artifacts.Get(context.Background(), key)
	require.NoError(t, err)
	assert.NotNil(t, stored.Data)
}

func TestCollector_QueryPoint_EmptyResultNotPersisted(t *testing.T) {
	t.Parallel()
	cache := newFakeCache()
	artifacts := newFakeArtifacts()
	key := domain.IdentityKey{Action: domain.ActionHigh, CatID: "1", Granularity: domain.GranularityDay, PeriodKey: "20250115"}
	dispatcher := &fakeDispatcher{result: highResult(map[string]any{"list": []any{}})}
	col := usecase.NewCollector(cache, artifacts, dispatcher, nil, testBreaker(), domain.DefaultRetryPolicy(), nil)

	res, err := col.Query(context.Background(), key, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, res.Data)

	_, _, found := cache.Get(context.Background(), key)
	assert.False(t, found)
	_, err = artifacts.Get(context.Background(), key)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCollector_QueryPoint_InvalidKey(t *testing.T) {
	t.Parallel()
	col := usecase.NewCollector(newFakeCache(), newFakeArtifacts(), &fakeDispatcher{}, nil, testBreaker(), domain.DefaultRetryPolicy(), nil)
	_, err := col.Query(context.Background(), domain.IdentityKey{Action: "bogus", Granularity: domain.GranularityDay, PeriodKey: "20250115"}, nil, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCollector_QueryPoint_DedupSingleFlight(t *testing.T) {
	t.Parallel()
	artifacts := newFakeArtifacts()
	key := domain.IdentityKey{Action: domain.ActionHigh, CatID: "1", Granularity: domain.GranularityDay, PeriodKey: "20250115"}
	dispatcher := &fakeDispatcher{result: highResult(map[string]any{"list": []any{1}})}
	col := usecase.NewCollector(newFakeCache(), artifacts, dispatcher, nil, testBreaker(), domain.DefaultRetryPolicy(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = col.Query(context.Background(), key, nil, nil)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, dispatcher.calls, 1)
}

func TestCollector_QueryTrend_FullMerge(t *testing.T) {
	t.Parallel()
	artifacts := newFakeArtifacts()
	_ = artifacts.Upsert(context.Background(), domain.Artifact{
		IdentityKey: domain.IdentityKey{Action: domain.ActionIndustryTrendRange, CatID: "1", Granularity: domain.GranularityYear, PeriodKey: "2024"},
		Data:        map[string]any{"timest": "2024"},
	})
	_ = artifacts.Upsert(context.Background(), domain.Artifact{
		IdentityKey: domain.IdentityKey{Action: domain.ActionIndustryTrendRange, CatID: "1", Granularity: domain.GranularityYear, PeriodKey: "2025"},
		Data:        map[string]any{"timest": "2025"},
	})
	col := usecase.NewCollector(newFakeCache(), artifacts, &fakeDispatcher{}, nil, testBreaker(), domain.DefaultRetryPolicy(), nil)

	key := domain.IdentityKey{Action: domain.ActionIndustryTrendRange, CatID: "1", Granularity: domain.GranularityYear}
	res, err := col.Query(context.Background(), key, []string{"2024", "2025"}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceMongo, res.Source)
	require.False(t, res.Partial.Partial())
	points := res.Data.([]any)
	require.Len(t, points, 2)
	assert.Equal(t, "2024", domain.TimestOf(points[0]))
	assert.Equal(t, "2025", domain.TimestOf(points[1]))
}

func TestCollector_QueryTrend_PartialMerge(t *testing.T) {
	t.Parallel()
	artifacts := newFakeArtifacts()
	_ = artifacts.Upsert(context.Background(), domain.Artifact{
		IdentityKey: domain.IdentityKey{Action: domain.ActionIndustryTrendRange, CatID: "1", Granularity: domain.GranularityYear, PeriodKey: "2025"},
		Data:        map[string]any{"timest": "2025"},
	})
	col := usecase.NewCollector(newFakeCache(), artifacts, &fakeDispatcher{}, nil, testBreaker(), domain.DefaultRetryPolicy(), nil)

	key := domain.IdentityKey{Action: domain.ActionIndustryTrendRange, CatID: "1", Granularity: domain.GranularityYear}
	res, err := col.Query(context.Background(), key, []string{"2024", "2025"}, nil)
	require.NoError(t, err)
	assert.True(t, res.Partial.Partial())
	assert.Equal(t, 2, res.Partial.Requested)
	assert.Equal(t, 1, res.Partial.Found)
}

func TestCollector_QueryPoint_NonRetryableErrorSurfacesImmediately(t *testing.T) {
	t.Parallel()
	dispatcher := &fakeDispatcher{err: domain.ErrCircuitOpen}
	col := usecase.NewCollector(newFakeCache(), newFakeArtifacts(), dispatcher, nil, testBreaker(), domain.DefaultRetryPolicy(), nil)

	key := domain.IdentityKey{Action: domain.ActionHigh, CatID: "1", Granularity: domain.GranularityDay, PeriodKey: "20250115"}
	_, err := col.Query(context.Background(), key, nil, nil)
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Equal(t, 1, dispatcher.calls)
}
