package cache

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/menglacorp/mengla-collector/internal/domain"
)

type fakeRepo struct {
	get      func(domain.Context, domain.IdentityKey) (domain.Artifact, error)
	upserted []domain.Artifact
	recent   []domain.Artifact
}

func (f *fakeRepo) Get(ctx domain.Context, key domain.IdentityKey) (domain.Artifact, error) {
	return f.get(ctx, key)
}
func (f *fakeRepo) GetMany(domain.Context, domain.Action, string, domain.Granularity, []string) ([]domain.Artifact, error) {
	return nil, nil
}
func (f *fakeRepo) Upsert(_ domain.Context, a domain.Artifact) error {
	f.upserted = append(f.upserted, a)
	return nil
}
func (f *fakeRepo) RecentlyUpdated(domain.Context, []domain.Action, []string, []domain.Granularity, int) ([]domain.Artifact, error) {
	return f.recent, nil
}
func (f *fakeRepo) Purge(domain.Context) (int64, error) {
	return 0, nil
}

func newTestManager(t *testing.T, repo domain.ArtifactRepository) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	l1 := NewL1(100, time.Minute)
	l2 := NewL2(rdb, log)
	return NewManager(l1, l2, repo, nil), mr
}

func testKey() domain.IdentityKey {
	return domain.IdentityKey{Action: domain.ActionHigh, CatID: "100001", Granularity: domain.GranularityDay, PeriodKey: "20250115"}
}

func TestManager_L1HitAfterSet(t *testing.T) {
	repo := &fakeRepo{get: func(domain.Context, domain.IdentityKey) (domain.Artifact, error) {
		return domain.Artifact{}, domain.ErrNotFound
	}}
	m, _ := newTestManager(t, repo)
	ctx := context.Background()
	key := testKey()

	require.NoError(t, m.Set(ctx, key, map[string]any{"v": 1}, domain.SourceFresh, 10))

	v, source, found := m.Get(ctx, key)
	require.True(t, found)
	require.Equal(t, domain.SourceL1, source)
	require.NotNil(t, v)
}

func TestManager_L2HitPromotesToL1(t *testing.T) {
	repo := &fakeRepo{get: func(domain.Context, domain.IdentityKey) (domain.Artifact, error) {
		return domain.Artifact{}, domain.ErrNotFound
	}}
	m, _ := newTestManager(t, repo)
	ctx := context.Background()
	key := testKey()

	require.NoError(t, m.l2.Set(ctx, key, map[string]any{"v": 2}))

	_, source, found := m.Get(ctx, key)
	require.True(t, found)
	require.Equal(t, domain.SourceL2, source)

	// Second read now comes from L1 without touching Redis again.
	_, source2, found2 := m.Get(ctx, key)
	require.True(t, found2)
	require.Equal(t, domain.SourceL1, source2)
}

func TestManager_L3HitPromotesUpward(t *testing.T) {
	key := testKey()
	repo := &fakeRepo{get: func(domain.Context, domain.IdentityKey) (domain.Artifact, error) {
		return domain.Artifact{IdentityKey: key, Data: map[string]any{"v": 3}}, nil
	}}
	m, _ := newTestManager(t, repo)
	ctx := context.Background()

	_, source, found := m.Get(ctx, key)
	require.True(t, found)
	require.Equal(t, domain.SourceL3, source)

	_, source2, found2 := m.Get(ctx, key)
	require.True(t, found2)
	require.Equal(t, domain.SourceL1, source2)
}

func TestManager_MissWhenNowhereFound(t *testing.T) {
	repo := &fakeRepo{get: func(domain.Context, domain.IdentityKey) (domain.Artifact, error) {
		return domain.Artifact{}, domain.ErrNotFound
	}}
	m, _ := newTestManager(t, repo)
	ctx := context.Background()

	_, source, found := m.Get(ctx, testKey())
	require.False(t, found)
	require.Equal(t, domain.SourceMiss, source)
}

func TestManager_InvalidateClearsBothTiers(t *testing.T) {
	repo := &fakeRepo{get: func(domain.Context, domain.IdentityKey) (domain.Artifact, error) {
		return domain.Artifact{}, domain.ErrNotFound
	}}
	m, _ := newTestManager(t, repo)
	ctx := context.Background()
	key := testKey()

	require.NoError(t, m.Set(ctx, key, map[string]any{"v": 1}, domain.SourceFresh, 5))
	m.Invalidate(ctx, key)

	_, _, found := m.Get(ctx, key)
	require.False(t, found)
}

func TestManager_Warmup(t *testing.T) {
	key := testKey()
	repo := &fakeRepo{
		get:    func(domain.Context, domain.IdentityKey) (domain.Artifact, error) { return domain.Artifact{}, domain.ErrNotFound },
		recent: []domain.Artifact{{IdentityKey: key, Data: map[string]any{"v": 1}}},
	}
	m, _ := newTestManager(t, repo)
	ctx := context.Background()

	populated, errCount := m.Warmup(ctx, []domain.Action{domain.ActionHigh}, nil, nil, 10)
	require.Equal(t, 1, populated)
	require.Equal(t, 0, errCount)

	_, source, found := m.Get(ctx, key)
	require.True(t, found)
	require.Equal(t, domain.SourceL1, source)
}
