package cache

import (
	"sync"
	"sync/atomic"

	"github.com/menglacorp/mengla-collector/internal/domain"
)

// Manager implements domain.CacheManager: L1 (in-process) in front of L2
// (Redis) in front of L3 (the durable artifact store), with promotion on
// every hit below L1. Callers are expected to have already filtered empty
// results per spec §4.1's empty-value policy — Manager never second-guesses
// what it's given, it just layers lookups and writes.
type Manager struct {
	l1   *L1
	l2   *L2
	repo domain.ArtifactRepository

	metrics domain.MetricsRecorder

	l1Hits, l2Hits, l3Hits, misses int64

	warmMu sync.Mutex
}

func NewManager(l1 *L1, l2 *L2, repo domain.ArtifactRepository, metrics domain.MetricsRecorder) *Manager {
	return &Manager{l1: l1, l2: l2, repo: repo, metrics: metrics}
}

func (m *Manager) Get(ctx domain.Context, key domain.IdentityKey) (any, domain.Source, bool) {
	reqKey := key.RequestKey()

	if v, ok := m.l1.Get(reqKey); ok {
		atomic.AddInt64(&m.l1Hits, 1)
		m.recordHit(domain.SourceL1)
		return v, domain.SourceL1, true
	}

	if v, ok := m.l2.Get(ctx, key); ok {
		atomic.AddInt64(&m.l2Hits, 1)
		m.recordHit(domain.SourceL2)
		m.l1.SetTTL(reqKey, v, m.l1.ttl)
		return v, domain.SourceL2, true
	}

	artifact, err := m.repo.Get(ctx, key)
	if err == nil {
		atomic.AddInt64(&m.l3Hits, 1)
		m.recordHit(domain.SourceL3)
		_ = m.l2.Set(ctx, key, artifact.Data)
		m.l1.SetTTL(reqKey, artifact.Data, m.l1.ttl)
		return artifact.Data, domain.SourceL3, true
	}

	atomic.AddInt64(&m.misses, 1)
	if m.metrics != nil {
		m.metrics.RecordCacheMiss()
	}
	return nil, domain.SourceMiss, false
}

func (m *Manager) recordHit(tier domain.Source) {
	if m.metrics != nil {
		m.metrics.RecordCacheHit(tier)
	}
}

// Set writes a fresh value into L1 and L2. L3 persistence is the collector
// usecase's responsibility (it owns the persistence-policy re-check against
// a concurrently-written doc, spec §4.1 step 5), not the cache layer's.
func (m *Manager) Set(ctx domain.Context, key domain.IdentityKey, value any, source domain.Source, _ int64) error {
	m.l1.SetTTL(key.RequestKey(), value, m.l1.ttl)
	return m.l2.Set(ctx, key, value)
}

func (m *Manager) Invalidate(ctx domain.Context, key domain.IdentityKey) {
	m.l1.Invalidate(key.RequestKey())
	m.l2.Invalidate(ctx, key)
}

func (m *Manager) ClearL1() { m.l1.Clear() }

func (m *Manager) Stats() domain.CacheStats {
	return domain.CacheStats{
		L1Size: m.l1.Size(),
		L1Hits: atomic.LoadInt64(&m.l1Hits),
		L2Hits: atomic.LoadInt64(&m.l2Hits),
		L3Hits: atomic.LoadInt64(&m.l3Hits),
		Misses: atomic.LoadInt64(&m.misses),
	}
}

// Warmup pre-populates L1 from the most recently updated durable artifacts
// matching the given filters, used at startup and via the admin warmup
// endpoint to avoid a cold-cache stampede against upstream.
func (m *Manager) Warmup(ctx domain.Context, actions []domain.Action, catIDs []string, granularities []domain.Granularity, limit int) (populated int, errCount int) {
	m.warmMu.Lock()
	defer m.warmMu.Unlock()

	artifacts, err := m.repo.RecentlyUpdated(ctx, actions, catIDs, granularities, limit)
	if err != nil {
		return 0, 1
	}
	for _, a := range artifacts {
		m.l1.SetTTL(a.IdentityKey.RequestKey(), a.Data, m.l1.ttl)
		if err := m.l2.Set(ctx, a.IdentityKey, a.Data); err != nil {
			errCount++
			continue
		}
		populated++
	}
	return populated, errCount
}

var _ domain.CacheManager = (*Manager)(nil)
