package observability

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/menglacorp/mengla-collector/internal/domain"
)

// latencySample is one recorded call, kept only long enough to answer
// percentile queries over a trailing window.
type latencySample struct {
	at   time.Time
	ms   int64
}

// Collector implements domain.MetricsRecorder. It complements the
// Prometheus counters in metrics.go: Prometheus serves scrape-based
// dashboards, Collector answers the admin API's point queries (percentile
// over an arbitrary window, a 30-day bounded daily rollup) that a
// scrape-only histogram can't serve without standing up a TSDB query layer.
type Collector struct {
	mu sync.Mutex

	total, success, fail         int64
	cacheHits, cacheMisses       int64
	bySource, byAction, failByA  map[string]int64

	// latencyWindow is a ring buffer of the most recent samples, bounded to
	// maxSamples so memory stays flat under sustained load.
	latencyWindow []latencySample
	maxSamples    int

	// daily is keyed by "2006-01-02" and pruned to the trailing 30 days.
	daily map[string]domain.DailyMetrics
}

// NewCollector builds a Collector bounding its latency ring buffer to
// maxSamples (spec §4.4 default: 1000).
func NewCollector(maxSamples int) *Collector {
	if maxSamples <= 0 {
		maxSamples = 1000
	}
	return &Collector{
		bySource:   make(map[string]int64),
		byAction:   make(map[string]int64),
		failByA:    make(map[string]int64),
		daily:      make(map[string]domain.DailyMetrics),
		maxSamples: maxSamples,
	}
}

func (c *Collector) RecordOutcome(action domain.Action, source domain.Source, ok bool, durationMS int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total++
	c.byAction[string(action)]++
	c.bySource[string(source)]++
	if ok {
		c.success++
	} else {
		c.fail++
		c.failByA[string(action)]++
	}

	c.latencyWindow = append(c.latencyWindow, latencySample{at: time.Now(), ms: durationMS})
	if len(c.latencyWindow) > c.maxSamples {
		c.latencyWindow = c.latencyWindow[len(c.latencyWindow)-c.maxSamples:]
	}

	day := time.Now().Format("2006-01-02")
	dm := c.daily[day]
	dm.Total++
	if ok {
		dm.Success++
	} else {
		dm.Fail++
	}
	c.daily[day] = dm
	c.pruneDailyLocked()

	RecordUpstreamCall(string(action), outcomeLabel(ok))
}

func outcomeLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// pruneDailyLocked drops daily buckets older than 30 days. Must be called
// with mu held.
func (c *Collector) pruneDailyLocked() {
	if len(c.daily) <= 30 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -30)
	for day := range c.daily {
		t, err := time.Parse("2006-01-02", day)
		if err != nil || t.Before(cutoff) {
			delete(c.daily, day)
		}
	}
}

func (c *Collector) RecordCacheHit(tier domain.Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheHits++
	RecordCacheEvent(string(tier))
}

func (c *Collector) RecordCacheMiss() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheMisses++
	RecordCacheEvent("miss")
}

func (c *Collector) Snapshot() domain.MetricsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := domain.MetricsSnapshot{
		Total:        c.total,
		Success:      c.success,
		Fail:         c.fail,
		CacheHits:    c.cacheHits,
		CacheMisses:  c.cacheMisses,
		BySource:     copyMap(c.bySource),
		ByAction:     copyMap(c.byAction),
		FailByAction: copyMap(c.failByA),
		DailySummary: make(map[string]domain.DailyMetrics, len(c.daily)),
	}
	for k, v := range c.daily {
		snap.DailySummary[k] = v
	}
	return snap
}

func copyMap(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (c *Collector) LatencyPercentiles(window time.Duration) domain.LatencyPercentiles {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-window)
	samples := make([]float64, 0, len(c.latencyWindow))
	for _, s := range c.latencyWindow {
		if window <= 0 || s.at.After(cutoff) {
			samples = append(samples, float64(s.ms))
		}
	}
	if len(samples) == 0 {
		return domain.LatencyPercentiles{}
	}
	sort.Float64s(samples)
	return domain.LatencyPercentiles{
		P50:        percentileOf(samples, 0.50),
		P90:        percentileOf(samples, 0.90),
		P95:        percentileOf(samples, 0.95),
		P99:        percentileOf(samples, 0.99),
		SampleSize: len(samples),
	}
}

// percentileOf returns the nearest-rank percentile of an ascending-sorted
// slice.
func percentileOf(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

var _ domain.MetricsRecorder = (*Collector)(nil)
