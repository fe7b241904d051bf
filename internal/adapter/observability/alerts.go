package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/menglacorp/mengla-collector/internal/domain"
)

// AlertRule evaluates a MetricsSnapshot and reports whether it should fire.
type AlertRule struct {
	Name      string
	Severity  domain.AlertSeverity
	Cooldown  time.Duration
	Threshold float64
	Evaluate  func(snap domain.MetricsSnapshot, latency domain.LatencyPercentiles) (firing bool, value float64, message string)
}

// DefaultAlertRules implements spec §4.4's four rules. The supplemented
// consecutive_empty_results rule (consecutive empty results suggest an
// upstream contract change rather than a transient failure) is the separate
// per-key type ConsecutiveEmptyRule and is not part of the returned slice.
func DefaultAlertRules(lowSuccessRate, criticalSuccessRate, highLatencyMS, lowCacheHitRate float64) []AlertRule {
	return []AlertRule{
		{
			Name:      "low_success_rate",
			Severity:  domain.SeverityWarning,
			Cooldown:  15 * time.Minute,
			Threshold: lowSuccessRate,
			Evaluate: func(snap domain.MetricsSnapshot, _ domain.LatencyPercentiles) (bool, float64, string) {
				rate := successRate(snap)
				return rate < lowSuccessRate, rate, "success rate below warning threshold"
			},
		},
		{
			Name:      "critical_success_rate",
			Severity:  domain.SeverityCritical,
			Cooldown:  5 * time.Minute,
			Threshold: criticalSuccessRate,
			Evaluate: func(snap domain.MetricsSnapshot, _ domain.LatencyPercentiles) (bool, float64, string) {
				rate := successRate(snap)
				return rate < criticalSuccessRate, rate, "success rate below critical threshold"
			},
		},
		{
			Name:      "high_latency",
			Severity:  domain.SeverityWarning,
			Cooldown:  10 * time.Minute,
			Threshold: highLatencyMS,
			Evaluate: func(_ domain.MetricsSnapshot, latency domain.LatencyPercentiles) (bool, float64, string) {
				return latency.P95 > highLatencyMS, latency.P95, "p95 latency above threshold"
			},
		},
		{
			Name:      "low_cache_hit_rate",
			Severity:  domain.SeverityWarning,
			Cooldown:  30 * time.Minute,
			Threshold: lowCacheHitRate,
			Evaluate: func(snap domain.MetricsSnapshot, _ domain.LatencyPercentiles) (bool, float64, string) {
				rate := cacheHitRate(snap)
				total := snap.CacheHits + snap.CacheMisses
				if total < 20 {
					return false, rate, "cache hit rate below threshold"
				}
				return rate < lowCacheHitRate, rate, "cache hit rate below threshold"
			},
		},
	}
}

func successRate(snap domain.MetricsSnapshot) float64 {
	if snap.Total == 0 {
		return 1
	}
	return float64(snap.Success) / float64(snap.Total)
}

func cacheHitRate(snap domain.MetricsSnapshot) float64 {
	total := snap.CacheHits + snap.CacheMisses
	if total == 0 {
		return 1
	}
	return float64(snap.CacheHits) / float64(total)
}

// ConsecutiveEmptyRule fires when the same identity returns an empty result
// streak past a threshold, distinct from the snapshot-driven rules above
// since it tracks per-key state rather than a global rate.
type ConsecutiveEmptyRule struct {
	Threshold int
	Cooldown  time.Duration

	mu        sync.Mutex
	streaks   map[string]int
	lastFired map[string]time.Time
}

func NewConsecutiveEmptyRule(threshold int, cooldown time.Duration) *ConsecutiveEmptyRule {
	return &ConsecutiveEmptyRule{
		Threshold: threshold,
		Cooldown:  cooldown,
		streaks:   make(map[string]int),
		lastFired: make(map[string]time.Time),
	}
}

// Observe records one query's result for requestKey. On empty it increments
// the streak and returns a firing event once the streak crosses Threshold
// (subject to cooldown); on non-empty it resets the streak.
func (r *ConsecutiveEmptyRule) Observe(requestKey string, empty bool) (domain.AlertEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !empty {
		r.streaks[requestKey] = 0
		return domain.AlertEvent{}, false
	}
	r.streaks[requestKey]++
	if r.streaks[requestKey] < r.Threshold {
		return domain.AlertEvent{}, false
	}
	if last, ok := r.lastFired[requestKey]; ok && time.Since(last) < r.Cooldown {
		return domain.AlertEvent{}, false
	}
	r.lastFired[requestKey] = time.Now()
	return domain.AlertEvent{
		Rule:      "consecutive_empty_results",
		Severity:  domain.SeverityWarning,
		Message:   "repeated empty upstream results for " + requestKey,
		Firing:    true,
		Value:     float64(r.streaks[requestKey]),
		Threshold: float64(r.Threshold),
		At:        time.Now(),
	}, true
}

// AlertEngine owns rule state (last-fired/cooldown, current firing set) and
// fans transitions out to every configured sink.
type AlertEngine struct {
	rules []AlertRule
	sinks []domain.AlertSink
	log   *slog.Logger

	mu            sync.Mutex
	firing        map[string]bool
	lastFired     map[string]time.Time
	silencedUntil map[string]time.Time
	history       []domain.AlertEvent
}

// maxAlertHistory bounds the in-memory transition log GET /admin/alerts/history
// serves; older entries are dropped FIFO.
const maxAlertHistory = 500

func NewAlertEngine(log *slog.Logger, rules []AlertRule, sinks ...domain.AlertSink) *AlertEngine {
	return &AlertEngine{
		rules:         rules,
		sinks:         sinks,
		log:           log,
		firing:        make(map[string]bool),
		lastFired:     make(map[string]time.Time),
		silencedUntil: make(map[string]time.Time),
	}
}

// Silence suppresses delivery for rule until duration elapses (spec §6
// "POST /admin/alerts/silence {rule_name, duration_minutes}").
func (e *AlertEngine) Silence(rule string, duration time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.silencedUntil[rule] = time.Now().Add(duration)
}

func (e *AlertEngine) isSilenced(rule string) bool {
	until, ok := e.silencedUntil[rule]
	return ok && time.Now().Before(until)
}

// Firing returns the current firing set, keyed by rule name (GET /admin/alerts).
func (e *AlertEngine) Firing() map[string]bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]bool, len(e.firing))
	for k, v := range e.firing {
		out[k] = v
	}
	return out
}

// History returns the bounded transition log, oldest first (GET /admin/alerts/history).
func (e *AlertEngine) History() []domain.AlertEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.AlertEvent, len(e.history))
	copy(out, e.history)
	return out
}

// Evaluate runs every rule against the given snapshot/latency pair,
// delivering firing and resolved transitions to every sink.
func (e *AlertEngine) Evaluate(ctx domain.Context, snap domain.MetricsSnapshot, latency domain.LatencyPercentiles) {
	for _, rule := range e.rules {
		firing, value, msg := rule.Evaluate(snap, latency)
		e.transition(ctx, rule, firing, value, msg)
	}
}

func (e *AlertEngine) transition(ctx domain.Context, rule AlertRule, firing bool, value float64, msg string) {
	e.mu.Lock()
	wasFiring := e.firing[rule.Name]
	if firing == wasFiring {
		e.mu.Unlock()
		return
	}
	if firing {
		if last, ok := e.lastFired[rule.Name]; ok && time.Since(last) < rule.Cooldown {
			e.mu.Unlock()
			return
		}
		if e.isSilenced(rule.Name) {
			e.mu.Unlock()
			return
		}
		e.lastFired[rule.Name] = time.Now()
	}
	e.firing[rule.Name] = firing
	e.mu.Unlock()

	event := domain.AlertEvent{
		Rule:      rule.Name,
		Severity:  rule.Severity,
		Message:   msg,
		Firing:    firing,
		Value:     value,
		Threshold: rule.Threshold,
		At:        time.Now(),
	}
	e.deliver(ctx, event)
}

// Fire delivers a pre-built event directly, such as one returned by
// ConsecutiveEmptyRule.Observe, whose per-key state doesn't fit the
// snapshot-evaluated rule shape.
func (e *AlertEngine) Fire(ctx domain.Context, event domain.AlertEvent) {
	e.deliver(ctx, event)
}

func (e *AlertEngine) deliver(ctx domain.Context, event domain.AlertEvent) {
	e.mu.Lock()
	e.history = append(e.history, event)
	if len(e.history) > maxAlertHistory {
		e.history = e.history[len(e.history)-maxAlertHistory:]
	}
	e.mu.Unlock()

	transition := "resolved"
	if event.Firing {
		transition = "firing"
	}
	RecordAlertTransition(event.Rule, transition)

	for _, sink := range e.sinks {
		if err := sink.Notify(ctx, event); err != nil {
			e.log.Error("alert sink delivery failed", "rule", event.Rule, "error", err)
		}
	}
}

// LogAlertSink writes alert transitions through the structured logger. It is
// always wired as a fallback sink alongside any optional Slack sink.
type LogAlertSink struct {
	log *slog.Logger
}

func NewLogAlertSink(log *slog.Logger) *LogAlertSink {
	return &LogAlertSink{log: log}
}

func (s *LogAlertSink) Notify(_ domain.Context, a domain.AlertEvent) error {
	level := slog.LevelWarn
	if a.Severity == domain.SeverityCritical {
		level = slog.LevelError
	}
	s.log.Log(context.Background(), level, a.Message,
		"rule", a.Rule,
		"severity", a.Severity,
		"firing", a.Firing,
		"value", a.Value,
		"threshold", a.Threshold,
	)
	return nil
}
