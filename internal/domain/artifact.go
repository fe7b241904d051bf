package domain

import "time"

// Source records the provenance of a value returned to a caller.
type Source string

const (
	SourceFresh Source = "fresh"
	SourceMongo Source = "mongo"
	SourceRedis Source = "redis"
	SourceL1    Source = "l1"
	SourceL2    Source = "l2"
	SourceL3    Source = "l3"
	SourceMiss  Source = "miss"
)

// Artifact is the durable document persisted for an identity key — the
// `mengla_data` collection (spec §3). Data is an opaque JSON payload; the
// collector never parses its domain meaning, only unwraps known envelopes
// (see UnwrapPayload).
type Artifact struct {
	IdentityKey
	Data               any
	DataHash           string
	Source             string
	CollectDurationMS  int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ExpiredAt          time.Time
}

// TrendPoint is one point of an industryTrendRange series, keyed by its own
// period key and carrying a `timest` field used for sort ordering on merge.
type TrendPoint struct {
	PeriodKey string
	Timest    string
	Point     any
}

// TrendMergeResult is returned by the collector when assembling a trend
// range from per-point durable artifacts.
type TrendMergeResult struct {
	Points    []any
	Requested int
	Found     int
}

// Partial reports whether the merge observed fewer points than requested.
func (r TrendMergeResult) Partial() bool { return r.Found < r.Requested && r.Found > 0 }
