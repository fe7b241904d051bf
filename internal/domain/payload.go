package domain

// PayloadStatus classifies an unwrapped upstream payload (spec §9: "Dynamic
// JSON payloads ... a small extraction layer that walks known unwrapping
// chains and typed accessors with sum-type results").
type PayloadStatus int

const (
	// PayloadOK carries a non-empty, well-formed payload.
	PayloadOK PayloadStatus = iota
	// PayloadEmpty is well-formed but carries no usable data (spec §4.1
	// empty-value policy): code != 0, data absent, list empty, or zero
	// trend points.
	PayloadEmpty
	// PayloadMalformed could not be parsed into the expected envelope shape.
	PayloadMalformed
)

// envelopeKey maps an action to the top-level key the upstream wraps its
// result in, e.g. {"highList": {"code": 0, "data": {"list": [...]}}}.
func envelopeKey(a Action) string {
	switch a {
	case ActionHigh:
		return "highList"
	case ActionHot:
		return "hotList"
	case ActionChance:
		return "chanceList"
	case ActionIndustryViewV2:
		return "industryViewV2"
	case ActionIndustryTrendRange:
		return "industryTrendRange"
	default:
		return string(a)
	}
}

// UnwrappedPayload is the result of walking an action's envelope.
type UnwrappedPayload struct {
	Status PayloadStatus
	Code   int
	// Data is the inner `data` object for non-trend actions.
	Data any
	// Points is the `data.industryTrendRange.data[]` array for the trend
	// action.
	Points []any
}

// ExtractActionPayload walks the known unwrapping chain for action a over
// the upstream result value (already unwrapped from the webhook envelope),
// returning a sum-typed result instead of raising on shape mismatches.
func ExtractActionPayload(a Action, value any) UnwrappedPayload {
	root, ok := value.(map[string]any)
	if !ok {
		return UnwrappedPayload{Status: PayloadMalformed}
	}
	envelope, ok := root[envelopeKey(a)].(map[string]any)
	if !ok {
		return UnwrappedPayload{Status: PayloadMalformed}
	}
	code := 0
	if c, ok := asInt(envelope["code"]); ok {
		code = c
	}
	if code != 0 {
		return UnwrappedPayload{Status: PayloadEmpty, Code: code}
	}
	data, hasData := envelope["data"]
	if !hasData || data == nil {
		return UnwrappedPayload{Status: PayloadEmpty, Code: code}
	}

	if a.IsTrend() {
		points := extractTrendPoints(data)
		if len(points) == 0 {
			return UnwrappedPayload{Status: PayloadEmpty, Code: code}
		}
		return UnwrappedPayload{Status: PayloadOK, Code: code, Points: points}
	}

	if isEmptyListData(data) {
		return UnwrappedPayload{Status: PayloadEmpty, Code: code}
	}
	return UnwrappedPayload{Status: PayloadOK, Code: code, Data: data}
}

// extractTrendPoints walks data.industryTrendRange.data[] per spec §3.
func extractTrendPoints(data any) []any {
	m, ok := data.(map[string]any)
	if !ok {
		return nil
	}
	inner, ok := m["industryTrendRange"].(map[string]any)
	if !ok {
		return nil
	}
	points, ok := inner["data"].([]any)
	if !ok {
		return nil
	}
	return points
}

// isEmptyListData reports whether a non-trend data object's `list` field
// (when present) is empty. Data objects without a `list` field are
// considered non-empty as long as they carry some value.
func isEmptyListData(data any) bool {
	m, ok := data.(map[string]any)
	if !ok {
		return false
	}
	list, hasList := m["list"]
	if !hasList {
		return false
	}
	arr, ok := list.([]any)
	if !ok {
		return false
	}
	return len(arr) == 0
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// TimestOf extracts the `timest` field from a trend point for ascending
// merge ordering (spec §4.1 "sorts ascending by timest").
func TimestOf(point any) string {
	m, ok := point.(map[string]any)
	if !ok {
		return ""
	}
	if t, ok := m["timest"].(string); ok {
		return t
	}
	return ""
}
