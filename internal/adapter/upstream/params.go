package upstream

import "github.com/menglacorp/mengla-collector/internal/domain"

// dateType maps granularity to the literal upstream expects (spec §4.2
// parameter translation). Trend calls (industryTrendRange) use the same
// mapping as point calls at the same granularity.
func dateType(action domain.Action, g domain.Granularity) string {
	switch g {
	case domain.GranularityDay:
		return "DAY"
	case domain.GranularityMonth:
		return "MONTH"
	case domain.GranularityQuarter:
		return "QUARTERLY_FOR_YEAR"
	case domain.GranularityYear:
		return "YEAR"
	default:
		return ""
	}
}

// BuildParameters translates an identity key plus optional caller-supplied
// overrides into the upstream execute request's parameters object.
//
// Non-trend actions carry `timest` in the period key's own canonical format
// (spec §4.2: "formatted by granularity"); the trend action carries an
// empty timest and a starRange/endRange pair formatted by granularity
// instead. A caller-supplied starRange/endRange in extra always wins.
func BuildParameters(key domain.IdentityKey, extra map[string]any) (map[string]any, error) {
	params := map[string]any{
		"catId": key.CatID,
	}
	if dt := dateType(key.Action, key.Granularity); dt != "" {
		params["dateType"] = dt
	}

	startRange, endRange, err := domain.ISORange(key.Granularity, key.PeriodKey)
	if err != nil {
		return nil, err
	}
	if v, ok := extra["starRange"].(string); ok && v != "" {
		startRange = v
	}
	if v, ok := extra["endRange"].(string); ok && v != "" {
		endRange = v
	}

	if key.Action.IsTrend() {
		params["timest"] = ""
		params["starRange"] = startRange
		params["endRange"] = endRange
		return params, nil
	}

	timest := key.PeriodKey
	if v, ok := extra["timest"].(string); ok && v != "" {
		timest = v
	}
	params["timest"] = timest
	params["starRange"] = startRange
	params["endRange"] = endRange
	return params, nil
}
