package domain

import (
	"fmt"
	"time"
)

// asiaShanghai is the timezone every calendar computation in the collector
// is anchored to — the scheduler runs on tz=Asia/Shanghai (spec §4.5) and
// period boundaries must agree with it.
var asiaShanghai = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}()

// Location returns the timezone all period arithmetic is performed in.
func Location() *time.Location { return asiaShanghai }

// ParsePeriodKey parses a canonical period key into the half-open date
// range [Start, End) it denotes, in the Asia/Shanghai timezone.
func ParsePeriodKey(g Granularity, key string) (start, end time.Time, err error) {
	loc := asiaShanghai
	switch g {
	case GranularityDay:
		t, perr := time.ParseInLocation("20060102", key, loc)
		if perr != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: invalid day period key %q", ErrValidation, key)
		}
		return t, t.AddDate(0, 0, 1), nil
	case GranularityMonth:
		t, perr := time.ParseInLocation("200601", key, loc)
		if perr != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: invalid month period key %q", ErrValidation, key)
		}
		return t, t.AddDate(0, 1, 0), nil
	case GranularityQuarter:
		if len(key) != 6 || key[4] != 'Q' {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: invalid quarter period key %q", ErrValidation, key)
		}
		year, qn, perr := parseYearAndOrdinal(key[:4], key[5:6])
		if perr != nil || qn < 1 || qn > 4 {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: invalid quarter period key %q", ErrValidation, key)
		}
		startMonth := time.Month((qn-1)*3 + 1)
		t := time.Date(year, startMonth, 1, 0, 0, 0, 0, loc)
		return t, t.AddDate(0, 3, 0), nil
	case GranularityYear:
		year, perr := parseYear(key)
		if perr != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: invalid year period key %q", ErrValidation, key)
		}
		t := time.Date(year, 1, 1, 0, 0, 0, 0, loc)
		return t, t.AddDate(1, 0, 0), nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("%w: unknown granularity %q", ErrValidation, g)
	}
}

// FormatPeriodKey renders t as the canonical period key for granularity g.
func FormatPeriodKey(g Granularity, t time.Time) string {
	t = t.In(asiaShanghai)
	switch g {
	case GranularityDay:
		return t.Format("20060102")
	case GranularityMonth:
		return t.Format("200601")
	case GranularityQuarter:
		q := (int(t.Month())-1)/3 + 1
		return fmt.Sprintf("%04d" + "Q%d", t.Year(), q)
	case GranularityYear:
		return t.Format("2006")
	default:
		return ""
	}
}

// EnumeratePeriodKeys lists every period key from start to end inclusive,
// ascending, for the given granularity.
func EnumeratePeriodKeys(g Granularity, startKey, endKey string) ([]string, error) {
	start, _, err := ParsePeriodKey(g, startKey)
	if err != nil {
		return nil, err
	}
	end, _, err := ParsePeriodKey(g, endKey)
	if err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: range end %q precedes start %q", ErrValidation, endKey, startKey)
	}
	var keys []string
	cur := start
	for !cur.After(end) {
		keys = append(keys, FormatPeriodKey(g, cur))
		cur = stepPeriod(g, cur)
	}
	return keys, nil
}

func stepPeriod(g Granularity, t time.Time) time.Time {
	switch g {
	case GranularityDay:
		return t.AddDate(0, 0, 1)
	case GranularityMonth:
		return t.AddDate(0, 1, 0)
	case GranularityQuarter:
		return t.AddDate(0, 3, 0)
	case GranularityYear:
		return t.AddDate(1, 0, 0)
	default:
		return t
	}
}

// PreviousPeriodKey computes the period key immediately preceding the one
// containing asOf, per the scheduler's "previous period" calendar rule
// (spec §4.5 run_period_collect).
func PreviousPeriodKey(g Granularity, asOf time.Time) string {
	asOf = asOf.In(asiaShanghai)
	cur := FormatPeriodKey(g, asOf)
	start, _, err := ParsePeriodKey(g, cur)
	if err != nil {
		return cur
	}
	var prev time.Time
	switch g {
	case GranularityDay:
		prev = start.AddDate(0, 0, -1)
	case GranularityMonth:
		prev = start.AddDate(0, -1, 0)
	case GranularityQuarter:
		prev = start.AddDate(0, -3, 0)
	case GranularityYear:
		prev = start.AddDate(-1, 0, 0)
	}
	return FormatPeriodKey(g, prev)
}

// ISORange renders the [start,end) date range of a period key in the
// upstream-facing format used for starRange/endRange, varying by
// granularity as the parameter-translation rules in spec §4.2 require:
// day=yyyy-MM-dd, month=yyyy-MM, quarter=yyyy-Qn, year=yyyy.
func ISORange(g Granularity, key string) (startRange, endRange string, err error) {
	start, end, err := ParsePeriodKey(g, key)
	if err != nil {
		return "", "", err
	}
	lastInclusive := end.AddDate(0, 0, -1)
	switch g {
	case GranularityDay:
		return start.Format("2006-01-02"), lastInclusive.Format("2006-01-02"), nil
	case GranularityMonth:
		return start.Format("2006-01"), lastInclusive.Format("2006-01"), nil
	case GranularityQuarter:
		q := (int(start.Month())-1)/3 + 1
		s := fmt.Sprintf("%04d-Q%d", start.Year(), q)
		return s, s, nil
	case GranularityYear:
		return start.Format("2006"), start.Format("2006"), nil
	default:
		return "", "", fmt.Errorf("%w: unknown granularity %q", ErrValidation, g)
	}
}

// TTLRetention returns the durable-artifact retention window for a
// granularity, per spec §3: 30d / 90d / 365d / 730d.
func TTLRetention(g Granularity) time.Duration {
	switch g {
	case GranularityDay:
		return 30 * 24 * time.Hour
	case GranularityMonth:
		return 90 * 24 * time.Hour
	case GranularityQuarter:
		return 365 * 24 * time.Hour
	case GranularityYear:
		return 730 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

// L2TTL returns the Redis cache TTL for a granularity, per spec §3:
// 4h / 24h / 7d / 30d.
func L2TTL(g Granularity) time.Duration {
	switch g {
	case GranularityDay:
		return 4 * time.Hour
	case GranularityMonth:
		return 24 * time.Hour
	case GranularityQuarter:
		return 7 * 24 * time.Hour
	case GranularityYear:
		return 30 * 24 * time.Hour
	default:
		return 4 * time.Hour
	}
}

func parseYear(s string) (int, error) {
	var y int
	_, err := fmt.Sscanf(s, "%04d", &y)
	return y, err
}

func parseYearAndOrdinal(yearStr, ordStr string) (int, int, error) {
	year, err := parseYear(yearStr)
	if err != nil {
		return 0, 0, err
	}
	var n int
	if _, err := fmt.Sscanf(ordStr, "%d", &n); err != nil {
		return 0, 0, err
	}
	return year, n, nil
}
