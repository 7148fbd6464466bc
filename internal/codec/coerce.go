package codec

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"possync/internal/domain"
)

// isoLayout matches what browsers emit for Date#toISOString.
const isoLayout = "2006-01-02T15:04:05.000Z07:00"

var now = func() time.Time { return time.Now().UTC() }

// FormatTime renders t as an ISO-8601 UTC string with millisecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format(isoLayout)
}

func formatOptional(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return FormatTime(*t)
}

// ParseTime accepts native time values, ISO strings, unix milliseconds and
// {seconds, nanoseconds} timestamp maps.
func ParseTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		if x.IsZero() {
			return time.Time{}, false
		}
		return x.UTC(), true
	case *time.Time:
		if x == nil || x.IsZero() {
			return time.Time{}, false
		}
		return x.UTC(), true
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC(), true
			}
		}
		if millis, err := strconv.ParseInt(s, 10, 64); err == nil && millis > 0 {
			return time.UnixMilli(millis).UTC(), true
		}
		return time.Time{}, false
	case domain.Document:
		return parseTimestampMap(x)
	case map[string]any:
		return parseTimestampMap(x)
	case nil, bool:
		return time.Time{}, false
	default:
		millis, ok := Float(v)
		if !ok || millis <= 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(millis)).UTC(), true
	}
}

func parseTimestampMap(m map[string]any) (time.Time, bool) {
	secRaw, ok := m["seconds"]
	if !ok {
		secRaw, ok = m["_seconds"]
	}
	if !ok {
		return time.Time{}, false
	}
	sec, ok := Float(secRaw)
	if !ok {
		return time.Time{}, false
	}
	nanosRaw, ok := m["nanoseconds"]
	if !ok {
		nanosRaw = m["_nanoseconds"]
	}
	nanos, _ := Float(nanosRaw)
	return time.Unix(int64(sec), int64(nanos)).UTC(), true
}

// primaryTime is for dates every record must have: invalid means now.
func primaryTime(v any) time.Time {
	if t, ok := ParseTime(v); ok {
		return t
	}
	return now()
}

// optionalTime is for events that either happened or did not.
func optionalTime(v any) *time.Time {
	t, ok := ParseTime(v)
	if !ok {
		return nil
	}
	return &t
}

// Float coerces numbers, json.Number and numeric strings. NaN and infinities
// are rejected.
func Float(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case uint:
		f = float64(x)
	case uint32:
		f = float64(x)
	case uint64:
		f = float64(x)
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return 0, false
		}
		f = d.InexactFloat64()
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(x))
		if err != nil {
			return 0, false
		}
		f = d.InexactFloat64()
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Number coerces v or returns fallback.
func Number(v any, fallback float64) float64 {
	if f, ok := Float(v); ok {
		return f
	}
	return fallback
}

// NullableNumber keeps absent or malformed values as nil.
func NullableNumber(v any) *float64 {
	f, ok := Float(v)
	if !ok {
		return nil
	}
	return &f
}

// Int coerces v to an integer, truncating fractions.
func Int(v any, fallback int64) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	}
	f, ok := Float(v)
	if !ok {
		return fallback
	}
	return int64(f)
}

// String returns strings as-is and renders numbers; anything else is "".
func String(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil, bool:
		return ""
	}
	if f, ok := Float(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}

// Bool accepts booleans and "true"/"false" strings.
func Bool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(x))
		return err == nil && parsed
	}
	return false
}

func asMap(v any) (map[string]any, bool) {
	switch x := v.(type) {
	case domain.Document:
		return x, true
	case map[string]any:
		return x, true
	}
	return nil, false
}

func list(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case []map[string]any:
		out := make([]any, 0, len(x))
		for _, m := range x {
			out = append(out, m)
		}
		return out
	case []domain.Document:
		out := make([]any, 0, len(x))
		for _, d := range x {
			out = append(out, map[string]any(d))
		}
		return out
	case []string:
		out := make([]any, 0, len(x))
		for _, s := range x {
			out = append(out, s)
		}
		return out
	}
	return nil
}

func stringList(v any) []string {
	items := list(v)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := String(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func anyStrings(values []string) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		out = append(out, v)
	}
	return out
}
