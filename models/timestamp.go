package models

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// TimeHandle is a backend-native timestamp value, such as a protobuf
// Timestamp, that can convert itself to a time.Time.
type TimeHandle interface {
	AsTime() time.Time
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// NormalizeTimestamp converts any timestamp shape a realtime backend may hand
// back into a UTC time. Accepted shapes: epoch milliseconds (integer, float,
// json.Number or numeric string), ISO-8601 strings, time.Time, TimeHandle and
// {seconds, nanoseconds} maps. The second result is false when v carries no
// usable instant.
func NormalizeTimestamp(v any) (time.Time, bool) {
	switch ts := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return fromTime(ts)
	case *time.Time:
		if ts == nil {
			return time.Time{}, false
		}
		return fromTime(*ts)
	case TimeHandle:
		return fromTime(ts.AsTime())
	case int:
		return fromMillis(float64(ts))
	case int32:
		return fromMillis(float64(ts))
	case int64:
		return fromMillis(float64(ts))
	case uint64:
		return fromMillis(float64(ts))
	case float32:
		return fromMillis(float64(ts))
	case float64:
		return fromMillis(ts)
	case json.Number:
		f, err := ts.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return fromMillis(f)
	case string:
		return fromString(ts)
	case map[string]any:
		return fromSecondsMap(ts)
	}
	return time.Time{}, false
}

// EpochMillis is the inverse of NormalizeTimestamp for numeric storage.
func EpochMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromTime(t time.Time) (time.Time, bool) {
	// Instants at or before the epoch are treated as unset.
	if t.IsZero() || t.UnixNano() <= 0 {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func fromMillis(ms float64) (time.Time, bool) {
	if math.IsNaN(ms) || math.IsInf(ms, 0) || ms <= 0 {
		return time.Time{}, false
	}
	whole := int64(ms)
	frac := ms - float64(whole)
	return time.UnixMilli(whole).Add(time.Duration(frac * float64(time.Millisecond))).UTC(), true
}

func fromString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromMillis(f)
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return fromTime(t)
		}
	}
	return time.Time{}, false
}

func fromSecondsMap(m map[string]any) (time.Time, bool) {
	sec, ok := numberField(m, "seconds", "_seconds")
	if !ok {
		return time.Time{}, false
	}
	nanos, _ := numberField(m, "nanoseconds", "_nanoseconds", "nanos")
	return fromTime(time.Unix(int64(sec), int64(nanos)))
}

func numberField(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch n := m[k].(type) {
		case float64:
			return n, true
		case int64:
			return float64(n), true
		case int:
			return float64(n), true
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}
