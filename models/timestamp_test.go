package models_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"google.golang.org/protobuf/types/known/timestamppb"

	"chorus/chat-sync/models"
)

func TestNormalizeTimestamp(t *testing.T) {
	want := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	ms := want.UnixMilli()

	cases := []struct {
		name string
		in   any
	}{
		{"int64 millis", ms},
		{"float millis", float64(ms)},
		{"json number", json.Number("1709296200000")},
		{"numeric string", "1709296200000"},
		{"rfc3339", "2024-03-01T12:30:00Z"},
		{"rfc3339 with offset", "2024-03-01T14:30:00+02:00"},
		{"naive iso", "2024-03-01T12:30:00"},
		{"time value", want.In(time.FixedZone("x", 3600))},
		{"protobuf handle", timestamppb.New(want)},
		{"seconds map", map[string]any{"seconds": float64(want.Unix()), "nanoseconds": float64(0)}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := models.NormalizeTimestamp(tc.in)
			assert.True(t, ok)
			assert.True(t, want.Equal(got), "got %s", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestNormalizeTimestampRejects(t *testing.T) {
	for _, in := range []any{nil, "", "yesterday", 0, -5, time.Time{}, true, map[string]any{}} {
		_, ok := models.NormalizeTimestamp(in)
		assert.False(t, ok, "%#v", in)
	}
}
