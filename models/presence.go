package models

import (
	"strings"
	"time"
)

// Presence node layout under the realtime key space.
const (
	PresenceNodePrefix = "presence/"
	SessionFieldPrefix = "sessions/"
	LastSeenField      = "last_seen"
)

// PresenceNode returns the key-value node holding a user's presence.
func PresenceNode(userID string) string {
	return PresenceNodePrefix + userID
}

// SessionField returns the field name of one connection marker.
func SessionField(sessionID string) string {
	return SessionFieldPrefix + sessionID
}

// PresenceRecord is the decoded content of a presence node: one entry per
// open client session plus the opportunistic last-seen marker.
type PresenceRecord struct {
	UserID   string               `json:"user_id"`
	Sessions map[string]time.Time `json:"sessions"`
	LastSeen *time.Time           `json:"last_seen,omitempty"`
}

// IsOnline reports whether at least one session is registered.
func (r PresenceRecord) IsOnline() bool {
	return len(r.Sessions) > 0
}

// Status projects the record onto what subscribers see.
func (r PresenceRecord) Status() PresenceStatus {
	return PresenceStatus{
		IsOnline: r.IsOnline(),
		LastSeen: r.LastSeen,
	}
}

// DecodePresence builds a record from the raw fields of a presence node.
// Session entries with unparseable timestamps still count as sessions.
func DecodePresence(userID string, fields map[string]string) PresenceRecord {
	rec := PresenceRecord{
		UserID:   userID,
		Sessions: make(map[string]time.Time),
	}
	for field, raw := range fields {
		switch {
		case strings.HasPrefix(field, SessionFieldPrefix):
			sid := strings.TrimPrefix(field, SessionFieldPrefix)
			if sid == "" {
				continue
			}
			ts, _ := NormalizeTimestamp(raw)
			rec.Sessions[sid] = ts
		case field == LastSeenField:
			if ts, ok := NormalizeTimestamp(raw); ok {
				rec.LastSeen = &ts
			}
		}
	}
	return rec
}

// PresenceStatus is the per-user value delivered to presence subscribers.
type PresenceStatus struct {
	IsOnline bool       `json:"is_online"`
	LastSeen *time.Time `json:"last_seen"`
}

type StatusResponse struct {
	UserID   string     `json:"user_id"`
	IsOnline bool       `json:"is_online"`
	LastSeen *time.Time `json:"last_seen"`
	Sessions int        `json:"sessions"`
}

type PresenceMapResponse struct {
	Count    int                       `json:"count"`
	Statuses map[string]PresenceStatus `json:"statuses"`
}
