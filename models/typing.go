package models

import "time"

// TypingSignal is an ephemeral "is typing" marker for one user in one room.
type TypingSignal struct {
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name,omitempty"`
	IsTyping  bool      `json:"is_typing"`
	Timestamp time.Time `json:"timestamp"`
}

// TypingCollection is the document collection holding a room's typing markers.
func TypingCollection(roomID string) string {
	return "typing/" + roomID
}
