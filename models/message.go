package models

import "time"

// FileMeta describes an uploaded attachment.
type FileMeta struct {
	URL      string `json:"url"`
	PublicID string `json:"public_id,omitempty"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// LocalMessage is the client-side view of a chat message. The list of
// messages for a room is rebuilt wholesale from every subscription snapshot.
type LocalMessage struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"room_id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	Text       string    `json:"text,omitempty"`
	File       *FileMeta `json:"file,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	ReplyTo    *string   `json:"reply_to,omitempty"`
}

// IsOwn reports whether the message was authored by userID.
func (m LocalMessage) IsOwn(userID string) bool {
	return m.SenderID == userID
}

// MessageCollection is the document collection holding a room's messages.
func MessageCollection(roomID string) string {
	return "rooms_" + roomID + "/messages"
}

// Fields returns the document form of the message, without id and timestamp.
func (m LocalMessage) Fields() map[string]any {
	data := map[string]any{
		"sender_id":   m.SenderID,
		"sender_name": m.SenderName,
		"text":        m.Text,
	}
	if m.File != nil {
		data["file"] = map[string]any{
			"url":       m.File.URL,
			"public_id": m.File.PublicID,
			"name":      m.File.Name,
			"mime_type": m.File.MimeType,
			"size":      m.File.Size,
		}
	}
	if m.ReplyTo != nil {
		data["reply_to"] = *m.ReplyTo
	}
	return data
}

// DecodeMessage builds a message from a stored document.
func DecodeMessage(roomID, id string, data map[string]any) LocalMessage {
	msg := LocalMessage{
		ID:         id,
		RoomID:     roomID,
		SenderID:   stringField(data, "sender_id"),
		SenderName: stringField(data, "sender_name"),
		Text:       stringField(data, "text"),
	}
	if ts, ok := NormalizeTimestamp(data["timestamp"]); ok {
		msg.Timestamp = ts
	}
	if reply := stringField(data, "reply_to"); reply != "" {
		msg.ReplyTo = &reply
	}
	if f, ok := data["file"].(map[string]any); ok {
		meta := &FileMeta{
			URL:      stringField(f, "url"),
			PublicID: stringField(f, "public_id"),
			Name:     stringField(f, "name"),
			MimeType: stringField(f, "mime_type"),
		}
		if n, ok := numberField(f, "size"); ok {
			meta.Size = int64(n)
		}
		msg.File = meta
	}
	return msg
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
