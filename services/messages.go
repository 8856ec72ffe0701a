package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chorus/chat-sync/models"
	"chorus/chat-sync/realtime"
	"chorus/chat-sync/utils"
)

// MessageFeed writes and streams the messages of a room.
type MessageFeed struct {
	docs   realtime.DocStore
	sender Sender
	logger *utils.Logger
}

func NewMessageFeed(docs realtime.DocStore, sender Sender, logger *utils.Logger) *MessageFeed {
	return &MessageFeed{
		docs:   docs,
		sender: sender,
		logger: logger,
	}
}

// Send persists msg with a server timestamp and then announces it on the
// socket channel. A missing id is generated.
func (f *MessageFeed) Send(ctx context.Context, msg models.LocalMessage) (models.LocalMessage, error) {
	if msg.RoomID == "" || msg.SenderID == "" {
		return models.LocalMessage{}, errors.New("room id and sender id are required")
	}
	if msg.Text == "" && msg.File == nil {
		return models.LocalMessage{}, errors.New("message has no content")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	fields := msg.Fields()
	fields["timestamp"] = realtime.ServerTimestamp
	if err := f.docs.Upsert(ctx, models.MessageCollection(msg.RoomID), msg.ID, fields, false); err != nil {
		return models.LocalMessage{}, fmt.Errorf("failed to send message: %w", err)
	}

	text := msg.Text
	if text == "" && msg.File != nil {
		text = msg.File.Name
	}
	err := sendBestEffort(f.sender, models.SocketEvent{
		Type:       models.EventChatMessage,
		RoomID:     msg.RoomID,
		Message:    text,
		MessageID:  msg.ID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		f.logger.Debug("Failed to announce message", "room_id", msg.RoomID, "message_id", msg.ID, "error", err)
	}
	return msg, nil
}

// SendWithAttachment uploads a first and sends msg carrying the stored file.
// An upload failure aborts the send.
func (f *MessageFeed) SendWithAttachment(ctx context.Context, uploader *Uploader, msg models.LocalMessage, a Attachment) (models.LocalMessage, error) {
	meta, err := uploader.Upload(ctx, msg.RoomID, a)
	if err != nil {
		return models.LocalMessage{}, err
	}
	msg.File = &meta
	return f.Send(ctx, msg)
}

// Subscribe streams the newest limit messages of roomID, oldest first.
// Every delivery is the complete window.
func (f *MessageFeed) Subscribe(ctx context.Context, roomID string, limit int, fn func([]models.LocalMessage)) func() {
	q := realtime.Query{
		Collection: models.MessageCollection(roomID),
		OrderBy:    "timestamp",
		Desc:       true,
		Limit:      limit,
	}
	unsubscribe, err := f.docs.Subscribe(ctx, q, func(docs []realtime.Document) {
		fn(decodeWindow(roomID, docs))
	})
	if err != nil {
		f.logger.Warn("Failed to subscribe to messages", "room_id", roomID, "error", err)
		fn([]models.LocalMessage{})
		return func() {}
	}
	return unsubscribe
}

// LastMessage returns the newest message of roomID, or nil for an empty room.
func (f *MessageFeed) LastMessage(ctx context.Context, roomID string) (*models.LocalMessage, error) {
	docs, err := f.docs.List(ctx, realtime.Query{
		Collection: models.MessageCollection(roomID),
		OrderBy:    "timestamp",
		Desc:       true,
		Limit:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get last message: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	msg := models.DecodeMessage(roomID, docs[0].ID, docs[0].Data)
	return &msg, nil
}

// decodeWindow turns a newest-first query result into an oldest-first list.
func decodeWindow(roomID string, docs []realtime.Document) []models.LocalMessage {
	out := make([]models.LocalMessage, len(docs))
	for i, d := range docs {
		out[len(docs)-1-i] = models.DecodeMessage(roomID, d.ID, d.Data)
	}
	return out
}
