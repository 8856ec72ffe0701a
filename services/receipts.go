package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"chorus/chat-sync/models"
	"chorus/chat-sync/realtime"
	"chorus/chat-sync/utils"
)

const readAtField = "read_at"

// ReceiptService persists read receipts and subscribes to them. Each
// receipt is one document keyed by reader id in the message's receipt
// collection, so repeated writes for the same reader converge on one record.
type ReceiptService struct {
	docs   realtime.DocStore
	sender Sender
	logger *utils.Logger
}

func NewReceiptService(docs realtime.DocStore, sender Sender, logger *utils.Logger) *ReceiptService {
	return &ReceiptService{
		docs:   docs,
		sender: sender,
		logger: logger,
	}
}

// MarkRead upserts the receipt of userID for messageID and then announces it
// on the socket channel. The returned error is the persistence failure, if
// any; both failures are logged.
func (rs *ReceiptService) MarkRead(ctx context.Context, roomID, messageID, userID string) error {
	err := rs.docs.Upsert(ctx, models.ReceiptCollection(roomID, messageID), userID,
		map[string]any{readAtField: realtime.ServerTimestamp}, true)
	if err != nil {
		rs.logger.Warn("Failed to mark message read",
			"room_id", roomID, "message_id", messageID, "user_id", userID, "error", err)
		err = fmt.Errorf("failed to mark read: %w", err)
	}

	sendErr := sendBestEffort(rs.sender, models.SocketEvent{
		Type:      models.EventReadReceipt,
		RoomID:    roomID,
		MessageID: messageID,
		UserID:    userID,
	})
	if sendErr != nil {
		rs.logger.Debug("Failed to send read receipt", "room_id", roomID, "message_id", messageID, "error", sendErr)
	}
	return err
}

// SubscribeReceipts calls onChange with the sorted reader ids of messageID
// now and on every change. If the subscription cannot be established
// onChange receives an empty set once.
func (rs *ReceiptService) SubscribeReceipts(ctx context.Context, roomID, messageID string, onChange func([]string)) func() {
	unsubscribe, err := rs.docs.Subscribe(ctx, realtime.Query{Collection: models.ReceiptCollection(roomID, messageID)},
		func(docs []realtime.Document) {
			onChange(readerIDs(docs))
		})
	if err != nil {
		rs.logger.Warn("Failed to subscribe to receipts", "room_id", roomID, "message_id", messageID, "error", err)
		onChange([]string{})
		return func() {}
	}
	return unsubscribe
}

// Readers returns the current reader ids of messageID.
func (rs *ReceiptService) Readers(ctx context.Context, roomID, messageID string) ([]string, error) {
	docs, err := rs.docs.List(ctx, realtime.Query{Collection: models.ReceiptCollection(roomID, messageID)})
	if err != nil {
		return nil, fmt.Errorf("failed to read receipts: %w", err)
	}
	return readerIDs(docs), nil
}

func readerIDs(docs []realtime.Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.ID)
	}
	sort.Strings(out)
	return out
}

// ReadBatcher marks the newest incoming messages of the open room as read
// once the message list has been quiet for the batch delay.
type ReadBatcher struct {
	receipts *ReceiptService
	clock    clock.Clock
	userID   string
	delay    time.Duration
	size     int
	onFlush  func(roomID string)

	mu       sync.Mutex
	epoch    uint64
	timer    *clock.Timer
	roomID   string
	messages []models.LocalMessage
	stopped  bool
}

// NewReadBatcher creates a batcher for userID. onFlush, if set, runs after
// every batch with the room it covered.
func NewReadBatcher(receipts *ReceiptService, clk clock.Clock, userID string, delay time.Duration, size int, onFlush func(roomID string)) *ReadBatcher {
	if clk == nil {
		clk = clock.New()
	}
	return &ReadBatcher{
		receipts: receipts,
		clock:    clk,
		userID:   userID,
		delay:    delay,
		size:     size,
		onFlush:  onFlush,
	}
}

// Observe records the latest message list of roomID and restarts the batch
// timer.
func (b *ReadBatcher) Observe(roomID string, messages []models.LocalMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.epoch++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.roomID = roomID
	b.messages = messages
	if roomID == "" || len(messages) == 0 {
		return
	}

	epoch := b.epoch
	b.timer = b.clock.AfterFunc(b.delay, func() { b.flush(epoch) })
}

// Cancel drops a pending batch, e.g. when the room closes.
func (b *ReadBatcher) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.epoch++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *ReadBatcher) Stop() {
	b.Cancel()
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
}

func (b *ReadBatcher) flush(epoch uint64) {
	b.mu.Lock()
	if b.stopped || epoch != b.epoch {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	roomID := b.roomID
	recent := b.messages
	if b.size > 0 && len(recent) > b.size {
		recent = recent[len(recent)-b.size:]
	}
	b.mu.Unlock()

	ctx := context.Background()
	for _, m := range recent {
		if m.IsOwn(b.userID) {
			continue
		}
		// Errors are already logged; the next batch retries.
		_ = b.receipts.MarkRead(ctx, roomID, m.ID, b.userID)
	}
	if b.onFlush != nil {
		b.onFlush(roomID)
	}
}
