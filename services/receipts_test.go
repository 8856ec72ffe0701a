package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus/chat-sync/models"
	"chorus/chat-sync/realtime"
	"chorus/chat-sync/services"
	"chorus/chat-sync/utils"
)

type recordingSender struct {
	mu     sync.Mutex
	events []models.SocketEvent
	err    error
}

func (s *recordingSender) Send(evt models.SocketEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return s.err
}

func (s *recordingSender) byType(eventType string) []models.SocketEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SocketEvent
	for _, evt := range s.events {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

// failingDocs rejects every call it overrides; the rest must not be used.
type failingDocs struct {
	realtime.DocStore
}

var errBackendDown = errors.New("backend down")

func (failingDocs) Upsert(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	return errBackendDown
}

func (failingDocs) Subscribe(ctx context.Context, q realtime.Query, fn func([]realtime.Document)) (func(), error) {
	return nil, errBackendDown
}

type readersRecorder struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *readersRecorder) record(readers []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, readers)
}

func (r *readersRecorder) all() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.calls...)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	docs := realtime.NewMemoryDocs(nil)
	sender := &recordingSender{}
	rs := services.NewReceiptService(docs, sender, utils.NewNopLogger())

	require.NoError(t, rs.MarkRead(ctx, "r1", "m1", "b"))
	require.NoError(t, rs.MarkRead(ctx, "r1", "m1", "b"))

	stored, err := docs.List(ctx, realtime.Query{Collection: models.ReceiptCollection("r1", "m1")})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "b", stored[0].ID)
	assert.Contains(t, stored[0].Data, "read_at")

	readers, err := rs.Readers(ctx, "r1", "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, readers)

	events := sender.byType(models.EventReadReceipt)
	require.Len(t, events, 2)
	assert.Equal(t, models.SocketEvent{Type: models.EventReadReceipt, RoomID: "r1", MessageID: "m1", UserID: "b"}, events[0])
}

func TestMarkReadBestEffort(t *testing.T) {
	ctx := context.Background()

	t.Run("socket failure does not fail the write", func(t *testing.T) {
		docs := realtime.NewMemoryDocs(nil)
		rs := services.NewReceiptService(docs, &recordingSender{err: errors.New("closed")}, utils.NewNopLogger())
		assert.NoError(t, rs.MarkRead(ctx, "r1", "m1", "b"))
	})

	t.Run("write failure still announces the receipt", func(t *testing.T) {
		sender := &recordingSender{}
		rs := services.NewReceiptService(failingDocs{}, sender, utils.NewNopLogger())
		err := rs.MarkRead(ctx, "r1", "m1", "b")
		assert.ErrorIs(t, err, errBackendDown)
		assert.Len(t, sender.byType(models.EventReadReceipt), 1)
	})

	t.Run("no sender", func(t *testing.T) {
		rs := services.NewReceiptService(realtime.NewMemoryDocs(nil), nil, utils.NewNopLogger())
		assert.NoError(t, rs.MarkRead(ctx, "r1", "m1", "b"))
	})
}

func TestSubscribeReceipts(t *testing.T) {
	ctx := context.Background()
	docs := realtime.NewMemoryDocs(nil)
	rs := services.NewReceiptService(docs, nil, utils.NewNopLogger())

	rec := &readersRecorder{}
	unsubscribe := rs.SubscribeReceipts(ctx, "r1", "m1", rec.record)

	require.NoError(t, rs.MarkRead(ctx, "r1", "m1", "c"))
	require.NoError(t, rs.MarkRead(ctx, "r1", "m1", "b"))
	require.NoError(t, rs.MarkRead(ctx, "r1", "other", "b"))
	unsubscribe()
	require.NoError(t, rs.MarkRead(ctx, "r1", "m1", "d"))

	assert.Equal(t, [][]string{{}, {"c"}, {"b", "c"}}, rec.all())

	t.Run("subscription failure reads as no receipts", func(t *testing.T) {
		rec := &readersRecorder{}
		unsubscribe := services.NewReceiptService(failingDocs{}, nil, utils.NewNopLogger()).SubscribeReceipts(ctx, "r1", "m1", rec.record)
		unsubscribe()
		assert.Equal(t, [][]string{{}}, rec.all())
	})
}

func TestReadBatcher(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	docs := realtime.NewMemoryDocs(mock)
	rs := services.NewReceiptService(docs, nil, utils.NewNopLogger())

	var flushed sync.Map
	batcher := services.NewReadBatcher(rs, mock, "a", 400*time.Millisecond, 3, func(roomID string) {
		flushed.Store(roomID, true)
	})
	defer batcher.Stop()

	messages := []models.LocalMessage{
		{ID: "m1", SenderID: "b"},
		{ID: "m2", SenderID: "a"},
		{ID: "m3", SenderID: "b"},
	}
	readersOf := func(id string) []string {
		readers, err := rs.Readers(ctx, "r1", id)
		require.NoError(t, err)
		return readers
	}

	batcher.Observe("r1", messages)
	mock.Add(399 * time.Millisecond)

	messages = append(messages, models.LocalMessage{ID: "m4", SenderID: "c"})
	batcher.Observe("r1", messages)
	mock.Add(399 * time.Millisecond)
	assert.Empty(t, readersOf("m3"))

	mock.Add(time.Millisecond)
	assert.Eventually(t, func() bool {
		_, ok := flushed.Load("r1")
		return ok
	}, time.Second, 5*time.Millisecond)

	assert.Empty(t, readersOf("m1"), "outside the batch window")
	assert.Empty(t, readersOf("m2"), "own message")
	assert.Equal(t, []string{"a"}, readersOf("m3"))
	assert.Equal(t, []string{"a"}, readersOf("m4"))
}

func TestReadBatcherCancel(t *testing.T) {
	mock := clock.NewMock()
	rs := services.NewReceiptService(realtime.NewMemoryDocs(mock), nil, utils.NewNopLogger())

	var mu sync.Mutex
	calls := 0
	batcher := services.NewReadBatcher(rs, mock, "a", 400*time.Millisecond, 50, func(string) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	batcher.Observe("r1", []models.LocalMessage{{ID: "m1", SenderID: "b"}})
	batcher.Cancel()
	mock.Add(time.Second)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}
