package services_test

import (
	"context"
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

func typingValues(events []models.SocketEvent) []bool {
	out := make([]bool, 0, len(events))
	for _, evt := range events {
		out = append(out, evt.IsTyping)
	}
	return out
}

func newCoordinator(mock *clock.Mock, sender *recordingSender, store *services.TypingStore) *services.TypingCoordinator {
	who := services.TypingParticipant{RoomID: "r1", UserID: "a", UserName: "Ann"}
	return services.NewTypingCoordinator(who, sender, store, mock, time.Second, utils.NewNopLogger())
}

func TestTypingDebounce(t *testing.T) {
	mock := clock.NewMock()
	sender := &recordingSender{}
	tc := newCoordinator(mock, sender, nil)

	for i := 0; i < 50; i++ {
		tc.Keystroke()
		mock.Add(200 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	// 10s of input with the default 2.5s refresh: starts at 0, 2.6s, 5.2s, 7.8s.
	started := typingValues(sender.byType(models.EventTyping))
	assert.Equal(t, []bool{true, true, true, true}, started, "continuous input never stops typing")
	assert.True(t, tc.IsTyping())

	mock.Add(800 * time.Millisecond)
	assert.Eventually(t, func() bool {
		return len(sender.byType(models.EventTyping)) == len(started)+1
	}, time.Second, 5*time.Millisecond)

	mock.Add(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	events := sender.byType(models.EventTyping)
	require.Len(t, events, len(started)+1, "exactly one stop")
	last := events[len(events)-1]
	assert.False(t, last.IsTyping)
	assert.Equal(t, "r1", last.RoomID)
	assert.Equal(t, "a", last.UserID)
	assert.False(t, tc.IsTyping())
}

func TestTypingRefreshOutlivesReceiverTTL(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	mock.Set(baseTime)
	store := services.NewTypingStore(realtime.NewMemoryDocs(mock), utils.NewNopLogger())

	fromStore := services.NewRemoteTyping("b", 5*time.Second)
	unsubscribe := store.Subscribe(ctx, "r1", func(signals []models.TypingSignal) {
		fromStore.Replace(signals, mock.Now())
	})
	defer unsubscribe()

	sender := &recordingSender{}
	tc := newCoordinator(mock, sender, store)
	tc.SetRefreshInterval(2500 * time.Millisecond)

	fromSocket := services.NewRemoteTyping("b", 5*time.Second)
	replayed := 0
	for elapsed := time.Duration(0); elapsed < 7*time.Second; elapsed += 200 * time.Millisecond {
		tc.Keystroke()
		mock.Add(200 * time.Millisecond)
		now := mock.Now()

		events := sender.byType(models.EventTyping)
		for _, evt := range events[replayed:] {
			fromSocket.Apply(models.TypingSignal{UserID: evt.UserID, UserName: evt.UserName, IsTyping: evt.IsTyping}, now)
		}
		replayed = len(events)

		require.Equal(t, "Ann is typing...", services.TypingLabel(fromStore.Active(now)), "store label after %s", elapsed)
		require.Equal(t, "Ann is typing...", services.TypingLabel(fromSocket.Active(now)), "socket label after %s", elapsed)
	}
	assert.Greater(t, replayed, 2, "typing=true repeated during input")
	tc.Stop()
	assert.Empty(t, fromStore.Active(mock.Now()))

	t.Run("zero interval sends once", func(t *testing.T) {
		once := &recordingSender{}
		quiet := newCoordinator(mock, once, nil)
		quiet.SetRefreshInterval(0)
		for i := 0; i < 20; i++ {
			quiet.Keystroke()
			mock.Add(500 * time.Millisecond)
		}
		assert.Equal(t, []bool{true}, typingValues(once.byType(models.EventTyping)))
		quiet.Close()
	})
}

func TestTypingStopOnSend(t *testing.T) {
	mock := clock.NewMock()
	sender := &recordingSender{}
	tc := newCoordinator(mock, sender, nil)

	tc.Stop()
	assert.Empty(t, sender.byType(models.EventTyping), "stop while idle sends nothing")

	tc.Keystroke()
	tc.Stop()
	mock.Add(2 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []bool{true, false}, typingValues(sender.byType(models.EventTyping)))

	tc.Close()
	tc.Keystroke()
	assert.Len(t, sender.byType(models.EventTyping), 2, "closed coordinator ignores input")
}

func TestTypingStore(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	mock.Set(baseTime)
	docs := realtime.NewMemoryDocs(mock)
	store := services.NewTypingStore(docs, utils.NewNopLogger())

	var seen [][]models.TypingSignal
	unsubscribe := store.Subscribe(ctx, "r1", func(signals []models.TypingSignal) {
		seen = append(seen, signals)
	})
	defer unsubscribe()

	tc := newCoordinator(mock, &recordingSender{}, store)
	tc.Keystroke()

	require.Len(t, seen, 2)
	require.Len(t, seen[1], 1)
	assert.Equal(t, "a", seen[1][0].UserID)
	assert.Equal(t, "Ann", seen[1][0].UserName)
	assert.True(t, seen[1][0].IsTyping)
	assert.True(t, baseTime.Equal(seen[1][0].Timestamp))

	tc.Stop()
	require.Len(t, seen, 3)
	assert.Empty(t, seen[2], "marker deleted when typing stops")
}

func TestRemoteTyping(t *testing.T) {
	rt := services.NewRemoteTyping("a", 5*time.Second)
	now := baseTime

	rt.Apply(models.TypingSignal{UserID: "a", IsTyping: true}, now)
	assert.Empty(t, rt.Active(now), "own signal ignored")

	rt.Apply(models.TypingSignal{UserID: "b", UserName: "Bob", IsTyping: true}, now)
	rt.Apply(models.TypingSignal{UserID: "c", UserName: "Cy", IsTyping: true}, now.Add(3*time.Second))
	assert.Equal(t, "Bob and Cy are typing...", services.TypingLabel(rt.Active(now.Add(4*time.Second))))

	t.Run("stale signals expire", func(t *testing.T) {
		active := rt.Active(now.Add(6 * time.Second))
		require.Len(t, active, 1)
		assert.Equal(t, "c", active[0].UserID)
		assert.Equal(t, "Cy is typing...", services.TypingLabel(active))
	})

	t.Run("explicit stop removes", func(t *testing.T) {
		rt.Apply(models.TypingSignal{UserID: "c", IsTyping: false}, now.Add(6*time.Second))
		assert.Empty(t, rt.Active(now.Add(6*time.Second)))
		assert.Equal(t, "", services.TypingLabel(nil))
	})

	t.Run("replace swaps the whole set", func(t *testing.T) {
		rt.Apply(models.TypingSignal{UserID: "b", IsTyping: true}, now)
		rt.Replace([]models.TypingSignal{
			{UserID: "d", IsTyping: true, Timestamp: now},
			{UserID: "e", IsTyping: true, Timestamp: now},
			{UserID: "f", IsTyping: true, Timestamp: now},
		}, now)
		active := rt.Active(now)
		assert.Len(t, active, 3)
		assert.Equal(t, "3 people are typing...", services.TypingLabel(active))

		rt.Clear()
		assert.Empty(t, rt.Active(now))
	})
}
