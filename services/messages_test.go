package services_test

import (
	"context"
	"fmt"
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

func TestMessageFeed(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	mock.Set(baseTime)
	docs := realtime.NewMemoryDocs(mock)
	sender := &recordingSender{}
	feed := services.NewMessageFeed(docs, sender, utils.NewNopLogger())

	var window []models.LocalMessage
	unsubscribe := feed.Subscribe(ctx, "r1", 3, func(messages []models.LocalMessage) {
		window = messages
	})
	defer unsubscribe()
	assert.Empty(t, window)

	for i := 1; i <= 4; i++ {
		_, err := feed.Send(ctx, models.LocalMessage{
			ID:       fmt.Sprintf("m%d", i),
			RoomID:   "r1",
			SenderID: "a",
			Text:     fmt.Sprintf("hello %d", i),
		})
		require.NoError(t, err)
		mock.Add(time.Second)
	}

	require.Len(t, window, 3)
	assert.Equal(t, "m2", window[0].ID, "oldest of the newest three first")
	assert.Equal(t, "m4", window[2].ID)
	assert.Equal(t, "hello 4", window[2].Text)
	assert.True(t, baseTime.Add(3*time.Second).Equal(window[2].Timestamp))

	events := sender.byType(models.EventChatMessage)
	require.Len(t, events, 4)
	assert.Equal(t, "m1", events[0].MessageID)
	assert.Equal(t, "hello 1", events[0].Message)

	last, err := feed.LastMessage(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "m4", last.ID)

	empty, err := feed.LastMessage(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestMessageFeedValidation(t *testing.T) {
	feed := services.NewMessageFeed(realtime.NewMemoryDocs(nil), nil, utils.NewNopLogger())
	_, err := feed.Send(context.Background(), models.LocalMessage{RoomID: "r1", SenderID: "a"})
	assert.Error(t, err)

	msg, err := feed.Send(context.Background(), models.LocalMessage{RoomID: "r1", SenderID: "a", Text: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
}

func TestMessageFeedStoreFailure(t *testing.T) {
	sender := &recordingSender{}
	feed := services.NewMessageFeed(failingDocs{}, sender, utils.NewNopLogger())
	_, err := feed.Send(context.Background(), models.LocalMessage{RoomID: "r1", SenderID: "a", Text: "hi"})
	assert.ErrorIs(t, err, errBackendDown)
	assert.Empty(t, sender.byType(models.EventChatMessage), "nothing announced for an unsaved message")

	var got []models.LocalMessage
	unsubscribe := feed.Subscribe(context.Background(), "r1", 10, func(messages []models.LocalMessage) { got = messages })
	unsubscribe()
	assert.NotNil(t, got)
	assert.Empty(t, got)
}
