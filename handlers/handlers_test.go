package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chorus/chat-sync/handlers"
	"chorus/chat-sync/middleware"
	"chorus/chat-sync/models"
	"chorus/chat-sync/realtime"
	"chorus/chat-sync/services"
	"chorus/chat-sync/utils"
)

type testEnv struct {
	router *gin.Engine
	kv     *realtime.MemoryKV
	docs   *realtime.MemoryDocs
	clock  *clock.Mock
}

// newTestEnv wires the handlers over the memory backends. The stub auth
// takes the caller id from the X-User header.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1700000000000))
	logger := utils.NewNopLogger()

	kv := realtime.NewMemoryKV(mock)
	docs := realtime.NewMemoryDocs(mock)
	rooms := services.NewRoomDirectory(docs)
	require.NoError(t, rooms.Save(context.Background(), models.Room{ID: "r1", Type: models.RoomDirect, MemberIDs: []string{"a", "b"}}))

	presenceHandler := handlers.NewPresenceHandler(services.NewPresenceService(kv.Connect(), logger), logger)
	receiptHandler := handlers.NewReceiptHandler(services.NewReceiptService(docs, nil, logger), rooms, logger)

	router := gin.New()
	router.GET("/health", handlers.HealthCheck("memory"))
	v1 := router.Group("/api/v1")
	v1.Use(func(c *gin.Context) {
		if user := c.GetHeader("X-User"); user != "" {
			c.Set(middleware.UserIDKey, user)
		}
		c.Next()
	})
	v1.GET("/presence", presenceHandler.GetStatuses)
	v1.GET("/presence/:user_id", presenceHandler.GetStatus)
	v1.GET("/rooms/:room_id/messages/:message_id/receipts", receiptHandler.GetReceipts)
	v1.POST("/rooms/:room_id/messages/:message_id/read", receiptHandler.MarkRead)

	return &testEnv{router: router, kv: kv, docs: docs, clock: mock}
}

func (e *testEnv) do(method, path, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if user != "" {
		req.Header.Set("X-User", user)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, w.Code)
	var resp handlers.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "memory", resp.Backend)
}

func TestPresenceHandlers(t *testing.T) {
	env := newTestEnv(t)
	stop, err := services.NewPresenceService(env.kv.Connect(), utils.NewNopLogger()).StartSession(context.Background(), "a")
	require.NoError(t, err)

	t.Run("single status", func(t *testing.T) {
		w := env.do(http.MethodGet, "/api/v1/presence/a", "a")
		require.Equal(t, http.StatusOK, w.Code)

		var resp models.StatusResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "a", resp.UserID)
		assert.True(t, resp.IsOnline)
		assert.Equal(t, 1, resp.Sessions)
	})

	t.Run("batch", func(t *testing.T) {
		stop()
		w := env.do(http.MethodGet, "/api/v1/presence?user_ids=a,%20b,,a", "a")
		require.Equal(t, http.StatusOK, w.Code)

		var resp models.PresenceMapResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Count)
		assert.False(t, resp.Statuses["a"].IsOnline)
		require.NotNil(t, resp.Statuses["a"].LastSeen)
		assert.False(t, resp.Statuses["b"].IsOnline)
		assert.Nil(t, resp.Statuses["b"].LastSeen)
	})

	t.Run("batch needs ids", func(t *testing.T) {
		w := env.do(http.MethodGet, "/api/v1/presence?user_ids=,", "a")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.JSONEq(t, `{"error":"user_ids parameter is required"}`, w.Body.String())
	})
}

func TestReceiptHandlers(t *testing.T) {
	env := newTestEnv(t)
	const base = "/api/v1/rooms/r1/messages/m1"

	w := env.do(http.MethodPost, base+"/read", "b")
	require.Equal(t, http.StatusOK, w.Code)
	// marking twice converges on one receipt
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, base+"/read", "b").Code)

	w = env.do(http.MethodGet, base+"/receipts", "a")
	require.Equal(t, http.StatusOK, w.Code)
	var resp models.ReceiptsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"b"}, resp.Readers)
	assert.Equal(t, "m1", resp.MessageID)

	t.Run("outsiders are rejected", func(t *testing.T) {
		assert.Equal(t, http.StatusForbidden, env.do(http.MethodGet, base+"/receipts", "c").Code)
		assert.Equal(t, http.StatusForbidden, env.do(http.MethodPost, base+"/read", "c").Code)
		assert.Equal(t, http.StatusForbidden, env.do(http.MethodGet, "/api/v1/rooms/nope/messages/m1/receipts", "a").Code)
	})

	t.Run("anonymous callers are rejected", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodPost, base+"/read", "").Code)
	})
}

type mockMembership struct {
	mock.Mock
}

func (m *mockMembership) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	args := m.Called(ctx, roomID, userID)
	return args.Bool(0), args.Error(1)
}

func TestReceiptHandlersMembershipFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := utils.NewNopLogger()
	rooms := new(mockMembership)
	rooms.On("IsMember", mock.Anything, "r1", "a").Return(false, errors.New("backend down")).Once()

	handler := handlers.NewReceiptHandler(services.NewReceiptService(realtime.NewMemoryDocs(nil), nil, logger), rooms, logger)
	router := gin.New()
	router.POST("/rooms/:room_id/messages/:message_id/read", func(c *gin.Context) {
		c.Set(middleware.UserIDKey, "a")
		c.Next()
	}, handler.MarkRead)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/rooms/r1/messages/m1/read", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"Failed to check room membership"}`, w.Body.String())
	rooms.AssertExpectations(t)
}
