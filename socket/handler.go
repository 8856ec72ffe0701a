package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chorus/chat-sync/middleware"
	"chorus/chat-sync/models"
	"chorus/chat-sync/utils"
)

var (
	ErrNotConnected = errors.New("socket is not connected")
	ErrMissingRoom  = errors.New("socket event has no room")
)

// RoomMembership answers whether a user may join a room's channel.
type RoomMembership interface {
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
}

// PresenceTracker marks a user online for as long as a session is open.
type PresenceTracker interface {
	StartSession(ctx context.Context, userID string) (func(), error)
}

type Handler struct {
	hub      *Hub
	rooms    RoomMembership
	presence PresenceTracker
	upgrader websocket.Upgrader
	logger   *utils.Logger
}

// NewHandler wires the chat endpoint. presence may be nil, in which case
// sockets do not count towards online status.
func NewHandler(hub *Hub, rooms RoomMembership, presence PresenceTracker, allowedOrigins []string, logger *utils.Logger) *Handler {
	return &Handler{
		hub:      hub,
		rooms:    rooms,
		presence: presence,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     makeCheckOrigin(allowedOrigins),
		},
		logger: logger,
	}
}

// makeCheckOrigin accepts any origin when the allow-list is empty, and
// requests without an Origin header (non-browser clients).
func makeCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if o := strings.TrimSpace(strings.ToLower(origin)); o != "" {
			allowed[strings.TrimSuffix(o, "/")] = struct{}{}
		}
	}
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" {
			return true
		}
		if _, ok := allowed[origin]; ok {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		_, ok := allowed[fmt.Sprintf("%s://%s", u.Scheme, u.Host)]
		return ok
	}
}

// ServeChat handles GET /ws/chat/:room_id. The auth middleware must have
// stored the caller's id under middleware.UserIDKey. Every accepted socket
// holds a presence session until it closes.
func (h *Handler) ServeChat(c *gin.Context) {
	roomID := c.Param("room_id")
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	member, err := h.rooms.IsMember(c.Request.Context(), roomID, userID)
	if err != nil {
		h.logger.Error("Failed to check room membership", "room_id", roomID, "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check room membership"})
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a member of this room"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "room_id", roomID, "error", err)
		return
	}

	userName := c.GetString(middleware.UserNameKey)
	if userName == "" {
		userName = userID
	}
	peer := newPeer(conn, userID, userName)
	h.hub.Register(roomID, peer)
	h.logger.Info("Socket joined room", "room_id", roomID, "user_id", userID)

	endPresence := func() {}
	if h.presence != nil {
		stop, err := h.presence.StartSession(c.Request.Context(), userID)
		if err != nil {
			h.logger.Warn("Failed to start presence session", "user_id", userID, "error", err)
		} else {
			endPresence = stop
		}
	}

	defer func() {
		endPresence()
		h.hub.Unregister(roomID, peer)
		_ = conn.Close()
		h.logger.Info("Socket left room", "room_id", roomID, "user_id", userID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("Socket read failed", "room_id", roomID, "user_id", userID, "error", err)
			}
			return
		}
		h.dispatch(roomID, peer, data)
	}
}

func (h *Handler) dispatch(roomID string, peer *Peer, data []byte) {
	var in models.SocketEvent
	if err := json.Unmarshal(data, &in); err != nil {
		if err := peer.WriteEvent(models.SocketEvent{Error: "Invalid JSON"}); err != nil {
			h.logger.Warn("Failed to answer malformed frame", "user_id", peer.UserID, "error", err)
		}
		return
	}
	if in.Type == "" {
		in.Type = models.EventChatMessage
	}

	switch in.Type {
	case models.EventChatMessage:
		h.hub.Broadcast(roomID, models.SocketEvent{
			Type:       models.EventChatMessage,
			RoomID:     roomID,
			Message:    in.Message,
			MessageID:  in.MessageID,
			SenderID:   peer.UserID,
			SenderName: peer.UserName,
			Timestamp:  in.Timestamp,
		}, nil)
	case models.EventTyping, models.EventTypingIndicator:
		h.hub.Broadcast(roomID, models.SocketEvent{
			Type:     models.EventTypingIndicator,
			RoomID:   roomID,
			IsTyping: in.IsTyping,
			UserID:   peer.UserID,
			UserName: peer.UserName,
		}, peer)
	case models.EventReadReceipt:
		h.hub.Broadcast(roomID, models.SocketEvent{
			Type:      models.EventReadReceipt,
			RoomID:    roomID,
			MessageID: in.MessageID,
			UserID:    peer.UserID,
			UserName:  peer.UserName,
		}, nil)
	default:
		h.logger.Debug("Ignoring socket event", "type", in.Type, "user_id", peer.UserID)
	}
}
