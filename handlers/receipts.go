package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"chorus/chat-sync/middleware"
	"chorus/chat-sync/models"
	"chorus/chat-sync/services"
	"chorus/chat-sync/utils"
)

// RoomMembership answers whether a user belongs to a room.
type RoomMembership interface {
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
}

type ReceiptHandler struct {
	receipts *services.ReceiptService
	rooms    RoomMembership
	logger   *utils.Logger
}

func NewReceiptHandler(receipts *services.ReceiptService, rooms RoomMembership, logger *utils.Logger) *ReceiptHandler {
	return &ReceiptHandler{
		receipts: receipts,
		rooms:    rooms,
		logger:   logger,
	}
}

// authorize aborts the request unless the caller is a member of the room.
func (h *ReceiptHandler) authorize(c *gin.Context, roomID string) (string, bool) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return "", false
	}
	member, err := h.rooms.IsMember(c.Request.Context(), roomID, userID)
	if err != nil {
		h.logger.Error("Failed to check room membership", "room_id", roomID, "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check room membership"})
		return "", false
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a member of this room"})
		return "", false
	}
	return userID, true
}

// GetReceipts handles GET /api/v1/rooms/:room_id/messages/:message_id/receipts
func (h *ReceiptHandler) GetReceipts(c *gin.Context) {
	roomID := c.Param("room_id")
	messageID := c.Param("message_id")
	if _, ok := h.authorize(c, roomID); !ok {
		return
	}

	readers, err := h.receipts.Readers(c.Request.Context(), roomID, messageID)
	if err != nil {
		h.logger.Error("Failed to fetch receipts", "room_id", roomID, "message_id", messageID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch receipts"})
		return
	}

	c.JSON(http.StatusOK, models.ReceiptsResponse{
		RoomID:    roomID,
		MessageID: messageID,
		Readers:   readers,
	})
}

// MarkRead handles POST /api/v1/rooms/:room_id/messages/:message_id/read
func (h *ReceiptHandler) MarkRead(c *gin.Context) {
	roomID := c.Param("room_id")
	messageID := c.Param("message_id")
	userID, ok := h.authorize(c, roomID)
	if !ok {
		return
	}

	if err := h.receipts.MarkRead(c.Request.Context(), roomID, messageID, userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to mark message read"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "Message marked read",
	})
}
