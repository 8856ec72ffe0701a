package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chorus/chat-sync/models"
	"chorus/chat-sync/services"
	"chorus/chat-sync/utils"
)

// maxPresenceLookup bounds the user_ids of one batch request.
const maxPresenceLookup = 100

type PresenceHandler struct {
	service *services.PresenceService
	logger  *utils.Logger
}

func NewPresenceHandler(service *services.PresenceService, logger *utils.Logger) *PresenceHandler {
	return &PresenceHandler{
		service: service,
		logger:  logger,
	}
}

// GetStatus handles GET /api/v1/presence/:user_id
func (ph *PresenceHandler) GetStatus(c *gin.Context) {
	userID := c.Param("user_id")

	records, err := ph.service.Lookup(c.Request.Context(), []string{userID})
	if err != nil {
		ph.logger.Error("Failed to get presence", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get presence"})
		return
	}

	rec := records[userID]
	c.JSON(http.StatusOK, models.StatusResponse{
		UserID:   userID,
		IsOnline: rec.IsOnline(),
		LastSeen: rec.LastSeen,
		Sessions: len(rec.Sessions),
	})
}

// GetStatuses handles GET /api/v1/presence?user_ids=a,b
func (ph *PresenceHandler) GetStatuses(c *gin.Context) {
	var ids []string
	for _, id := range strings.Split(c.Query("user_ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_ids parameter is required"})
		return
	}
	if len(ids) > maxPresenceLookup {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many user_ids"})
		return
	}

	records, err := ph.service.Lookup(c.Request.Context(), ids)
	if err != nil {
		ph.logger.Error("Failed to get presence", "count", len(ids), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get presence"})
		return
	}

	statuses := make(map[string]models.PresenceStatus, len(records))
	for id, rec := range records {
		statuses[id] = rec.Status()
	}
	c.JSON(http.StatusOK, models.PresenceMapResponse{
		Count:    len(statuses),
		Statuses: statuses,
	})
}
