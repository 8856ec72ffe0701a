package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type HealthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Backend   string    `json:"backend"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheck reports liveness and the configured realtime backend.
func HealthCheck(backend string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Status:    "healthy",
			Service:   "chat-sync",
			Backend:   backend,
			Timestamp: time.Now(),
		})
	}
}
