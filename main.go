package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"chorus/chat-sync/backend"
	"chorus/chat-sync/config"
	"chorus/chat-sync/handlers"
	"chorus/chat-sync/middleware"
	"chorus/chat-sync/services"
	"chorus/chat-sync/socket"
	"chorus/chat-sync/utils"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig()

	// Initialize logger
	logger := utils.NewLogger(cfg.LogLevel)

	be, err := backend.Open(context.Background(), cfg, logger, backend.Options{RunReaper: true})
	if err != nil {
		logger.Fatal("Failed to open realtime backend", "backend", cfg.Backend, "error", err)
	}

	// Initialize services
	hub := socket.NewHub(logger)
	rooms := services.NewRoomDirectory(be.Docs)
	presence := services.NewPresenceService(be.KV, logger)
	receipts := services.NewReceiptService(be.Docs, hub, logger)

	// Initialize handlers
	socketHandler := socket.NewHandler(hub, rooms, presence, cfg.AllowedOrigins, logger)
	presenceHandler := handlers.NewPresenceHandler(presence, logger)
	receiptHandler := handlers.NewReceiptHandler(receipts, rooms, logger)

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	router.GET("/health", handlers.HealthCheck(cfg.Backend))

	// WebSocket endpoint with JWT authentication
	router.GET("/ws/chat/:room_id", middleware.JWTAuth(cfg.JWTSecret), socketHandler.ServeChat)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.JWTAuth(cfg.JWTSecret))
	{
		v1.GET("/presence", presenceHandler.GetStatuses)
		v1.GET("/presence/:user_id", presenceHandler.GetStatus)

		messages := v1.Group("/rooms/:room_id/messages/:message_id")
		{
			messages.GET("/receipts", receiptHandler.GetReceipts)
			messages.POST("/read", receiptHandler.MarkRead)
		}
	}

	// WriteTimeout stays unset: hijacked websocket connections outlive it.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Starting chat sync service", "port", cfg.Port, "backend", cfg.Backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	be.Close()

	logger.Info("Server exited")
}
