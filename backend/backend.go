package backend

import (
	"context"
	"fmt"
	"time"

	"chorus/chat-sync/config"
	"chorus/chat-sync/db"
	"chorus/chat-sync/realtime"
	"chorus/chat-sync/utils"
)

// Backend is the realtime storage a process runs on.
type Backend struct {
	KV   realtime.KV
	Docs realtime.DocStore

	close func()
}

// Options selects the process-specific parts of a backend.
type Options struct {
	// RunReaper starts the sweeper that fires disconnect hooks of lapsed
	// leases. Only the server runs it.
	RunReaper bool
}

// Open connects to the backend named by cfg.Backend.
func Open(ctx context.Context, cfg *config.Config, logger *utils.Logger, opts Options) (*Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return openMemory(), nil
	case config.BackendRedis:
		return openRedis(ctx, cfg, logger, opts)
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// Close releases the connection and everything opened for it.
func (b *Backend) Close() {
	if b.close != nil {
		b.close()
	}
}

func openRedis(ctx context.Context, cfg *config.Config, logger *utils.Logger, opts Options) (*Backend, error) {
	redisClient, err := db.NewRedisClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("Connected to Redis", "url", cfg.RedisURL)

	database, err := db.Connect(cfg)
	if err != nil {
		redisClient.Close()
		return nil, err
	}
	logger.Info("Connected to database")

	kv := realtime.NewRedisKV(redisClient, logger, cfg.SessionLeaseTTL)
	var reaper *realtime.Reaper
	if opts.RunReaper {
		reaper = realtime.NewReaper(kv, cfg.ReaperInterval, logger)
		reaper.Start()
	}

	conn := kv.Connect(ctx)
	docs := realtime.NewGormDocs(database, realtime.NewRedisNotifier(redisClient, logger), logger)

	return &Backend{
		KV:   conn,
		Docs: docs,
		close: func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := conn.Close(closeCtx); err != nil {
				logger.Warn("Failed to close realtime connection", "error", err)
			}
			if reaper != nil {
				reaper.Stop()
			}
			if sqlDB, err := database.DB(); err == nil {
				sqlDB.Close()
			}
			redisClient.Close()
		},
	}, nil
}

func openMemory() *Backend {
	conn := realtime.NewMemoryKV(nil).Connect()
	return &Backend{
		KV:   conn,
		Docs: realtime.NewMemoryDocs(nil),
		close: func() {
			conn.Close()
		},
	}
}
