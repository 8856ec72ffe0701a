package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"

	"chorus/chat-sync/utils"
)

// Reaper runs the disconnect hooks of connections whose lease has lapsed.
// This is what makes hooks fire even when the client process died without
// closing its connection.
type Reaper struct {
	kv       *RedisKV
	logger   *utils.Logger
	clock    clock.Clock
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewReaper(kv *RedisKV, interval time.Duration, logger *utils.Logger) *Reaper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reaper{
		kv:       kv,
		logger:   logger,
		clock:    kv.clock,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins periodic sweeping.
func (r *Reaper) Start() {
	r.logger.Info("Starting disconnect reaper", "interval", r.interval.String())

	r.wg.Add(1)
	go r.periodicSweep()
}

// Stop halts sweeping and waits for an in-flight sweep to finish.
func (r *Reaper) Stop() {
	r.cancel()
	r.wg.Wait()
	r.logger.Info("Disconnect reaper stopped")
}

func (r *Reaper) periodicSweep() {
	defer r.wg.Done()

	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(r.ctx); err != nil {
				r.logger.Error("Reaper sweep failed", "error", err)
			}
		}
	}
}

// Sweep claims every expired lease and runs its hooks. It returns the number
// of connections reaped. Claiming is a ZREM, so concurrent reapers never run
// the same hooks twice.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	expired, err := r.kv.redis.ZRangeByScore(ctx, leasesKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: leaseScore(r.clock.Now()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list expired leases: %w", err)
	}

	reaped := 0
	for _, connID := range expired {
		claimed, err := r.kv.redis.ZRem(ctx, leasesKey, connID).Result()
		if err != nil {
			r.logger.Error("Failed to claim lease", "conn_id", connID, "error", err)
			continue
		}
		if claimed == 0 {
			continue
		}

		ran, err := r.kv.runHooks(ctx, connID)
		if err != nil {
			r.logger.Error("Failed to run hooks for expired connection", "conn_id", connID, "error", err)
		}
		r.logger.Info("Reaped connection", "conn_id", connID, "hooks", ran)
		reaped++
	}
	return reaped, nil
}
