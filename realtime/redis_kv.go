package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chorus/chat-sync/utils"
)

const (
	nodeKeyPrefix       = "rt:node:"
	notifyChannelPrefix = "rt:notify:"
	hooksKeyPrefix      = "rt:hooks:"
	leasesKey           = "rt:leases"
)

func nodeKey(node string) string       { return nodeKeyPrefix + node }
func notifyChannel(node string) string { return notifyChannelPrefix + node }
func hooksKey(connID string) string    { return hooksKeyPrefix + connID }

// serverTimeScript stamps a field with the Redis server clock and announces
// the change in the same round trip.
var serverTimeScript = redis.NewScript(`
local t = redis.call('TIME')
local ms = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
redis.call('HSET', KEYS[1], ARGV[1], string.format('%d', ms))
redis.call('PUBLISH', KEYS[2], ARGV[1])
return ms
`)

// renewLeaseScript extends a lease only if it still exists, so a lease the
// reaper has already claimed is never silently revived.
var renewLeaseScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
  return 1
end
return 0
`)

// claimHooksScript reads and deletes a hook set in one step, so hooks
// registered after the claim are never dropped unrun.
var claimHooksScript = redis.NewScript(`
local hooks = redis.call('HGETALL', KEYS[1])
redis.call('DEL', KEYS[1])
return hooks
`)

// RedisKV is the Redis-backed key-value backend. Nodes are hashes, changes
// are announced on a per-node pub/sub channel, and every connection holds a
// lease that the Reaper turns into disconnect-hook execution once it lapses.
type RedisKV struct {
	redis    *redis.Client
	logger   *utils.Logger
	clock    clock.Clock
	leaseTTL time.Duration
}

func NewRedisKV(redisClient *redis.Client, logger *utils.Logger, leaseTTL time.Duration) *RedisKV {
	return &RedisKV{
		redis:    redisClient,
		logger:   logger,
		clock:    clock.New(),
		leaseTTL: leaseTTL,
	}
}

// SetClock replaces the clock used for lease deadlines.
func (kv *RedisKV) SetClock(clk clock.Clock) {
	kv.clock = clk
}

// Connect opens a connection and starts its heartbeat. The connection
// reports connected once its first lease has been written.
func (kv *RedisKV) Connect(ctx context.Context) *RedisConn {
	hbCtx, cancel := context.WithCancel(context.Background())
	conn := &RedisConn{
		kv:       kv,
		watchers: make(map[uint64]func(bool)),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	conn.beat(ctx)
	go conn.heartbeat(hbCtx)
	return conn
}

func (kv *RedisKV) get(ctx context.Context, node string) (Snapshot, error) {
	fields, err := kv.redis.HGetAll(ctx, nodeKey(node)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read node %s: %w", node, err)
	}
	return Snapshot(fields), nil
}

func (kv *RedisKV) apply(ctx context.Context, op DisconnectOp) error {
	switch op.Kind {
	case OpServerTime:
		err := serverTimeScript.Run(ctx, kv.redis, []string{nodeKey(op.Node), notifyChannel(op.Node)}, op.Field).Err()
		if err != nil {
			return fmt.Errorf("failed to stamp %s/%s: %w", op.Node, op.Field, err)
		}
		return nil
	case OpSet, OpRemove:
		pipe := kv.redis.TxPipeline()
		if op.Kind == OpSet {
			pipe.HSet(ctx, nodeKey(op.Node), op.Field, op.Value)
		} else {
			pipe.HDel(ctx, nodeKey(op.Node), op.Field)
		}
		pipe.Publish(ctx, notifyChannel(op.Node), op.Field)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to %s %s/%s: %w", op.Kind, op.Node, op.Field, err)
		}
		return nil
	}
	return fmt.Errorf("unknown op kind %q", op.Kind)
}

// runHooks claims and executes every hook registered by connID.
func (kv *RedisKV) runHooks(ctx context.Context, connID string) (int, error) {
	raw, err := claimHooksScript.Run(ctx, kv.redis, []string{hooksKey(connID)}).StringSlice()
	if err != nil {
		return 0, fmt.Errorf("failed to claim hooks: %w", err)
	}

	ran := 0
	for i := 0; i+1 < len(raw); i += 2 {
		hookID, payload := raw[i], raw[i+1]
		var op DisconnectOp
		if err := json.Unmarshal([]byte(payload), &op); err != nil {
			kv.logger.Error("Invalid disconnect hook", "conn_id", connID, "hook_id", hookID, "error", err)
			continue
		}
		if err := kv.apply(ctx, op); err != nil {
			kv.logger.Error("Failed to run disconnect hook", "conn_id", connID, "hook_id", hookID, "error", err)
			continue
		}
		ran++
	}
	return ran, nil
}

func (kv *RedisKV) deadline() float64 {
	return float64(kv.clock.Now().Add(kv.leaseTTL).UnixMilli())
}

// RedisConn is one client connection to a RedisKV. Every lease it
// acquires gets a fresh id, so hooks of a lease the reaper claimed can
// never mix with hooks registered after the connection came back.
type RedisConn struct {
	kv *RedisKV

	mu        sync.Mutex
	id        string
	connected bool
	leased    bool
	closed    bool
	nextID    uint64
	watchers  map[uint64]func(bool)

	cancel context.CancelFunc
	done   chan struct{}
}

var _ KV = (*RedisConn)(nil)

// ID is the id of the current lease, under which hooks are registered.
func (c *RedisConn) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *RedisConn) heartbeat(ctx context.Context) {
	defer close(c.done)

	interval := c.kv.leaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := c.kv.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.beat(ctx)
		}
	}
}

func (c *RedisConn) beat(ctx context.Context) {
	c.mu.Lock()
	leased := c.leased
	id := c.id
	c.mu.Unlock()

	if leased {
		renewed, err := renewLeaseScript.Run(ctx, c.kv.redis, []string{leasesKey}, id, c.kv.deadline()).Int()
		if err != nil {
			c.kv.logger.Warn("Lease renewal failed", "conn_id", id, "error", err)
			c.setConnected(false)
			return
		}
		if renewed == 1 {
			c.setConnected(true)
			return
		}
		// The reaper claimed the lease and runs, or already ran, its hooks.
		c.kv.logger.Warn("Lease lost, reconnecting", "conn_id", id)
		c.setConnected(false)
	}

	// A lapsed lease may still be swept later; the new one must not share
	// its hook set.
	next := uuid.NewString()
	err := c.kv.redis.ZAdd(ctx, leasesKey, redis.Z{Score: c.kv.deadline(), Member: next}).Err()
	if err != nil {
		c.kv.logger.Warn("Lease acquisition failed", "conn_id", next, "error", err)
		c.setConnected(false)
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.kv.redis.ZRem(ctx, leasesKey, next)
		return
	}
	c.id = next
	c.leased = true
	c.mu.Unlock()
	c.setConnected(true)
}

func (c *RedisConn) setConnected(connected bool) {
	c.mu.Lock()
	if c.closed || c.connected == connected {
		c.mu.Unlock()
		return
	}
	c.connected = connected
	if !connected {
		c.leased = false
	}
	fns := make([]func(bool), 0, len(c.watchers))
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(connected)
	}
}

func (c *RedisConn) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.connected {
		return ErrNotConnected
	}
	return nil
}

func (c *RedisConn) Get(ctx context.Context, node string) (Snapshot, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.kv.get(ctx, node)
}

func (c *RedisConn) Set(ctx context.Context, node, field, value string) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.kv.apply(ctx, DisconnectOp{Kind: OpSet, Node: node, Field: field, Value: value})
}

func (c *RedisConn) SetServerTime(ctx context.Context, node, field string) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.kv.apply(ctx, DisconnectOp{Kind: OpServerTime, Node: node, Field: field})
}

func (c *RedisConn) Remove(ctx context.Context, node, field string) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.kv.apply(ctx, DisconnectOp{Kind: OpRemove, Node: node, Field: field})
}

func (c *RedisConn) Watch(ctx context.Context, node string, fn func(Snapshot)) (func(), error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	// Subscribe before the first read so no change can slip in between.
	pubsub := c.kv.redis.Subscribe(ctx, notifyChannel(node))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", node, err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	ch := pubsub.Channel()

	go func() {
		deliver := func() {
			snap, err := c.kv.get(watchCtx, node)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					c.kv.logger.Warn("Watch read failed", "node", node, "error", err)
				}
				return
			}
			if watchCtx.Err() != nil {
				return
			}
			fn(snap)
		}

		deliver()
		for {
			select {
			case <-watchCtx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				deliver()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			pubsub.Close()
		})
	}, nil
}

func (c *RedisConn) WatchConnection(fn func(connected bool)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.watchers[id] = fn
	connected := c.connected
	c.mu.Unlock()

	fn(connected)

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.watchers, id)
	}
}

func (c *RedisConn) OnDisconnect(ctx context.Context, op DisconnectOp) (DisconnectHook, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal disconnect op: %w", err)
	}
	connID := c.ID()
	hookID := uuid.NewString()
	if err := c.kv.redis.HSet(ctx, hooksKey(connID), hookID, payload).Err(); err != nil {
		return nil, fmt.Errorf("failed to register disconnect hook: %w", err)
	}
	return &redisHook{kv: c.kv, connID: connID, id: hookID}, nil
}

// Close stops the heartbeat, releases the lease and runs the pending hooks.
func (c *RedisConn) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.setConnected(false)
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	<-c.done

	// Claim our own lease so the reaper does not run the hooks a second time.
	id := c.ID()
	claimed, err := c.kv.redis.ZRem(ctx, leasesKey, id).Result()
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	if claimed == 0 {
		return nil
	}
	_, err = c.kv.runHooks(ctx, id)
	return err
}

type redisHook struct {
	kv     *RedisKV
	connID string
	id     string
}

func (h *redisHook) Cancel(ctx context.Context) error {
	if err := h.kv.redis.HDel(ctx, hooksKey(h.connID), h.id).Err(); err != nil {
		return fmt.Errorf("failed to cancel disconnect hook: %w", err)
	}
	return nil
}

// leaseScore formats a deadline for ZRANGEBYSCORE.
func leaseScore(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
