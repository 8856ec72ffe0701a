package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"chorus/chat-sync/utils"
)

const docChannelPrefix = "rt:docs:"

// Notifier carries "topic changed" signals between writers and subscribers
// of the document backend.
type Notifier interface {
	Publish(ctx context.Context, topic string) error
	Subscribe(ctx context.Context, topic string, fn func()) (func(), error)
}

// LocalNotifier delivers signals within one process.
type LocalNotifier struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]func()
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[string]map[uint64]func())}
}

func (n *LocalNotifier) Publish(ctx context.Context, topic string) error {
	n.mu.Lock()
	fns := make([]func(), 0, len(n.subs[topic]))
	for _, fn := range n.subs[topic] {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return nil
}

func (n *LocalNotifier) Subscribe(ctx context.Context, topic string, fn func()) (func(), error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	id := n.nextID
	if n.subs[topic] == nil {
		n.subs[topic] = make(map[uint64]func())
	}
	n.subs[topic][id] = fn

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs[topic], id)
		if len(n.subs[topic]) == 0 {
			delete(n.subs, topic)
		}
	}, nil
}

// RedisNotifier delivers signals across processes through Redis pub/sub.
type RedisNotifier struct {
	redis  *redis.Client
	logger *utils.Logger
}

func NewRedisNotifier(redisClient *redis.Client, logger *utils.Logger) *RedisNotifier {
	return &RedisNotifier{redis: redisClient, logger: logger}
}

func (n *RedisNotifier) Publish(ctx context.Context, topic string) error {
	if err := n.redis.Publish(ctx, docChannelPrefix+topic, "changed").Err(); err != nil {
		return fmt.Errorf("failed to publish change for %s: %w", topic, err)
	}
	return nil
}

func (n *RedisNotifier) Subscribe(ctx context.Context, topic string, fn func()) (func(), error) {
	pubsub := n.redis.Subscribe(ctx, docChannelPrefix+topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	ch := pubsub.Channel()
	go func() {
		for {
			select {
			case <-listenCtx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				fn()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			if err := pubsub.Close(); err != nil {
				n.logger.Debug("Failed to close subscription", "topic", topic, "error", err)
			}
		})
	}, nil
}
