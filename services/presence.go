package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chorus/chat-sync/models"
	"chorus/chat-sync/realtime"
	"chorus/chat-sync/utils"
)

const presenceWriteTimeout = 5 * time.Second

// PresenceService tracks per-session connection markers for users and
// derives online status from them. A user is online while at least one
// session field exists under their presence node.
type PresenceService struct {
	kv     realtime.KV
	logger *utils.Logger
}

func NewPresenceService(kv realtime.KV, logger *utils.Logger) *PresenceService {
	return &PresenceService{
		kv:     kv,
		logger: logger,
	}
}

type presenceSession struct {
	ps     *PresenceService
	userID string
	node   string
	field  string

	// opMu orders registration against stop so a late reconnect can never
	// write the session marker after it was removed.
	opMu    sync.Mutex
	stopped bool
	hooks   []realtime.DisconnectHook

	stopWatch func()
	once      sync.Once
}

// StartSession registers a new session for userID and returns the function
// that ends it. The session marker is written, together with its server-side
// cleanup hooks, every time the connection reports connected.
func (ps *PresenceService) StartSession(ctx context.Context, userID string) (func(), error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &presenceSession{
		ps:     ps,
		userID: userID,
		node:   models.PresenceNode(userID),
	}

	s.stopWatch = ps.kv.WatchConnection(func(connected bool) {
		if !connected {
			s.forgetHooks()
			return
		}
		s.register()
	})

	ps.logger.Debug("Presence session started", "user_id", userID)
	return s.stop, nil
}

func (s *presenceSession) register() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.stopped {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), presenceWriteTimeout)
	defer cancel()

	// Each registration gets its own marker. The marker of a lost connection
	// belongs to hooks that may still run late and must not remove this one.
	field := models.SessionField(uuid.NewString())

	// Hooks first: if the marker were written before the hooks attached, an
	// abrupt disconnect in between would leave it behind forever.
	removeHook, err := s.ps.kv.OnDisconnect(ctx, realtime.DisconnectOp{
		Kind:  realtime.OpRemove,
		Node:  s.node,
		Field: field,
	})
	if err != nil {
		s.ps.logger.Warn("Failed to register session cleanup", "user_id", s.userID, "error", err)
		return
	}
	seenHook, err := s.ps.kv.OnDisconnect(ctx, realtime.DisconnectOp{
		Kind:  realtime.OpServerTime,
		Node:  s.node,
		Field: models.LastSeenField,
	})
	if err != nil {
		s.ps.logger.Warn("Failed to register last seen hook", "user_id", s.userID, "error", err)
		if cerr := removeHook.Cancel(ctx); cerr != nil {
			s.ps.logger.Debug("Failed to cancel session cleanup", "user_id", s.userID, "error", cerr)
		}
		return
	}
	s.hooks = append(s.hooks, removeHook, seenHook)
	s.field = field

	if err := s.ps.kv.SetServerTime(ctx, s.node, field); err != nil {
		s.ps.logger.Warn("Failed to write session marker", "user_id", s.userID, "error", err)
	}
}

// forgetHooks drops hook handles after a disconnect; the backend has
// already run or is about to run them.
func (s *presenceSession) forgetHooks() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.hooks = nil
}

func (s *presenceSession) stop() {
	s.once.Do(func() {
		if s.stopWatch != nil {
			s.stopWatch()
		}

		s.opMu.Lock()
		defer s.opMu.Unlock()
		s.stopped = true
		hooks := s.hooks
		s.hooks = nil

		ctx, cancel := context.WithTimeout(context.Background(), presenceWriteTimeout)
		defer cancel()

		for _, h := range hooks {
			if err := h.Cancel(ctx); err != nil {
				s.ps.logger.Warn("Failed to cancel disconnect hook", "user_id", s.userID, "error", err)
			}
		}
		if s.field != "" {
			if err := s.ps.kv.Remove(ctx, s.node, s.field); err != nil {
				s.ps.logger.Warn("Failed to remove session marker", "user_id", s.userID, "error", err)
			}
		}
		if err := s.ps.kv.SetServerTime(ctx, s.node, models.LastSeenField); err != nil {
			s.ps.logger.Warn("Failed to write last seen", "user_id", s.userID, "error", err)
		}
		s.ps.logger.Debug("Presence session stopped", "user_id", s.userID)
	})
}

// SubscribePresence watches every user in userIDs and calls onChange with
// the full status map whenever any of them changes. The first call happens
// once every user has produced an initial value. Users whose watch cannot be
// established read as offline.
func (ps *PresenceService) SubscribePresence(ctx context.Context, userIDs []string, onChange func(map[string]models.PresenceStatus)) func() {
	ids := uniqueIDs(userIDs)
	if len(ids) == 0 {
		onChange(map[string]models.PresenceStatus{})
		return func() {}
	}

	agg := &presenceAggregate{
		statuses: make(map[string]models.PresenceStatus, len(ids)),
		pending:  make(map[string]struct{}, len(ids)),
		onChange: onChange,
	}
	for _, id := range ids {
		agg.statuses[id] = models.PresenceStatus{}
		agg.pending[id] = struct{}{}
	}

	var disposers []func()
	for _, id := range ids {
		userID := id
		unwatch, err := ps.kv.Watch(ctx, models.PresenceNode(userID), func(snap realtime.Snapshot) {
			agg.update(userID, models.DecodePresence(userID, snap).Status())
		})
		if err != nil {
			ps.logger.Warn("Failed to watch presence", "user_id", userID, "error", err)
			agg.update(userID, models.PresenceStatus{})
			continue
		}
		disposers = append(disposers, unwatch)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			agg.close()
			for _, dispose := range disposers {
				dispose()
			}
		})
	}
}

type presenceAggregate struct {
	// mu is held across onChange so successive maps are delivered in the
	// order they were produced.
	mu       sync.Mutex
	closed   atomic.Bool
	statuses map[string]models.PresenceStatus
	pending  map[string]struct{}
	onChange func(map[string]models.PresenceStatus)
}

func (a *presenceAggregate) update(userID string, status models.PresenceStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return
	}
	a.statuses[userID] = status
	delete(a.pending, userID)
	if len(a.pending) > 0 {
		return
	}

	out := make(map[string]models.PresenceStatus, len(a.statuses))
	for id, st := range a.statuses {
		out[id] = st
	}
	a.onChange(out)
}

// close may be called from inside onChange.
func (a *presenceAggregate) close() {
	a.closed.Store(true)
}

// Lookup reads the current presence records of userIDs once.
func (ps *PresenceService) Lookup(ctx context.Context, userIDs []string) (map[string]models.PresenceRecord, error) {
	ids := uniqueIDs(userIDs)
	out := make(map[string]models.PresenceRecord, len(ids))
	for _, id := range ids {
		snap, err := ps.kv.Get(ctx, models.PresenceNode(id))
		if err != nil {
			return nil, fmt.Errorf("failed to get presence for %s: %w", id, err)
		}
		out[id] = models.DecodePresence(id, snap)
	}
	return out, nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
