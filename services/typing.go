package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"chorus/chat-sync/models"
	"chorus/chat-sync/realtime"
	"chorus/chat-sync/utils"
)

// TypingParticipant identifies who is typing where.
type TypingParticipant struct {
	RoomID   string
	UserID   string
	UserName string
}

// DefaultTypingRefresh is half the default receiver TTL for typing signals.
const DefaultTypingRefresh = 2500 * time.Millisecond

// TypingCoordinator debounces the local typing signal of one participant.
// The first keystroke sends typing=true at once; typing=false follows after
// the stop delay passes without another keystroke. While input continues,
// typing=true is re-sent every refresh interval so receivers that expire
// signals by age keep showing it.
type TypingCoordinator struct {
	who     TypingParticipant
	sender  Sender
	store   *TypingStore
	clock   clock.Clock
	delay   time.Duration
	refresh time.Duration
	logger  *utils.Logger

	// sendMu keeps outgoing signals in the order their transitions happened.
	sendMu sync.Mutex

	mu       sync.Mutex
	typing   bool
	lastSent time.Time
	epoch    uint64
	timer    *clock.Timer
	closed   bool
}

// NewTypingCoordinator creates a coordinator; store may be nil when typing
// state is only carried by the socket channel.
func NewTypingCoordinator(who TypingParticipant, sender Sender, store *TypingStore, clk clock.Clock, delay time.Duration, logger *utils.Logger) *TypingCoordinator {
	if clk == nil {
		clk = clock.New()
	}
	return &TypingCoordinator{
		who:     who,
		sender:  sender,
		store:   store,
		clock:   clk,
		delay:   delay,
		refresh: DefaultTypingRefresh,
		logger:  logger,
	}
}

// SetRefreshInterval sets how often typing=true is repeated during
// continuous input. It should stay below the receivers' typing TTL;
// zero disables the repeat.
func (tc *TypingCoordinator) SetRefreshInterval(d time.Duration) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.refresh = d
}

// Keystroke records input activity.
func (tc *TypingCoordinator) Keystroke() {
	tc.sendMu.Lock()
	defer tc.sendMu.Unlock()

	tc.mu.Lock()
	if tc.closed {
		tc.mu.Unlock()
		return
	}
	now := tc.clock.Now()
	send := !tc.typing || (tc.refresh > 0 && now.Sub(tc.lastSent) >= tc.refresh)
	tc.typing = true
	if send {
		tc.lastSent = now
	}
	tc.epoch++
	if tc.timer != nil {
		tc.timer.Stop()
	}
	epoch := tc.epoch
	tc.timer = tc.clock.AfterFunc(tc.delay, func() { tc.expire(epoch) })
	tc.mu.Unlock()

	if send {
		tc.signal(true)
	}
}

// Stop ends typing right away, e.g. because the message was sent.
func (tc *TypingCoordinator) Stop() {
	tc.sendMu.Lock()
	defer tc.sendMu.Unlock()

	if tc.halt() {
		tc.signal(false)
	}
}

// Close stops typing and ignores any further keystrokes.
func (tc *TypingCoordinator) Close() {
	tc.Stop()
	tc.mu.Lock()
	tc.closed = true
	tc.mu.Unlock()
}

func (tc *TypingCoordinator) IsTyping() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.typing
}

// halt clears the typing state and reports whether it was set.
func (tc *TypingCoordinator) halt() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.epoch++
	if tc.timer != nil {
		tc.timer.Stop()
		tc.timer = nil
	}
	was := tc.typing
	tc.typing = false
	return was
}

func (tc *TypingCoordinator) expire(epoch uint64) {
	tc.sendMu.Lock()
	defer tc.sendMu.Unlock()

	tc.mu.Lock()
	if epoch != tc.epoch || !tc.typing {
		tc.mu.Unlock()
		return
	}
	tc.typing = false
	tc.timer = nil
	tc.mu.Unlock()

	tc.signal(false)
}

func (tc *TypingCoordinator) signal(isTyping bool) {
	err := sendBestEffort(tc.sender, models.SocketEvent{
		Type:     models.EventTyping,
		RoomID:   tc.who.RoomID,
		UserID:   tc.who.UserID,
		UserName: tc.who.UserName,
		IsTyping: isTyping,
	})
	if err != nil {
		tc.logger.Debug("Failed to send typing signal", "room_id", tc.who.RoomID, "is_typing", isTyping, "error", err)
	}
	if tc.store == nil {
		return
	}
	sig := models.TypingSignal{
		RoomID:   tc.who.RoomID,
		UserID:   tc.who.UserID,
		UserName: tc.who.UserName,
		IsTyping: isTyping,
	}
	if err := tc.store.Set(context.Background(), sig); err != nil {
		tc.logger.Warn("Failed to store typing signal", "room_id", tc.who.RoomID, "error", err)
	}
}

// RemoteTyping is the set of other users currently typing in a room.
// Signals older than the TTL are treated as stopped, which covers senders
// that disconnected before their typing=false went out.
type RemoteTyping struct {
	self string
	ttl  time.Duration

	mu      sync.Mutex
	signals map[string]models.TypingSignal
}

func NewRemoteTyping(self string, ttl time.Duration) *RemoteTyping {
	return &RemoteTyping{
		self:    self,
		ttl:     ttl,
		signals: make(map[string]models.TypingSignal),
	}
}

// Apply merges one signal received at now. Signals without a timestamp are
// stamped with now.
func (rt *RemoteTyping) Apply(sig models.TypingSignal, now time.Time) {
	if sig.UserID == "" || sig.UserID == rt.self {
		return
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = now
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !sig.IsTyping {
		delete(rt.signals, sig.UserID)
		return
	}
	if prev, ok := rt.signals[sig.UserID]; ok && prev.Timestamp.After(sig.Timestamp) {
		return
	}
	rt.signals[sig.UserID] = sig
}

// Replace swaps in a full set of signals, as delivered by a TypingStore
// subscription.
func (rt *RemoteTyping) Replace(signals []models.TypingSignal, now time.Time) {
	rt.mu.Lock()
	rt.signals = make(map[string]models.TypingSignal, len(signals))
	rt.mu.Unlock()
	for _, sig := range signals {
		rt.Apply(sig, now)
	}
}

// Active returns the fresh typing signals at now, ordered by user id.
// Expired entries are dropped.
func (rt *RemoteTyping) Active(now time.Time) []models.TypingSignal {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]models.TypingSignal, 0, len(rt.signals))
	for id, sig := range rt.signals {
		if rt.ttl > 0 && now.Sub(sig.Timestamp) > rt.ttl {
			delete(rt.signals, id)
			continue
		}
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Clear forgets every signal, e.g. on room change.
func (rt *RemoteTyping) Clear() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.signals = make(map[string]models.TypingSignal)
}

// TypingLabel renders the "is typing" line for signals.
func TypingLabel(signals []models.TypingSignal) string {
	names := make([]string, 0, len(signals))
	for _, sig := range signals {
		name := sig.UserName
		if name == "" {
			name = "Someone"
		}
		names = append(names, name)
	}
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing..."
	case 2:
		return names[0] + " and " + names[1] + " are typing..."
	}
	return fmt.Sprintf("%d people are typing...", len(names))
}

// TypingStore persists typing markers as documents of typing/{room}, one per
// user. A marker exists only while its user is typing.
type TypingStore struct {
	docs   realtime.DocStore
	logger *utils.Logger
}

func NewTypingStore(docs realtime.DocStore, logger *utils.Logger) *TypingStore {
	return &TypingStore{docs: docs, logger: logger}
}

func (ts *TypingStore) Set(ctx context.Context, sig models.TypingSignal) error {
	collection := models.TypingCollection(sig.RoomID)
	if !sig.IsTyping {
		if err := ts.docs.Delete(ctx, collection, sig.UserID); err != nil {
			return fmt.Errorf("failed to clear typing marker: %w", err)
		}
		return nil
	}
	err := ts.docs.Upsert(ctx, collection, sig.UserID, map[string]any{
		"is_typing": true,
		"user_name": sig.UserName,
		"timestamp": realtime.ServerTimestamp,
	}, true)
	if err != nil {
		return fmt.Errorf("failed to write typing marker: %w", err)
	}
	return nil
}

// Subscribe delivers the full list of typing markers of roomID on every
// change.
func (ts *TypingStore) Subscribe(ctx context.Context, roomID string, fn func([]models.TypingSignal)) func() {
	unsubscribe, err := ts.docs.Subscribe(ctx, realtime.Query{Collection: models.TypingCollection(roomID)},
		func(docs []realtime.Document) {
			out := make([]models.TypingSignal, 0, len(docs))
			for _, d := range docs {
				out = append(out, decodeTyping(roomID, d))
			}
			fn(out)
		})
	if err != nil {
		ts.logger.Warn("Failed to subscribe to typing", "room_id", roomID, "error", err)
		fn([]models.TypingSignal{})
		return func() {}
	}
	return unsubscribe
}

func decodeTyping(roomID string, d realtime.Document) models.TypingSignal {
	sig := models.TypingSignal{RoomID: roomID, UserID: d.ID}
	sig.IsTyping, _ = d.Data["is_typing"].(bool)
	sig.UserName, _ = d.Data["user_name"].(string)
	if ts, ok := models.NormalizeTimestamp(d.Data["timestamp"]); ok {
		sig.Timestamp = ts
	}
	return sig
}
