package services

import (
	"context"
	"sort"
	"sync"

	"chorus/chat-sync/models"
	"chorus/chat-sync/utils"
)

type ReconcilerState int

const (
	StateUnsubscribed ReconcilerState = iota
	StateSubscribing
	StateLive
)

func (s ReconcilerState) String() string {
	switch s {
	case StateSubscribing:
		return "subscribing"
	case StateLive:
		return "live"
	}
	return "unsubscribed"
}

// ReceiptSubscriber is the receipt stream the Reconciler consumes.
type ReceiptSubscriber interface {
	SubscribeReceipts(ctx context.Context, roomID, messageID string, onChange func([]string)) func()
}

// Reconciler owns the read state of the open room. It merges receipt
// snapshots and socket read_receipt events into one reader set per message.
// Both sources only ever add readers, so they converge whatever order they
// arrive in.
type Reconciler struct {
	receipts ReceiptSubscriber
	userID   string
	logger   *utils.Logger
	onChange func()

	mu    sync.Mutex
	state ReconcilerState
	room  models.Room
	// epoch changes with every room switch; callbacks carrying an older
	// epoch belong to a torn-down room and are ignored.
	epoch    uint64
	subs     map[string]*receiptSub
	retained map[string]map[string]struct{}
}

// receiptSub is the handle of one message's receipt subscription. dispose
// stays nil while the subscription is being established.
type receiptSub struct {
	dispose func()
}

// NewReconciler creates a reconciler for userID. onChange, if set, runs
// outside the lock after the read state changed.
func NewReconciler(receipts ReceiptSubscriber, userID string, logger *utils.Logger, onChange func()) *Reconciler {
	return &Reconciler{
		receipts: receipts,
		userID:   userID,
		logger:   logger,
		onChange: onChange,
		subs:     make(map[string]*receiptSub),
		retained: make(map[string]map[string]struct{}),
	}
}

// OpenRoom tears down every receipt subscription of the previous room,
// forgets its read state and starts tracking room.
func (r *Reconciler) OpenRoom(room models.Room) {
	r.mu.Lock()
	disposers := r.resetLocked()
	r.room = room
	r.state = StateSubscribing
	r.mu.Unlock()

	for _, dispose := range disposers {
		dispose()
	}
	r.logger.Debug("Reconciler opened room", "room_id", room.ID, "user_id", r.userID)
	r.changed()
}

// Close tears everything down and returns to StateUnsubscribed.
func (r *Reconciler) Close() {
	r.mu.Lock()
	disposers := r.resetLocked()
	r.room = models.Room{}
	r.state = StateUnsubscribed
	r.mu.Unlock()

	for _, dispose := range disposers {
		dispose()
	}
}

func (r *Reconciler) resetLocked() []func() {
	r.epoch++
	disposers := make([]func(), 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.dispose != nil {
			disposers = append(disposers, sub.dispose)
		}
	}
	r.subs = make(map[string]*receiptSub)
	r.retained = make(map[string]map[string]struct{})
	return disposers
}

// SetVisible diffs the own messages in the visible window against the
// tracked set: new ones get a receipt subscription, ones that left lose it
// but keep their last known readers.
func (r *Reconciler) SetVisible(ctx context.Context, messages []models.LocalMessage) {
	r.mu.Lock()
	if r.state == StateUnsubscribed {
		r.mu.Unlock()
		return
	}
	r.state = StateLive
	epoch := r.epoch
	roomID := r.room.ID

	own := make(map[string]struct{})
	for _, m := range messages {
		if m.ID != "" && m.IsOwn(r.userID) {
			own[m.ID] = struct{}{}
		}
	}

	var gone []func()
	for id, sub := range r.subs {
		if _, ok := own[id]; !ok {
			if sub.dispose != nil {
				gone = append(gone, sub.dispose)
			}
			delete(r.subs, id)
		}
	}
	added := make(map[string]*receiptSub)
	for id := range own {
		if _, ok := r.subs[id]; !ok {
			sub := &receiptSub{}
			r.subs[id] = sub
			added[id] = sub
		}
	}
	r.mu.Unlock()

	for _, dispose := range gone {
		dispose()
	}

	ids := make([]string, 0, len(added))
	for id := range added {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		messageID, sub := id, added[id]
		dispose := r.receipts.SubscribeReceipts(ctx, roomID, messageID, func(readers []string) {
			r.mergeReaders(epoch, messageID, readers)
		})

		r.mu.Lock()
		if epoch == r.epoch && r.subs[messageID] == sub {
			sub.dispose = dispose
			r.mu.Unlock()
			continue
		}
		r.mu.Unlock()
		// The room changed or the message left while subscribing.
		dispose()
	}
}

// ApplySocketReceipt merges a read_receipt event ahead of the persisted
// snapshot. Events about self or another room are ignored.
func (r *Reconciler) ApplySocketReceipt(evt models.SocketEvent) {
	if evt.Type != models.EventReadReceipt || evt.MessageID == "" {
		return
	}
	reader := evt.UserID
	if reader == "" || reader == r.userID {
		return
	}

	r.mu.Lock()
	if r.state == StateUnsubscribed || (evt.RoomID != "" && evt.RoomID != r.room.ID) {
		r.mu.Unlock()
		return
	}
	epoch := r.epoch
	r.mu.Unlock()

	r.mergeReaders(epoch, evt.MessageID, []string{reader})
}

func (r *Reconciler) mergeReaders(epoch uint64, messageID string, readers []string) {
	r.mu.Lock()
	if epoch != r.epoch {
		r.mu.Unlock()
		return
	}
	set := r.retained[messageID]
	if set == nil {
		set = make(map[string]struct{})
		r.retained[messageID] = set
	}
	grew := false
	for _, id := range readers {
		if _, ok := set[id]; !ok {
			set[id] = struct{}{}
			grew = true
		}
	}
	r.mu.Unlock()

	if grew {
		r.changed()
	}
}

func (r *Reconciler) changed() {
	if r.onChange != nil {
		r.onChange()
	}
}

// Readers returns the known reader ids of messageID, sorted.
func (r *Reconciler) Readers(messageID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.retained[messageID]))
	for id := range r.retained[messageID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Check returns the delivery indicator of an own message in the open room.
func (r *Reconciler) Check(messageID string) models.CheckState {
	readers := r.Readers(messageID)
	r.mu.Lock()
	members := r.room.MemberIDs
	r.mu.Unlock()
	return models.CheckStateFor(readers, members, r.userID)
}

// Breakdown splits the other room members into readers and delivered-only.
func (r *Reconciler) Breakdown(messageID string) models.ReceiptBreakdown {
	readers := r.Readers(messageID)
	r.mu.Lock()
	members := r.room.MemberIDs
	r.mu.Unlock()
	return models.BreakdownFor(readers, members, r.userID)
}

func (r *Reconciler) State() ReconcilerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Tracked returns the ids of messages with a live receipt subscription.
func (r *Reconciler) Tracked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.subs))
	for id := range r.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
