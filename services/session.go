package services

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"chorus/chat-sync/config"
	"chorus/chat-sync/models"
	"chorus/chat-sync/realtime"
	"chorus/chat-sync/utils"
)

// Channel is the live socket channel as seen by a session.
type Channel interface {
	Sender
	// On registers fn for events of the given type and returns its disposer.
	On(eventType string, fn func(models.SocketEvent)) func()
}

// SessionOptions carries the timing knobs of a ChatSession.
type SessionOptions struct {
	ReadBatchDelay       time.Duration
	ReadBatchSize        int
	TypingStopDelay      time.Duration
	TypingTTL            time.Duration
	OnlineStabilizeDelay time.Duration
	MessageWindow        int
}

// SessionOptionsFromConfig picks the session settings out of cfg.
func SessionOptionsFromConfig(cfg *config.Config) SessionOptions {
	return SessionOptions{
		ReadBatchDelay:       cfg.ReadBatchDelay,
		ReadBatchSize:        cfg.ReadBatchSize,
		TypingStopDelay:      cfg.TypingStopDelay,
		TypingTTL:            cfg.TypingTTL,
		OnlineStabilizeDelay: cfg.OnlineStabilizeDelay,
		MessageWindow:        cfg.MessageWindow,
	}
}

// SessionUser is the logged-in user owning a ChatSession.
type SessionUser struct {
	ID   string
	Name string
}

// ChatSession ties together everything one logged-in client keeps in sync:
// its presence session, the open room's messages, read state, typing and
// the unread badges of the other rooms.
type ChatSession struct {
	user    SessionUser
	opts    SessionOptions
	clock   clock.Clock
	logger  *utils.Logger
	channel Channel

	presence *PresenceService
	receipts *ReceiptService
	feed     *MessageFeed
	typing   *TypingStore

	reconciler *Reconciler
	batcher    *ReadBatcher
	unread     *UnreadCounter
	remote     *RemoteTyping

	mu          sync.Mutex
	roomEpoch   uint64
	room        models.Room
	messages    []models.LocalMessage
	coordinator *TypingCoordinator
	peer        *PeerStatus
	peerLabel   string
	roomClosers []func()
	closers     []func()
	closed      bool
}

// NewChatSession builds a session for user over the given backends. clk may
// be nil for the real clock.
func NewChatSession(user SessionUser, kv realtime.KV, docs realtime.DocStore, channel Channel, clk clock.Clock, opts SessionOptions, logger *utils.Logger) *ChatSession {
	if clk == nil {
		clk = clock.New()
	}
	s := &ChatSession{
		user:     user,
		opts:     opts,
		clock:    clk,
		logger:   logger.With("user_id", user.ID),
		channel:  channel,
		presence: NewPresenceService(kv, logger),
		receipts: NewReceiptService(docs, channel, logger),
		feed:     NewMessageFeed(docs, channel, logger),
		typing:   NewTypingStore(docs, logger),
		remote:   NewRemoteTyping(user.ID, opts.TypingTTL),
	}
	s.reconciler = NewReconciler(s.receipts, user.ID, logger, nil)
	s.unread = NewUnreadCounter(user.ID, nil)
	s.batcher = NewReadBatcher(s.receipts, clk, user.ID, opts.ReadBatchDelay, opts.ReadBatchSize, s.unread.Clear)
	return s
}

// Start opens the presence session and begins listening on the channel.
func (s *ChatSession) Start(ctx context.Context) error {
	stop, err := s.presence.StartSession(ctx, s.user.ID)
	if err != nil {
		return err
	}

	closers := []func(){stop}
	if s.channel != nil {
		for _, t := range []string{models.EventChatMessage, models.EventTypingIndicator, models.EventReadReceipt} {
			closers = append(closers, s.channel.On(t, s.HandleEvent))
		}
	}

	s.mu.Lock()
	s.closers = append(s.closers, closers...)
	s.mu.Unlock()
	return nil
}

// OpenRoom switches the session to room. Everything tied to the previous
// room is torn down before the new subscriptions start.
func (s *ChatSession) OpenRoom(ctx context.Context, room models.Room) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	previous := s.teardownRoomLocked()
	s.roomEpoch++
	epoch := s.roomEpoch
	s.room = room
	s.messages = nil
	s.peerLabel = LabelOffline
	s.coordinator = NewTypingCoordinator(TypingParticipant{RoomID: room.ID, UserID: s.user.ID, UserName: s.user.Name},
		s.channel, s.typing, s.clock, s.opts.TypingStopDelay, s.logger)
	if s.opts.TypingTTL > 0 {
		s.coordinator.SetRefreshInterval(s.opts.TypingTTL / 2)
	}
	s.mu.Unlock()

	for _, closeFn := range previous {
		closeFn()
	}
	s.remote.Clear()
	s.reconciler.OpenRoom(room)
	s.unread.Open(room.ID)

	var closers []func()
	closers = append(closers, s.feed.Subscribe(ctx, room.ID, s.opts.MessageWindow, func(messages []models.LocalMessage) {
		s.onMessages(ctx, epoch, messages)
	}))
	closers = append(closers, s.typing.Subscribe(ctx, room.ID, func(signals []models.TypingSignal) {
		if s.currentEpoch() == epoch {
			s.remote.Replace(signals, s.clock.Now())
		}
	}))

	if peerID, ok := room.Peer(s.user.ID); ok {
		peer := NewPeerStatus(s.clock, s.opts.OnlineStabilizeDelay, func(label string) {
			s.mu.Lock()
			if s.roomEpoch == epoch {
				s.peerLabel = label
			}
			s.mu.Unlock()
		})
		unsubscribe := s.presence.SubscribePresence(ctx, []string{peerID}, func(statuses map[string]models.PresenceStatus) {
			peer.Update(statuses[peerID])
		})
		closers = append(closers, unsubscribe, peer.Stop)
	}

	s.mu.Lock()
	if s.roomEpoch != epoch || s.closed {
		s.mu.Unlock()
		for _, closeFn := range closers {
			closeFn()
		}
		return
	}
	s.roomClosers = closers
	s.mu.Unlock()

	s.logger.Info("Opened room", "room_id", room.ID)
}

func (s *ChatSession) teardownRoomLocked() []func() {
	previous := s.roomClosers
	s.roomClosers = nil
	if s.coordinator != nil {
		previous = append(previous, s.coordinator.Close)
		s.coordinator = nil
	}
	previous = append(previous, s.batcher.Cancel)
	return previous
}

func (s *ChatSession) currentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomEpoch
}

func (s *ChatSession) onMessages(ctx context.Context, epoch uint64, messages []models.LocalMessage) {
	s.mu.Lock()
	if s.roomEpoch != epoch || s.closed {
		s.mu.Unlock()
		return
	}
	s.messages = messages
	roomID := s.room.ID
	s.mu.Unlock()

	s.reconciler.SetVisible(ctx, messages)
	s.batcher.Observe(roomID, messages)
}

// HandleEvent dispatches one inbound socket event.
func (s *ChatSession) HandleEvent(evt models.SocketEvent) {
	s.mu.Lock()
	roomID := s.room.ID
	s.mu.Unlock()

	switch evt.Type {
	case models.EventChatMessage:
		s.unread.Observe(evt)
	case models.EventTypingIndicator:
		if evt.RoomID != "" && evt.RoomID != roomID {
			return
		}
		s.remote.Apply(models.TypingSignal{
			RoomID:   roomID,
			UserID:   evt.UserID,
			UserName: evt.UserName,
			IsTyping: evt.IsTyping,
		}, s.clock.Now())
	case models.EventReadReceipt:
		s.reconciler.ApplySocketReceipt(evt)
	}
}

// Keystroke feeds the typing debounce of the open room.
func (s *ChatSession) Keystroke() {
	if tc := s.currentCoordinator(); tc != nil {
		tc.Keystroke()
	}
}

// SendText ends typing and sends text to the open room.
func (s *ChatSession) SendText(ctx context.Context, text string) (models.LocalMessage, error) {
	if tc := s.currentCoordinator(); tc != nil {
		tc.Stop()
	}
	s.mu.Lock()
	roomID := s.room.ID
	s.mu.Unlock()
	return s.feed.Send(ctx, models.LocalMessage{
		RoomID:     roomID,
		SenderID:   s.user.ID,
		SenderName: s.user.Name,
		Text:       text,
	})
}

// SendAttachment uploads a and sends it to the open room; an upload
// failure aborts the send.
func (s *ChatSession) SendAttachment(ctx context.Context, uploader *Uploader, a Attachment) (models.LocalMessage, error) {
	if tc := s.currentCoordinator(); tc != nil {
		tc.Stop()
	}
	s.mu.Lock()
	roomID := s.room.ID
	s.mu.Unlock()
	return s.feed.SendWithAttachment(ctx, uploader, models.LocalMessage{
		RoomID:     roomID,
		SenderID:   s.user.ID,
		SenderName: s.user.Name,
	}, a)
}

func (s *ChatSession) currentCoordinator() *TypingCoordinator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coordinator
}

// Messages returns the current window of the open room, oldest first.
func (s *ChatSession) Messages() []models.LocalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.LocalMessage(nil), s.messages...)
}

func (s *ChatSession) Check(messageID string) models.CheckState {
	return s.reconciler.Check(messageID)
}

func (s *ChatSession) Breakdown(messageID string) models.ReceiptBreakdown {
	return s.reconciler.Breakdown(messageID)
}

// TypingLabel renders who else is typing in the open room right now.
func (s *ChatSession) TypingLabel() string {
	return TypingLabel(s.remote.Active(s.clock.Now()))
}

// PeerLabel is the presence label of the peer in a direct room.
func (s *ChatSession) PeerLabel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerLabel
}

func (s *ChatSession) Unread() *UnreadCounter {
	return s.unread
}

// Close invokes every outstanding disposer and ends the presence session.
func (s *ChatSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	closers := append(s.teardownRoomLocked(), s.closers...)
	s.closers = nil
	s.mu.Unlock()

	for _, closeFn := range closers {
		closeFn()
	}
	s.batcher.Stop()
	s.reconciler.Close()
	s.remote.Clear()
	s.logger.Info("Chat session closed")
}
