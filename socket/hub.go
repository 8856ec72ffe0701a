package socket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chorus/chat-sync/models"
	"chorus/chat-sync/services"
	"chorus/chat-sync/utils"
)

var _ services.Sender = (*Hub)(nil)

const writeWait = 10 * time.Second

// Peer is one accepted websocket connection joined to a room.
type Peer struct {
	UserID   string
	UserName string

	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newPeer(conn *websocket.Conn, userID, userName string) *Peer {
	return &Peer{UserID: userID, UserName: userName, conn: conn}
}

// WriteEvent serialises writes; gorilla connections allow one writer at a time.
func (p *Peer) WriteEvent(evt models.SocketEvent) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteJSON(evt)
}

// Hub tracks the peers of every room and fans events out to them.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Peer]struct{}
	logger *utils.Logger
}

func NewHub(logger *utils.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[*Peer]struct{}),
		logger: logger,
	}
}

func (h *Hub) Register(roomID string, p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[roomID]; !ok {
		h.rooms[roomID] = make(map[*Peer]struct{})
	}
	h.rooms[roomID][p] = struct{}{}
}

func (h *Hub) Unregister(roomID string, p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if peers, ok := h.rooms[roomID]; ok {
		delete(peers, p)
		if len(peers) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// Count returns the number of peers joined to roomID.
func (h *Hub) Count(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Broadcast writes evt to every peer of roomID except the one given.
// Write failures are logged; the read loop of a broken peer unregisters it.
func (h *Hub) Broadcast(roomID string, evt models.SocketEvent, except *Peer) {
	h.mu.RLock()
	targets := make([]*Peer, 0, len(h.rooms[roomID]))
	for p := range h.rooms[roomID] {
		if p != except {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range targets {
		if err := p.WriteEvent(evt); err != nil {
			h.logger.Warn("Failed to write socket event", "room_id", roomID, "user_id", p.UserID, "type", evt.Type, "error", err)
		}
	}
}

// Send broadcasts evt to its own room. It lets server-side services publish
// into the hub the same way a client publishes into its socket.
func (h *Hub) Send(evt models.SocketEvent) error {
	if evt.RoomID == "" {
		return ErrMissingRoom
	}
	h.Broadcast(evt.RoomID, evt, nil)
	return nil
}
