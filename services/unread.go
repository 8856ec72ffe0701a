package services

import (
	"sync"

	"chorus/chat-sync/models"
)

// UnreadCounter keeps per-room unread badges for one user. Incoming
// messages for rooms other than the open one count up; opening a room
// clears its badge optimistically.
type UnreadCounter struct {
	userID   string
	onChange func(map[string]int)

	mu       sync.Mutex
	openRoom string
	counts   map[string]int
}

func NewUnreadCounter(userID string, onChange func(map[string]int)) *UnreadCounter {
	return &UnreadCounter{
		userID:   userID,
		onChange: onChange,
		counts:   make(map[string]int),
	}
}

// Seed replaces the badges with counts from the room list.
func (u *UnreadCounter) Seed(rooms []models.Room) {
	u.mu.Lock()
	u.counts = make(map[string]int, len(rooms))
	for _, room := range rooms {
		if room.UnreadCount > 0 && room.ID != u.openRoom {
			u.counts[room.ID] = room.UnreadCount
		}
	}
	out := u.snapshotLocked()
	u.mu.Unlock()
	u.emit(out)
}

// Open marks roomID as the room on screen and clears its badge.
func (u *UnreadCounter) Open(roomID string) {
	u.mu.Lock()
	u.openRoom = roomID
	_, had := u.counts[roomID]
	delete(u.counts, roomID)
	out := u.snapshotLocked()
	u.mu.Unlock()
	if had {
		u.emit(out)
	}
}

// Clear zeroes the badge of roomID after its messages were marked read.
func (u *UnreadCounter) Clear(roomID string) {
	u.mu.Lock()
	_, had := u.counts[roomID]
	delete(u.counts, roomID)
	out := u.snapshotLocked()
	u.mu.Unlock()
	if had {
		u.emit(out)
	}
}

// Observe counts an incoming chat_message unless it is our own or belongs
// to the open room.
func (u *UnreadCounter) Observe(evt models.SocketEvent) {
	if evt.Type != models.EventChatMessage || evt.RoomID == "" || evt.SenderID == u.userID {
		return
	}
	u.mu.Lock()
	if evt.RoomID == u.openRoom {
		u.mu.Unlock()
		return
	}
	u.counts[evt.RoomID]++
	out := u.snapshotLocked()
	u.mu.Unlock()
	u.emit(out)
}

func (u *UnreadCounter) Count(roomID string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.counts[roomID]
}

func (u *UnreadCounter) snapshotLocked() map[string]int {
	out := make(map[string]int, len(u.counts))
	for id, n := range u.counts {
		out[id] = n
	}
	return out
}

func (u *UnreadCounter) emit(counts map[string]int) {
	if u.onChange != nil {
		u.onChange(counts)
	}
}
