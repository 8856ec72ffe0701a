package models

type RoomType string

const (
	RoomDirect RoomType = "direct"
	RoomGroup  RoomType = "group"
)

// RoomsCollection holds one document per room with its type and member ids.
const RoomsCollection = "rooms"

type Room struct {
	ID          string   `json:"id"`
	Type        RoomType `json:"room_type"`
	MemberIDs   []string `json:"members"`
	UnreadCount int      `json:"unread_count"`
}

// HasMember reports whether userID belongs to the room.
func (r Room) HasMember(userID string) bool {
	for _, m := range r.MemberIDs {
		if m == userID {
			return true
		}
	}
	return false
}

// Others returns every member except self.
func (r Room) Others(self string) []string {
	out := make([]string, 0, len(r.MemberIDs))
	for _, m := range r.MemberIDs {
		if m != self {
			out = append(out, m)
		}
	}
	return out
}

// Peer returns the other member of a direct room.
func (r Room) Peer(self string) (string, bool) {
	if r.Type != RoomDirect {
		return "", false
	}
	others := r.Others(self)
	if len(others) == 0 {
		return "", false
	}
	return others[0], true
}

// DecodeRoom builds a room from its stored document.
func DecodeRoom(id string, data map[string]any) Room {
	room := Room{ID: id, Type: RoomType(stringField(data, "type"))}
	switch members := data["members"].(type) {
	case []string:
		room.MemberIDs = append(room.MemberIDs, members...)
	case []any:
		for _, m := range members {
			if s, ok := m.(string); ok {
				room.MemberIDs = append(room.MemberIDs, s)
			}
		}
	}
	return room
}
