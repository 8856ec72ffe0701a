package services

import (
	"context"
	"errors"
	"fmt"

	"chorus/chat-sync/models"
	"chorus/chat-sync/realtime"
)

var ErrRoomNotFound = errors.New("room not found")

// RoomDirectory reads room metadata from the rooms collection.
type RoomDirectory struct {
	docs realtime.DocStore
}

func NewRoomDirectory(docs realtime.DocStore) *RoomDirectory {
	return &RoomDirectory{docs: docs}
}

func (d *RoomDirectory) Get(ctx context.Context, roomID string) (models.Room, error) {
	doc, err := d.docs.Get(ctx, models.RoomsCollection, roomID)
	if err != nil {
		if errors.Is(err, realtime.ErrNotFound) {
			return models.Room{}, ErrRoomNotFound
		}
		return models.Room{}, fmt.Errorf("failed to get room: %w", err)
	}
	return models.DecodeRoom(doc.ID, doc.Data), nil
}

// Save writes the type and members of room.
func (d *RoomDirectory) Save(ctx context.Context, room models.Room) error {
	members := make([]any, 0, len(room.MemberIDs))
	for _, m := range room.MemberIDs {
		members = append(members, m)
	}
	err := d.docs.Upsert(ctx, models.RoomsCollection, room.ID, map[string]any{
		"type":    string(room.Type),
		"members": members,
	}, true)
	if err != nil {
		return fmt.Errorf("failed to save room: %w", err)
	}
	return nil
}

// IsMember reports whether userID belongs to roomID. Unknown rooms have no
// members.
func (d *RoomDirectory) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	room, err := d.Get(ctx, roomID)
	if errors.Is(err, ErrRoomNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return room.HasMember(userID), nil
}
