package models

import (
	"sort"
	"time"
)

// ReadReceipt records that a user has viewed a message. One record exists
// per (message, user); records are never deleted by normal flow.
type ReadReceipt struct {
	RoomID    string    `json:"room_id"`
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}

// ReceiptCollection is the document collection holding the receipts of one message.
func ReceiptCollection(roomID, messageID string) string {
	return "read_receipts/" + roomID + "/" + messageID
}

// CheckState is the delivery indicator shown next to an own message.
type CheckState string

const (
	CheckSent CheckState = "sent"
	CheckRead CheckState = "read"
)

// CheckStateFor returns CheckRead iff at least one room participant other
// than self appears among the readers. Readers that are not participants
// are ignored.
func CheckStateFor(readers []string, participants []string, self string) CheckState {
	if len(readers) == 0 {
		return CheckSent
	}
	read := make(map[string]struct{}, len(readers))
	for _, r := range readers {
		read[r] = struct{}{}
	}
	for _, p := range participants {
		if p == self {
			continue
		}
		if _, ok := read[p]; ok {
			return CheckRead
		}
	}
	return CheckSent
}

// ReceiptBreakdown splits the other participants of a room into those who
// have read a message and those it was only delivered to.
type ReceiptBreakdown struct {
	Readers   []string `json:"readers"`
	Delivered []string `json:"delivered"`
}

func BreakdownFor(readers []string, participants []string, self string) ReceiptBreakdown {
	read := make(map[string]struct{}, len(readers))
	for _, r := range readers {
		read[r] = struct{}{}
	}
	out := ReceiptBreakdown{Readers: []string{}, Delivered: []string{}}
	for _, p := range participants {
		if p == self {
			continue
		}
		if _, ok := read[p]; ok {
			out.Readers = append(out.Readers, p)
		} else {
			out.Delivered = append(out.Delivered, p)
		}
	}
	sort.Strings(out.Readers)
	sort.Strings(out.Delivered)
	return out
}

type ReceiptsResponse struct {
	RoomID    string   `json:"room_id"`
	MessageID string   `json:"message_id"`
	Readers   []string `json:"readers"`
}
