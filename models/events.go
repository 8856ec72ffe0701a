package models

// Socket event types. Inbound types are what a client sends, outbound types
// are what the gateway fans out to the room.
const (
	EventChatMessage     = "chat_message"
	EventTyping          = "typing"
	EventTypingIndicator = "typing_indicator"
	EventReadReceipt     = "read_receipt"
	EventConnected       = "connected"
	EventDisconnected    = "disconnected"
	EventError           = "error"
)

// SocketEvent is the JSON envelope exchanged over the live socket channel.
type SocketEvent struct {
	Type       string `json:"type"`
	RoomID     string `json:"room_id,omitempty"`
	Message    string `json:"message,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
	SenderID   string `json:"sender_id,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	UserName   string `json:"user_name,omitempty"`
	IsTyping   bool   `json:"is_typing,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	Error      string `json:"error,omitempty"`
}
