package services

import "chorus/chat-sync/models"

// Sender is the outbound side of the live socket channel.
type Sender interface {
	Send(evt models.SocketEvent) error
}

// sendBestEffort delivers evt if a sender is configured. Failures are
// returned for logging only.
func sendBestEffort(sender Sender, evt models.SocketEvent) error {
	if sender == nil {
		return nil
	}
	return sender.Send(evt)
}
