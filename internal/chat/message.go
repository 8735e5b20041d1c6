// Package chat defines the message model for a booking conversation and the
// in-memory timeline that merges REST history with live cable pushes into one
// ordered, deduplicated view.
package chat

import "time"

// SenderType identifies which side of the booking authored a message.
type SenderType string

const (
	SenderCustomer SenderType = "customer"
	SenderRepairer SenderType = "repairer"
)

// Message is a single chat message as assigned and ordered by the server.
// The client never mutates a Message; identity for deduplication is ID.
type Message struct {
	ID         int64      `json:"id"`
	Content    string     `json:"content"`
	SenderType SenderType `json:"sender_type"`
	SenderID   int64      `json:"sender_id"`
	SenderName string     `json:"sender_name"`
	CreatedAt  time.Time  `json:"created_at"`
	BookingID  int64      `json:"booking_id"`
}

// Less is the timeline ordering: CreatedAt ascending, ties broken by ID
// ascending. IDs increase monotonically server-side but are not contiguous,
// so CreatedAt is the primary sort key.
func Less(a, b Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
