package room

import "time"

type EventType string

const (
	EventCreated EventType = "created"
	EventEvicted EventType = "evicted"
)

// Event is a room lifecycle notification. It never carries document content.
type Event struct {
	RoomID string    `json:"room_id"`
	Type   EventType `json:"type"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}
