package domain

import "encoding/json"

// Stream event operations, as delivered over the push channel.
const (
	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"
)

// StreamEvent is one delta on the push channel: another actor touched an
// entity. Payload decodes to an Entity for created events and to a
// TaskDelta/ListDelta for updated events.
type StreamEvent struct {
	Type       string          `json:"type"`
	EntityKind Kind            `json:"entityKind"`
	EntityID   string          `json:"entityId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// ChangeType classifies a local-store change for subscribers and for the
// cross-tab advisory channel.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// Change is a notification that an entity (or a list's ordering) changed.
// It is a hint only: consumers re-read state rather than trusting it.
type Change struct {
	Kind   Kind       `json:"kind"`
	ID     string     `json:"id"`
	Change ChangeType `json:"change"`
}
