package audit

import "time"

// Event is an immutable, append-only entry in a call's lifecycle journal.
//
// Invariants:
// - Events are never updated or deleted.
// - call_id is required; every entry belongs to exactly one call.
// - Writing is best-effort; do not block call flows on journal failures.
//
// Storage recommendation (Postgres):
// - Table call_events with an INSERT-only policy.
// - Index on (call_id, created_at) for per-call timelines.
type Event struct {
	ID      string `json:"id" db:"id"`
	CallID  string `json:"call_id" db:"call_id"`
	OrderID string `json:"order_id,omitempty" db:"order_id"`

	Type EventType `json:"type" db:"type"`

	// ActorUserID is the user whose action caused the event. Empty for
	// system-driven transitions such as ring timeouts.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`

	// Message is a short human-readable note, e.g. the end reason.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventCallInitiated EventType = "call_initiated"
	EventCallAccepted  EventType = "call_accepted"
	EventCallRejected  EventType = "call_rejected"
	EventCallEnded     EventType = "call_ended"
	EventCallMissed    EventType = "call_missed"
)
