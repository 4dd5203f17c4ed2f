package calls

import "time"

// CallRecord is the durable audit record of one call.
//
// Invariants:
// - Created at initiation, never deleted by this package.
// - Once Status is terminal (ended, rejected, missed) it never changes again.
// - AnsweredAt is set only by the transition to active.
type CallRecord struct {
	ID            string     `json:"id" db:"id"`
	OrderID       string     `json:"order_id" db:"order_id"`
	CallerID      string     `json:"caller_id" db:"caller_id"`
	CallerType    PartyType  `json:"caller_type" db:"caller_type"`
	RecipientID   string     `json:"recipient_id" db:"recipient_id"`
	RecipientType PartyType  `json:"recipient_type" db:"recipient_type"`
	Status        CallStatus `json:"status" db:"status"`

	AnsweredAt *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	// DurationSeconds is reported by the ending party (or computed on disconnect).
	DurationSeconds *int      `json:"duration,omitempty" db:"duration"`
	EndReason       EndReason `json:"end_reason,omitempty" db:"end_reason"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// HasParticipant reports whether userID is the caller or the recipient.
func (r CallRecord) HasParticipant(userID string) bool {
	return userID != "" && (r.CallerID == userID || r.RecipientID == userID)
}

type CallStatus string

const (
	CallStatusInitiating CallStatus = "initiating"
	CallStatusActive     CallStatus = "active"
	CallStatusEnded      CallStatus = "ended"
	CallStatusRejected   CallStatus = "rejected"
	CallStatusMissed     CallStatus = "missed"
)

// IsTerminal reports whether no further transition may leave s.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusEnded, CallStatusRejected, CallStatusMissed:
		return true
	default:
		return false
	}
}

type EndReason string

const (
	EndReasonTimeout         EndReason = "timeout"
	EndReasonUserDeclined    EndReason = "user-declined"
	EndReasonUserHangup      EndReason = "user-hangup"
	EndReasonConnectionError EndReason = "connection-error"
)

// RejectReason is what the rejecting client reports. Both map to the
// user-declined end reason on the durable record.
type RejectReason string

const (
	RejectUserDeclined RejectReason = "user-declined"
	RejectBusy         RejectReason = "busy"
)

// PartyType is the order role a participant calls in.
type PartyType string

const (
	PartyCustomer PartyType = "customer"
	PartyAgent    PartyType = "agent"
)

// SessionStatus is the ephemeral status of a live call.
type SessionStatus string

const (
	SessionInitiating SessionStatus = "initiating"
	SessionActive     SessionStatus = "active"
)

// Session is the ephemeral routing state of a live call. Its presence in the
// store means the call has not reached a terminal state yet.
type Session struct {
	CallID      string        `json:"call_id"`
	OrderID     string        `json:"order_id"`
	CallerID    string        `json:"caller_id"`
	RecipientID string        `json:"recipient_id"`
	Status      SessionStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
}

// Involves reports whether userID is either party of the session.
func (s Session) Involves(userID string) bool {
	return userID != "" && (s.CallerID == userID || s.RecipientID == userID)
}

// InitiateRequest carries everything initiation needs. The caller identity
// comes from the authenticated session, never from the client body.
type InitiateRequest struct {
	OrderID        string
	CallerID       string
	CallerType     PartyType
	RecipientID    string
	RecipientType  PartyType
	CallerConnHint string
}

// Outcome reports how a tolerant terminal operation went. AlreadyResolved
// means another path had already finished the call; cleanup still ran.
type Outcome struct {
	AlreadyResolved bool `json:"already_resolved"`
}
