package calls

import "time"

// Realtime event names delivered to every open connection of a user.
const (
	EventIncoming = "call:incoming"
	EventAccepted = "call:accepted"
	EventRejected = "call:rejected"
	EventEnded    = "call:ended"
	EventTimeout  = "call:timeout"
)

const timeoutReasonNoAnswer = "no-answer"

type incomingEvent struct {
	CallID             string    `json:"callId"`
	CallerID           string    `json:"callerId"`
	CallerType         PartyType `json:"callerType"`
	CallerName         string    `json:"callerName"`
	CallerProfileImage string    `json:"callerProfileImage,omitempty"`
	RecipientID        string    `json:"recipientId"`
	RecipientType      PartyType `json:"recipientType"`
	OrderID            string    `json:"orderId"`
	OrderNumber        string    `json:"orderNumber,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// acceptedEvent carries the connection handles resolved at accept time so
// the two clients can open their media channel to each other.
type acceptedEvent struct {
	CallID              string    `json:"callId"`
	AcceptedBy          string    `json:"acceptedBy"`
	AcceptedAt          time.Time `json:"acceptedAt"`
	CallerConnHandle    string    `json:"callerConnHandle"`
	RecipientConnHandle string    `json:"recipientConnHandle"`
}

type rejectedEvent struct {
	CallID     string       `json:"callId"`
	RejectedBy string       `json:"rejectedBy"`
	Reason     RejectReason `json:"reason"`
	RejectedAt time.Time    `json:"rejectedAt"`
}

type endedEvent struct {
	CallID   string    `json:"callId"`
	EndedBy  string    `json:"endedBy"`
	Duration int       `json:"duration"`
	Reason   EndReason `json:"reason"`
	EndedAt  time.Time `json:"endedAt"`
}

type timeoutEvent struct {
	CallID    string    `json:"callId"`
	Reason    string    `json:"reason"`
	TimeoutAt time.Time `json:"timeoutAt"`
}
