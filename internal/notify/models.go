package notify

import "time"

// Kind categorizes a push notification for the downstream push service.
type Kind string

const (
	KindIncomingCall Kind = "incoming_call"
	KindCallRejected Kind = "call_rejected"
	KindMissedCall   Kind = "missed_call"
)

// Notification is the message handed to the push service. Delivery to
// devices (APNs/FCM/web push) happens outside this process.
type Notification struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Kind      Kind              `json:"kind"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
