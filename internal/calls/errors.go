package calls

import "errors"

// Request rejections. Reported synchronously; nothing is written when one is returned.
var (
	ErrNotAuthorized        = errors.New("calls: caller is not a party to this order")
	ErrRecipientOffline     = errors.New("calls: recipient is offline")
	ErrCallerBusy           = errors.New("calls: caller is already in a call")
	ErrRecipientBusy        = errors.New("calls: recipient is already in a call")
	ErrRecipientUnreachable = errors.New("calls: recipient has no open connection")
	ErrInvalidCallID        = errors.New("calls: invalid call id")
	ErrInvalidArgument      = errors.New("calls: invalid argument")
	ErrNotParticipant       = errors.New("calls: user is not a participant of this call")
	ErrCallNotFound         = errors.New("calls: call not found")
)

// ErrSessionResolved is returned to explicit accepts on a call whose live
// session is gone (timed out, rejected or ended already).
var ErrSessionResolved = errors.New("calls: call already resolved")

// ErrStoreUnavailable wraps store failures that leave an operation unable to proceed.
var ErrStoreUnavailable = errors.New("calls: store unavailable")

var requestRejections = []error{
	ErrNotAuthorized,
	ErrRecipientOffline,
	ErrCallerBusy,
	ErrRecipientBusy,
	ErrRecipientUnreachable,
	ErrInvalidCallID,
	ErrInvalidArgument,
	ErrNotParticipant,
	ErrCallNotFound,
}

// IsRequestRejected reports whether err is a synchronous request rejection.
func IsRequestRejected(err error) bool {
	for _, target := range requestRejections {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
