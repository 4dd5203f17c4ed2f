package calls

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketplace-calls/internal/audit"
	"marketplace-calls/internal/notify"
)

// Every terminal path follows the same shape: fetch the session if it is
// still there, apply a guarded durable transition, clear ephemeral state,
// then free both parties. Events only go out when this invocation's durable
// transition applied, so a repeated or losing trigger is a quiet no-op.

// RejectCall declines a ringing call. It tolerates a session that is already
// gone. Rejecting a call that was accepted is reported as already resolved
// and leaves the active call untouched.
func (s *Service) RejectCall(ctx context.Context, callID, rejectedBy string, reason RejectReason) (Outcome, error) {
	if err := validateCallID(callID); err != nil {
		return Outcome{}, err
	}
	switch reason {
	case "":
		reason = RejectUserDeclined
	case RejectUserDeclined, RejectBusy:
	default:
		return Outcome{}, ErrInvalidArgument
	}

	sess := s.loadSession(ctx, callID)
	if sess != nil && sess.Status == SessionActive {
		if !sess.Involves(rejectedBy) {
			return Outcome{}, ErrNotParticipant
		}
		return Outcome{AlreadyResolved: true}, nil
	}
	caller, recipient, orderID, err := s.parties(ctx, callID, sess)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return Outcome{}, ErrCallNotFound
		}
		return Outcome{}, fmt.Errorf("%w: resolve parties: %v", ErrStoreUnavailable, err)
	}
	if rejectedBy != caller && rejectedBy != recipient {
		return Outcome{}, ErrNotParticipant
	}

	s.cancelTimer(callID)
	claimed, err := s.sessions.ClaimDeadline(ctx, callID)
	if err != nil {
		s.log.Warn("claim ring deadline failed", "call_id", callID, "err", err)
	} else if !claimed {
		// An accept may have won the deadline between our read and the claim.
		if cur := s.loadSession(ctx, callID); cur != nil && cur.Status == SessionActive {
			return Outcome{AlreadyResolved: true}, nil
		}
	}

	now := s.clock().UTC()
	applied := s.finish(ctx, callID, Finish{
		Status: CallStatusRejected,
		Reason: EndReasonUserDeclined,
		At:     now,
		From:   []CallStatus{CallStatusInitiating},
	})
	s.clear(ctx, callID, caller, recipient)
	if !applied {
		return Outcome{AlreadyResolved: true}, nil
	}

	s.emit(ctx, caller, EventRejected, rejectedEvent{
		CallID:     callID,
		RejectedBy: rejectedBy,
		Reason:     reason,
		RejectedAt: now,
	})
	s.push(ctx, notify.Notification{
		UserID: caller,
		Kind:   notify.KindCallRejected,
		Title:  "Call declined",
		Body:   "Your call was declined",
		Data:   map[string]string{"call_id": callID, "order_id": orderID, "reason": string(reason)},
	})
	s.record(ctx, audit.Event{
		Type:        audit.EventCallRejected,
		CallID:      callID,
		OrderID:     orderID,
		ActorUserID: rejectedBy,
		Message:     string(reason),
	})
	s.log.Info("call rejected", "call_id", callID, "rejected_by", rejectedBy, "reason", reason)
	return Outcome{}, nil
}

// EndCall hangs up a ringing or active call. It tolerates a session that is
// already gone and uses the durable record for the party ids in that case.
func (s *Service) EndCall(ctx context.Context, callID, endedBy string, durationSeconds int, reason EndReason) (Outcome, error) {
	if err := validateCallID(callID); err != nil {
		return Outcome{}, err
	}
	if durationSeconds < 0 {
		return Outcome{}, ErrInvalidArgument
	}
	switch reason {
	case "":
		reason = EndReasonUserHangup
	case EndReasonUserHangup, EndReasonConnectionError:
	default:
		return Outcome{}, ErrInvalidArgument
	}

	sess := s.loadSession(ctx, callID)
	caller, recipient, orderID, err := s.parties(ctx, callID, sess)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return Outcome{}, ErrCallNotFound
		}
		return Outcome{}, fmt.Errorf("%w: resolve parties: %v", ErrStoreUnavailable, err)
	}
	if endedBy != caller && endedBy != recipient {
		return Outcome{}, ErrNotParticipant
	}
	applied := s.endCall(ctx, callID, endedBy, caller, recipient, orderID, durationSeconds, reason)
	return Outcome{AlreadyResolved: !applied}, nil
}

// endCall is shared by EndCall and the disconnect handler.
func (s *Service) endCall(ctx context.Context, callID, endedBy, caller, recipient, orderID string, durationSeconds int, reason EndReason) bool {
	s.cancelTimer(callID)
	if _, err := s.sessions.ClaimDeadline(ctx, callID); err != nil {
		s.log.Warn("claim ring deadline failed", "call_id", callID, "err", err)
	}

	now := s.clock().UTC()
	d := durationSeconds
	applied := s.finish(ctx, callID, Finish{
		Status:          CallStatusEnded,
		Reason:          reason,
		DurationSeconds: &d,
		At:              now,
		From:            []CallStatus{CallStatusInitiating, CallStatusActive},
	})
	s.clear(ctx, callID, caller, recipient)
	if !applied {
		return false
	}

	ev := endedEvent{
		CallID:   callID,
		EndedBy:  endedBy,
		Duration: durationSeconds,
		Reason:   reason,
		EndedAt:  now,
	}
	s.emit(ctx, caller, EventEnded, ev)
	s.emit(ctx, recipient, EventEnded, ev)
	s.record(ctx, audit.Event{
		Type:        audit.EventCallEnded,
		CallID:      callID,
		OrderID:     orderID,
		ActorUserID: endedBy,
		Message:     string(reason),
	})
	s.log.Info("call ended", "call_id", callID, "ended_by", endedBy, "duration", durationSeconds, "reason", reason)
	return true
}

// handleRingTimeout resolves a call nobody answered. Only the claimant of the
// ring deadline proceeds; a lost claim means accept, reject or another
// node's reaper got there first.
func (s *Service) handleRingTimeout(ctx context.Context, callID string) {
	s.cancelTimer(callID)

	claimed, err := s.sessions.ClaimDeadline(ctx, callID)
	if err != nil {
		s.log.Warn("claim ring deadline failed, timing out anyway", "call_id", callID, "err", err)
		claimed = true
	}
	if !claimed {
		return
	}

	sess := s.loadSession(ctx, callID)
	if sess != nil && sess.Status == SessionActive {
		return
	}
	caller, recipient, orderID, err := s.parties(ctx, callID, sess)
	if err != nil {
		s.log.Error("ring timeout: resolve parties failed", "call_id", callID, "err", err)
		if err := s.sessions.Delete(ctx, callID); err != nil {
			s.log.Warn("delete call session failed", "call_id", callID, "err", err)
		}
		return
	}

	now := s.clock().UTC()
	applied := s.finish(ctx, callID, Finish{
		Status: CallStatusMissed,
		Reason: EndReasonTimeout,
		At:     now,
		From:   []CallStatus{CallStatusInitiating},
	})
	s.clear(ctx, callID, caller, recipient)
	if !applied {
		return
	}

	ev := timeoutEvent{CallID: callID, Reason: timeoutReasonNoAnswer, TimeoutAt: now}
	s.emit(ctx, caller, EventTimeout, ev)
	s.emit(ctx, recipient, EventTimeout, ev)
	s.push(ctx, notify.Notification{
		UserID: recipient,
		Kind:   notify.KindMissedCall,
		Title:  "Missed call",
		Body:   "You missed a call",
		Data:   map[string]string{"call_id": callID, "order_id": orderID, "caller_id": caller},
	})
	s.record(ctx, audit.Event{
		Type:    audit.EventCallMissed,
		CallID:  callID,
		OrderID: orderID,
	})
	s.log.Info("call missed", "call_id", callID)
}

// handleActiveExpiry ends an active call whose session outlived ActiveTTL
// with no hangup or disconnect reaching any node. Only the claimant of the
// active deadline proceeds. The record is read for the answer time since the
// session hash has usually expired by now.
func (s *Service) handleActiveExpiry(ctx context.Context, callID string) {
	claimed, err := s.sessions.ClaimActive(ctx, callID)
	if err != nil {
		s.log.Warn("claim active deadline failed", "call_id", callID, "err", err)
		return
	}
	if !claimed {
		return
	}

	sess := s.loadSession(ctx, callID)
	rec, err := s.repo.FindByID(ctx, callID)
	var caller, recipient, orderID string
	var start time.Time
	switch {
	case err == nil:
		caller, recipient, orderID = rec.CallerID, rec.RecipientID, rec.OrderID
		start = rec.CreatedAt
		if rec.AnsweredAt != nil {
			start = *rec.AnsweredAt
		}
	case sess != nil:
		s.log.Warn("active expiry: record lookup failed, using session", "call_id", callID, "err", err)
		caller, recipient, orderID = sess.CallerID, sess.RecipientID, sess.OrderID
		start = sess.CreatedAt
	default:
		s.log.Error("active expiry: resolve parties failed", "call_id", callID, "err", err)
		if err := s.sessions.Delete(ctx, callID); err != nil {
			s.log.Warn("delete call session failed", "call_id", callID, "err", err)
		}
		return
	}

	s.log.Info("ending call past active ttl", "call_id", callID)
	s.endCall(ctx, callID, "", caller, recipient, orderID,
		durationSince(start, s.clock().UTC()), EndReasonConnectionError)
}

// finish applies a guarded terminal transition and reports whether it applied.
// A store error is logged and counted as applied so that the parties are
// still told the call is over.
func (s *Service) finish(ctx context.Context, callID string, f Finish) bool {
	applied, err := s.repo.Finish(ctx, callID, f)
	if err != nil {
		s.log.Error("finish call record failed", "call_id", callID, "status", f.Status, "err", err)
		return true
	}
	return applied
}

// clear removes ephemeral state for the call and frees both parties. Each
// step is safe when another path already did it.
func (s *Service) clear(ctx context.Context, callID, caller, recipient string) {
	if err := s.sessions.Delete(ctx, callID); err != nil {
		s.log.Warn("delete call session failed", "call_id", callID, "err", err)
	}
	if err := s.membership.MarkFree(ctx, caller, recipient); err != nil {
		s.log.Warn("free call parties failed", "call_id", callID, "err", err)
	}
}

func durationSince(start, now time.Time) int {
	if start.IsZero() || now.Before(start) {
		return 0
	}
	return int(now.Sub(start).Round(time.Second) / time.Second)
}
