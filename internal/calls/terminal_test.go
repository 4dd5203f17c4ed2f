package calls

import (
	"context"
	"errors"
	"testing"
	"time"

	"marketplace-calls/internal/audit"
	"marketplace-calls/internal/notify"
)

func (h *harness) assertCleared(t *testing.T, callID string) {
	t.Helper()
	if h.sessionExists(callID) {
		t.Fatalf("session for %s must be gone", callID)
	}
	if h.busy(t, customerID) || h.busy(t, agentID) {
		t.Fatalf("both parties must be free")
	}
	if _, err := h.mr.ZScore(activeDeadlinesKey, callID); err == nil {
		t.Fatalf("active deadline for %s must be gone", callID)
	}
	if h.svc.PendingTimers() != 0 {
		t.Fatalf("no ring timer may remain")
	}
}

func TestRingTimeout_MarksMissed(t *testing.T) {
	h := newHarness(t)
	callID := h.ring(t)

	h.advance(29 * time.Second)
	if n, _ := h.svc.ReapExpired(context.Background()); n != 0 {
		t.Fatalf("nothing is due before the ring window ends")
	}
	h.advance(2 * time.Second)
	if n, err := h.svc.ReapExpired(context.Background()); err != nil || n != 1 {
		t.Fatalf("expected one reaped call, got n=%d err=%v", n, err)
	}

	rec := h.status(t, callID)
	if rec.Status != CallStatusMissed || rec.EndReason != EndReasonTimeout {
		t.Fatalf("unexpected record %+v", rec)
	}
	h.assertCleared(t, callID)

	got := h.transport.sent(customerID, EventTimeout)
	if len(got) != 1 || got[0].(timeoutEvent).Reason != "no-answer" {
		t.Fatalf("caller must get one timeout event, got %+v", got)
	}
	if len(h.transport.sent(agentID, EventTimeout)) != 1 {
		t.Fatalf("recipient must get the timeout event")
	}
	if len(h.push.SentTo(agentID, notify.KindMissedCall)) != 1 {
		t.Fatalf("expected missed-call push to recipient")
	}
}

func TestRingTimeout_LocalTimerFires(t *testing.T) {
	h := newHarness(t)
	h.svc.opts.RingTimeout = 20 * time.Millisecond
	callID := h.ring(t)

	deadline := time.Now().Add(2 * time.Second)
	for len(h.transport.sent(customerID, EventTimeout)) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("local ring timer did not fire")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if h.status(t, callID).Status != CallStatusMissed {
		t.Fatalf("expected missed")
	}
	h.assertCleared(t, callID)
}

func TestRingTimeout_TwiceIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	callID := h.ring(t)
	h.svc.cancelTimer(callID)

	h.svc.handleRingTimeout(ctx, callID)
	before := h.transport.count()
	h.svc.handleRingTimeout(ctx, callID)
	if h.transport.count() != before {
		t.Fatalf("second timeout must not emit")
	}
	if h.status(t, callID).Status != CallStatusMissed {
		t.Fatalf("expected missed")
	}
}

func TestRejectCall_NotifiesCaller(t *testing.T) {
	h := newHarness(t)
	callID := h.ring(t)

	out, err := h.svc.RejectCall(context.Background(), callID, agentID, RejectUserDeclined)
	if err != nil || out.AlreadyResolved {
		t.Fatalf("reject: out=%+v err=%v", out, err)
	}
	rec := h.status(t, callID)
	if rec.Status != CallStatusRejected || rec.EndReason != EndReasonUserDeclined {
		t.Fatalf("unexpected record %+v", rec)
	}
	h.assertCleared(t, callID)

	got := h.transport.sent(customerID, EventRejected)
	if len(got) != 1 || got[0].(rejectedEvent).RejectedBy != agentID {
		t.Fatalf("expected rejected event to caller, got %+v", got)
	}
	if len(h.push.SentTo(customerID, notify.KindCallRejected)) != 1 {
		t.Fatalf("expected rejected push to caller")
	}
}

func TestRejectCall_BusyReasonStillRecordsDeclined(t *testing.T) {
	h := newHarness(t)
	callID := h.ring(t)
	if _, err := h.svc.RejectCall(context.Background(), callID, agentID, RejectBusy); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if h.status(t, callID).EndReason != EndReasonUserDeclined {
		t.Fatalf("expected user-declined end reason")
	}
	if ev := h.transport.sent(customerID, EventRejected)[0].(rejectedEvent); ev.Reason != RejectBusy {
		t.Fatalf("expected busy reason on the event, got %q", ev.Reason)
	}
}

func TestRejectCall_TwiceIsSoftNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	callID := h.ring(t)

	if _, err := h.svc.RejectCall(ctx, callID, agentID, RejectUserDeclined); err != nil {
		t.Fatalf("reject: %v", err)
	}
	events := h.transport.count()
	pushes := len(h.push.Sent())

	out, err := h.svc.RejectCall(ctx, callID, agentID, RejectUserDeclined)
	if err != nil || !out.AlreadyResolved {
		t.Fatalf("second reject: out=%+v err=%v", out, err)
	}
	if h.transport.count() != events || len(h.push.Sent()) != pushes {
		t.Fatalf("second reject must not notify again")
	}
}

func TestRejectCall_AfterTimeoutKeepsMissed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	callID := h.ring(t)
	h.advance(31 * time.Second)
	_, _ = h.svc.ReapExpired(ctx)

	out, err := h.svc.RejectCall(ctx, callID, agentID, RejectUserDeclined)
	if err != nil {
		t.Fatalf("late reject must not fail: %v", err)
	}
	if !out.AlreadyResolved {
		t.Fatalf("expected already resolved")
	}
	if h.status(t, callID).Status != CallStatusMissed {
		t.Fatalf("terminal status must not change")
	}
	if len(h.transport.sent(customerID, EventRejected)) != 0 {
		t.Fatalf("no rejected event after timeout")
	}
}

func TestRejectCall_ActiveCallUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	callID := h.ring(t)
	_ = h.svc.AcceptCall(ctx, callID, agentID)

	out, err := h.svc.RejectCall(ctx, callID, agentID, RejectUserDeclined)
	if err != nil || !out.AlreadyResolved {
		t.Fatalf("expected soft resolved, out=%+v err=%v", out, err)
	}
	if h.status(t, callID).Status != CallStatusActive || !h.busy(t, agentID) {
		t.Fatalf("active call must survive a late reject")
	}
}

func TestRejectCall_Guards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	callID := h.ring(t)

	if _, err := h.svc.RejectCall(ctx, callID, "stranger", RejectUserDeclined); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if _, err := h.svc.RejectCall(ctx, callID, agentID, "nope"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	unknown := "7f1d2a52-4d55-4a9e-9f49-1a0c4b0c1a11"
	if _, err := h.svc.RejectCall(ctx, unknown, agentID, RejectUserDeclined); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("expected ErrCallNotFound, got %v", err)
	}
}

func TestEndCall_HangupAfterAccept(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	callID := h.ring(t)
	_ = h.svc.AcceptCall(ctx, callID, agentID)
	h.advance(42 * time.Second)

	out, err := h.svc.EndCall(ctx, callID, customerID, 42, EndReasonUserHangup)
	if err != nil || out.AlreadyResolved {
		t.Fatalf("end: out=%+v err=%v", out, err)
	}
	rec := h.status(t, callID)
	if rec.Status != CallStatusEnded || rec.EndReason != EndReasonUserHangup || rec.DurationSeconds == nil || *rec.DurationSeconds != 42 {
		t.Fatalf("unexpected record %+v", rec)
	}
	h.assertCleared(t, callID)
	for _, uid := range []string{customerID, agentID} {
		if len(h.transport.sent(uid, EventEnded)) != 1 {
			t.Fatalf("expected ended event for %s", uid)
		}
	}

	types := []audit.EventType{}
	for _, e := range h.journal.ForCall(callID) {
		types = append(types, e.Type)
	}
	want := []audit.EventType{audit.EventCallInitiated, audit.EventCallAccepted, audit.EventCallEnded}
	if len(types) != len(want) {
		t.Fatalf("unexpected journal %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("unexpected journal %v", types)
		}
	}
}

func TestEndCall_UsesDurableRecordWhenSessionGone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	callID := h.ring(t)
	_ = h.svc.AcceptCall(ctx, callID, agentID)

	// The session expired or was lost from the ephemeral store.
	h.mr.Del(sessionKey(callID))

	out, err := h.svc.EndCall(ctx, callID, agentID, 12, EndReasonUserHangup)
	if err != nil || out.AlreadyResolved {
		t.Fatalf("end: out=%+v err=%v", out, err)
	}
	if len(h.transport.sent(customerID, EventEnded)) != 1 {
		t.Fatalf("caller must be notified from the durable record")
	}
	h.assertCleared(t, callID)
}

func TestEndCall_TwiceIsSoftNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	callID := h.ring(t)
	_ = h.svc.AcceptCall(ctx, callID, agentID)

	if _, err := h.svc.EndCall(ctx, callID, agentID, 5, EndReasonUserHangup); err != nil {
		t.Fatalf("end: %v", err)
	}
	before := h.transport.count()
	out, err := h.svc.EndCall(ctx, callID, customerID, 6, EndReasonUserHangup)
	if err != nil || !out.AlreadyResolved {
		t.Fatalf("second end: out=%+v err=%v", out, err)
	}
	if h.transport.count() != before {
		t.Fatalf("second end must not emit")
	}
	if d := h.status(t, callID).DurationSeconds; d == nil || *d != 5 {
		t.Fatalf("first end must win, got %v", d)
	}
}

func TestEndCall_WhileRingingCancels(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	callID := h.ring(t)

	if _, err := h.svc.EndCall(ctx, callID, customerID, 0, ""); err != nil {
		t.Fatalf("end: %v", err)
	}
	if rec := h.status(t, callID); rec.Status != CallStatusEnded || rec.EndReason != EndReasonUserHangup {
		t.Fatalf("unexpected record %+v", rec)
	}
	h.assertCleared(t, callID)

	// The reaper finds nothing left to time out.
	h.advance(time.Minute)
	if n, _ := h.svc.ReapExpired(ctx); n != 0 {
		t.Fatalf("expected nothing to reap")
	}
	if err := h.svc.AcceptCall(ctx, callID, agentID); !errors.Is(err, ErrSessionResolved) {
		t.Fatalf("expected ErrSessionResolved, got %v", err)
	}
}

func TestTerminalStatusIsSingle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	callID := h.ring(t)

	_, _ = h.svc.RejectCall(ctx, callID, agentID, RejectUserDeclined)
	h.svc.handleRingTimeout(ctx, callID)
	_, _ = h.svc.EndCall(ctx, callID, customerID, 3, EndReasonUserHangup)

	rec := h.status(t, callID)
	if rec.Status != CallStatusRejected {
		t.Fatalf("first terminal transition must stick, got %s", rec.Status)
	}
	h.assertCleared(t, callID)
}

func TestReapExpired_EndsCallPastActiveTTL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	callID := h.ring(t)
	h.advance(5 * time.Second)
	if err := h.svc.AcceptCall(ctx, callID, agentID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Neither a hangup nor a disconnect arrives; the session hash expires on its own.
	h.advance(time.Hour + time.Minute)
	h.mr.FastForward(time.Hour + time.Minute)
	if h.sessionExists(callID) {
		t.Fatalf("session must have expired")
	}

	n, err := h.svc.ReapExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one reaped call, got n=%d err=%v", n, err)
	}
	rec := h.status(t, callID)
	if rec.Status != CallStatusEnded || rec.EndReason != EndReasonConnectionError {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.DurationSeconds == nil || *rec.DurationSeconds != 3660 {
		t.Fatalf("duration must count from the answer, got %v", rec.DurationSeconds)
	}
	for _, uid := range []string{customerID, agentID} {
		if len(h.transport.sent(uid, EventEnded)) != 1 {
			t.Fatalf("expected call:ended for %s", uid)
		}
	}
	h.assertCleared(t, callID)

	if n, _ := h.svc.ReapExpired(ctx); n != 0 {
		t.Fatalf("a second reap must find nothing, got %d", n)
	}

	// Both parties can call again.
	h.online(t, customerID, "cust-conn-2")
	h.online(t, agentID, "agent-conn-2")
	if _, err := h.svc.InitiateCall(ctx, InitiateRequest{
		OrderID: orderID, CallerID: customerID, CallerType: PartyCustomer, RecipientID: agentID,
	}); err != nil {
		t.Fatalf("initiate after expiry: %v", err)
	}
}

func TestReapExpired_LeavesLiveActiveCall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	callID := h.ring(t)
	if err := h.svc.AcceptCall(ctx, callID, agentID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	h.advance(59 * time.Minute)
	if n, _ := h.svc.ReapExpired(ctx); n != 0 {
		t.Fatalf("nothing is due inside the active ttl, got %d", n)
	}
	if h.status(t, callID).Status != CallStatusActive || !h.busy(t, customerID) {
		t.Fatalf("live call must stay active")
	}
}
