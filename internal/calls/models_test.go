package calls

import (
	"context"
	"testing"
	"time"
)

func TestCallStatus_IsTerminal(t *testing.T) {
	terminal := map[CallStatus]bool{
		CallStatusInitiating: false,
		CallStatusActive:     false,
		CallStatusEnded:      true,
		CallStatusRejected:   true,
		CallStatusMissed:     true,
	}
	for s, want := range terminal {
		if s.IsTerminal() != want {
			t.Fatalf("%s: expected terminal=%v", s, want)
		}
	}
}

func TestParticipants(t *testing.T) {
	rec := CallRecord{CallerID: "a", RecipientID: "b"}
	if !rec.HasParticipant("a") || !rec.HasParticipant("b") || rec.HasParticipant("c") || rec.HasParticipant("") {
		t.Fatalf("unexpected record participants")
	}
	sess := Session{CallerID: "a", RecipientID: "b"}
	if !sess.Involves("b") || sess.Involves("") {
		t.Fatalf("unexpected session participants")
	}
}

func TestIsRequestRejected(t *testing.T) {
	if !IsRequestRejected(ErrCallerBusy) || !IsRequestRejected(ErrRecipientUnreachable) {
		t.Fatalf("expected rejection classification")
	}
	if IsRequestRejected(ErrSessionResolved) || IsRequestRejected(ErrStoreUnavailable) || IsRequestRejected(nil) {
		t.Fatalf("unexpected rejection classification")
	}
}

func TestMemoryRepo_GuardedFinish(t *testing.T) {
	r := NewMemoryRepo()
	ctx := context.Background()
	_ = r.Create(ctx, CallRecord{ID: "c1", Status: CallStatusInitiating})

	ok, err := r.Finish(ctx, "c1", Finish{Status: CallStatusMissed, Reason: EndReasonTimeout, From: []CallStatus{CallStatusInitiating}})
	if err != nil || !ok {
		t.Fatalf("first finish: ok=%v err=%v", ok, err)
	}
	ok, _ = r.Finish(ctx, "c1", Finish{Status: CallStatusEnded, From: []CallStatus{CallStatusInitiating, CallStatusActive}})
	if ok {
		t.Fatalf("terminal record must not transition again")
	}
	if ok, _ := r.MarkActive(ctx, "c1", time.Now()); ok {
		t.Fatalf("terminal record must not activate")
	}
	if _, err := r.Finish(ctx, "c1", Finish{Status: CallStatusEnded}); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument without source statuses")
	}
}
