package audit

import (
	"context"
	"testing"
	"time"
)

func TestService_AppendRequiresCallAndType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{Type: EventCallEnded}); err != ErrInvalidEvent {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	if err := svc.Append(context.Background(), Event{CallID: "c1"}); err != ErrInvalidEvent {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	if len(repo.Events()) != 0 {
		t.Fatalf("expected nothing appended")
	}
}

func TestService_StampsIDAndTime(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	svc.clock = func() time.Time { return now }

	if err := svc.Append(context.Background(), Event{CallID: "c1", Type: EventCallInitiated, ActorUserID: "u1"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	_ = svc.Append(context.Background(), Event{CallID: "c2", Type: EventCallMissed})
	_ = svc.Append(context.Background(), Event{CallID: "c1", Type: EventCallEnded, Message: "user-hangup"})

	evs := repo.ForCall("c1")
	if len(evs) != 2 {
		t.Fatalf("expected 2 events for c1, got %d", len(evs))
	}
	if evs[0].ID == "" || evs[0].ID == evs[1].ID {
		t.Fatalf("expected distinct generated ids")
	}
	if !evs[0].CreatedAt.Equal(now) {
		t.Fatalf("expected stamped time, got %s", evs[0].CreatedAt)
	}
	if evs[1].Type != EventCallEnded || evs[1].Message != "user-hangup" {
		t.Fatalf("unexpected second event %+v", evs[1])
	}
}

func TestService_RequiresRepository(t *testing.T) {
	svc := NewService(nil)
	if err := svc.Append(context.Background(), Event{CallID: "c1", Type: EventCallEnded}); err == nil {
		t.Fatalf("expected error without repository")
	}
}

func TestService_ValidatesMetadata(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{CallID: "c1", Type: EventCallInitiated, Metadata: "not json"}); err != ErrInvalidMetadata {
		t.Fatalf("expected ErrInvalidMetadata, got %v", err)
	}
	if err := svc.Append(context.Background(), Event{CallID: "c1", Type: EventCallInitiated, Metadata: `["a"]`}); err != ErrInvalidMetadata {
		t.Fatalf("arrays are not accepted, got %v", err)
	}
	if err := svc.Append(context.Background(), Event{CallID: "c1", Type: EventCallInitiated, Metadata: `{"caller_conn_hint":"h"}`}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(repo.Events()) != 1 {
		t.Fatalf("expected one stored event")
	}
}

func TestService_TruncatesLongMessage(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	_ = svc.Append(context.Background(), Event{CallID: "c1", Type: EventCallEnded, Message: string(long)})
	if got := len(repo.Events()[0].Message); got != 256 {
		t.Fatalf("expected truncated message, got %d bytes", got)
	}
}
