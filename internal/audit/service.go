package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for journal events.
//
// It MUST be append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

const maxMessageLen = 256

var (
	ErrInvalidEvent      = errors.New("audit: invalid event")
	ErrInvalidMetadata   = errors.New("audit: metadata must be a JSON object")
	errRepoNotConfigured = errors.New("audit: repository not configured")
)

// Service validates, stamps and appends call journal events.
//
// Callers should treat journaling as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errRepoNotConfigured
	}
	if e.CallID == "" || e.Type == "" {
		return ErrInvalidEvent
	}
	if e.Metadata != "" {
		var obj map[string]any
		if err := json.Unmarshal([]byte(e.Metadata), &obj); err != nil {
			return ErrInvalidMetadata
		}
	}
	if len(e.Message) > maxMessageLen {
		e.Message = e.Message[:maxMessageLen]
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}
