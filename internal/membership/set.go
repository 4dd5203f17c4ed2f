// Package membership tracks which users are engaged in an active call.
package membership

import (
	"context"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Key is the Redis set of busy user ids. The call activation script writes
// it as well.
const Key = "calls:active_users"

var ErrInvalidUser = errors.New("membership: user id required")

// Scanner answers "is this user in any live active call" by walking call
// sessions. It is only consulted when the set itself cannot be read.
type Scanner interface {
	UserInActiveCall(ctx context.Context, userID string) (bool, error)
}

// Set is a Redis set of user ids currently in an active call.
type Set struct {
	rdb      *redis.Client
	fallback Scanner
	log      *slog.Logger
}

func NewSet(rdb *redis.Client, fallback Scanner, log *slog.Logger) *Set {
	if log == nil {
		log = slog.Default()
	}
	return &Set{rdb: rdb, fallback: fallback, log: log}
}

// IsBusy is an O(1) membership check. When Redis errors, it degrades to the
// session scan; only if both fail is an error returned.
func (s *Set) IsBusy(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, ErrInvalidUser
	}
	ok, err := s.rdb.SIsMember(ctx, Key, userID).Result()
	if err == nil {
		return ok, nil
	}
	if s.fallback == nil {
		return false, err
	}
	s.log.Warn("active-call set lookup failed, scanning sessions", "user_id", userID, "err", err)
	busy, ferr := s.fallback.UserInActiveCall(ctx, userID)
	if ferr != nil {
		return false, errors.Join(err, ferr)
	}
	return busy, nil
}

// MarkBusy adds users to the set.
func (s *Set) MarkBusy(ctx context.Context, userIDs ...string) error {
	members := nonEmpty(userIDs)
	if len(members) == 0 {
		return ErrInvalidUser
	}
	return s.rdb.SAdd(ctx, Key, members...).Err()
}

// MarkFree removes users from the set. Removing an absent member is not an error.
func (s *Set) MarkFree(ctx context.Context, userIDs ...string) error {
	members := nonEmpty(userIDs)
	if len(members) == 0 {
		return nil
	}
	return s.rdb.SRem(ctx, Key, members...).Err()
}

// Members lists the whole set; intended for diagnostics.
func (s *Set) Members(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, Key).Result()
}

func nonEmpty(ids []string) []any {
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
