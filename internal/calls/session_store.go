package calls

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"marketplace-calls/internal/membership"
)

const (
	sessionKeyPrefix   = "call:session:"
	ringDeadlinesKey   = "calls:ring_deadlines"
	activeDeadlinesKey = "calls:active_deadlines"
	scanBatch          = 100
)

func sessionKey(callID string) string { return sessionKeyPrefix + callID }

// SessionStore keeps live call sessions in Redis hashes plus two sorted sets
// of deadlines (score = deadline in ms): one for ringing calls, one for
// active calls. Removing a call from a deadline set is the claim that decides
// which path resolves it; only one ZREM can return 1.
type SessionStore struct {
	rdb *redis.Client
}

func NewSessionStore(rdb *redis.Client) *SessionStore {
	return &SessionStore{rdb: rdb}
}

// Create writes a ringing session with ttl and registers its ring deadline.
func (s *SessionStore) Create(ctx context.Context, sess Session, ttl time.Duration) error {
	k := sessionKey(sess.CallID)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, k, map[string]any{
			"call_id":      sess.CallID,
			"order_id":     sess.OrderID,
			"caller_id":    sess.CallerID,
			"recipient_id": sess.RecipientID,
			"status":       string(sess.Status),
			"created_at":   sess.CreatedAt.UnixMilli(),
			"expires_at":   sess.ExpiresAt.UnixMilli(),
		})
		p.PExpire(ctx, k, ttl)
		p.ZAdd(ctx, ringDeadlinesKey, redis.Z{Score: float64(sess.ExpiresAt.UnixMilli()), Member: sess.CallID})
		return nil
	})
	return err
}

// Get returns the live session, or found=false when it is gone.
func (s *SessionStore) Get(ctx context.Context, callID string) (Session, bool, error) {
	m, err := s.rdb.HGetAll(ctx, sessionKey(callID)).Result()
	if err != nil {
		return Session{}, false, err
	}
	if len(m) == 0 {
		return Session{}, false, nil
	}
	return decodeSession(callID, m), true, nil
}

var activateScript = redis.NewScript(`
-- KEYS[1] = session hash
-- KEYS[2] = ring deadline zset
-- KEYS[3] = active deadline zset
-- KEYS[4] = busy user set
-- ARGV[1] = call id
-- ARGV[2] = active ttl ms
-- ARGV[3] = expires_at ms
--
-- Returns:
--   1 activated
--   0 session gone, or the ring deadline was already claimed
--  -1 already active
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
if redis.call('HGET', KEYS[1], 'status') == 'active' then
  return -1
end
if redis.call('ZREM', KEYS[2], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'active', 'expires_at', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
local parties = redis.call('HMGET', KEYS[1], 'caller_id', 'recipient_id')
for _, id in ipairs(parties) do
  if id and id ~= '' then
    redis.call('SADD', KEYS[4], id)
  end
end
return 1
`)

var (
	errSessionGone   = errors.New("calls: session gone")
	errSessionActive = errors.New("calls: session already active")
)

// Activate moves a ringing session to active in one round trip: it re-arms
// the TTL, registers the active deadline and marks both parties busy. It
// fails with errSessionGone when the session expired or a competing
// reject/timeout claimed the ring deadline first.
func (s *SessionStore) Activate(ctx context.Context, callID string, ttl time.Duration, now time.Time) error {
	expires := now.Add(ttl).UnixMilli()
	res, err := activateScript.Run(ctx, s.rdb, []string{sessionKey(callID), ringDeadlinesKey, activeDeadlinesKey, membership.Key}, callID, ttl.Milliseconds(), expires).Int()
	if err != nil {
		return err
	}
	switch res {
	case 1:
		return nil
	case -1:
		return errSessionActive
	default:
		return errSessionGone
	}
}

// ClaimDeadline removes the call's ring deadline and reports whether this
// caller was the one to remove it.
func (s *SessionStore) ClaimDeadline(ctx context.Context, callID string) (bool, error) {
	n, err := s.rdb.ZRem(ctx, ringDeadlinesKey, callID).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DueDeadlines lists up to limit calls whose ring deadline is at or before now.
func (s *SessionStore) DueDeadlines(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, ringDeadlinesKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
}

// ClaimActive removes the call's active deadline and reports whether this
// caller was the one to remove it.
func (s *SessionStore) ClaimActive(ctx context.Context, callID string) (bool, error) {
	n, err := s.rdb.ZRem(ctx, activeDeadlinesKey, callID).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DueActive lists up to limit active calls whose session TTL has run out.
func (s *SessionStore) DueActive(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, activeDeadlinesKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
}

// Delete removes the session and both deadlines. Deleting twice is harmless.
func (s *SessionStore) Delete(ctx context.Context, callID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, sessionKey(callID))
		p.ZRem(ctx, ringDeadlinesKey, callID)
		p.ZRem(ctx, activeDeadlinesKey, callID)
		return nil
	})
	return err
}

// FindByUser walks every live session and returns the ones naming userID.
// Sessions are keyed by call id, so this is a linear scan over a set that
// stays small (live calls only).
func (s *SessionStore) FindByUser(ctx context.Context, userID string) ([]Session, error) {
	var out []Session
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, sessionKeyPrefix+"*", scanBatch).Result()
		if err != nil {
			return nil, err
		}
		if len(keys) > 0 {
			pipe := s.rdb.Pipeline()
			cmds := make([]*redis.MapStringStringCmd, len(keys))
			for i, k := range keys {
				cmds[i] = pipe.HGetAll(ctx, k)
			}
			if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
				return nil, err
			}
			for i, cmd := range cmds {
				m := cmd.Val()
				if len(m) == 0 {
					continue
				}
				sess := decodeSession(keys[i][len(sessionKeyPrefix):], m)
				if sess.Involves(userID) {
					out = append(out, sess)
				}
			}
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// UserInActiveCall backs the membership set when the set cannot be read.
func (s *SessionStore) UserInActiveCall(ctx context.Context, userID string) (bool, error) {
	sessions, err := s.FindByUser(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, sess := range sessions {
		if sess.Status == SessionActive {
			return true, nil
		}
	}
	return false, nil
}

func decodeSession(callID string, m map[string]string) Session {
	sess := Session{
		CallID:      callID,
		OrderID:     m["order_id"],
		CallerID:    m["caller_id"],
		RecipientID: m["recipient_id"],
		Status:      SessionStatus(m["status"]),
	}
	if v := m["call_id"]; v != "" {
		sess.CallID = v
	}
	if ms, err := strconv.ParseInt(m["created_at"], 10, 64); err == nil {
		sess.CreatedAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(m["expires_at"], 10, 64); err == nil {
		sess.ExpiresAt = time.UnixMilli(ms).UTC()
	}
	return sess
}
