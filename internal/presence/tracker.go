package presence

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "presence:user:"
	// seenIndexKey scores user ids by last heartbeat (unix ms) for the retention sweep.
	seenIndexKey = "presence:seen"

	fieldUserID   = "user_id"
	fieldLastSeen = "last_seen"
	fieldOnline   = "online"
	fieldDevice   = "device"
	fieldHint     = "hint"

	sweepBatch = 500
)

// Options tunes record lifetimes. Zero values get defaults.
type Options struct {
	TTL             time.Duration
	OfflineTTL      time.Duration
	OnlineThreshold time.Duration
	Retention       time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.TTL <= 0 {
		out.TTL = 5 * time.Minute
	}
	if out.OfflineTTL <= 0 {
		out.OfflineTTL = time.Minute
	}
	if out.OnlineThreshold <= 0 {
		out.OnlineThreshold = 2 * time.Minute
	}
	if out.Retention <= 0 {
		out.Retention = 10 * time.Minute
	}
	return out
}

var ErrInvalidUser = errors.New("presence: user id required")

// Tracker keeps heartbeat-driven presence in Redis.
type Tracker struct {
	rdb  *redis.Client
	opts Options
	log  *slog.Logger
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewTracker(rdb *redis.Client, opts Options, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{rdb: rdb, opts: opts.withDefaults(), log: log, clock: time.Now}
}

func key(userID string) string { return keyPrefix + userID }

// UpdatePresence upserts an online record and refreshes its TTL.
func (t *Tracker) UpdatePresence(ctx context.Context, userID string, device DeviceType, hint string) error {
	if userID == "" {
		return ErrInvalidUser
	}
	if device == "" {
		device = DeviceWeb
	}
	nowMs := t.clock().UnixMilli()
	k := key(userID)

	_, err := t.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, k,
			fieldUserID, userID,
			fieldLastSeen, nowMs,
			fieldOnline, "1",
			fieldDevice, string(device),
			fieldHint, hint,
		)
		p.PExpire(ctx, k, t.opts.TTL)
		p.ZAdd(ctx, seenIndexKey, redis.Z{Score: float64(nowMs), Member: userID})
		return nil
	})
	return err
}

// MarkOffline flags the record offline and shortens its TTL so that
// "was just online" reads stay accurate briefly.
func (t *Tracker) MarkOffline(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrInvalidUser
	}
	nowMs := t.clock().UnixMilli()
	k := key(userID)

	_, err := t.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, k, fieldOnline, "0")
		p.HSetNX(ctx, k, fieldUserID, userID)
		p.HSetNX(ctx, k, fieldLastSeen, nowMs)
		p.PExpire(ctx, k, t.opts.OfflineTTL)
		return nil
	})
	return err
}

// Get returns the stored record, if any.
func (t *Tracker) Get(ctx context.Context, userID string) (Record, bool, error) {
	if userID == "" {
		return Record{}, false, ErrInvalidUser
	}
	m, err := t.rdb.HGetAll(ctx, key(userID)).Result()
	if err != nil {
		return Record{}, false, err
	}
	if len(m) == 0 {
		return Record{}, false, nil
	}
	return decodeRecord(userID, m), true, nil
}

// IsOnline reports whether the user has a fresh online record.
func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	res, err := t.IsOnlineMany(ctx, []string{userID})
	if err != nil {
		return false, err
	}
	return res[userID], nil
}

// IsOnlineMany resolves many users in a single pipelined round trip.
func (t *Tracker) IsOnlineMany(ctx context.Context, userIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	pipe := t.rdb.Pipeline()
	cmds := make(map[string]*redis.SliceCmd, len(userIDs))
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		cmds[id] = pipe.HMGet(ctx, key(id), fieldOnline, fieldLastSeen)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	now := t.clock()
	for id, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) != 2 {
			out[id] = false
			continue
		}
		online, _ := vals[0].(string)
		seenRaw, _ := vals[1].(string)
		seenMs, perr := strconv.ParseInt(seenRaw, 10, 64)
		if online != "1" || perr != nil {
			out[id] = false
			continue
		}
		// Guards records left online by a process that died without signing off.
		out[id] = now.Sub(time.UnixMilli(seenMs)) <= t.opts.OnlineThreshold
	}
	return out, nil
}

var sweepScript = redis.NewScript(`
-- KEYS[1] = last-seen index
-- ARGV[1] = cutoff (unix ms)
-- ARGV[2] = record key prefix
-- ARGV[3] = batch size
local victims = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, uid in ipairs(victims) do
  redis.call('DEL', ARGV[2] .. uid)
  redis.call('ZREM', KEYS[1], uid)
end
return #victims
`)

// Sweep removes records whose last heartbeat is older than the retention
// bound, regardless of their online flag.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	cutoff := t.clock().Add(-t.opts.Retention).UnixMilli()
	total := 0
	for {
		n, err := sweepScript.Run(ctx, t.rdb, []string{seenIndexKey}, cutoff, keyPrefix, sweepBatch).Int()
		if err != nil {
			return total, err
		}
		total += n
		if n < sweepBatch {
			return total, nil
		}
	}
}

// RunSweeper sweeps every interval until ctx is cancelled. Failures are logged.
func (t *Tracker) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := t.Sweep(ctx)
			if err != nil {
				t.log.Warn("presence sweep failed", "err", err)
				continue
			}
			if n > 0 {
				t.log.Debug("presence sweep", "removed", n)
			}
		}
	}
}

func decodeRecord(userID string, m map[string]string) Record {
	r := Record{
		UserID:         userID,
		IsOnline:       m[fieldOnline] == "1",
		DeviceType:     DeviceType(m[fieldDevice]),
		ConnectionHint: m[fieldHint],
	}
	if ms, err := strconv.ParseInt(m[fieldLastSeen], 10, 64); err == nil {
		r.LastSeenAt = time.UnixMilli(ms).UTC()
	}
	return r
}
