package realtime

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const registryKeyPrefix = "rt:conns:"

// Registry records open connection ids per user in Redis so any node can
// resolve a user's current connections. Each member is scored by its last
// activity; entries older than staleAfter are treated as gone (their node
// likely died without unregistering) and pruned on read.
type Registry struct {
	rdb        *redis.Client
	staleAfter time.Duration
	clock      func() time.Time
}

func NewRegistry(rdb *redis.Client, staleAfter time.Duration) *Registry {
	if staleAfter <= 0 {
		staleAfter = 2 * pongWait
	}
	return &Registry{rdb: rdb, staleAfter: staleAfter, clock: time.Now}
}

func registryKey(userID string) string { return registryKeyPrefix + userID }

// Touch adds or refreshes a connection.
func (r *Registry) Touch(ctx context.Context, userID, connID string) error {
	k := registryKey(userID)
	now := r.clock()
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, k, redis.Z{Score: float64(now.UnixMilli()), Member: connID})
		p.PExpire(ctx, k, r.staleAfter)
		return nil
	})
	return err
}

func (r *Registry) Remove(ctx context.Context, userID, connID string) error {
	return r.rdb.ZRem(ctx, registryKey(userID), connID).Err()
}

// List returns live connection ids, most recently active first.
func (r *Registry) List(ctx context.Context, userID string) ([]string, error) {
	k := registryKey(userID)
	cutoff := r.clock().Add(-r.staleAfter).UnixMilli()

	pipe := r.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", "("+strconv.FormatInt(cutoff, 10))
	list := pipe.ZRevRange(ctx, k, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return list.Val(), nil
}
