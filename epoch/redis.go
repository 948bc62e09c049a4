package epoch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis shares class epochs across processes and survives restarts.
// Optionally a TTL keeps epoch keys from outliving a decommissioned
// namespace; an expired key reads as epoch 0, which is safe (older records
// simply stop being stale-by-epoch and fall back to TTL staleness).
type Redis struct {
	rdb redis.UniversalClient
	ns  string
	ttl time.Duration
}

var _ Store = (*Redis)(nil)

// NewRedis creates a Redis-backed epoch store without key expiry.
func NewRedis(client redis.UniversalClient, namespace string) *Redis {
	return &Redis{rdb: client, ns: namespace}
}

// NewRedisWithTTL creates a Redis-backed epoch store whose keys expire
// after ttl of no invalidation activity. ttl <= 0 disables expiry.
func NewRedisWithTTL(client redis.UniversalClient, namespace string, ttl time.Duration) *Redis {
	return &Redis{rdb: client, ns: namespace, ttl: ttl}
}

func (s *Redis) key(class string) string { return "epoch:" + s.ns + ":" + class }

func (s *Redis) Snapshot(ctx context.Context, class string) (uint64, error) {
	res, err := s.rdb.Get(ctx, s.key(class)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	u, err := strconv.ParseUint(res, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis epoch parse: %w", err)
	}
	return u, nil
}

// Bump atomically increments the class epoch. When a TTL is configured,
// INCR and EXPIRE are pipelined into one round trip.
func (s *Redis) Bump(ctx context.Context, class string) (uint64, error) {
	k := s.key(class)
	if s.ttl <= 0 {
		v, err := s.rdb.Incr(ctx, k).Result()
		if err != nil {
			return 0, err
		}
		return uint64(v), nil
	}

	var incr *redis.IntCmd
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.Expire(ctx, k, s.ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return uint64(incr.Val()), nil
}

func (s *Redis) Close(context.Context) error { return s.rdb.Close() }
