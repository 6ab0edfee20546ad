package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/watchmesh/backend/internal/core"
)

// RedisCooldowns keeps the (prober, target) cooldown index in Redis with a
// TTL equal to the cooldown window, so stale pairs expire on their own and
// multiple gateway pods share one index.
type RedisCooldowns struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCooldowns connects to Redis and verifies connectivity.
func NewRedisCooldowns(addr, password string, db int, ttl time.Duration) (*RedisCooldowns, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("cooldown index connected to redis", "addr", addr, "ttl", ttl)
	return &RedisCooldowns{rdb: rdb, prefix: "watchmesh:cooldown:", ttl: ttl}, nil
}

func (r *RedisCooldowns) key(proberID, targetID string) string {
	return r.prefix + proberID + ":" + targetID
}

func (r *RedisCooldowns) LastSubmitted(ctx context.Context, proberID, targetID string) (time.Time, bool, error) {
	val, err := r.rdb.Get(ctx, r.key(proberID, targetID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, core.E(core.Unavailable, "store.LastSubmitted", err)
	}
	at, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, false, core.E(core.Internal, "store.LastSubmitted", err)
	}
	return at, true, nil
}

func (r *RedisCooldowns) Stamp(ctx context.Context, proberID, targetID string, at time.Time) error {
	err := r.rdb.Set(ctx, r.key(proberID, targetID), at.Format(time.RFC3339Nano), r.ttl).Err()
	if err != nil {
		return core.E(core.Unavailable, "store.Stamp", err)
	}
	return nil
}

// Ping verifies connectivity for the health endpoint.
func (r *RedisCooldowns) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

// Close shuts down the client.
func (r *RedisCooldowns) Close() error { return r.rdb.Close() }
