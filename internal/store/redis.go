// Package store keeps the last known good dispatch snapshot in Redis so a
// restarted dashboard has something to draw before its first fetch.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"dispatch-tracker/internal/dispatch"
	"dispatch-tracker/internal/observability"
)

const (
	DefaultKey = "dispatch:snapshot"
	DefaultTTL = 24 * time.Hour
)

type SnapshotCache struct {
	rdb    *redis.Client
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

// NewSnapshotCache connects and pings. db selects the Redis database.
func NewSnapshotCache(ctx context.Context, addr string, db int, logger *slog.Logger) (*SnapshotCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "redis", "addr", addr)
	logger.Info("redis connected")
	return &SnapshotCache{rdb: rdb, key: DefaultKey, ttl: DefaultTTL, logger: logger}, nil
}

// WithKey devuelve una copia que escribe bajo key (los tests usan claves
// propias).
func (c *SnapshotCache) WithKey(key string) *SnapshotCache {
	cp := *c
	cp.key = key
	return &cp
}

func (c *SnapshotCache) Save(ctx context.Context, snap dispatch.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: encode snapshot: %w", err)
	}
	if err := c.rdb.Set(ctx, c.key, b, c.ttl).Err(); err != nil {
		observability.RedisErrors.Inc()
		return fmt.Errorf("redis SET %s: %w", c.key, err)
	}
	return nil
}

// Load returns the cached snapshot. ok is false when nothing is cached.
func (c *SnapshotCache) Load(ctx context.Context) (snap dispatch.Snapshot, ok bool, err error) {
	b, err := c.rdb.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return dispatch.Snapshot{}, false, nil
	}
	if err != nil {
		observability.RedisErrors.Inc()
		return dispatch.Snapshot{}, false, fmt.Errorf("redis GET %s: %w", c.key, err)
	}
	if err := json.Unmarshal(b, &snap); err != nil {
		// Si no se puede leer, es como si no hubiera nada.
		c.logger.Warn("redis: discarding unreadable snapshot", "err", err)
		return dispatch.Snapshot{}, false, nil
	}
	return snap, true, nil
}

func (c *SnapshotCache) Clear(ctx context.Context) error {
	return c.rdb.Del(ctx, c.key).Err()
}

func (c *SnapshotCache) Close() error {
	return c.rdb.Close()
}
