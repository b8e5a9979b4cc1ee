package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"worklenz-progress/domain"
)

const progressCachePrefix = "pp"

// Cache holds computed progress payloads in Redis so list-view mounts
// can be served without walking subtasks. Entries are written by the
// refresher and evicted synchronously on mutation.
type Cache struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a progress cache using the provided Redis client and
// TTL.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Cache{redis: client, ttl: ttl}
}

// Load returns the cached payload for a task, if any. Redis failures
// and decode failures degrade to a miss; a corrupt entry is dropped.
func (c *Cache) Load(ctx context.Context, teamID, taskID string) (*domain.ProgressPayload, bool) {
	if c == nil || c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, progressCacheKey(teamID, taskID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			_ = c.redis.Del(ctx, progressCacheKey(teamID, taskID)).Err()
		}
		return nil, false
	}
	var payload domain.ProgressPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		_ = c.redis.Del(ctx, progressCacheKey(teamID, taskID)).Err()
		return nil, false
	}
	return &payload, true
}

// Store writes a payload for a task.
func (c *Cache) Store(ctx context.Context, teamID string, payload domain.ProgressPayload) error {
	if c == nil || c.redis == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, progressCacheKey(teamID, payload.ID), data, c.ttl).Err()
}

// Evict drops the cached payloads for the given tasks.
func (c *Cache) Evict(ctx context.Context, teamID string, taskIDs ...string) {
	if c == nil || c.redis == nil || len(taskIDs) == 0 {
		return
	}
	keys := make([]string, len(taskIDs))
	for i, id := range taskIDs {
		keys[i] = progressCacheKey(teamID, id)
	}
	_ = c.redis.Del(ctx, keys...).Err()
}

func progressCacheKey(teamID, taskID string) string {
	return teamID + ":" + progressCachePrefix + ":" + taskID
}
