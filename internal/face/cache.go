package face

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const templateKeyPrefix = "face:template:"

// RedisCache keeps template references in Redis so replicas share one cache
// and a delete on any replica is seen by all of them.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, log *zap.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisCache{client: client, ttl: ttl, log: log}
}

// Get treats any Redis failure as a miss.
func (c *RedisCache) Get(ctx context.Context, userID string) (Template, bool) {
	raw, err := c.client.Get(ctx, templateKeyPrefix+userID).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("template cache get failed", zap.String("user_id", userID), zap.Error(err))
		}
		return Template{}, false
	}
	var t Template
	if err := json.Unmarshal(raw, &t); err != nil {
		return Template{}, false
	}
	return t, true
}

func (c *RedisCache) Set(ctx context.Context, t Template) {
	raw, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, templateKeyPrefix+t.UserID, raw, c.ttl).Err(); err != nil {
		c.log.Warn("template cache set failed", zap.String("user_id", t.UserID), zap.Error(err))
	}
}

// Invalidate must succeed for a delete to be reported as done.
func (c *RedisCache) Invalidate(ctx context.Context, userID string) error {
	return c.client.Del(ctx, templateKeyPrefix+userID).Err()
}
