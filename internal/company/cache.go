package company

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cacheKeyPrefix = "company:settings:"

// DefaultCacheTTL bounds how stale cached settings may be.
const DefaultCacheTTL = 5 * time.Minute

// Cache is a read-through Redis cache in front of another Provider. Redis
// failures fall through to the underlying provider.
type Cache struct {
	next Provider
	rdb  *redis.Client
	ttl  time.Duration
	log  *zap.Logger
}

// NewCache wraps next with a Redis cache.
func NewCache(next Provider, rdb *redis.Client, ttl time.Duration, log *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{next: next, rdb: rdb, ttl: ttl, log: log}
}

func cacheKey(companyID int64) string {
	return cacheKeyPrefix + strconv.FormatInt(companyID, 10)
}

// Get returns cached settings or loads and caches them.
func (c *Cache) Get(ctx context.Context, companyID int64) (*Settings, error) {
	key := cacheKey(companyID)
	data, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var s Settings
		if jsonErr := json.Unmarshal(data, &s); jsonErr == nil {
			return &s, nil
		}
		c.log.Warn("Discarding unreadable cached settings", zap.Int64("company_id", companyID))
	case !errors.Is(err, redis.Nil):
		c.log.Warn("Settings cache read failed", zap.Int64("company_id", companyID), zap.Error(err))
	}

	s, err := c.next.Get(ctx, companyID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(s); err == nil {
		if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.log.Warn("Settings cache write failed", zap.Int64("company_id", companyID), zap.Error(err))
		}
	}
	return s, nil
}

// Invalidate drops the cached entry for companyID.
func (c *Cache) Invalidate(ctx context.Context, companyID int64) error {
	return c.rdb.Del(ctx, cacheKey(companyID)).Err()
}

var _ Provider = (*Cache)(nil)
