package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"gitlab.com/nevasik7/alerting/logger"

	"streamlease/internal/config"
	rdb "streamlease/internal/stores/redis"
)

// Cache keeps resolved pair->pools sets in Redis so every instance behind the
// same gateway shares warm lookups.
// prefix example "streamlease:pairs:"
type Cache struct {
	log    logger.Logger
	rdb    *rdb.Client
	ttl    time.Duration
	prefix string
}

func NewCache(log logger.Logger, cfg *config.LookupCacheConfig, rdb *rdb.Client) (*Cache, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required to the redis lookup cache")
	}
	if rdb == nil {
		return nil, fmt.Errorf("redis client is required to the redis lookup cache")
	}

	prefix := cfg.Redis.Prefix
	if prefix == "" {
		prefix = "pairs:"
	}

	return &Cache{
		log:    log,
		rdb:    rdb,
		ttl:    cfg.TTL,
		prefix: prefix,
	}, nil
}

func (c *Cache) Get(ctx context.Context, key string) ([]string, bool) {
	val, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			c.log.Errorf("Redis GET error=%v", err)
		}
		return nil, false
	}

	var pools []string
	if err := json.Unmarshal(val, &pools); err != nil {
		c.log.Errorf("Failed to decode cached pools by key=%s, err=%v", key, err)
		return nil, false
	}
	return pools, true
}

func (c *Cache) Set(ctx context.Context, key string, pools []string) {
	b, err := json.Marshal(pools)
	if err != nil {
		c.log.Errorf("Failed to encode pools by key=%s, err=%v", key, err)
		return
	}
	if err := c.rdb.Set(ctx, c.prefix+key, b, c.ttl).Err(); err != nil {
		c.log.Errorf("Redis SET error=%v", err)
	}
}
