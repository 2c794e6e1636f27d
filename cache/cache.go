package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/eddielth/agri-pipeline/config"
	"github.com/eddielth/agri-pipeline/event"
	"github.com/eddielth/agri-pipeline/logger"
	"github.com/redis/go-redis/v9"
)

var log = logger.For("cache")

// NewClient creates a redis client from cfg
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})
}

// Ping checks the connection, used at startup to log whether caching is available
func Ping(ctx context.Context, rdb redis.Cmdable) error {
	return rdb.Ping(ctx).Err()
}

// RuleCache keeps each field's rule list under rules_list:<field>
type RuleCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewRuleCache creates a rule cache; rdb may be nil to disable caching
func NewRuleCache(rdb redis.Cmdable, ttl time.Duration) *RuleCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RuleCache{rdb: rdb, ttl: ttl}
}

// RuleKey returns the cache key of a field's rules
func RuleKey(fieldID string) string {
	return "rules_list:" + fieldID
}

// Get returns the cached rules for fieldID; ok is false on a miss
func (c *RuleCache) Get(ctx context.Context, fieldID string) (rules []event.Rule, ok bool, err error) {
	if c == nil || c.rdb == nil {
		return nil, false, nil
	}
	raw, err := c.rdb.Get(ctx, RuleKey(fieldID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", RuleKey(fieldID), err)
	}
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", RuleKey(fieldID), err)
	}
	return rules, true, nil
}

// Set stores rules for fieldID with the cache TTL. An empty list is cached too.
func (c *RuleCache) Set(ctx context.Context, fieldID string, rules []event.Rule) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	if rules == nil {
		rules = []event.Rule{}
	}
	raw, err := json.Marshal(rules)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, RuleKey(fieldID), raw, c.ttl).Err()
}

// Invalidate forgets the rules of fieldID; rule owners call it on create and delete
func (c *RuleCache) Invalidate(ctx context.Context, fieldID string) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Del(ctx, RuleKey(fieldID)).Err()
}

// LoadFunc fetches rules from the durable store
type LoadFunc func(ctx context.Context, fieldID string) ([]event.Rule, error)

// GetOrLoad returns cached rules or loads and caches them. Cache errors only cost the cache.
func (c *RuleCache) GetOrLoad(ctx context.Context, fieldID string, load LoadFunc) ([]event.Rule, error) {
	rules, ok, err := c.Get(ctx, fieldID)
	if err != nil {
		log.Warn("rule cache read for %s: %v", fieldID, err)
	}
	if ok {
		return rules, nil
	}

	rules, err = load(ctx, fieldID)
	if err != nil {
		return nil, err
	}
	if err := c.Set(ctx, fieldID, rules); err != nil {
		log.Warn("rule cache write for %s: %v", fieldID, err)
	}
	return rules, nil
}

// PermissionCache keeps ownership decisions under field_access:<user>:<field>
type PermissionCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewPermissionCache creates a permission cache; rdb may be nil to disable caching
func NewPermissionCache(rdb redis.Cmdable, ttl time.Duration) *PermissionCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PermissionCache{rdb: rdb, ttl: ttl}
}

// PermissionKey returns the cache key of one decision
func PermissionKey(userID, fieldID string) string {
	return "field_access:" + userID + ":" + fieldID
}

// Get returns a cached decision; ok is false on a miss or an unreadable entry
func (c *PermissionCache) Get(ctx context.Context, userID, fieldID string) (event.Decision, bool, error) {
	if c == nil || c.rdb == nil {
		return "", false, nil
	}
	raw, err := c.rdb.Get(ctx, PermissionKey(userID, fieldID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	d := event.Decision(raw)
	if !d.Valid() {
		return "", false, nil
	}
	return d, true, nil
}

// Set caches a decision
func (c *PermissionCache) Set(ctx context.Context, userID, fieldID string, d event.Decision) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Set(ctx, PermissionKey(userID, fieldID), string(d), c.ttl).Err()
}
