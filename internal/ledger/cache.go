package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ViewCache caches the under-testing views in Redis with per-location
// versioning. Bumping a location's version orphans every cached view for it
// without scanning keys.
type ViewCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewViewCache instantiates the cache helper. A nil client disables caching.
func NewViewCache(client *redis.Client, ttl time.Duration) *ViewCache {
	return &ViewCache{client: client, ttl: ttl}
}

func (c *ViewCache) version(ctx context.Context, locationID int64) int64 {
	if c == nil || c.client == nil {
		return 0
	}
	ver, err := c.client.Get(ctx, versionKey(locationID)).Int64()
	if err != nil {
		return 0
	}
	return ver
}

// EntriesKey composes the cache key for a location's under-testing entries.
func (c *ViewCache) EntriesKey(ctx context.Context, locationID int64) string {
	return fmt.Sprintf("ledger:undertesting:%d:entries:%d", locationID, c.version(ctx, locationID))
}

// SerialsKey composes the cache key for one product's under-testing serials.
func (c *ViewCache) SerialsKey(ctx context.Context, locationID, productID int64) string {
	return fmt.Sprintf("ledger:undertesting:%d:serials:%d:%d", locationID, productID, c.version(ctx, locationID))
}

// FetchJSON loads a cached value or populates it using the loader.
func (c *ViewCache) FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error {
	if loader == nil {
		return errors.New("ledger: cache loader required")
	}
	if c == nil || c.client == nil {
		value, err := loader(ctx)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, dest)
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		return json.Unmarshal(payload, dest)
	}
	if err != redis.Nil {
		return err
	}
	value, err := loader(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

// Bump invalidates every cached view of a location.
func (c *ViewCache) Bump(ctx context.Context, locationID int64) {
	if c == nil || c.client == nil {
		return
	}
	_ = c.client.Incr(ctx, versionKey(locationID)).Err()
}

func versionKey(locationID int64) string {
	return fmt.Sprintf("ledger:undertesting:%d:version", locationID)
}
