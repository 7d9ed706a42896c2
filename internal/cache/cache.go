package cache

import (
	"context"
	"time"

	"github.com/drblury/matchwatch/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/matchwatch/internal/runtime/logging"
)

// Cache is the degrading front of a Store: a failed read is a miss and a
// failed write is dropped. Failures are logged and never returned.
type Cache struct {
	store  Store
	logger loggingpkg.ServiceLogger
}

// New wraps store. A nil store behaves as Unavailable.
func New(store Store, logger loggingpkg.ServiceLogger) *Cache {
	if store == nil {
		store = Unavailable{}
	}
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	return &Cache{store: store, logger: logger.With(loggingpkg.LogFields{"component": "cache"})}
}

// Get returns the cached value for key.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	val, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Debug("Cache read failed, treating as miss", loggingpkg.LogFields{"key": key, "error": err.Error()})
		return "", false
	}
	return val, ok
}

// Set stores value for ttl.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if err := c.store.Set(ctx, key, value, ttl); err != nil {
		c.logger.Debug("Cache write failed, skipping", loggingpkg.LogFields{"key": key, "error": err.Error()})
	}
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, key string) {
	if err := c.store.Delete(ctx, key); err != nil {
		c.logger.Error("Cache delete failed", err, loggingpkg.LogFields{"key": key})
	}
}

// GetJSON decodes the cached value for key into v. An undecodable value is a miss.
func (c *Cache) GetJSON(ctx context.Context, key string, v any) bool {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := jsoncodec.Unmarshal([]byte(raw), v); err != nil {
		c.logger.Error("Cached value is not valid JSON", err, loggingpkg.LogFields{"key": key})
		return false
	}
	return true
}

// SetJSON encodes v and stores it for ttl.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	raw, err := jsoncodec.Marshal(v)
	if err != nil {
		c.logger.Error("Encoding cache value failed", err, loggingpkg.LogFields{"key": key})
		return
	}
	c.Set(ctx, key, string(raw), ttl)
}
