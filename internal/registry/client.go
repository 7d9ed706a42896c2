package registry

import (
	"context"
	"time"

	"github.com/drblury/matchwatch/internal/cache"
	"github.com/drblury/matchwatch/internal/model"
	loggingpkg "github.com/drblury/matchwatch/internal/runtime/logging"
)

const (
	// SnapshotKey is the cache key of the registry snapshot.
	SnapshotKey = "summoners_cache"
	// SnapshotTTL bounds how stale the poller's view of the registry can be.
	SnapshotTTL = 5 * time.Minute
)

// Client serves registry snapshots from the cache and falls back to the
// source on a miss.
type Client struct {
	source Source
	cache  *cache.Cache
	logger loggingpkg.ServiceLogger
}

func NewClient(source Source, c *cache.Cache, logger loggingpkg.ServiceLogger) *Client {
	if c == nil {
		c = cache.New(nil, logger)
	}
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	return &Client{source: source, cache: c, logger: logger.With(loggingpkg.LogFields{"component": "registry_client"})}
}

// Snapshot returns the tracked entities. Within SnapshotTTL of a fetch the
// same collection is returned without touching the source.
func (c *Client) Snapshot(ctx context.Context) ([]model.TrackedEntity, error) {
	var entities []model.TrackedEntity
	if c.cache.GetJSON(ctx, SnapshotKey, &entities) && len(entities) > 0 {
		c.logger.Debug("Using cached registry snapshot", loggingpkg.LogFields{"count": len(entities)})
		return entities, nil
	}

	entities, err := c.source.List(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.SetJSON(ctx, SnapshotKey, entities, SnapshotTTL)
	c.logger.Info("Fetched registry snapshot", loggingpkg.LogFields{"count": len(entities)})
	return entities, nil
}
