// Package cache provides the key/value stores with per-key TTL used for
// identity, last-seen and registry snapshot caching.
//
// Stores report failures. Cache wraps a Store and turns every failure into a
// miss (reads) or a no-op (writes), which is how callers consume it.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned by stores that cannot reach their backend.
var ErrUnavailable = errors.New("cache: unavailable")

// Store is a key/value store with per-key expiry.
type Store interface {
	// Get returns the value for key. A missing or expired key is ("", false, nil).
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key for ttl. A ttl of zero means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Unavailable is the store used when no cache backend is configured. Every
// call fails with ErrUnavailable.
type Unavailable struct{}

func (Unavailable) Get(context.Context, string) (string, bool, error) {
	return "", false, ErrUnavailable
}

func (Unavailable) Set(context.Context, string, string, time.Duration) error {
	return ErrUnavailable
}

func (Unavailable) Delete(context.Context, string) error {
	return ErrUnavailable
}
