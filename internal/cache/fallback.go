package cache

import (
	"context"
	"errors"
	"time"
)

// Fallback reads from Primary and falls back to Secondary when Primary fails.
// Writes go to both so the secondary is warm when the primary drops out.
type Fallback struct {
	Primary   Store
	Secondary Store
}

func (f Fallback) Get(ctx context.Context, key string) (string, bool, error) {
	val, ok, err := f.Primary.Get(ctx, key)
	if err == nil {
		return val, ok, nil
	}
	return f.Secondary.Get(ctx, key)
}

func (f Fallback) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	secondaryErr := f.Secondary.Set(ctx, key, value, ttl)
	if err := f.Primary.Set(ctx, key, value, ttl); err != nil {
		return errors.Join(err, secondaryErr)
	}
	return nil
}

func (f Fallback) Delete(ctx context.Context, key string) error {
	secondaryErr := f.Secondary.Delete(ctx, key)
	if err := f.Primary.Delete(ctx, key); err != nil {
		return errors.Join(err, secondaryErr)
	}
	return nil
}
