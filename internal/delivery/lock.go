package delivery

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// PlaybackLock admits one holder at a time. Waiters are served in the order
// they arrived.
type PlaybackLock struct {
	sem *semaphore.Weighted
}

func NewPlaybackLock() *PlaybackLock {
	return &PlaybackLock{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the lock is held or ctx is done.
func (l *PlaybackLock) Acquire(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

// tryAcquire takes the lock only if it is free.
func (l *PlaybackLock) tryAcquire() bool {
	return l.sem.TryAcquire(1)
}

func (l *PlaybackLock) Release() {
	l.sem.Release(1)
}
