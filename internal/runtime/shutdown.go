package runtime

import (
	"context"
	"time"
)

// DefaultShutdownGrace matches the default router close timeout.
const DefaultShutdownGrace = 30 * time.Second

// WithShutdownGrace returns a context that ignores the cancellation of ctx for
// up to grace. Handlers use it for work that must not be cut off halfway once
// it has started, such as a playback or a paid API call. The router waits for
// such handlers for its close timeout, so grace should not exceed it.
//
// The returned context keeps the values of ctx. A non-positive grace uses
// DefaultShutdownGrace.
func WithShutdownGrace(ctx context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}
	detached, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-detached.Done():
		}
	})
	return detached, func() {
		stop()
		cancel()
	}
}
