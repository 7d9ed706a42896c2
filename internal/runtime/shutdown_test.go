package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ctxKey struct{}

func TestWithShutdownGraceOutlivesParent(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.WithValue(context.Background(), ctxKey{}, "v"))
	ctx, cancel := WithShutdownGrace(parent, time.Second)
	defer cancel()

	cancelParent()
	select {
	case <-ctx.Done():
		t.Fatal("context ended with its parent")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, "v", ctx.Value(ctxKey{}))
}

func TestWithShutdownGraceExpires(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.Background())
	ctx, cancel := WithShutdownGrace(parent, 20*time.Millisecond)
	defer cancel()

	cancelParent()
	select {
	case <-ctx.Done():
		require.ErrorIs(t, ctx.Err(), context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("grace period did not expire")
	}
}

func TestWithShutdownGraceCancel(t *testing.T) {
	ctx, cancel := WithShutdownGrace(context.Background(), time.Minute)
	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("cancel did not end the context")
	}
}
