package ids

import (
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageIDIsMonotonic(t *testing.T) {
	prev := NewMessageID()
	for i := 0; i < 50; i++ {
		next := NewMessageID()
		_, err := ulid.Parse(next)
		require.NoError(t, err)
		assert.Less(t, prev, next)
		prev = next
	}
}

func TestNewMessageIDConcurrentUniqueness(t *testing.T) {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				id := NewMessageID()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 200)
}

func TestTimestamp(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got, ok := Timestamp(newAt(at))
	require.True(t, ok)
	assert.True(t, got.Equal(at))

	_, ok = Timestamp("amq.ctag-not-a-ulid")
	assert.False(t, ok)
}
