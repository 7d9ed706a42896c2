package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/matchwatch/transport"
)

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, transport.ChannelCapabilities, caps)
	assert.False(t, caps.Durable)
	assert.False(t, caps.AllowsParallelConsumers())
}

func TestBuild_PersistsForLateSubscribers(t *testing.T) {
	tr, err := Build(context.Background(), nil, watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	require.NoError(t, tr.Publisher.Publish("tft_matches", message.NewMessage("m-1", []byte(`{"event_id":"M100"}`))))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msgs, err := tr.Subscriber.Subscribe(ctx, "tft_matches")
	require.NoError(t, err)

	select {
	case msg := <-msgs:
		assert.Equal(t, "m-1", msg.UUID)
		msg.Ack()
	case <-ctx.Done():
		t.Fatal("message published before subscribe was not delivered")
	}
}

func TestBuild_UsesFactory(t *testing.T) {
	original := Factory
	t.Cleanup(func() { Factory = original })

	var got gochannel.Config
	pub := &stubPublisher{}
	sub := &stubSubscriber{}
	Factory = func(cfg gochannel.Config, _ watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
		got = cfg
		return pub, sub
	}

	tr, err := Build(context.Background(), nil, watermill.NopLogger{})

	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)
	assert.Same(t, sub, tr.Subscriber)
	assert.True(t, got.Persistent)
	assert.Equal(t, int64(OutputBuffer), got.OutputChannelBuffer)
}

type stubPublisher struct{ _ int }

func (*stubPublisher) Publish(string, ...*message.Message) error { return nil }
func (*stubPublisher) Close() error                              { return nil }

type stubSubscriber struct{ _ int }

func (*stubSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (*stubSubscriber) Close() error { return nil }
