package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/matchwatch/internal/runtime/errors"
	handlerpkg "github.com/drblury/matchwatch/internal/runtime/handlers"
	"github.com/drblury/matchwatch/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/matchwatch/internal/runtime/metadata"
)

func TestRegisterMessageHandlerRequiresService(t *testing.T) {
	err := RegisterMessageHandler(nil, MessageHandlerRegistration{})
	assert.ErrorIs(t, err, errspkg.ErrServiceRequired)
}

func TestRegisterMessageHandlerValidatesInput(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{DisableDefaultMiddlewares: true})
	noop := func(*message.Message) ([]*message.Message, error) { return nil, nil }

	tests := []struct {
		name string
		reg  MessageHandlerRegistration
		want error
	}{
		{"missing handler", MessageHandlerRegistration{Name: "h", ConsumeQueue: "q"}, errspkg.ErrHandlerRequired},
		{"missing queue", MessageHandlerRegistration{Name: "h", Handler: noop}, errspkg.ErrConsumeQueueRequired},
		{"missing name", MessageHandlerRegistration{ConsumeQueue: "q", Handler: noop}, errspkg.ErrHandlerNameRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, RegisterMessageHandler(svc, tt.reg), tt.want)
		})
	}
	assert.Empty(t, svc.Handlers())
}

func TestRegisterMessageHandlerRecordsInfo(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{DisableDefaultMiddlewares: true})
	noop := func(*message.Message) ([]*message.Message, error) { return nil, nil }

	require.NoError(t, RegisterMessageHandler(svc, MessageHandlerRegistration{Name: "b", ConsumeQueue: "q1", PublishQueue: "q2", Handler: noop}))
	require.NoError(t, RegisterMessageHandler(svc, MessageHandlerRegistration{Name: "a", ConsumeQueue: "q2", Handler: noop}))

	handlers := svc.Handlers()
	require.Len(t, handlers, 2)
	assert.Equal(t, "a", handlers[0].Name)
	assert.Equal(t, "b", handlers[1].Name)
	assert.Equal(t, "q2", handlers[1].PublishQueue)
	assert.NotNil(t, handlers[0].Stats)
}

func TestRegisterJSONHandlerRequiresPublishQueue(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{DisableDefaultMiddlewares: true})
	err := RegisterJSONHandler(svc, handlerpkg.JSONHandlerRegistration[*detectedEvent, *detectedEvent]{
		Name:         "h",
		ConsumeQueue: "in",
		Handler: func(context.Context, handlerpkg.JSONMessageContext[*detectedEvent]) ([]handlerpkg.JSONMessageOutput[*detectedEvent], error) {
			return nil, nil
		},
	})
	assert.ErrorIs(t, err, errspkg.ErrTopicRequired)
}

func TestRegisterJSONConsumerRequiresPointer(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{DisableDefaultMiddlewares: true})
	err := RegisterJSONConsumer(svc, handlerpkg.JSONConsumerRegistration[detectedEvent]{
		Name:         "h",
		ConsumeQueue: "in",
		Handler:      func(context.Context, handlerpkg.JSONMessageContext[detectedEvent]) error { return nil },
	})
	assert.ErrorIs(t, err, errspkg.ErrMessagePointerNeeded)
}

func TestJSONHandlerAndConsumerPipeline(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})

	require.NoError(t, RegisterJSONHandler(svc, handlerpkg.JSONHandlerRegistration[*detectedEvent, *detectedEvent]{
		Name:         "forward",
		ConsumeQueue: "in",
		PublishQueue: "out",
		Handler: func(_ context.Context, evt handlerpkg.JSONMessageContext[*detectedEvent]) ([]handlerpkg.JSONMessageOutput[*detectedEvent], error) {
			return []handlerpkg.JSONMessageOutput[*detectedEvent]{{
				Message:  &detectedEvent{MatchID: evt.Payload.MatchID + "-fwd"},
				Metadata: evt.CloneMetadata().With(metadatapkg.KeyGroupID, "g1"),
			}}, nil
		},
	}))

	type received struct {
		id    string
		group string
		corr  string
	}
	got := make(chan received, 1)
	require.NoError(t, RegisterJSONConsumer(svc, handlerpkg.JSONConsumerRegistration[*detectedEvent]{
		Name:         "sink",
		ConsumeQueue: "out",
		Handler: func(_ context.Context, evt handlerpkg.JSONMessageContext[*detectedEvent]) error {
			got <- received{evt.Payload.MatchID, evt.Metadata[metadatapkg.KeyGroupID], evt.CorrelationID()}
			return nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Start(ctx) }()
	<-svc.Running()

	require.NoError(t, svc.PublishJSON(ctx, "in", &detectedEvent{MatchID: "EUW1_9"}, metadatapkg.New(metadatapkg.KeyCorrelationID, "corr-9")))

	select {
	case r := <-got:
		assert.Equal(t, "EUW1_9-fwd", r.id)
		assert.Equal(t, "g1", r.group)
		assert.Equal(t, "corr-9", r.corr)
	case <-time.After(5 * time.Second):
		t.Fatal("message did not reach the consumer")
	}

	for _, h := range svc.Handlers() {
		assert.Eventually(t, func() bool {
			body, err := jsoncodec.Marshal(h.Stats)
			return err == nil && len(body) > 0 && statsProcessed(h.Stats) == 1
		}, time.Second, 10*time.Millisecond, h.Name)
	}
}

func TestConsumerErrorIsCountedAsFailure(t *testing.T) {
	stats := newHandlerStats()
	boom := errors.New("boom")
	wrapped := wrapConsumerWithStats(func(*message.Message) error { return boom }, stats, nil)

	err := wrapped(message.NewMessage("x", nil))
	require.ErrorIs(t, err, boom)
	assert.EqualValues(t, 1, stats.MessagesFailed)
	assert.EqualValues(t, 1, stats.Errors.Other)
	assert.Zero(t, stats.InFlight)
}

func statsProcessed(s *HandlerStats) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.MessagesProcessed
}
