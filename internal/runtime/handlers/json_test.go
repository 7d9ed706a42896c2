package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/matchwatch/internal/runtime/errors"
	idspkg "github.com/drblury/matchwatch/internal/runtime/ids"
	loggingpkg "github.com/drblury/matchwatch/internal/runtime/logging"
	metadatapkg "github.com/drblury/matchwatch/internal/runtime/metadata"
)

type incoming struct {
	GroupID string `json:"group_id"`
}

type outgoing struct {
	Text    string `json:"text"`
	GroupID string `json:"group_id"`
}

func nopLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewWatermillServiceLogger(watermill.NopLogger{})
}

func TestBuildJSONHandlerEmitsOutputsWithInheritedMetadata(t *testing.T) {
	handler, err := BuildJSONHandler(func(ctx context.Context, evt JSONMessageContext[*incoming]) ([]JSONMessageOutput[*outgoing], error) {
		require.NotNil(t, ctx)
		assert.Equal(t, "c-1", evt.CorrelationID())
		return []JSONMessageOutput[*outgoing]{{Message: &outgoing{Text: "gg", GroupID: evt.Payload.GroupID}}}, nil
	}, nopLogger())
	require.NoError(t, err)

	msg := message.NewMessage(idspkg.NewMessageID(), []byte(`{"group_id":"G1"}`))
	msg.Metadata.Set(metadatapkg.KeyCorrelationID, "c-1")

	produced, err := handler(msg)
	require.NoError(t, err)
	require.Len(t, produced, 1)
	assert.JSONEq(t, `{"text":"gg","group_id":"G1"}`, string(produced[0].Payload))
	assert.Equal(t, "c-1", produced[0].Metadata.Get(metadatapkg.KeyCorrelationID))
	assert.Equal(t, "handlers.outgoing", produced[0].Metadata.Get(metadatapkg.KeyEventSchema))
}

func TestBuildJSONHandlerMalformedPayloadIsUnprocessable(t *testing.T) {
	handler, err := BuildJSONHandler(func(ctx context.Context, evt JSONMessageContext[*incoming]) ([]JSONMessageOutput[*outgoing], error) {
		t.Fatal("handler must not run for malformed payloads")
		return nil, nil
	}, nopLogger())
	require.NoError(t, err)

	_, err = handler(message.NewMessage(idspkg.NewMessageID(), []byte(`{invalid`)))
	var unprocessable *errspkg.UnprocessableEventError
	require.ErrorAs(t, err, &unprocessable)
	assert.Equal(t, `{invalid`, unprocessable.Payload)
}

func TestBuildJSONHandlerPropagatesHandlerError(t *testing.T) {
	boom := errors.New("generator unavailable")
	handler, err := BuildJSONHandler(func(ctx context.Context, evt JSONMessageContext[*incoming]) ([]JSONMessageOutput[*outgoing], error) {
		return nil, boom
	}, nopLogger())
	require.NoError(t, err)

	_, err = handler(message.NewMessage(idspkg.NewMessageID(), []byte(`{"group_id":"G1"}`)))
	assert.ErrorIs(t, err, boom)
}

func TestBuildJSONConsumer(t *testing.T) {
	var seen string
	consumer, err := BuildJSONConsumer(func(ctx context.Context, evt JSONMessageContext[*incoming]) error {
		seen = evt.Payload.GroupID
		return nil
	}, nopLogger())
	require.NoError(t, err)

	require.NoError(t, consumer(message.NewMessage(idspkg.NewMessageID(), []byte(`{"group_id":"G2"}`))))
	assert.Equal(t, "G2", seen)

	err = consumer(message.NewMessage(idspkg.NewMessageID(), []byte(`[`)))
	var unprocessable *errspkg.UnprocessableEventError
	assert.ErrorAs(t, err, &unprocessable)
}

func TestBuildersRejectMissingHandler(t *testing.T) {
	_, err := BuildJSONHandler[*incoming, *outgoing](nil, nopLogger())
	assert.ErrorIs(t, err, errspkg.ErrHandlerRequired)

	_, err = BuildJSONConsumer[*incoming](nil, nopLogger())
	assert.ErrorIs(t, err, errspkg.ErrHandlerRequired)
}

func TestJSONPrototypeFactoryValidations(t *testing.T) {
	_, err := jsonPrototypeFactory[any]()
	assert.ErrorIs(t, err, errspkg.ErrMessageTypeRequired)

	_, err = jsonPrototypeFactory[incoming]()
	assert.ErrorIs(t, err, errspkg.ErrMessagePointerNeeded)

	factory, err := jsonPrototypeFactory[*incoming]()
	require.NoError(t, err)
	assert.NotSame(t, factory(), factory())
}

func TestConvertJSONOutputsRejectsZeroValue(t *testing.T) {
	msgs, err := convertJSONOutputs[*outgoing](nil, nil)
	require.NoError(t, err)
	assert.Nil(t, msgs)

	_, err = convertJSONOutputs([]JSONMessageOutput[*outgoing]{{Message: nil}}, nil)
	assert.EqualError(t, err, "json handler emitted zero-value message")
}

func TestConvertJSONOutputsPrefersExplicitMetadata(t *testing.T) {
	produced, err := convertJSONOutputs([]JSONMessageOutput[*outgoing]{
		{Message: &outgoing{Text: "a"}, Metadata: metadatapkg.New(metadatapkg.KeyGroupID, "G9")},
	}, metadatapkg.New(metadatapkg.KeyGroupID, "G1"))
	require.NoError(t, err)
	assert.Equal(t, "G9", produced[0].Metadata.Get(metadatapkg.KeyGroupID))
}
