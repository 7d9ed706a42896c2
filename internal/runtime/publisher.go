package runtime

import (
	"context"
	"fmt"
	"reflect"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/matchwatch/internal/runtime/errors"
	idspkg "github.com/drblury/matchwatch/internal/runtime/ids"
	"github.com/drblury/matchwatch/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/matchwatch/internal/runtime/metadata"
)

// Producer emits JSON events onto the configured transport.
type Producer interface {
	PublishJSON(ctx context.Context, topic string, event any, md metadatapkg.Metadata) error
}

// NewJSONMessage encodes event into a Watermill message with a ULID identifier
// and the event schema recorded in metadata.
func NewJSONMessage(event any, md metadatapkg.Metadata) (*message.Message, error) {
	if event == nil {
		return nil, errspkg.ErrEventPayloadRequired
	}
	v := reflect.ValueOf(event)
	if v.Kind() == reflect.Ptr && v.IsNil() {
		return nil, errspkg.ErrEventPayloadRequired
	}

	payload, err := jsoncodec.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}

	msg := message.NewMessage(idspkg.NewMessageID(), payload)
	msg.Metadata = metadatapkg.ToWatermill(md)
	msg.Metadata.Set(metadatapkg.KeyEventSchema, reflect.Indirect(v).Type().String())
	return msg, nil
}

// PublishJSON encodes event and publishes it to topic. It returns once the
// transport has accepted the message.
func PublishJSON(ctx context.Context, publisher message.Publisher, topic string, event any, md metadatapkg.Metadata) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	msg, err := NewJSONMessage(event, md)
	if err != nil {
		return err
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return publisher.Publish(topic, msg)
}

// PublishJSON publishes through the Service transport.
func (s *Service) PublishJSON(ctx context.Context, topic string, event any, md metadatapkg.Metadata) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	return PublishJSON(ctx, s.publisher, topic, event, md)
}
