// Package handlers adapts typed JSON handlers to watermill handler funcs.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/matchwatch/internal/runtime/errors"
	idspkg "github.com/drblury/matchwatch/internal/runtime/ids"
	jsoncodec "github.com/drblury/matchwatch/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/matchwatch/internal/runtime/logging"
	metadatapkg "github.com/drblury/matchwatch/internal/runtime/metadata"
)

// JSONHandlerRegistration wires a typed JSON handler that emits events onto
// PublishQueue. The router publishes the outputs before acking the input.
type JSONHandlerRegistration[T any, O any] struct {
	Name         string
	ConsumeQueue string
	PublishQueue string
	Handler      JSONMessageHandler[T, O]
}

// JSONConsumerRegistration wires a typed JSON handler with no outputs.
type JSONConsumerRegistration[T any] struct {
	Name         string
	ConsumeQueue string
	Handler      JSONConsumer[T]
}

// JSONMessageContext exposes the decoded payload and headers.
type JSONMessageContext[T any] struct {
	Payload  T
	Metadata metadatapkg.Metadata
	Logger   loggingpkg.ServiceLogger
}

// CloneMetadata copies the incoming headers so outputs can extend them.
func (c JSONMessageContext[T]) CloneMetadata() metadatapkg.Metadata {
	return c.Metadata.Clone()
}

func (c JSONMessageContext[T]) CorrelationID() string {
	return c.Metadata[metadatapkg.KeyCorrelationID]
}

// JSONMessageOutput is one event emitted by a JSON handler. Nil Metadata
// inherits the incoming headers.
type JSONMessageOutput[T any] struct {
	Message  T
	Metadata metadatapkg.Metadata
}

type JSONMessageHandler[T any, O any] func(ctx context.Context, event JSONMessageContext[T]) ([]JSONMessageOutput[O], error)

type JSONConsumer[T any] func(ctx context.Context, event JSONMessageContext[T]) error

// BuildJSONHandler converts a typed handler into a watermill handler. A payload
// that does not decode yields an UnprocessableEventError.
func BuildJSONHandler[T any, O any](handler JSONMessageHandler[T, O], logger loggingpkg.ServiceLogger) (message.HandlerFunc, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	decode, err := newDecoder[T](logger)
	if err != nil {
		return nil, err
	}

	return func(msg *message.Message) ([]*message.Message, error) {
		event, err := decode(msg)
		if err != nil {
			return nil, err
		}
		outgoing, err := handler(msg.Context(), event)
		if err != nil {
			return nil, err
		}
		return convertJSONOutputs(outgoing, event.Metadata)
	}, nil
}

// BuildJSONConsumer converts a typed consumer into a watermill handler that
// publishes nothing.
func BuildJSONConsumer[T any](handler JSONConsumer[T], logger loggingpkg.ServiceLogger) (message.NoPublishHandlerFunc, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	decode, err := newDecoder[T](logger)
	if err != nil {
		return nil, err
	}

	return func(msg *message.Message) error {
		event, err := decode(msg)
		if err != nil {
			return err
		}
		return handler(msg.Context(), event)
	}, nil
}

func newDecoder[T any](logger loggingpkg.ServiceLogger) (func(*message.Message) (JSONMessageContext[T], error), error) {
	factory, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}
	return func(msg *message.Message) (JSONMessageContext[T], error) {
		typed := factory()
		if err := jsoncodec.Unmarshal(msg.Payload, typed); err != nil {
			return JSONMessageContext[T]{}, errspkg.NewUnprocessableEventError(msg.Payload, fmt.Errorf("decode JSON payload: %w", err))
		}
		md := metadatapkg.FromWatermill(msg.Metadata)
		l := logger
		if l != nil {
			l = l.With(loggingpkg.LogFields{"message_uuid": msg.UUID, metadatapkg.KeyCorrelationID: md[metadatapkg.KeyCorrelationID]})
		}
		return JSONMessageContext[T]{Payload: typed, Metadata: md, Logger: l}, nil
	}, nil
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errspkg.ErrMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrMessagePointerNeeded
	}
	elem := typ.Elem()
	return func() T {
		return reflect.New(elem).Interface().(T)
	}, nil
}

func convertJSONOutputs[T any](outputs []JSONMessageOutput[T], fallback metadatapkg.Metadata) ([]*message.Message, error) {
	if len(outputs) == 0 {
		return nil, nil
	}

	result := make([]*message.Message, len(outputs))
	for i, out := range outputs {
		if reflect.ValueOf(out.Message).IsZero() {
			return nil, errors.New("json handler emitted zero-value message")
		}
		payload, err := jsoncodec.Marshal(out.Message)
		if err != nil {
			return nil, err
		}
		md := out.Metadata
		if md == nil {
			md = fallback
		}
		md = md.With(metadatapkg.KeyEventSchema, schemaName(out.Message))

		msg := message.NewMessage(idspkg.NewMessageID(), payload)
		msg.Metadata = metadatapkg.ToWatermill(md)
		result[i] = msg
	}
	return result, nil
}

// schemaName names a payload type without its pointer marker, for example
// "model.EnrichmentArtifact".
func schemaName(v any) string {
	typ := reflect.TypeOf(v)
	for typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	return typ.String()
}
