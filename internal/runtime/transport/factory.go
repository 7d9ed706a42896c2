// Package transport connects the runtime to the broker selected by
// PUBSUB_SYSTEM. Importing it registers every supported backend.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/matchwatch/internal/runtime/config"
	errspkg "github.com/drblury/matchwatch/internal/runtime/errors"
	brokers "github.com/drblury/matchwatch/transport"
	_ "github.com/drblury/matchwatch/transport/transports"
)

// Transport is the publisher/subscriber pair the Service runs on.
type Transport = brokers.Transport

// Factory abstracts how the Service obtains its transport, so tests can hand
// in an in-memory pair.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// FactoryFunc adapts a plain function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)

// Build calls f.
func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory builds transports from the broker registry.
func DefaultFactory() Factory {
	return FactoryFunc(func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
		if conf == nil {
			return Transport{}, errspkg.ErrConfigRequired
		}
		return brokers.Build(ctx, conf, logger)
	})
}

// Capabilities reports the delivery guarantees of the configured transport.
func Capabilities(conf *config.Config) brokers.Capabilities {
	if conf == nil {
		return brokers.Capabilities{}
	}
	return brokers.GetCapabilities(conf.GetPubSubSystem())
}
