package runtime

import (
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/matchwatch/internal/runtime/errors"
	handlerpkg "github.com/drblury/matchwatch/internal/runtime/handlers"
)

type handlerRegistration struct {
	Name         string
	ConsumeQueue string
	Subscriber   message.Subscriber
	PublishQueue string
	Publisher    message.Publisher
	Handler      message.HandlerFunc
	NoPublish    message.NoPublishHandlerFunc
}

// MessageHandlerRegistration wires a raw Watermill handler without typed helpers.
// Leave PublishQueue empty for a handler that only consumes.
type MessageHandlerRegistration struct {
	Name         string
	ConsumeQueue string
	PublishQueue string
	Handler      message.HandlerFunc
	Subscriber   message.Subscriber
	Publisher    message.Publisher
}

// RegisterMessageHandler attaches the provided handler to the service router.
func RegisterMessageHandler(svc *Service, cfg MessageHandlerRegistration) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}

	reg := handlerRegistration{
		Name:         cfg.Name,
		ConsumeQueue: cfg.ConsumeQueue,
		PublishQueue: cfg.PublishQueue,
		Subscriber:   cfg.Subscriber,
		Publisher:    cfg.Publisher,
		Handler:      cfg.Handler,
	}
	if cfg.PublishQueue == "" && cfg.Handler != nil {
		h := cfg.Handler
		reg.Handler = nil
		reg.NoPublish = func(msg *message.Message) error {
			_, err := h(msg)
			return err
		}
	}
	return svc.registerHandler(reg)
}

// RegisterJSONHandler converts the typed JSON handler into a Watermill handler
// whose outputs are published to cfg.PublishQueue.
func RegisterJSONHandler[T any, O any](svc *Service, cfg handlerpkg.JSONHandlerRegistration[T, O]) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if cfg.PublishQueue == "" {
		return errspkg.ErrTopicRequired
	}

	wrapped, err := handlerpkg.BuildJSONHandler(cfg.Handler, svc.Logger)
	if err != nil {
		return err
	}

	return svc.registerHandler(handlerRegistration{
		Name:         cfg.Name,
		ConsumeQueue: cfg.ConsumeQueue,
		PublishQueue: cfg.PublishQueue,
		Handler:      wrapped,
	})
}

// RegisterJSONConsumer registers a typed JSON handler that publishes nothing.
func RegisterJSONConsumer[T any](svc *Service, cfg handlerpkg.JSONConsumerRegistration[T]) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}

	wrapped, err := handlerpkg.BuildJSONConsumer(cfg.Handler, svc.Logger)
	if err != nil {
		return err
	}

	return svc.registerHandler(handlerRegistration{
		Name:         cfg.Name,
		ConsumeQueue: cfg.ConsumeQueue,
		NoPublish:    wrapped,
	})
}

func (s *Service) registerHandler(cfg handlerRegistration) error {
	if cfg.Handler == nil && cfg.NoPublish == nil {
		return errspkg.ErrHandlerRequired
	}
	if cfg.ConsumeQueue == "" {
		return errspkg.ErrConsumeQueueRequired
	}
	if cfg.Name == "" {
		return errspkg.ErrHandlerNameRequired
	}
	if cfg.Subscriber == nil {
		cfg.Subscriber = s.subscriber
	}
	if cfg.Publisher == nil {
		cfg.Publisher = s.publisher
	}

	stats := newHandlerStats()
	info := &HandlerInfo{
		Name:         cfg.Name,
		ConsumeQueue: cfg.ConsumeQueue,
		PublishQueue: cfg.PublishQueue,
		Stats:        stats,
	}

	s.handlersMu.Lock()
	s.handlers = append(s.handlers, info)
	s.handlersMu.Unlock()

	if cfg.NoPublish != nil {
		s.router.AddConsumerHandler(
			cfg.Name,
			cfg.ConsumeQueue,
			cfg.Subscriber,
			wrapConsumerWithStats(cfg.NoPublish, stats, s.errorClassifier),
		)
		return nil
	}

	s.router.AddHandler(
		cfg.Name,
		cfg.ConsumeQueue,
		cfg.Subscriber,
		cfg.PublishQueue,
		cfg.Publisher,
		wrapHandlerWithStats(cfg.Handler, stats, s.errorClassifier),
	)
	return nil
}

func wrapHandlerWithStats(handler message.HandlerFunc, stats *HandlerStats, classifier ErrorClassifier) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		start := time.Now()
		stats.onMessageStart(msg, start)
		msgs, err := handler(msg)
		stats.onMessageFinish(time.Since(start), err, classifier)
		return msgs, err
	}
}

func wrapConsumerWithStats(handler message.NoPublishHandlerFunc, stats *HandlerStats, classifier ErrorClassifier) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		start := time.Now()
		stats.onMessageStart(msg, start)
		err := handler(msg)
		stats.onMessageFinish(time.Since(start), err, classifier)
		return err
	}
}
