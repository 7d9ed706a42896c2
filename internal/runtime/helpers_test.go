package runtime

import (
	"context"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/matchwatch/internal/runtime/config"
	loggingpkg "github.com/drblury/matchwatch/internal/runtime/logging"
	transportpkg "github.com/drblury/matchwatch/internal/runtime/transport"
)

type testPublisher struct {
	mu        sync.Mutex
	published []string
	messages  []*message.Message
	err       error
}

func (p *testPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	for _, msg := range messages {
		p.published = append(p.published, topic)
		p.messages = append(p.messages, msg)
	}
	return nil
}

func (p *testPublisher) Close() error { return nil }

func (p *testPublisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	clone := make([]string, len(p.published))
	copy(clone, p.published)
	return clone
}

type testSubscriber struct {
	err error
}

func (s *testSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (s *testSubscriber) Close() error { return nil }

type queueSubscriber struct {
	testSubscriber
	pending map[string]int64
	dead    map[string]int64
}

func (q *queueSubscriber) GetPendingCount(topic string) (int64, error) {
	return q.pending[topic], nil
}

func (q *queueSubscriber) GetDeadLetterCount(topic string) (int64, error) {
	return q.dead[topic], nil
}

func staticFactory(pub message.Publisher, sub message.Subscriber) transportpkg.Factory {
	return transportpkg.FactoryFunc(func(context.Context, *configpkg.Config, watermill.LoggerAdapter) (transportpkg.Transport, error) {
		return transportpkg.Transport{Publisher: pub, Subscriber: sub}, nil
	})
}

func channelFactory() transportpkg.Factory {
	return transportpkg.FactoryFunc(func(_ context.Context, _ *configpkg.Config, logger watermill.LoggerAdapter) (transportpkg.Transport, error) {
		ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16, Persistent: true}, logger)
		return transportpkg.Transport{Publisher: ps, Subscriber: ps}, nil
	})
}

func newTestService(t *testing.T, conf *configpkg.Config, deps ServiceDependencies) *Service {
	t.Helper()
	if conf == nil {
		conf = &configpkg.Config{PubSubSystem: "channel"}
	}
	if deps.TransportFactory == nil {
		deps.TransportFactory = channelFactory()
	}
	if deps.Registerer == nil {
		deps.Registerer = prometheus.NewRegistry()
	}
	svc, err := NewService(context.Background(), conf, loggingpkg.Discard(), deps)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []string
	errs    []error
}

func (l *recordingLogger) record(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, msg)
}

func (l *recordingLogger) With(loggingpkg.LogFields) loggingpkg.ServiceLogger { return l }
func (l *recordingLogger) Debug(msg string, _ loggingpkg.LogFields)           { l.record(msg) }
func (l *recordingLogger) Info(msg string, _ loggingpkg.LogFields)            { l.record(msg) }
func (l *recordingLogger) Trace(msg string, _ loggingpkg.LogFields)           { l.record(msg) }
func (l *recordingLogger) Error(msg string, err error, _ loggingpkg.LogFields) {
	l.record(msg)
	l.mu.Lock()
	l.errs = append(l.errs, err)
	l.mu.Unlock()
}

func (l *recordingLogger) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}
