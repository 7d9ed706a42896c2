// Package jetstream provides a NATS JetStream transport backed by a
// work-queue stream. Each topic gets one durable pull consumer that every
// subscriber on the topic fetches from.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/matchwatch/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStreamName is the stream holding every pipeline subject.
	DefaultStreamName = "MATCHWATCH"

	// DefaultMaxDeliver is the default max delivery attempts.
	DefaultMaxDeliver = 5

	// DefaultAckWait is how long the server waits for an ack before redelivery.
	// It has to cover a full voice playback.
	DefaultAckWait = 2 * time.Minute

	// DefaultMaxAge bounds how long unconsumed messages are retained.
	DefaultMaxAge = 7 * 24 * time.Hour

	fetchBatch = 1
	fetchWait  = time.Second
)

var errClosed = errors.New("jetstream: transport is closed")

func init() {
	transport.Register(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build creates a new NATS JetStream transport.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{URL: cfg.GetNATSURL()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
	}, nil
}

// Config holds NATS JetStream-specific configuration.
type Config struct {
	URL        string
	StreamName string
	MaxDeliver int
	AckWait    time.Duration
	MaxAge     time.Duration
	Replicas   int
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

func (c Config) streamConfig() *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:      c.StreamName,
		Subjects:  []string{c.StreamName + ".>"},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
		MaxAge:    c.MaxAge,
		Replicas:  c.Replicas,
	}
}

func (c Config) consumerConfig(topic string) *nats.ConsumerConfig {
	return &nats.ConsumerConfig{
		Durable:       consumerName(topic),
		FilterSubject: c.subject(topic),
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       c.AckWait,
		MaxDeliver:    c.MaxDeliver,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
}

func (c Config) subject(topic string) string {
	return c.StreamName + "." + topic
}

func consumerName(topic string) string {
	return "matchwatch_" + topic
}

// Transport implements Publisher and Subscriber for NATS JetStream.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// New connects to NATS and makes sure the work-queue stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := nats.Connect(cfg.URL, nats.Name("matchwatch"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	t := &Transport{
		nc:     nc,
		js:     js,
		config: cfg,
		logger: logger,
		done:   make(chan struct{}),
	}

	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}

	return t, nil
}

func (t *Transport) ensureStream() error {
	streamCfg := t.config.streamConfig()
	if _, err := t.js.AddStream(streamCfg); err != nil {
		if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return fmt.Errorf("add stream %s: %w", streamCfg.Name, err)
		}
		if _, err := t.js.UpdateStream(streamCfg); err != nil {
			return fmt.Errorf("update stream %s: %w", streamCfg.Name, err)
		}
	}
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Publish sends each message and waits for the stream's ack.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return errClosed
	}

	for _, msg := range messages {
		if _, err := t.js.PublishMsg(toNATS(t.config.subject(topic), msg)); err != nil {
			return fmt.Errorf("publish to %s: %w", topic, err)
		}
	}
	return nil
}

// Subscribe binds to the topic's durable pull consumer.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, errClosed
	}

	consumerCfg := t.config.consumerConfig(topic)
	if _, err := t.js.AddConsumer(t.config.StreamName, consumerCfg); err != nil {
		if _, err = t.js.UpdateConsumer(t.config.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("create consumer for %s: %w", topic, err)
		}
	}

	sub, err := t.js.PullSubscribe(consumerCfg.FilterSubject, consumerCfg.Durable, nats.Bind(t.config.StreamName, consumerCfg.Durable))
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	output := make(chan *message.Message)
	t.wg.Add(1)
	go t.consume(ctx, sub, output, topic)

	return output, nil
}

func (t *Transport) consume(ctx context.Context, sub *nats.Subscription, output chan<- *message.Message, topic string) {
	defer t.wg.Done()
	defer close(output)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return
			}
			t.logger.Error("JetStream fetch failed", err, watermill.LogFields{"topic": topic})
			continue
		}

		for _, natsMsg := range msgs {
			if !t.deliver(ctx, natsMsg, output, topic) {
				return
			}
		}
	}
}

// deliver hands one message to the router and settles it on the server.
// It reports false once the subscription should stop.
func (t *Transport) deliver(ctx context.Context, natsMsg *nats.Msg, output chan<- *message.Message, topic string) bool {
	msg := fromNATS(natsMsg)
	msg.SetContext(ctx)

	select {
	case output <- msg:
	case <-ctx.Done():
		_ = natsMsg.Nak()
		return false
	case <-t.done:
		_ = natsMsg.Nak()
		return false
	}

	select {
	case <-msg.Acked():
		if err := natsMsg.AckSync(); err != nil {
			t.logger.Error("JetStream ack failed", err, watermill.LogFields{"topic": topic, "message_uuid": msg.UUID})
		}
	case <-msg.Nacked():
		if err := natsMsg.Nak(); err != nil {
			t.logger.Error("JetStream nak failed", err, watermill.LogFields{"topic": topic, "message_uuid": msg.UUID})
		}
	case <-ctx.Done():
		return false
	}
	return true
}

// toNATS copies metadata into headers and uses the message UUID as the
// JetStream dedup id.
func toNATS(subject string, msg *message.Message) *nats.Msg {
	headers := nats.Header{}
	for k, v := range msg.Metadata {
		headers.Set(k, v)
	}
	headers.Set(nats.MsgIdHdr, msg.UUID)

	return &nats.Msg{
		Subject: subject,
		Data:    msg.Payload,
		Header:  headers,
	}
}

func fromNATS(natsMsg *nats.Msg) *message.Message {
	id := natsMsg.Header.Get(nats.MsgIdHdr)
	if id == "" {
		id = watermill.NewULID()
	}

	msg := message.NewMessage(id, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if k == nats.MsgIdHdr || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	return msg
}

// Close stops every subscription and closes the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	t.wg.Wait()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	t.nc.Close()
	return nil
}
