// Package delivery plays enrichment artifacts into the group's active voice
// channel, one playback at a time per process.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/drblury/matchwatch/internal/model"
	"github.com/drblury/matchwatch/internal/runtime"
	handlerpkg "github.com/drblury/matchwatch/internal/runtime/handlers"
	loggingpkg "github.com/drblury/matchwatch/internal/runtime/logging"
)

// ErrSourceMissing marks an artifact whose audio cannot be read or decoded.
// Redelivery cannot fix it, so the message is acked.
var ErrSourceMissing = errors.New("delivery: payload source missing or invalid")

// Destination is a voice channel in a group.
type Destination struct {
	GroupID   string
	ChannelID string
}

// Resolver finds where a group is currently listening.
type Resolver interface {
	ResolveActiveDestination(ctx context.Context, groupID string) (Destination, bool, error)
}

type Connector interface {
	Connect(ctx context.Context, dest Destination) (Connection, error)
}

type Connection interface {
	Stream(ctx context.Context, r io.Reader) error
	Disconnect() error
}

// Renderer turns artifact text into a playable audio file.
type Renderer interface {
	Render(ctx context.Context, text string) (string, error)
}

type Dependencies struct {
	Resolver  Resolver
	Connector Connector
	// Renderer is used when an artifact arrives without an audio path.
	Renderer Renderer
	// Lock defaults to a fresh lock. Share one across every Consumer in the
	// process.
	Lock *PlaybackLock
	// ShutdownGrace bounds how long a playback that holds the lock may run
	// on after shutdown starts. Zero uses runtime.DefaultShutdownGrace.
	ShutdownGrace time.Duration
	Logger        loggingpkg.ServiceLogger
	Metrics       *Metrics
}

// Consumer runs delivery attempts.
type Consumer struct {
	resolver  Resolver
	connector Connector
	renderer  Renderer
	lock      *PlaybackLock
	grace     time.Duration
	logger    loggingpkg.ServiceLogger
	metrics   *Metrics

	open   func(name string) (io.ReadCloser, error)
	remove func(name string) error
	// observe is called on each state change.
	observe func(groupID string, s State)
}

func NewConsumer(deps Dependencies) (*Consumer, error) {
	if deps.Resolver == nil || deps.Connector == nil {
		return nil, errors.New("delivery: resolver and connector are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	c := &Consumer{
		resolver:  deps.Resolver,
		connector: deps.Connector,
		renderer:  deps.Renderer,
		lock:      deps.Lock,
		grace:     deps.ShutdownGrace,
		logger:    logger.With(loggingpkg.LogFields{"component": "delivery"}),
		metrics:   deps.Metrics,
		open:      func(name string) (io.ReadCloser, error) { return os.Open(name) },
		remove:    os.Remove,
		observe:   func(string, State) {},
	}
	if c.lock == nil {
		c.lock = NewPlaybackLock()
	}
	return c, nil
}

// Register attaches the given number of router handlers to queue. They share the
// consumer's PlaybackLock.
func (c *Consumer) Register(svc *runtime.Service, queue string, handlers int) error {
	if handlers < 1 {
		handlers = 1
	}
	for i := range handlers {
		name := "deliver_artifacts"
		if handlers > 1 {
			name = fmt.Sprintf("deliver_artifacts_%d", i+1)
		}
		err := runtime.RegisterJSONConsumer(svc, handlerpkg.JSONConsumerRegistration[*model.EnrichmentArtifact]{
			Name:         name,
			ConsumeQueue: queue,
			Handler: func(ctx context.Context, evt handlerpkg.JSONMessageContext[*model.EnrichmentArtifact]) error {
				return c.Deliver(ctx, *evt.Payload)
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Deliver plays one artifact. A nil return acks the message. Permanent input
// defects are logged and acked. Connect and stream failures are returned so
// the broker redelivers.
func (c *Consumer) Deliver(ctx context.Context, artifact model.EnrichmentArtifact) (err error) {
	started := time.Now()
	log := c.logger.With(loggingpkg.LogFields{"group_id": artifact.GroupID})
	c.observe(artifact.GroupID, StateReceived)

	outcome := "delivered"
	defer func() { c.metrics.observe(outcome, started) }()

	c.observe(artifact.GroupID, StateResolvingDestination)
	dest, ok, err := c.resolver.ResolveActiveDestination(ctx, artifact.GroupID)
	if err != nil {
		outcome = "resolve_failed"
		c.observe(artifact.GroupID, StateDisconnected)
		return fmt.Errorf("resolve destination for %s: %w", artifact.GroupID, err)
	}
	if !ok {
		outcome = "no_destination"
		c.observe(artifact.GroupID, StateDisconnected)
		log.Info("No active voice channel, skipping", nil)
		c.discard(artifact.AudioPath, log)
		return nil
	}
	log = log.With(loggingpkg.LogFields{"channel_id": dest.ChannelID})

	path, owned, err := c.source(ctx, artifact)
	if err != nil {
		c.observe(artifact.GroupID, StateDisconnected)
		if errors.Is(err, ErrSourceMissing) {
			outcome = "source_missing"
			log.Error("Dropping artifact without playable audio", err, nil)
			return nil
		}
		outcome = "render_failed"
		return err
	}
	// Audio rendered here is rendered again on redelivery. Audio handed in by
	// the render stage must survive a nack.
	defer func() {
		if owned || err == nil {
			c.discard(path, log)
		}
	}()

	audio, err := c.open(path)
	if err != nil {
		outcome = "source_missing"
		c.observe(artifact.GroupID, StateDisconnected)
		log.Error("Dropping artifact without playable audio", fmt.Errorf("%w: %w", ErrSourceMissing, err), loggingpkg.LogFields{"audio_path": path})
		return nil
	}
	defer audio.Close()

	c.observe(artifact.GroupID, StateAwaitingLock)
	waitStart := time.Now()
	if err := c.lock.Acquire(ctx); err != nil {
		outcome = "cancelled"
		c.observe(artifact.GroupID, StateDisconnected)
		return fmt.Errorf("acquire playback lock: %w", err)
	}
	defer c.lock.Release()
	c.metrics.waited(time.Since(waitStart))

	// A playback that has started finishes even when shutdown begins.
	playCtx, cancel := runtime.WithShutdownGrace(ctx, c.grace)
	defer cancel()
	outcome, err = c.play(playCtx, dest, audio, artifact.GroupID, log)
	return err
}

// play is the critical section: connect, stream, disconnect.
func (c *Consumer) play(ctx context.Context, dest Destination, audio io.Reader, groupID string, log loggingpkg.ServiceLogger) (string, error) {
	conn, err := c.connector.Connect(ctx, dest)
	if err != nil {
		c.observe(groupID, StateDisconnected)
		return "connect_failed", fmt.Errorf("connect to %s: %w", dest.ChannelID, err)
	}
	c.observe(groupID, StateConnected)

	c.observe(groupID, StateStreaming)
	streamErr := conn.Stream(ctx, audio)

	if err := conn.Disconnect(); err != nil {
		log.Error("Disconnect failed", err, nil)
	}
	c.observe(groupID, StateDisconnected)

	switch {
	case streamErr == nil:
		log.Info("Delivered artifact", nil)
		return "delivered", nil
	case errors.Is(streamErr, ErrSourceMissing):
		log.Error("Dropping artifact with invalid audio", streamErr, nil)
		return "source_missing", nil
	default:
		return "stream_failed", fmt.Errorf("stream to %s: %w", dest.ChannelID, streamErr)
	}
}

// source returns the audio file for artifact and whether it was rendered by
// this call.
func (c *Consumer) source(ctx context.Context, artifact model.EnrichmentArtifact) (string, bool, error) {
	if artifact.AudioPath != "" {
		return artifact.AudioPath, false, nil
	}
	if strings.TrimSpace(artifact.Text) == "" {
		return "", false, fmt.Errorf("%w: artifact has neither text nor audio", ErrSourceMissing)
	}
	if c.renderer == nil {
		return "", false, fmt.Errorf("%w: artifact has no audio and no renderer is configured", ErrSourceMissing)
	}
	path, err := c.renderer.Render(ctx, artifact.Text)
	if err != nil {
		return "", false, fmt.Errorf("render speech: %w", err)
	}
	return path, true, nil
}

func (c *Consumer) discard(path string, log loggingpkg.ServiceLogger) {
	if path == "" {
		return
	}
	if err := c.remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Error("Removing audio file failed", err, loggingpkg.LogFields{"audio_path": path})
	}
}
