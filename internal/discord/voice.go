package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/drblury/matchwatch/internal/delivery"
	loggingpkg "github.com/drblury/matchwatch/internal/runtime/logging"
)

// drainDelay lets the voice sender flush its last buffered frames before the
// speaking flag is cleared.
const drainDelay = 250 * time.Millisecond

type joinFunc func(guildID, channelID string, mute, deaf bool) (*discordgo.VoiceConnection, error)

// Connector joins voice channels.
type Connector struct {
	join   joinFunc
	logger loggingpkg.ServiceLogger
}

func NewConnector(session *discordgo.Session, logger loggingpkg.ServiceLogger) *Connector {
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	return &Connector{join: session.ChannelVoiceJoin, logger: logger}
}

func (c *Connector) Connect(_ context.Context, dest delivery.Destination) (delivery.Connection, error) {
	vc, err := c.join(dest.GroupID, dest.ChannelID, false, true)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Joined voice channel", loggingpkg.LogFields{"group_id": dest.GroupID, "channel_id": dest.ChannelID})
	return &Connection{link: vc, frames: vc.OpusSend, drain: drainDelay}, nil
}

type voiceLink interface {
	Speaking(b bool) error
	Disconnect() error
}

// Connection streams Ogg Opus audio into a joined voice channel.
type Connection struct {
	link   voiceLink
	frames chan<- []byte
	drain  time.Duration
}

// Stream sends every Opus packet of the Ogg stream in r. The file must carry
// one packet per page, as produced by ffmpeg with -page_duration 20000.
// Audio that cannot be parsed yields delivery.ErrSourceMissing.
func (c *Connection) Stream(ctx context.Context, r io.Reader) error {
	ogg, _, err := oggreader.NewWith(r)
	if err != nil {
		return fmt.Errorf("%w: %w", delivery.ErrSourceMissing, err)
	}
	if c.frames == nil {
		return errors.New("discord: voice connection has no send channel")
	}

	if err := c.link.Speaking(true); err != nil {
		return fmt.Errorf("discord: set speaking: %w", err)
	}
	defer func() { _ = c.link.Speaking(false) }()

	sent := 0
	for {
		page, _, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if sent == 0 {
				return fmt.Errorf("%w: %w", delivery.ErrSourceMissing, err)
			}
			return fmt.Errorf("discord: read audio after %d packets: %w", sent, err)
		}
		if isOpusHeader(page) {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case c.frames <- page:
			sent++
		}
	}

	if sent == 0 {
		return fmt.Errorf("%w: no audio packets", delivery.ErrSourceMissing)
	}
	if c.drain > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(c.drain):
		}
	}
	return nil
}

func (c *Connection) Disconnect() error {
	return c.link.Disconnect()
}

func isOpusHeader(page []byte) bool {
	if len(page) < 8 {
		return false
	}
	sig := string(page[:8])
	return sig == "OpusHead" || sig == "OpusTags"
}
