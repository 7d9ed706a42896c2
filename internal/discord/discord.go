// Package discord connects matchwatch to Discord: it finds where a guild is
// listening, plays audio there and answers chat commands.
package discord

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"

	loggingpkg "github.com/drblury/matchwatch/internal/runtime/logging"
)

// Intents needed for voice presence and prefix commands.
const Intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildVoiceStates |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsMessageContent

// Bot owns the gateway session.
type Bot struct {
	Session *discordgo.Session
	logger  loggingpkg.ServiceLogger
}

func NewBot(token string, logger loggingpkg.ServiceLogger) (*Bot, error) {
	if token == "" {
		return nil, errors.New("discord: token is required")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = Intents
	session.StateEnabled = true
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	return &Bot{Session: session, logger: logger.With(loggingpkg.LogFields{"component": "discord"})}, nil
}

// Run opens the gateway and keeps it open until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.Session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		b.logger.Info("Connected to Discord", loggingpkg.LogFields{"user": r.User.Username, "guilds": len(r.Guilds)})
	})
	if err := b.Session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	<-ctx.Done()
	if err := b.Session.Close(); err != nil {
		b.logger.Error("Closing Discord session failed", err, nil)
	}
	return nil
}

func (b *Bot) Resolver() *Resolver {
	return NewResolver(b.Session.State)
}

func (b *Bot) Connector() *Connector {
	return NewConnector(b.Session, b.logger)
}
