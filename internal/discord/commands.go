package discord

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/drblury/matchwatch/internal/registry"
	loggingpkg "github.com/drblury/matchwatch/internal/runtime/logging"
)

const (
	CommandPrefix = "!"

	msgBadFormat   = "Summoner info must be of form summoner_name#summoner_tagline"
	msgBadTagline  = "Summoner tagline must be at least 3 characters long and alphanumeric"
	msgBadName     = "Summoner name must be alphanumeric and no spaces"
	msgAddFailed   = "❌ Failed to add summoner"
	msgPong        = "Pong! Bot is working!"
	commandTimeout = 30 * time.Second
)

var (
	taglinePattern = regexp.MustCompile(`^[a-zA-Z0-9]{3,}$`)
	namePattern    = regexp.MustCompile(`^[a-zA-Z0-9]+$`)
)

// IdentityResolver looks up a player's stable id.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, name, tagline string) (string, error)
}

// Registrar stores a new tracked player.
type Registrar interface {
	Add(ctx context.Context, reg registry.Registration) error
}

// Commands answers the prefix commands in guild text channels.
type Commands struct {
	identity  IdentityResolver
	registrar Registrar
	logger    loggingpkg.ServiceLogger
}

func NewCommands(identity IdentityResolver, registrar Registrar, logger loggingpkg.ServiceLogger) *Commands {
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	return &Commands{identity: identity, registrar: registrar, logger: logger.With(loggingpkg.LogFields{"component": "commands"})}
}

// Attach registers the message handler on session.
func (c *Commands) Attach(session *discordgo.Session) func() {
	return session.AddHandler(c.onMessageCreate)
}

func (c *Commands) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	reply, ok := c.Handle(ctx, m.GuildID, m.Content)
	if !ok {
		return
	}
	if _, err := s.ChannelMessageSend(m.ChannelID, reply); err != nil {
		c.logger.Error("Sending reply failed", err, loggingpkg.LogFields{"group_id": m.GuildID, "channel_id": m.ChannelID})
	}
}

// Handle runs the command in content for guildID. ok is false when content is
// not a known command.
func (c *Commands) Handle(ctx context.Context, guildID, content string) (reply string, ok bool) {
	fields := strings.Fields(content)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], CommandPrefix) {
		return "", false
	}

	switch strings.TrimPrefix(fields[0], CommandPrefix) {
	case "ping":
		c.logger.Info("Ping", loggingpkg.LogFields{"group_id": guildID})
		return msgPong, true
	case "add_summoner":
		arg := ""
		if len(fields) > 1 {
			arg = fields[1]
		}
		return c.addSummoner(ctx, guildID, arg), true
	default:
		return "", false
	}
}

func (c *Commands) addSummoner(ctx context.Context, guildID, info string) string {
	log := c.logger.With(loggingpkg.LogFields{"group_id": guildID, "summoner": info})
	log.Info("Received add_summoner", nil)

	if !strings.Contains(info, "#") {
		return msgBadFormat
	}
	parts := strings.Split(info, "#")
	name, tagline := parts[0], parts[1]
	if !taglinePattern.MatchString(tagline) {
		return msgBadTagline
	}
	if !namePattern.MatchString(name) {
		return msgBadName
	}

	if c.identity == nil {
		log.Info("No statistics client configured, cannot resolve summoner", nil)
		return msgAddFailed
	}
	puuid, err := c.identity.ResolveIdentity(ctx, name, tagline)
	if err != nil || puuid == "" {
		log.Error("Resolving summoner failed", err, nil)
		return msgAddFailed
	}

	err = c.registrar.Add(ctx, registry.Registration{
		Name:     name,
		Tagline:  tagline,
		GroupID:  guildID,
		StableID: puuid,
	})
	if err != nil {
		log.Error("Registering summoner failed", err, nil)
		return msgAddFailed
	}

	log.Info("Added summoner", nil)
	return "✅ Summoner " + name + "#" + tagline + " added to the bot"
}
