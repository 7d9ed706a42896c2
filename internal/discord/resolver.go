package discord

import (
	"context"
	"errors"
	"sort"

	"github.com/bwmarrin/discordgo"

	"github.com/drblury/matchwatch/internal/delivery"
)

// Resolver picks a guild's active voice channel from the gateway state cache.
type Resolver struct {
	state *discordgo.State
}

func NewResolver(state *discordgo.State) *Resolver {
	return &Resolver{state: state}
}

// ResolveActiveDestination returns the first voice channel, by position, with
// a member who is not a bot. A guild the bot has not joined has no
// destination.
func (r *Resolver) ResolveActiveDestination(_ context.Context, groupID string) (delivery.Destination, bool, error) {
	guild, err := r.state.Guild(groupID)
	if errors.Is(err, discordgo.ErrStateNotFound) {
		return delivery.Destination{}, false, nil
	}
	if err != nil {
		return delivery.Destination{}, false, err
	}

	selfID := ""
	r.state.RLock()
	if r.state.User != nil {
		selfID = r.state.User.ID
	}
	channels := make([]*discordgo.Channel, 0, len(guild.Channels))
	for _, ch := range guild.Channels {
		if ch.Type == discordgo.ChannelTypeGuildVoice {
			channels = append(channels, ch)
		}
	}
	occupants := make(map[string][]*discordgo.VoiceState)
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID != "" && vs.UserID != selfID {
			occupants[vs.ChannelID] = append(occupants[vs.ChannelID], vs)
		}
	}
	r.state.RUnlock()

	sort.SliceStable(channels, func(i, j int) bool { return channels[i].Position < channels[j].Position })
	for _, ch := range channels {
		for _, vs := range occupants[ch.ID] {
			if !r.isBot(groupID, vs) {
				return delivery.Destination{GroupID: groupID, ChannelID: ch.ID}, true, nil
			}
		}
	}
	return delivery.Destination{}, false, nil
}

func (r *Resolver) isBot(guildID string, vs *discordgo.VoiceState) bool {
	member := vs.Member
	if member == nil || member.User == nil {
		m, err := r.state.Member(guildID, vs.UserID)
		if err != nil {
			return false
		}
		member = m
	}
	return member.User != nil && member.User.Bot
}
