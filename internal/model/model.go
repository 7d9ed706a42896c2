// Package model holds the records that travel between the pipeline stages.
package model

import (
	"encoding/json"
	"fmt"
)

// TrackedEntity is one watched player. Entities are unique by name and tagline
// within a guild only.
type TrackedEntity struct {
	Name    string `json:"summoner_name"`
	Tagline string `json:"summoner_tagline"`
	GroupID string `json:"summoner_guild_id"`
}

// Key is the cache key component for the entity. It is the bare name, so two
// guilds tracking the same name share identity and last-seen markers.
func (e TrackedEntity) Key() string {
	return e.Name
}

func (e TrackedEntity) String() string {
	return fmt.Sprintf("%s#%s", e.Name, e.Tagline)
}

// RawEventRecord is published to the detection queue for every newly observed match.
type RawEventRecord struct {
	EventID   string          `json:"match_id"`
	Payload   json.RawMessage `json:"match_data"`
	EntityKey string          `json:"summoner_name"`
	GroupID   string          `json:"guild_id"`
}

// EnrichmentArtifact is the generated line headed for a guild's voice channel.
// AudioPath is only set once the render stage has produced a file.
type EnrichmentArtifact struct {
	Text      string `json:"zinger"`
	GroupID   string `json:"guild_id"`
	AudioPath string `json:"audio_path,omitempty"`
}
