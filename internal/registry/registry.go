// Package registry manages the set of tracked players: the HTTP registry
// service and its SQL store, the client the other stages use to reach it,
// and the cached snapshot the poller reads every cycle.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/drblury/matchwatch/internal/model"
)

var (
	// ErrValidation marks a request the registry rejected as malformed.
	ErrValidation = errors.New("registry: validation failed")
	// ErrNotFound is returned when an update matches no tracked entity.
	ErrNotFound = errors.New("registry: entity not found")
)

// Registration is the body of POST /add_summoner and POST /update_summoner.
type Registration struct {
	Name     string `json:"summoner_name"`
	Tagline  string `json:"summoner_tagline"`
	GroupID  string `json:"summoner_guild_id"`
	StableID string `json:"summoner_puuid,omitempty"`
}

// Entity returns the tracked entity the registration describes.
func (r Registration) Entity() model.TrackedEntity {
	return model.TrackedEntity{Name: r.Name, Tagline: r.Tagline, GroupID: r.GroupID}
}

// Validate checks the fields every write needs.
func (r Registration) Validate() error {
	var missing []string
	if strings.TrimSpace(r.Name) == "" {
		missing = append(missing, "summoner_name")
	}
	if strings.TrimSpace(r.Tagline) == "" {
		missing = append(missing, "summoner_tagline")
	}
	if strings.TrimSpace(r.GroupID) == "" {
		missing = append(missing, "summoner_guild_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
	}
	return nil
}

// Repository is the backing store of the registry service.
type Repository interface {
	List(ctx context.Context) ([]model.TrackedEntity, error)
	Add(ctx context.Context, reg Registration) error
	Update(ctx context.Context, reg Registration) error
}

// Source lists the tracked entities. The HTTP client and the SQL store both
// satisfy it.
type Source interface {
	List(ctx context.Context) ([]model.TrackedEntity, error)
}
