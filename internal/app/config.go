package app

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	configpkg "github.com/drblury/matchwatch/internal/runtime/config"
)

// Role is a pipeline stage a process runs.
type Role string

const (
	RolePoller   Role = "poller"
	RoleEnricher Role = "enricher"
	RoleRenderer Role = "renderer"
	RoleDelivery Role = "delivery"
	RoleRegistry Role = "registry"
	RoleAll      Role = "all"
)

var allRoles = []Role{RoleRegistry, RolePoller, RoleEnricher, RoleRenderer, RoleDelivery}

// ParseRoles accepts role names separated by commas, ignoring case and
// whitespace. "all" expands to every role.
func ParseRoles(values []string) ([]Role, error) {
	var roles []Role
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			name := Role(strings.ToLower(strings.TrimSpace(part)))
			if name == "" {
				continue
			}
			if name == RoleAll {
				return slices.Clone(allRoles), nil
			}
			if !slices.Contains(allRoles, name) {
				return nil, fmt.Errorf("unknown role %q", part)
			}
			if !slices.Contains(roles, name) {
				roles = append(roles, name)
			}
		}
	}
	if len(roles) == 0 {
		return nil, errors.New("at least one role is required")
	}
	return roles, nil
}

// Config is the full process configuration. Fields carry env tags so the
// command can parse them with caarlos0/env before applying flags.
type Config struct {
	Runtime configpkg.Config

	Roles []Role

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	DetectionQueue string `env:"DETECTION_QUEUE" envDefault:"tft_matches"`
	DeliveryQueue  string `env:"DELIVERY_QUEUE" envDefault:"zingers"`
	AudioQueue     string `env:"AUDIO_QUEUE" envDefault:"audio_queue"`
	// RenderStage makes delivery consume AudioQueue because a renderer
	// process renders ahead of it. It is implied when both roles share a
	// process.
	RenderStage bool `env:"RENDER_STAGE"`

	// RedisURL is the cache. Empty keeps the cache in process memory.
	RedisURL string `env:"REDIS_URL"`
	// CacheMemoryFallback keeps dedup markers in memory while Redis is down.
	CacheMemoryFallback bool `env:"CACHE_MEMORY_FALLBACK"`

	// RegistryURL is where the poller and chat commands reach the registry
	// service.
	RegistryURL    string `env:"DATABASE_URL" envDefault:"http://localhost:8000"`
	RegistryDSN    string `env:"REGISTRY_DSN" envDefault:"matchwatch_registry.db"`
	RegistryDriver string `env:"REGISTRY_DRIVER"`
	RegistryPort   int    `env:"REGISTRY_PORT" envDefault:"8000"`

	RiotAPIKey string `env:"RIOT_API_KEY"`
	RiotRegion string `env:"RIOT_REGION" envDefault:"na1"`

	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	AnthropicModel  string `env:"ANTHROPIC_MODEL"`

	DiscordToken string `env:"DISCORD_TOKEN"`
	AudioDir     string `env:"AUDIO_DIR" envDefault:"audio"`
	FFmpegPath   string `env:"FFMPEG_PATH" envDefault:"ffmpeg"`

	RecentWindow      time.Duration `env:"RECENT_WINDOW" envDefault:"15m"`
	EntityDelay       time.Duration `env:"ENTITY_DELAY" envDefault:"1s"`
	CycleInterval     time.Duration `env:"CYCLE_INTERVAL" envDefault:"15s"`
	DeliveryConsumers int           `env:"DELIVERY_CONSUMERS" envDefault:"1"`
}

func (c Config) Has(role Role) bool {
	return slices.Contains(c.Roles, role)
}

// needsBroker reports whether any configured role talks to the queues.
func (c Config) needsBroker() bool {
	return c.Has(RolePoller) || c.Has(RoleEnricher) || c.Has(RoleRenderer) || c.Has(RoleDelivery)
}

// deliveryQueue is the queue the delivery role consumes.
func (c Config) deliveryQueue() string {
	if c.RenderStage || c.Has(RoleRenderer) {
		return c.AudioQueue
	}
	return c.DeliveryQueue
}

// Validate checks what each configured role needs and reports every problem
// at once.
func (c Config) Validate() error {
	if len(c.Roles) == 0 {
		return errors.New("at least one role is required")
	}
	var errs []error
	if c.needsBroker() {
		if err := c.Runtime.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Has(RolePoller) {
		if c.RiotAPIKey == "" {
			errs = append(errs, errors.New("poller: RIOT_API_KEY is required"))
		}
		if c.RegistryURL == "" {
			errs = append(errs, errors.New("poller: DATABASE_URL is required"))
		}
		if c.DetectionQueue == "" {
			errs = append(errs, errors.New("poller: DETECTION_QUEUE is required"))
		}
		if c.CycleInterval <= 0 || c.RecentWindow <= 0 || c.EntityDelay < 0 {
			errs = append(errs, errors.New("poller: intervals must be positive"))
		}
	}
	if c.Has(RoleEnricher) {
		if c.AnthropicAPIKey == "" {
			errs = append(errs, errors.New("enricher: ANTHROPIC_API_KEY is required"))
		}
		if c.DetectionQueue == "" || c.DeliveryQueue == "" {
			errs = append(errs, errors.New("enricher: DETECTION_QUEUE and DELIVERY_QUEUE are required"))
		}
	}
	if c.Has(RoleRenderer) {
		if c.AudioDir == "" || c.AudioQueue == "" {
			errs = append(errs, errors.New("renderer: AUDIO_DIR and AUDIO_QUEUE are required"))
		}
	}
	if c.Has(RoleDelivery) {
		if c.DiscordToken == "" {
			errs = append(errs, errors.New("delivery: DISCORD_TOKEN is required"))
		}
		if c.AudioDir == "" {
			errs = append(errs, errors.New("delivery: AUDIO_DIR is required"))
		}
		if c.DeliveryConsumers < 1 {
			errs = append(errs, fmt.Errorf("delivery: DELIVERY_CONSUMERS must be at least 1, got %d", c.DeliveryConsumers))
		}
	}
	if c.Has(RoleRegistry) {
		if c.RegistryDSN == "" {
			errs = append(errs, errors.New("registry: REGISTRY_DSN is required"))
		}
		if c.RegistryPort <= 0 || c.RegistryPort > 65535 {
			errs = append(errs, fmt.Errorf("registry: invalid port %d", c.RegistryPort))
		}
	}
	return errors.Join(errs...)
}

func (c Config) String() string {
	redacted := c
	redacted.RiotAPIKey = redactSecret(c.RiotAPIKey)
	redacted.AnthropicAPIKey = redactSecret(c.AnthropicAPIKey)
	redacted.DiscordToken = redactSecret(c.DiscordToken)
	redacted.RedisURL = configpkg.RedactURL(c.RedisURL)
	redacted.RegistryURL = configpkg.RedactURL(c.RegistryURL)
	redacted.RegistryDSN = configpkg.RedactURL(c.RegistryDSN)
	type configAlias Config
	return fmt.Sprintf("%+v", configAlias(redacted))
}

func redactSecret(s string) string {
	if s == "" {
		return ""
	}
	return "***REDACTED***"
}
