// Package matchwatch parses the matchwatch command's environment and flags
// and launches the configured roles.
package matchwatch

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"

	"github.com/drblury/matchwatch/internal/app"
)

// rolesEnv lists the roles to run when no --role flag is given.
const rolesEnv = "MATCHWATCH_ROLES"

// ParseConfig loads defaults from the environment, then applies flags.
func ParseConfig(fs *pflag.FlagSet, args []string) (app.Config, error) {
	cfg, err := env.ParseAs[app.Config]()
	if err != nil {
		return app.Config{}, fmt.Errorf("parse environment: %w", err)
	}

	roles := []string{string(app.RoleAll)}
	if v := strings.TrimSpace(os.Getenv(rolesEnv)); v != "" {
		roles = []string{v}
	}

	fs.StringSliceVar(&roles, "role", roles, "Roles to run: registry, poller, enricher, renderer, delivery or all")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text or json")
	fs.StringVar(&cfg.Runtime.PubSubSystem, "pubsub", cfg.Runtime.PubSubSystem, "Queue transport")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis cache URL, empty caches in memory")
	fs.StringVar(&cfg.RegistryURL, "registry-url", cfg.RegistryURL, "Registry service base URL")
	fs.StringVar(&cfg.RegistryDSN, "registry-dsn", cfg.RegistryDSN, "Registry database file or Postgres URL")
	fs.IntVar(&cfg.RegistryPort, "registry-port", cfg.RegistryPort, "Registry service port")
	fs.StringVar(&cfg.RiotRegion, "region", cfg.RiotRegion, "Statistics API platform")
	fs.StringVar(&cfg.AudioDir, "audio-dir", cfg.AudioDir, "Directory for rendered audio")
	fs.BoolVar(&cfg.RenderStage, "render-stage", cfg.RenderStage, "Consume pre-rendered audio from the audio queue")
	fs.DurationVar(&cfg.CycleInterval, "cycle-interval", cfg.CycleInterval, "Pause between polling cycles")
	fs.DurationVar(&cfg.EntityDelay, "entity-delay", cfg.EntityDelay, "Pause between tracked players")
	fs.IntVar(&cfg.DeliveryConsumers, "delivery-consumers", cfg.DeliveryConsumers, "Delivery handlers on the audio queue")
	if args == nil {
		args = []string{}
	}
	if err := fs.Parse(args); err != nil {
		return app.Config{}, err
	}

	cfg.Roles, err = app.ParseRoles(roles)
	if err != nil {
		return app.Config{}, err
	}
	return cfg, nil
}

// Run starts the configured roles and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg app.Config) error {
	return app.Run(ctx, cfg, app.Adapters{})
}
