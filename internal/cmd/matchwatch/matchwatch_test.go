package matchwatch

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/drblury/matchwatch/internal/app"
)

func TestParseConfig_DefaultsRunEveryRole(t *testing.T) {
	fs := pflag.NewFlagSet("matchwatch", pflag.ContinueOnError)

	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if len(cfg.Roles) != 5 {
		t.Fatalf("roles = %v, want all five", cfg.Roles)
	}
	if cfg.DetectionQueue != "tft_matches" || cfg.DeliveryQueue != "zingers" || cfg.AudioQueue != "audio_queue" {
		t.Fatalf("queues = %q %q %q", cfg.DetectionQueue, cfg.DeliveryQueue, cfg.AudioQueue)
	}
	if cfg.CycleInterval != 15*time.Second {
		t.Fatalf("cycle interval = %s, want 15s", cfg.CycleInterval)
	}
	if cfg.Runtime.PubSubSystem != "rabbitmq" {
		t.Fatalf("pubsub = %q, want rabbitmq", cfg.Runtime.PubSubSystem)
	}
}

func TestParseConfig_EnvAndFlags(t *testing.T) {
	t.Setenv("RIOT_API_KEY", "RGAPI-test")
	t.Setenv("REGISTRY_PORT", "9001")
	t.Setenv(rolesEnv, "registry")
	fs := pflag.NewFlagSet("matchwatch", pflag.ContinueOnError)

	cfg, err := ParseConfig(fs, []string{"--role", "poller", "--role", "enricher", "--cycle-interval", "1m", "--pubsub", "channel"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.RiotAPIKey != "RGAPI-test" {
		t.Fatalf("riot key = %q", cfg.RiotAPIKey)
	}
	if cfg.RegistryPort != 9001 {
		t.Fatalf("registry port = %d, want 9001", cfg.RegistryPort)
	}
	if !cfg.Has(app.RolePoller) || !cfg.Has(app.RoleEnricher) || cfg.Has(app.RoleRegistry) {
		t.Fatalf("roles = %v, want flags to replace %s", cfg.Roles, rolesEnv)
	}
	if cfg.CycleInterval != time.Minute {
		t.Fatalf("cycle interval = %s, want 1m", cfg.CycleInterval)
	}
	if cfg.Runtime.PubSubSystem != "channel" {
		t.Fatalf("pubsub = %q, want channel", cfg.Runtime.PubSubSystem)
	}
}

func TestParseConfig_RolesFromEnv(t *testing.T) {
	t.Setenv(rolesEnv, "delivery, renderer")
	fs := pflag.NewFlagSet("matchwatch", pflag.ContinueOnError)

	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if len(cfg.Roles) != 2 || !cfg.Has(app.RoleDelivery) || !cfg.Has(app.RoleRenderer) {
		t.Fatalf("roles = %v", cfg.Roles)
	}
}

func TestParseConfig_Rejects(t *testing.T) {
	if _, err := ParseConfig(pflag.NewFlagSet("matchwatch", pflag.ContinueOnError), []string{"--role", "janitor"}); err == nil {
		t.Fatal("expected unknown role error")
	}
	if _, err := ParseConfig(pflag.NewFlagSet("matchwatch", pflag.ContinueOnError), []string{"--bogus"}); err == nil {
		t.Fatal("expected unknown flag error")
	}

	t.Setenv("CYCLE_INTERVAL", "soon")
	if _, err := ParseConfig(pflag.NewFlagSet("matchwatch", pflag.ContinueOnError), nil); err == nil {
		t.Fatal("expected env parse error")
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	err := Run(context.Background(), app.Config{Roles: []app.Role{app.RolePoller}})
	if err == nil {
		t.Fatal("expected validation error")
	}
}
