package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wirebus/wirebus/internal/bus"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Prefix != "wirebus" || cfg.Env != "dev" {
		t.Errorf("namespace = %s:%s", cfg.Prefix, cfg.Env)
	}
	if cfg.Broker.Backend != "redis" {
		t.Errorf("backend = %q", cfg.Broker.Backend)
	}
	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("max_iterations = %d", cfg.Agent.MaxIterations)
	}
	tiers, err := cfg.AgentTiers()
	if err != nil {
		t.Fatal(err)
	}
	if len(tiers) != len(bus.TiersByPriority) || tiers[0] != bus.TierEnterprise {
		t.Errorf("tiers = %v", tiers)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "wirebus.toml", `
prefix = "acme"
env = "prod"
roles = ["agent"]
log_level = "debug"

[broker]
backend = "mqtt"
mqtt_host = "broker.internal"
mqtt_port = 8883

[agent]
tiers = ["enterprise", "free"]
max_iterations = 4
call_timeout_seconds = 30
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Prefix != "acme" || cfg.Env != "prod" {
		t.Errorf("namespace = %s:%s", cfg.Prefix, cfg.Env)
	}
	if cfg.Broker.Backend != "mqtt" || cfg.Broker.MQTTHost != "broker.internal" || cfg.Broker.MQTTPort != 8883 {
		t.Errorf("broker = %+v", cfg.Broker)
	}
	if cfg.Agent.MaxIterations != 4 {
		t.Errorf("max_iterations = %d", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.CallTimeout() != 30*time.Second {
		t.Errorf("call_timeout = %s", cfg.Agent.CallTimeout())
	}
	// Unset keys keep their defaults.
	if cfg.Agent.ModelService != "model" {
		t.Errorf("model_service = %q", cfg.Agent.ModelService)
	}
	tiers, err := cfg.AgentTiers()
	if err != nil {
		t.Fatal(err)
	}
	if len(tiers) != 2 || tiers[0] != bus.TierEnterprise || tiers[1] != bus.TierFree {
		t.Errorf("tiers = %v", tiers)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "wirebus.yaml", `
prefix: acme
env: staging
roles: [gateway, agent]
broker:
  backend: memory
gateway:
  listen: ":9000"
  jwt_secret: sekrit
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Env != "staging" {
		t.Errorf("env = %q", cfg.Env)
	}
	if cfg.Broker.Backend != "memory" {
		t.Errorf("backend = %q", cfg.Broker.Backend)
	}
	if cfg.Gateway.Listen != ":9000" || cfg.Gateway.JWTSecret != "sekrit" {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "wirebus.toml", `
prefix = "acme"
roles = ["agent"]

[broker]
backend = "redis"
redis_addr = "file-host:6379"
`)
	t.Setenv("WIREBUS_REDIS_ADDR", "env-host:6380")
	t.Setenv("WIREBUS_ENV", "prod")
	t.Setenv("WIREBUS_AGENT_TIERS", "professional,free")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.RedisAddr != "env-host:6380" {
		t.Errorf("redis_addr = %q, env override lost", cfg.Broker.RedisAddr)
	}
	if cfg.Env != "prod" {
		t.Errorf("env = %q", cfg.Env)
	}
	tiers, err := cfg.AgentTiers()
	if err != nil {
		t.Fatal(err)
	}
	if len(tiers) != 2 || tiers[0] != bus.TierProfessional {
		t.Errorf("tiers = %v", tiers)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("WIREBUS_GATEWAY_JWT_SECRET", "sekrit")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Prefix != "wirebus" {
		t.Errorf("prefix = %q", cfg.Prefix)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errHas string
	}{
		{"empty prefix", func(c *Config) { c.Prefix = "" }, "prefix"},
		{"separator in prefix", func(c *Config) { c.Prefix = "wire:bus" }, "prefix"},
		{"separator in env", func(c *Config) { c.Env = "pr:od" }, "env"},
		{"no roles", func(c *Config) { c.Roles = nil }, "role"},
		{"unknown role", func(c *Config) { c.Roles = []string{"mailman"} }, `unknown role "mailman"`},
		{"unknown backend", func(c *Config) { c.Broker.Backend = "carrier-pigeon" }, "backend"},
		{"zero iterations", func(c *Config) { c.Agent.MaxIterations = 0 }, "max_iterations"},
		{"zero concurrency", func(c *Config) { c.Agent.Concurrency = 0 }, "concurrency"},
		{"unknown tier", func(c *Config) { c.Agent.Tiers = []string{"platinum"} }, `unknown tier "platinum"`},
		{"gateway without secret", func(c *Config) { c.Gateway.JWTSecret = "" }, "jwt_secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Gateway.JWTSecret = "sekrit"
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation failure")
			}
			if !strings.Contains(err.Error(), tt.errHas) {
				t.Errorf("error %q does not mention %q", err, tt.errHas)
			}
		})
	}
}

func TestAgentOnlyNeedsNoJWTSecret(t *testing.T) {
	cfg := Default()
	cfg.Roles = []string{"agent"}
	cfg.Gateway.JWTSecret = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("agent-only config rejected: %v", err)
	}
}

func TestHasRole(t *testing.T) {
	cfg := Default()
	cfg.Roles = []string{"agent"}
	if !cfg.HasRole("agent") || cfg.HasRole("gateway") {
		t.Error("role membership wrong")
	}
}
