// Package config loads and validates the wirebus daemon configuration
// from a TOML or YAML file with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/wirebus/wirebus/internal/bus"
)

// Config holds all wirebus daemon settings.
type Config struct {
	// Addressing namespace shared by every service in a deployment.
	Prefix string `toml:"prefix" yaml:"prefix" env:"WIREBUS_PREFIX"`
	Env    string `toml:"env" yaml:"env" env:"WIREBUS_ENV"`

	// Roles this process runs: any subset of "gateway", "agent".
	Roles []string `toml:"roles" yaml:"roles" env:"WIREBUS_ROLES" envSeparator:","`

	LogLevel string `toml:"log_level" yaml:"log_level" env:"WIREBUS_LOG_LEVEL"`

	Broker  BrokerConfig  `toml:"broker" yaml:"broker"`
	Gateway GatewayConfig `toml:"gateway" yaml:"gateway"`
	Agent   AgentConfig   `toml:"agent" yaml:"agent"`
	Sweeper SweeperConfig `toml:"sweeper" yaml:"sweeper"`
}

// BrokerConfig selects and configures the transport backend.
type BrokerConfig struct {
	// Backend is "redis", "mqtt", or "memory".
	Backend string `toml:"backend" yaml:"backend" env:"WIREBUS_BROKER_BACKEND"`

	RedisAddr     string `toml:"redis_addr" yaml:"redis_addr" env:"WIREBUS_REDIS_ADDR"`
	RedisPassword string `toml:"redis_password" yaml:"redis_password" env:"WIREBUS_REDIS_PASSWORD"`
	RedisDB       int    `toml:"redis_db" yaml:"redis_db" env:"WIREBUS_REDIS_DB"`

	MQTTHost     string `toml:"mqtt_host" yaml:"mqtt_host" env:"WIREBUS_MQTT_HOST"`
	MQTTPort     int    `toml:"mqtt_port" yaml:"mqtt_port" env:"WIREBUS_MQTT_PORT"`
	MQTTUsername string `toml:"mqtt_username" yaml:"mqtt_username" env:"WIREBUS_MQTT_USERNAME"`
	MQTTPassword string `toml:"mqtt_password" yaml:"mqtt_password" env:"WIREBUS_MQTT_PASSWORD"`
}

// GatewayConfig configures the live-session gateway role.
type GatewayConfig struct {
	Listen             string `toml:"listen" yaml:"listen" env:"WIREBUS_GATEWAY_LISTEN"`
	JWTSecret          string `toml:"jwt_secret" yaml:"jwt_secret" env:"WIREBUS_GATEWAY_JWT_SECRET"`
	SpoolPath          string `toml:"spool_path" yaml:"spool_path" env:"WIREBUS_GATEWAY_SPOOL_PATH"`
	IdleTimeoutSeconds int    `toml:"idle_timeout_seconds" yaml:"idle_timeout_seconds" env:"WIREBUS_GATEWAY_IDLE_TIMEOUT_SECONDS"`
}

// IdleTimeout is the configured idle window as a duration.
func (g GatewayConfig) IdleTimeout() time.Duration {
	return time.Duration(g.IdleTimeoutSeconds) * time.Second
}

// AgentConfig configures the agent-orchestration role.
type AgentConfig struct {
	Tiers              []string `toml:"tiers" yaml:"tiers" env:"WIREBUS_AGENT_TIERS" envSeparator:","`
	Concurrency        int      `toml:"concurrency" yaml:"concurrency" env:"WIREBUS_AGENT_CONCURRENCY"`
	MaxIterations      int      `toml:"max_iterations" yaml:"max_iterations" env:"WIREBUS_AGENT_MAX_ITERATIONS"`
	CallTimeoutSeconds int      `toml:"call_timeout_seconds" yaml:"call_timeout_seconds" env:"WIREBUS_AGENT_CALL_TIMEOUT_SECONDS"`
	ModelService       string   `toml:"model_service" yaml:"model_service" env:"WIREBUS_AGENT_MODEL_SERVICE"`
	RAGService         string   `toml:"rag_service" yaml:"rag_service" env:"WIREBUS_AGENT_RAG_SERVICE"`
	TopK               int      `toml:"top_k" yaml:"top_k" env:"WIREBUS_AGENT_TOP_K"`
}

// CallTimeout is the pseudo-sync call timeout as a duration.
func (a AgentConfig) CallTimeout() time.Duration {
	return time.Duration(a.CallTimeoutSeconds) * time.Second
}

// SweeperConfig schedules the maintenance jobs.
type SweeperConfig struct {
	PendingTTLSeconds   int    `toml:"pending_ttl_seconds" yaml:"pending_ttl_seconds" env:"WIREBUS_SWEEPER_PENDING_TTL_SECONDS"`
	SpoolRetentionHours int    `toml:"spool_retention_hours" yaml:"spool_retention_hours" env:"WIREBUS_SWEEPER_SPOOL_RETENTION_HOURS"`
	Schedule            string `toml:"schedule" yaml:"schedule" env:"WIREBUS_SWEEPER_SCHEDULE"`
}

// PendingTTL is the pending-call retention window as a duration.
func (s SweeperConfig) PendingTTL() time.Duration {
	return time.Duration(s.PendingTTLSeconds) * time.Second
}

// SpoolRetention is the spool retention window as a duration.
func (s SweeperConfig) SpoolRetention() time.Duration {
	return time.Duration(s.SpoolRetentionHours) * time.Hour
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Prefix:   "wirebus",
		Env:      "dev",
		Roles:    []string{"gateway", "agent"},
		LogLevel: "info",
		Broker: BrokerConfig{
			Backend:   "redis",
			RedisAddr: "localhost:6379",
			MQTTHost:  "localhost",
			MQTTPort:  1883,
		},
		Gateway: GatewayConfig{
			Listen:             ":8420",
			SpoolPath:          "wirebus-spool.db",
			IdleTimeoutSeconds: 600,
		},
		Agent: AgentConfig{
			Tiers:              tierNames(bus.TiersByPriority),
			Concurrency:        8,
			MaxIterations:      10,
			CallTimeoutSeconds: 60,
			ModelService:       "model",
			RAGService:         "retrieval",
			TopK:               5,
		},
		Sweeper: SweeperConfig{
			PendingTTLSeconds:   300,
			SpoolRetentionHours: 7 * 24,
			Schedule:            "@every 1m",
		},
	}
}

// Load reads path (TOML by default, YAML for .yaml/.yml), applies
// environment overrides, and validates. A missing file is not an
// error; defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to env + defaults
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := decode(path, raw, cfg); err != nil {
				return nil, err
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, raw []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := toml.Unmarshal(raw, cfg); err != nil {
			return fmt.Errorf("parse toml config: %w", err)
		}
	}
	return nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Prefix == "" || strings.Contains(c.Prefix, bus.Separator) {
		return fmt.Errorf("prefix must be non-empty and must not contain %q", bus.Separator)
	}
	if c.Env == "" || strings.Contains(c.Env, bus.Separator) {
		return fmt.Errorf("env must be non-empty and must not contain %q", bus.Separator)
	}
	if len(c.Roles) == 0 {
		return fmt.Errorf("at least one role is required")
	}
	for _, role := range c.Roles {
		switch role {
		case "gateway", "agent":
		default:
			return fmt.Errorf("unknown role %q", role)
		}
	}
	switch c.Broker.Backend {
	case "redis", "mqtt", "memory":
	default:
		return fmt.Errorf("unknown broker backend %q", c.Broker.Backend)
	}
	if c.Agent.Concurrency <= 0 {
		return fmt.Errorf("agent concurrency must be positive")
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent max_iterations must be positive")
	}
	if _, err := c.AgentTiers(); err != nil {
		return err
	}
	if c.HasRole("gateway") && c.Gateway.JWTSecret == "" {
		return fmt.Errorf("gateway role requires jwt_secret")
	}
	return nil
}

// AgentTiers parses the configured tier names in priority order.
func (c *Config) AgentTiers() ([]bus.Tier, error) {
	tiers := make([]bus.Tier, 0, len(c.Agent.Tiers))
	for _, name := range c.Agent.Tiers {
		tier := bus.Tier(name)
		if !tier.Valid() {
			return nil, fmt.Errorf("unknown tier %q", name)
		}
		tiers = append(tiers, tier)
	}
	return tiers, nil
}

// HasRole reports whether the daemon runs the named role.
func (c *Config) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func tierNames(tiers []bus.Tier) []string {
	names := make([]string, len(tiers))
	for i, t := range tiers {
		names[i] = string(t)
	}
	return names
}
