// Package config loads and validates the Valet configuration: YAML
// file with environment expansion, generated JSON schema, and hot
// reload of the react-loop tunables.
package config

import (
	"fmt"
	"time"

	"github.com/haasonsaas/valet/internal/agent"
)

// Config is the root configuration document.
type Config struct {
	Server      ServerConfig          `yaml:"server"`
	Auth        AuthConfig            `yaml:"auth"`
	Providers   ProvidersConfig       `yaml:"providers"`
	ReactLoop   agent.ReactLoopConfig `yaml:"react_loop"`
	Pool        PoolConfig            `yaml:"pool"`
	Credentials StoreConfig           `yaml:"credentials"`
	Memory      StoreConfig           `yaml:"memory"`
	Triggers    TriggersConfig        `yaml:"triggers"`
	Logging     LoggingConfig         `yaml:"logging"`
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig configures bearer-token auth. Disabled when Secret is
// empty and Enabled is false.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`
	Issuer  string `yaml:"issuer"`
	// TokenTTL bounds minted tokens, not inbound validation.
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// ProvidersConfig selects and configures LLM providers.
type ProvidersConfig struct {
	// Default names the provider used when a request has no override:
	// "anthropic" or "openai".
	Default   string         `yaml:"default"`
	Model     string         `yaml:"model"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
}

// ProviderConfig holds one provider's connection settings. APIKey
// supports ${ENV_VAR} expansion at load time.
type ProviderConfig struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	DefaultModel string        `yaml:"default_model"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

// PoolConfig selects and tunes the agent pool persistence.
type PoolConfig struct {
	// Backend: memory, sqlite, or postgres.
	Backend string `yaml:"backend"`
	// Path is the sqlite database file (backend: sqlite).
	Path string `yaml:"path"`
	// DSN is the lib/pq connection string (backend: postgres).
	DSN string `yaml:"dsn"`

	TTL                time.Duration `yaml:"ttl"`
	MaxAgentsPerTenant int           `yaml:"max_agents_per_tenant"`
	WaitingTimeout     time.Duration `yaml:"waiting_timeout"`
	SweepPeriod        time.Duration `yaml:"sweep_period"`
}

// StoreConfig points a sqlite-backed store at its database file.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// TriggersConfig tunes the cron trigger engine.
type TriggersConfig struct {
	Enabled bool `yaml:"enabled"`
	// Location is the IANA timezone for schedules; empty means local.
	Location string              `yaml:"location"`
	Tasks    []TriggerTaskConfig `yaml:"tasks"`
}

// TriggerTaskConfig declares one scheduled task. The message is
// delivered to the orchestrator as a virtual user message.
type TriggerTaskConfig struct {
	ID       string `yaml:"id"`
	TenantID string `yaml:"tenant_id"`
	// SessionID defaults to "trigger:<id>" when empty.
	SessionID string `yaml:"session_id"`
	// Schedule is a cron expression (5 or 6 fields) or a descriptor
	// like @hourly / @every 10m.
	Schedule string `yaml:"schedule"`
	Message  string `yaml:"message"`
	Enabled  bool   `yaml:"enabled"`
}

// LoggingConfig tunes slog output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format: text or json.
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Providers: ProvidersConfig{
			Default: "anthropic",
		},
		ReactLoop: agent.DefaultReactLoopConfig(),
		Pool: PoolConfig{
			Backend:            "memory",
			TTL:                24 * time.Hour,
			MaxAgentsPerTenant: 10,
			WaitingTimeout:     5 * time.Minute,
			SweepPeriod:        time.Minute,
		},
		Credentials: StoreConfig{Path: "valet-credentials.db"},
		Memory:      StoreConfig{Path: "valet-memory.db"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	switch c.Pool.Backend {
	case "", "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("pool.backend must be memory, sqlite, or postgres, got %q", c.Pool.Backend)
	}
	if c.Pool.Backend == "sqlite" && c.Pool.Path == "" {
		return fmt.Errorf("pool.path is required for the sqlite backend")
	}
	if c.Pool.Backend == "postgres" && c.Pool.DSN == "" {
		return fmt.Errorf("pool.dsn is required for the postgres backend")
	}

	switch c.Providers.Default {
	case "", "anthropic", "openai":
	default:
		return fmt.Errorf("providers.default must be anthropic or openai, got %q", c.Providers.Default)
	}

	if c.Auth.Enabled && c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required when auth is enabled")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// AgentPoolConfig converts the pool section into the agent package's
// tuning struct.
func (c *Config) AgentPoolConfig() agent.PoolConfig {
	return agent.PoolConfig{
		TTL:                c.Pool.TTL,
		MaxAgentsPerTenant: c.Pool.MaxAgentsPerTenant,
		WaitingTimeout:     c.Pool.WaitingTimeout,
		SweepPeriod:        c.Pool.SweepPeriod,
	}
}
