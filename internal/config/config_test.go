package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "valet.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %s", cfg.Server.Addr)
	}
	if cfg.Pool.Backend != "memory" {
		t.Errorf("pool backend = %s", cfg.Pool.Backend)
	}
	if cfg.ReactLoop.MaxTurns != 10 {
		t.Errorf("max_turns = %d", cfg.ReactLoop.MaxTurns)
	}
}

func TestLoad_OverridesApplyOverDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
react_loop:
  max_turns: 5
  tool_execution_timeout: 10s
pool:
  backend: sqlite
  path: /tmp/pool.db
triggers:
  enabled: true
  location: Europe/Lisbon
  tasks:
    - id: morning
      tenant_id: tenant-a
      schedule: "0 8 * * *"
      message: Good morning, summarize my day.
      enabled: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %s", cfg.Server.Addr)
	}
	// Unset server fields keep their defaults.
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("read timeout = %v", cfg.Server.ReadTimeout)
	}
	if cfg.ReactLoop.MaxTurns != 5 || cfg.ReactLoop.ToolExecutionTimeout != 10*time.Second {
		t.Errorf("react loop = %+v", cfg.ReactLoop)
	}
	if cfg.Pool.Backend != "sqlite" || cfg.Pool.Path != "/tmp/pool.db" {
		t.Errorf("pool = %+v", cfg.Pool)
	}
	if len(cfg.Triggers.Tasks) != 1 || cfg.Triggers.Tasks[0].ID != "morning" {
		t.Errorf("triggers = %+v", cfg.Triggers)
	}
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("VALET_TEST_KEY", "sk-test-123")
	path := writeConfig(t, `
providers:
  anthropic:
    api_key: ${VALET_TEST_KEY}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-test-123" {
		t.Errorf("api key = %q", cfg.Providers.Anthropic.APIKey)
	}
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
server:
  adress: ":9090"
`)
	if _, err := Load(path); err == nil {
		t.Error("typoed field accepted")
	}
}

func TestLoad_EmptyFileIsDefaults(t *testing.T) {
	path := writeConfig(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %s", cfg.Server.Addr)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults valid", func(c *Config) {}, ""},
		{"bad pool backend", func(c *Config) { c.Pool.Backend = "etcd" }, "pool.backend"},
		{"sqlite needs path", func(c *Config) { c.Pool.Backend = "sqlite"; c.Pool.Path = "" }, "pool.path"},
		{"postgres needs dsn", func(c *Config) { c.Pool.Backend = "postgres" }, "pool.dsn"},
		{"bad provider", func(c *Config) { c.Providers.Default = "llama" }, "providers.default"},
		{"auth needs secret", func(c *Config) { c.Auth.Enabled = true }, "auth.secret"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate() error = %v, want %s", err, tc.wantErr)
			}
		})
	}
}

func TestJSONSchema(t *testing.T) {
	schema, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	for _, field := range []string{"server", "react_loop", "triggers", "providers"} {
		if !strings.Contains(string(schema), field) {
			t.Errorf("schema missing %q", field)
		}
	}
}

func TestAgentPoolConfig(t *testing.T) {
	cfg := Default()
	cfg.Pool.TTL = time.Hour
	cfg.Pool.MaxAgentsPerTenant = 3

	got := cfg.AgentPoolConfig()
	if got.TTL != time.Hour || got.MaxAgentsPerTenant != 3 {
		t.Errorf("pool config = %+v", got)
	}
}
