// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"

relay:
  reply_deadline: "8s"
  process_timeout: "45s"

agent:
  url: "http://agent.local"
  timeout: "20s"

transcription:
  proxy_url: "http://stt.local"
  media_timeout: "5s"
  stt_timeout: "15s"

dedupe:
  ttl: "2m"
  max_entries: 500

rate_limit:
  per_second: 1.5
  burst: 5

handoff:
  extra_patterns:
    - "hablar con (una )?persona"

tenants:
  - id: "acme"
    name: "Acme Dental"
    webhook_secret: "s3cret"
    account_sid: "AC123"
    auth_token: "tok"
    messaging_service_sid: "MG123"
    messages:
      handoff: "Care team notified"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Relay.ReplyDeadline != 8*time.Second {
		t.Errorf("Relay.ReplyDeadline = %v, want %v", cfg.Relay.ReplyDeadline, 8*time.Second)
	}
	if cfg.Relay.ProcessTimeout != 45*time.Second {
		t.Errorf("Relay.ProcessTimeout = %v, want %v", cfg.Relay.ProcessTimeout, 45*time.Second)
	}
	if cfg.Agent.Timeout != 20*time.Second {
		t.Errorf("Agent.Timeout = %v, want %v", cfg.Agent.Timeout, 20*time.Second)
	}
	if cfg.Transcription.MediaTimeout != 5*time.Second {
		t.Errorf("Transcription.MediaTimeout = %v, want %v", cfg.Transcription.MediaTimeout, 5*time.Second)
	}
	if cfg.Transcription.STTTimeout != 15*time.Second {
		t.Errorf("Transcription.STTTimeout = %v, want %v", cfg.Transcription.STTTimeout, 15*time.Second)
	}
	if cfg.Dedupe.TTL != 2*time.Minute || cfg.Dedupe.MaxEntries != 500 {
		t.Errorf("Dedupe = %+v, want ttl 2m and 500 entries", cfg.Dedupe)
	}
	if cfg.RateLimit.PerSecond != 1.5 || cfg.RateLimit.Burst != 5 {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
	if len(cfg.Handoff.ExtraPatterns) != 1 {
		t.Errorf("Handoff.ExtraPatterns len = %d, want 1", len(cfg.Handoff.ExtraPatterns))
	}

	if len(cfg.Tenants) != 1 {
		t.Fatalf("len(Tenants) = %d, want 1", len(cfg.Tenants))
	}
	tenant := cfg.Tenants[0]
	if tenant.ID != "acme" || tenant.MessagingServiceSID != "MG123" {
		t.Errorf("tenant = %+v", tenant)
	}
	if tenant.Messages.Handoff != "Care team notified" {
		t.Errorf("Messages.Handoff = %q", tenant.Messages.Handoff)
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v, want enabled with default path", cfg.Metrics)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "config.toml", `
[server]
http_addr = "127.0.0.1:9090"

[database]
path = "./test.db"

[agent]
url = "http://agent.local"

[[tenants]]
id = "acme"
from_number = "+15550001111"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:9090" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if len(cfg.Tenants) != 1 || cfg.Tenants[0].FromNumber != "+15550001111" {
		t.Errorf("Tenants = %+v", cfg.Tenants)
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
agent:
  url: "http://agent.local"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Relay.ReplyDeadline != DefaultReplyDeadline {
		t.Errorf("ReplyDeadline = %v, want %v", cfg.Relay.ReplyDeadline, DefaultReplyDeadline)
	}
	if cfg.Agent.Timeout != DefaultAgentTimeout {
		t.Errorf("Agent.Timeout = %v, want %v", cfg.Agent.Timeout, DefaultAgentTimeout)
	}
	if cfg.Provider.APIBase != DefaultProviderAPI {
		t.Errorf("Provider.APIBase = %q, want %q", cfg.Provider.APIBase, DefaultProviderAPI)
	}
	if cfg.Dedupe.MaxEntries != DefaultDedupeMax {
		t.Errorf("Dedupe.MaxEntries = %d, want %d", cfg.Dedupe.MaxEntries, DefaultDedupeMax)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_AUTH_TOKEN", "from-env")

	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
agent:
  url: "http://agent.local"
tenants:
  - id: "acme"
    auth_token: "${TEST_AUTH_TOKEN}"
    webhook_secret: "${TEST_UNSET_SECRET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Tenants[0].AuthToken != "from-env" {
		t.Errorf("AuthToken = %q, want %q", cfg.Tenants[0].AuthToken, "from-env")
	}
	if cfg.Tenants[0].WebhookSecret != "" {
		t.Errorf("unset env var should expand to empty, got %q", cfg.Tenants[0].WebhookSecret)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
agent:
  url: "http://agent.local"
relay:
  reply_deadline: "soon"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() should fail on invalid duration")
	}
	if !strings.Contains(err.Error(), "relay.reply_deadline") {
		t.Errorf("error should name the field, got %v", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() should fail for missing file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := &Config{
			Server:   ServerConfig{HTTPAddr: ":8080"},
			Database: DatabaseConfig{Path: "./db"},
			Agent:    AgentConfig{URL: "http://agent"},
		}
		c.applyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"tailscale without hostname", func(c *Config) { c.Tailscale.Enabled = true }, "tailscale.hostname"},
		{"tailscale replaces http addr", func(c *Config) {
			c.Server.HTTPAddr = ""
			c.Tailscale.Enabled = true
			c.Tailscale.Hostname = "switchboard"
		}, ""},
		{"missing database", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"missing agent url", func(c *Config) { c.Agent.URL = "" }, "agent.url"},
		{"deadline not shorter than agent timeout", func(c *Config) {
			c.Relay.ReplyDeadline = 30 * time.Second
		}, "reply_deadline"},
		{"tenant without id", func(c *Config) { c.Tenants = []TenantConfig{{}} }, "tenants[0].id"},
		{"duplicate tenant", func(c *Config) {
			c.Tenants = []TenantConfig{{ID: "a"}, {ID: "a"}}
		}, "duplicated"},
		{"both secret forms", func(c *Config) {
			c.Tenants = []TenantConfig{{ID: "a", WebhookSecret: "x", WebhookSecretHash: "y"}}
		}, "not both"},
		{"negative rate limit", func(c *Config) { c.RateLimit.Burst = -1 }, "rate_limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
