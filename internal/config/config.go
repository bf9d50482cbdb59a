// ABOUTME: Configuration loading and parsing for switchboard
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Default timings for the relay. The reply deadline must stay below the
// provider's own webhook timeout (15s for the phone-messaging provider).
const (
	DefaultReplyDeadline  = 10 * time.Second
	DefaultAgentTimeout   = 25 * time.Second
	DefaultProcessTimeout = 60 * time.Second
	DefaultMediaTimeout   = 10 * time.Second
	DefaultSTTTimeout     = 20 * time.Second
	DefaultDedupeTTL      = 10 * time.Minute
	DefaultDedupeMax      = 100_000
	DefaultProviderAPI    = "https://api.twilio.com"
)

// Config represents the complete switchboard configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" toml:"server"`
	Tailscale     TailscaleConfig     `yaml:"tailscale" toml:"tailscale"`
	Database      DatabaseConfig      `yaml:"database" toml:"database"`
	Relay         RelayConfig         `yaml:"relay" toml:"relay"`
	Agent         AgentConfig         `yaml:"agent" toml:"agent"`
	Provider      ProviderConfig      `yaml:"provider" toml:"provider"`
	Transcription TranscriptionConfig `yaml:"transcription" toml:"transcription"`
	Dedupe        DedupeConfig        `yaml:"dedupe" toml:"dedupe"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit" toml:"rate_limit"`
	Handoff       HandoffConfig       `yaml:"handoff" toml:"handoff"`
	Tenants       []TenantConfig      `yaml:"tenants" toml:"tenants"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// PublicURL is the externally reachable base URL, used in startup output
	// so operators can paste the webhook URL into the provider console.
	PublicURL string `yaml:"public_url" toml:"public_url"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Public Funnel so the provider can reach the webhook
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// RelayConfig holds the race dispatcher timings
type RelayConfig struct {
	ReplyDeadline  time.Duration `yaml:"-" toml:"-"`
	ProcessTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ReplyDeadlineRaw  string `yaml:"reply_deadline" toml:"reply_deadline"`
	ProcessTimeoutRaw string `yaml:"process_timeout" toml:"process_timeout"`
}

// AgentConfig points at the automated agent service
type AgentConfig struct {
	URL     string        `yaml:"url" toml:"url"`
	APIKey  string        `yaml:"api_key" toml:"api_key"`
	Timeout time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// ProviderConfig holds the phone-messaging provider REST settings
type ProviderConfig struct {
	APIBase string `yaml:"api_base" toml:"api_base"`
}

// TranscriptionConfig configures the speech-to-text proxy used for voice notes
type TranscriptionConfig struct {
	ProxyURL     string        `yaml:"proxy_url" toml:"proxy_url"`
	APIKey       string        `yaml:"api_key" toml:"api_key"`
	MediaTimeout time.Duration `yaml:"-" toml:"-"`
	STTTimeout   time.Duration `yaml:"-" toml:"-"`

	MediaTimeoutRaw string `yaml:"media_timeout" toml:"media_timeout"`
	STTTimeoutRaw   string `yaml:"stt_timeout" toml:"stt_timeout"`
}

// DedupeConfig sizes the provider redelivery guard
type DedupeConfig struct {
	TTL        time.Duration `yaml:"-" toml:"-"`
	MaxEntries int           `yaml:"max_entries" toml:"max_entries"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// RateLimitConfig bounds inbound traffic per sender. Zero disables limiting.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second" toml:"per_second"`
	Burst     int     `yaml:"burst" toml:"burst"`
}

// HandoffConfig extends the built-in human-handoff phrasings
type HandoffConfig struct {
	ExtraPatterns []string `yaml:"extra_patterns" toml:"extra_patterns"`
}

// TenantConfig seeds a tenant's channel credentials and reply texts.
// Either WebhookSecret (plaintext, hashed on seed) or WebhookSecretHash (bcrypt) may be set.
type TenantConfig struct {
	ID                  string         `yaml:"id" toml:"id"`
	Name                string         `yaml:"name" toml:"name"`
	WebhookSecret       string         `yaml:"webhook_secret" toml:"webhook_secret"`
	WebhookSecretHash   string         `yaml:"webhook_secret_hash" toml:"webhook_secret_hash"`
	RequireSecret       bool           `yaml:"require_secret" toml:"require_secret"`
	AccountSID          string         `yaml:"account_sid" toml:"account_sid"`
	AuthToken           string         `yaml:"auth_token" toml:"auth_token"`
	MessagingServiceSID string         `yaml:"messaging_service_sid" toml:"messaging_service_sid"`
	FromNumber          string         `yaml:"from_number" toml:"from_number"`
	Messages            MessagesConfig `yaml:"messages" toml:"messages"`
}

// MessagesConfig overrides the canned reply texts for a tenant
type MessagesConfig struct {
	Handoff         string `yaml:"handoff" toml:"handoff"`
	AlreadyNotified string `yaml:"already_notified" toml:"already_notified"`
	Placeholder     string `yaml:"placeholder" toml:"placeholder"`
	Fallback        string `yaml:"fallback" toml:"fallback"`
	UnreadableMedia string `yaml:"unreadable_media" toml:"unreadable_media"`
	Error           string `yaml:"error" toml:"error"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in zero values that have a sensible default
func (c *Config) applyDefaults() {
	if c.Relay.ReplyDeadline <= 0 {
		c.Relay.ReplyDeadline = DefaultReplyDeadline
	}
	if c.Relay.ProcessTimeout <= 0 {
		c.Relay.ProcessTimeout = DefaultProcessTimeout
	}
	if c.Agent.Timeout <= 0 {
		c.Agent.Timeout = DefaultAgentTimeout
	}
	if c.Provider.APIBase == "" {
		c.Provider.APIBase = DefaultProviderAPI
	}
	if c.Transcription.MediaTimeout <= 0 {
		c.Transcription.MediaTimeout = DefaultMediaTimeout
	}
	if c.Transcription.STTTimeout <= 0 {
		c.Transcription.STTTimeout = DefaultSTTTimeout
	}
	if c.Dedupe.TTL <= 0 {
		c.Dedupe.TTL = DefaultDedupeTTL
	}
	if c.Dedupe.MaxEntries <= 0 {
		c.Dedupe.MaxEntries = DefaultDedupeMax
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	if c.Agent.URL == "" {
		return errors.New("agent.url is required")
	}

	// The placeholder only helps if it beats the agent; an inverted pair means
	// every slow reply is also a timed-out reply.
	if c.Relay.ReplyDeadline >= c.Agent.Timeout {
		return fmt.Errorf("relay.reply_deadline (%s) must be shorter than agent.timeout (%s)",
			c.Relay.ReplyDeadline, c.Agent.Timeout)
	}

	seen := make(map[string]bool, len(c.Tenants))
	for i, t := range c.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenants[%d].id is required", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("tenants[%d].id %q is duplicated", i, t.ID)
		}
		seen[t.ID] = true
		if t.WebhookSecret != "" && t.WebhookSecretHash != "" {
			return fmt.Errorf("tenant %q: set webhook_secret or webhook_secret_hash, not both", t.ID)
		}
	}

	if c.RateLimit.PerSecond < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate_limit values must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"relay.reply_deadline", cfg.Relay.ReplyDeadlineRaw, &cfg.Relay.ReplyDeadline},
		{"relay.process_timeout", cfg.Relay.ProcessTimeoutRaw, &cfg.Relay.ProcessTimeout},
		{"agent.timeout", cfg.Agent.TimeoutRaw, &cfg.Agent.Timeout},
		{"transcription.media_timeout", cfg.Transcription.MediaTimeoutRaw, &cfg.Transcription.MediaTimeout},
		{"transcription.stt_timeout", cfg.Transcription.STTTimeoutRaw, &cfg.Transcription.STTTimeout},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
