// Package config handles TwinClaw configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/twinclaw/config.yaml, /config/config.yaml,
// /etc/twinclaw/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "twinclaw", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/twinclaw/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all TwinClaw configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	Signing    SigningConfig    `yaml:"signing"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	WhatsApp   WhatsAppConfig   `yaml:"whatsapp"`
	Pairing    PairingConfig    `yaml:"pairing"`
	Debounce   DebounceConfig   `yaml:"debounce"`
	Chunker    ChunkerConfig    `yaml:"chunker"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Delegation DelegationConfig `yaml:"delegation"`
	EventHub   EventHubConfig   `yaml:"event_hub"`
	Gateway    GatewayConfig    `yaml:"gateway"`
}

// GatewayConfig points at the opaque Gateway collaborator that turns
// normalized inbound messages into reply text. It also backs the STT
// transcription and delegation sub-agent contracts, since all three
// are facets of the same out-of-scope collaborator process.
type GatewayConfig struct {
	BaseURL    string `yaml:"base_url"`
	Token      string `yaml:"token"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// ListenConfig defines the HTTP control-plane server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// SigningConfig defines how the HMAC signing secret for the control
// plane is resolved. SecretEnv names the environment variable holding
// the shared secret; the secret itself is never written to the config
// file.
type SigningConfig struct {
	SecretEnv string `yaml:"secret_env"`
}

// TelegramConfig configures the Telegram Bot API channel adapter.
type TelegramConfig struct {
	Enabled        bool   `yaml:"enabled"`
	BotToken       string `yaml:"bot_token"`
	WebhookURL     string `yaml:"webhook_url"` // empty = long-polling
	PollTimeoutSec int    `yaml:"poll_timeout_sec"`
}

// WhatsAppConfig configures the WhatsApp Business Cloud API channel
// adapter.
type WhatsAppConfig struct {
	Enabled         bool   `yaml:"enabled"`
	AccessToken     string `yaml:"access_token"`
	PhoneNumberID   string `yaml:"phone_number_id"`
	VerifyToken     string `yaml:"verify_token"`     // used to validate the webhook subscription handshake
	GraphAPIVersion string `yaml:"graph_api_version"` // e.g. "v21.0"
}

// PairingConfig configures the DM Pairing Authority (spec §4.1).
type PairingConfig struct {
	// Policy is either "pairing" (challenge unknown senders) or
	// "allowlist" (silently drop unknown senders).
	Policy string `yaml:"policy"`
	// MaxPendingPerChannel bounds how many pairing requests may be
	// pending at once for a single channel.
	MaxPendingPerChannel int `yaml:"max_pending_per_channel"`
	// SeedAllowFrom statically approves these IDs on startup, per channel.
	SeedAllowFrom map[string][]string `yaml:"seed_allow_from"`
	// SeedVCardFiles statically approves phone numbers parsed from these
	// vCard files on startup, per channel.
	SeedVCardFiles map[string][]string `yaml:"seed_vcard_files"`
}

// DebounceConfig configures per-sender inbound message coalescing
// (spec §4.2 step 1).
type DebounceConfig struct {
	Millis int `yaml:"millis"`
	// CoalesceAudio opts into merging audio messages into the same
	// debounce window as text. Default false: audio always flushes
	// immediately (spec §9 open question).
	CoalesceAudio bool `yaml:"coalesce_audio"`
}

// ChunkerConfig configures reply text splitting (spec §4.2 step 5).
type ChunkerConfig struct {
	MinChars int    `yaml:"min_chars"`
	MaxChars int    `yaml:"max_chars"`
	Boundary string `yaml:"boundary"` // "paragraph" or "sentence"
}

// DeliveryConfig configures the durable outbound queue (spec §4.3).
type DeliveryConfig struct {
	BaseMs        int     `yaml:"base_ms"`
	Factor        float64 `yaml:"factor"`
	MaxDelayMs    int     `yaml:"max_delay_ms"`
	MaxAttempts   int     `yaml:"max_attempts"`
	TickMs        int     `yaml:"tick_ms"`
	HumanPacingMs int     `yaml:"human_pacing_ms"`
}

// DelegationConfig configures the delegation DAG orchestrator (spec §4.4).
type DelegationConfig struct {
	MaxNodes          int `yaml:"max_nodes"`
	MaxDepth          int `yaml:"max_depth"`
	MaxConcurrency    int `yaml:"max_concurrency"`
	DefaultMaxRetries int `yaml:"default_max_retries"`
}

// EventHubConfig configures the control-plane streaming hub (spec §4.7).
type EventHubConfig struct {
	AuthTimeoutMs    int `yaml:"auth_timeout_ms"`
	HeartbeatMs      int `yaml:"heartbeat_ms"`
	MaxClientQueueKB int `yaml:"max_client_queue_kb"`
	TickMs           int `yaml:"tick_ms"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${TWINCLAW_SIGNING_SECRET}).
	// This is a convenience for container deployments; the recommended
	// approach is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Signing.SecretEnv == "" {
		c.Signing.SecretEnv = "TWINCLAW_SIGNING_SECRET"
	}
	if c.Pairing.Policy == "" {
		c.Pairing.Policy = "pairing"
	}
	if c.Pairing.MaxPendingPerChannel == 0 {
		c.Pairing.MaxPendingPerChannel = 50
	}
	if c.Debounce.Millis == 0 {
		c.Debounce.Millis = 1500
	}
	if c.Chunker.MinChars == 0 {
		c.Chunker.MinChars = 50
	}
	if c.Chunker.MaxChars == 0 {
		c.Chunker.MaxChars = 800
	}
	if c.Chunker.Boundary == "" {
		c.Chunker.Boundary = "paragraph"
	}
	if c.Delivery.BaseMs == 0 {
		c.Delivery.BaseMs = 1000
	}
	if c.Delivery.Factor == 0 {
		c.Delivery.Factor = 2.0
	}
	if c.Delivery.MaxDelayMs == 0 {
		c.Delivery.MaxDelayMs = 15000
	}
	if c.Delivery.MaxAttempts == 0 {
		c.Delivery.MaxAttempts = 3
	}
	if c.Delivery.TickMs == 0 {
		c.Delivery.TickMs = 500
	}
	if c.Delivery.HumanPacingMs == 0 {
		c.Delivery.HumanPacingMs = 1500
	}
	if c.Delegation.MaxNodes == 0 {
		c.Delegation.MaxNodes = 50
	}
	if c.Delegation.MaxDepth == 0 {
		c.Delegation.MaxDepth = 10
	}
	if c.Delegation.MaxConcurrency == 0 {
		c.Delegation.MaxConcurrency = 4
	}
	if c.Delegation.DefaultMaxRetries == 0 {
		c.Delegation.DefaultMaxRetries = 1
	}
	if c.EventHub.AuthTimeoutMs == 0 {
		c.EventHub.AuthTimeoutMs = 5000
	}
	if c.EventHub.HeartbeatMs == 0 {
		c.EventHub.HeartbeatMs = 30000
	}
	if c.EventHub.MaxClientQueueKB == 0 {
		c.EventHub.MaxClientQueueKB = 200
	}
	if c.EventHub.TickMs == 0 {
		c.EventHub.TickMs = 5000
	}
	if c.Telegram.PollTimeoutSec == 0 {
		c.Telegram.PollTimeoutSec = 30
	}
	if c.WhatsApp.GraphAPIVersion == "" {
		c.WhatsApp.GraphAPIVersion = "v21.0"
	}
	if c.Gateway.TimeoutSec == 0 {
		c.Gateway.TimeoutSec = 60
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	switch c.Pairing.Policy {
	case "pairing", "allowlist":
	default:
		return fmt.Errorf("pairing.policy %q must be \"pairing\" or \"allowlist\"", c.Pairing.Policy)
	}
	switch c.Chunker.Boundary {
	case "paragraph", "sentence":
	default:
		return fmt.Errorf("chunker.boundary %q must be \"paragraph\" or \"sentence\"", c.Chunker.Boundary)
	}
	if c.Chunker.MinChars >= c.Chunker.MaxChars {
		return fmt.Errorf("chunker.min_chars (%d) must be less than chunker.max_chars (%d)", c.Chunker.MinChars, c.Chunker.MaxChars)
	}
	return nil
}

// Default returns a default configuration suitable for local
// development. All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
