package config

import (
	"time"

	"github.com/mattjoyce/eventgw/internal/auth"
)

// Config represents the complete eventgw configuration. It is built once at
// startup and treated as read-only afterwards.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Slack   SlackConfig   `yaml:"slack"`
	Server  ServerConfig  `yaml:"server"`
	Reply   ReplyConfig   `yaml:"reply"`
	Dedupe  DedupeConfig  `yaml:"dedupe"`
	State   StateConfig   `yaml:"state"`
	Admin   AdminConfig   `yaml:"admin,omitempty"`
	Bot     BotConfig     `yaml:"bot,omitempty"`

	// SourcePath is the file the config was loaded from, empty for env-only.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// SlackConfig holds the app credentials.
type SlackConfig struct {
	BotToken           string        `yaml:"bot_token"`
	SigningSecret      string        `yaml:"signing_secret"`
	APIBaseURL         string        `yaml:"api_base_url,omitempty"`
	TimestampTolerance time.Duration `yaml:"timestamp_tolerance"`
}

// ServerConfig defines the inbound HTTP listener.
type ServerConfig struct {
	Listen     string `yaml:"listen"`
	EventsPath string `yaml:"events_path"`
	// MaxBodySize accepts plain bytes or a KB/MB/GB suffix.
	MaxBodySize     string        `yaml:"max_body_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ReplyConfig tunes the outbound reply dispatcher.
type ReplyConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	// MaxRetries of 0 disables retries.
	MaxRetries  int           `yaml:"max_retries"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	RatePerSec  float64       `yaml:"rate_per_sec"`
	Burst       int           `yaml:"burst"`
}

// DedupeConfig selects where delivery fingerprints are kept.
type DedupeConfig struct {
	// Backend is "memory", "sqlite" or "off".
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path              string        `yaml:"path"`
	DeliveryRetention time.Duration `yaml:"delivery_retention"`
}

// AdminConfig guards the admin endpoints. No tokens means they are not mounted.
type AdminConfig struct {
	Tokens []auth.TokenConfig `yaml:"tokens,omitempty"`
}

// BotConfig tunes handler wording.
type BotConfig struct {
	EchoPrefix         string `yaml:"echo_prefix,omitempty"`
	ShortcutCallbackID string `yaml:"shortcut_callback_id,omitempty"`
}

// ChecksumManifest is the on-disk .checksums format.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendOff    = "off"
)

// Defaults returns a Config with every optional setting filled in.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "eventgw",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Slack: SlackConfig{
			TimestampTolerance: 5 * time.Minute,
		},
		Server: ServerConfig{
			Listen:          "127.0.0.1:3000",
			EventsPath:      "/slack/events",
			MaxBodySize:     "1MB",
			ShutdownTimeout: 5 * time.Second,
		},
		Reply: ReplyConfig{
			Timeout:     5 * time.Second,
			MaxRetries:  2,
			BackoffBase: 250 * time.Millisecond,
			BackoffMax:  2 * time.Second,
		},
		Dedupe: DedupeConfig{
			Backend: BackendMemory,
			TTL:     10 * time.Minute,
		},
		State: StateConfig{
			Path:              "./data/eventgw.db",
			DeliveryRetention: 7 * 24 * time.Hour,
		},
	}
}
