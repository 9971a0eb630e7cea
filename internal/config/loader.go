package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ChecksumFile is the manifest name looked up next to the config file.
const ChecksumFile = ".checksums"

// Load reads configuration from configPath, overlays environment variables and
// validates the result. An empty configPath builds the config from defaults and
// the environment alone.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if configPath != "" {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
		}

		info, err := os.Stat(absPath)
		if err != nil {
			return nil, fmt.Errorf("config file not found: %s\n"+
				"Hint: Check the path or run with --config flag", absPath)
		}
		if info.IsDir() {
			absPath = filepath.Join(absPath, "config.yaml")
		}

		if err := verifyConfigHash(absPath); err != nil {
			return nil, err
		}

		fileCfg, err := loadConfigFile(absPath)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
		cfg.SourcePath = absPath
	}

	applyConfigDefaults(cfg)
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadConfigFile parses one YAML file after ${VAR} interpolation. Unknown keys
// are rejected so typos surface at startup.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolated)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML %s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// verifyConfigHash checks path against a .checksums manifest in the same
// directory. A missing manifest skips verification.
func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(filepath.Join(dir, ChecksumFile)); os.IsNotExist(err) {
		return nil
	}

	manifest, err := LoadChecksums(dir)
	if err != nil {
		return err
	}

	base := filepath.Base(path)
	expected, ok := manifest.Hashes[base]
	if !ok {
		return fmt.Errorf("config file %s has no hash in %s\n"+
			"Run: eventgw config lock --config %s", base, ChecksumFile, path)
	}
	if err := VerifyFileHash(path, expected); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"If you edited this file intentionally, run: eventgw config lock --config %s", path, err, path)
	}
	return nil
}

// applyConfigDefaults fills zero values left by a partial file.
func applyConfigDefaults(cfg *Config) {
	d := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = d.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = d.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = d.Service.LogFormat
	}
	if cfg.Slack.TimestampTolerance == 0 {
		cfg.Slack.TimestampTolerance = d.Slack.TimestampTolerance
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = d.Server.Listen
	}
	if cfg.Server.EventsPath == "" {
		cfg.Server.EventsPath = d.Server.EventsPath
	}
	if cfg.Server.MaxBodySize == "" {
		cfg.Server.MaxBodySize = d.Server.MaxBodySize
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if cfg.Reply.Timeout == 0 {
		cfg.Reply.Timeout = d.Reply.Timeout
	}
	if cfg.Reply.BackoffBase == 0 {
		cfg.Reply.BackoffBase = d.Reply.BackoffBase
	}
	if cfg.Reply.BackoffMax == 0 {
		cfg.Reply.BackoffMax = d.Reply.BackoffMax
	}
	if cfg.Dedupe.Backend == "" {
		cfg.Dedupe.Backend = d.Dedupe.Backend
	}
	if cfg.Dedupe.TTL == 0 {
		cfg.Dedupe.TTL = d.Dedupe.TTL
	}
	if cfg.State.Path == "" {
		cfg.State.Path = d.State.Path
	}
	if cfg.State.DeliveryRetention == 0 {
		cfg.State.DeliveryRetention = d.State.DeliveryRetention
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and caught by validate.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Slack.SigningSecret == "" {
		return fmt.Errorf("slack.signing_secret is required (or set SLACK_SIGNING_SECRET)")
	}
	if cfg.Slack.BotToken == "" {
		return fmt.Errorf("slack.bot_token is required (or set SLACK_BOT_TOKEN)")
	}
	for name, v := range map[string]string{
		"slack.signing_secret": cfg.Slack.SigningSecret,
		"slack.bot_token":      cfg.Slack.BotToken,
	} {
		if envVarPattern.MatchString(v) {
			return fmt.Errorf("%s references an unset environment variable: %s", name, v)
		}
	}
	if cfg.Slack.TimestampTolerance < 0 {
		return fmt.Errorf("slack.timestamp_tolerance must not be negative")
	}
	if cfg.Slack.APIBaseURL != "" {
		u, err := url.Parse(cfg.Slack.APIBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("slack.api_base_url must be an absolute URL (got %q)", cfg.Slack.APIBaseURL)
		}
	}

	if !strings.HasPrefix(cfg.Server.EventsPath, "/") {
		return fmt.Errorf("server.events_path must start with / (got %q)", cfg.Server.EventsPath)
	}
	if _, err := ParseSize(cfg.Server.MaxBodySize); err != nil {
		return fmt.Errorf("server.max_body_size: %w", err)
	}

	if cfg.Reply.Timeout <= 0 {
		return fmt.Errorf("reply.timeout must be positive")
	}
	if cfg.Reply.MaxRetries < 0 {
		return fmt.Errorf("reply.max_retries must not be negative (0 disables retries)")
	}
	if cfg.Reply.RatePerSec < 0 {
		return fmt.Errorf("reply.rate_per_sec must not be negative")
	}

	switch cfg.Dedupe.Backend {
	case BackendMemory, BackendSQLite, BackendOff:
	default:
		return fmt.Errorf("dedupe.backend must be one of: memory, sqlite, off (got %q)", cfg.Dedupe.Backend)
	}
	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	for i, t := range cfg.Admin.Tokens {
		if strings.TrimSpace(t.Token) == "" {
			return fmt.Errorf("admin.tokens[%d].token is empty", i)
		}
		if len(t.Scopes) == 0 {
			return fmt.Errorf("admin.tokens[%d].scopes is empty", i)
		}
	}
	return nil
}

// MaxSize is the largest value ParseSize accepts.
const MaxSize int64 = 4 << 30

// ParseSize parses size strings like "1MB", "512KB" or "2048576" to bytes.
func ParseSize(size string) (int64, error) {
	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)

	switch {
	case strings.HasSuffix(upper, "KB"):
		multiplier = 1024
		upper = strings.TrimSuffix(upper, "KB")
	case strings.HasSuffix(upper, "MB"):
		multiplier = 1024 * 1024
		upper = strings.TrimSuffix(upper, "MB")
	case strings.HasSuffix(upper, "GB"):
		multiplier = 1024 * 1024 * 1024
		upper = strings.TrimSuffix(upper, "GB")
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value %q: %w", size, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}

	if value > MaxSize/multiplier {
		return 0, fmt.Errorf("size %q exceeds the 4GB limit", size)
	}
	return value * multiplier, nil
}
