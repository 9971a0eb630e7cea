package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// envOverrides are read from the process environment and win over the file.
// Secrets are expected here rather than in YAML.
type envOverrides struct {
	BotToken      string        `env:"SLACK_BOT_TOKEN"`
	SigningSecret string        `env:"SLACK_SIGNING_SECRET"`
	APIBaseURL    string        `env:"SLACK_API_BASE_URL"`
	Listen        string        `env:"EVENTGW_LISTEN"`
	EventsPath    string        `env:"EVENTGW_EVENTS_PATH"`
	LogLevel      string        `env:"EVENTGW_LOG_LEVEL"`
	LogFormat     string        `env:"EVENTGW_LOG_FORMAT"`
	StatePath     string        `env:"EVENTGW_STATE_PATH"`
	DedupeBackend string        `env:"EVENTGW_DEDUPE_BACKEND"`
	ReplyTimeout  time.Duration `env:"EVENTGW_REPLY_TIMEOUT"`
}

func applyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Slack.BotToken, o.BotToken)
	set(&cfg.Slack.SigningSecret, o.SigningSecret)
	set(&cfg.Slack.APIBaseURL, o.APIBaseURL)
	set(&cfg.Server.Listen, o.Listen)
	set(&cfg.Server.EventsPath, o.EventsPath)
	set(&cfg.Service.LogLevel, o.LogLevel)
	set(&cfg.Service.LogFormat, o.LogFormat)
	set(&cfg.State.Path, o.StatePath)
	set(&cfg.Dedupe.Backend, o.DedupeBackend)
	if o.ReplyTimeout > 0 {
		cfg.Reply.Timeout = o.ReplyTimeout
	}
	return nil
}
