package webhook

import (
	"fmt"

	"github.com/mattjoyce/eventgw/internal/config"
)

// FromGlobalConfig converts the server section of config.Config to webhook.Config.
func FromGlobalConfig(cfg *config.Config) (Config, error) {
	if cfg == nil {
		return Config{}, fmt.Errorf("config is nil")
	}

	maxBodySize, err := config.ParseSize(cfg.Server.MaxBodySize)
	if err != nil {
		return Config{}, fmt.Errorf("server.max_body_size %q: %w", cfg.Server.MaxBodySize, err)
	}

	return Config{
		Listen:          cfg.Server.Listen,
		EventsPath:      cfg.Server.EventsPath,
		MaxBodySize:     maxBodySize,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, nil
}
