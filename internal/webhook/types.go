package webhook

import (
	"context"
	"time"

	"github.com/mattjoyce/eventgw/internal/event"
	"github.com/mattjoyce/eventgw/internal/router"
	"github.com/mattjoyce/eventgw/internal/storage"
)

// Router routes a normalized event. *router.Router satisfies it.
type Router interface {
	Route(ctx context.Context, ev event.Event) router.Outcome
}

// DeliveryStore persists what happened to each request.
// *storage.DeliveryLog satisfies it.
type DeliveryStore interface {
	Record(ctx context.Context, d storage.Delivery) (string, error)
	Recent(ctx context.Context, limit int) ([]storage.Delivery, error)
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds webhook server configuration.
type Config struct {
	Listen string

	// EventsPath receives Slack's Events API, interactivity and slash command requests.
	EventsPath string

	// MaxBodySize is the maximum allowed request body size in bytes (default: 1MB).
	MaxBodySize int64

	// ShutdownTimeout bounds graceful shutdown (default: 5s).
	ShutdownTimeout time.Duration
}

// StatusResponse is the JSON body for every non-challenge response.
type StatusResponse struct {
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// ChallengeResponse echoes a url_verification token.
type ChallengeResponse struct {
	Challenge string `json:"challenge"`
}

// DeliveriesResponse lists recent deliveries for the admin API.
type DeliveriesResponse struct {
	Deliveries []storage.Delivery `json:"deliveries"`
}

// PruneResponse reports how many deliveries were removed.
type PruneResponse struct {
	Deleted int64 `json:"deleted"`
}

// Response statuses.
const (
	StatusOK              = "ok"
	StatusIgnored         = "ignored"
	StatusError           = "error"
	StatusInvalidRequest  = "invalid_request"
	StatusInvalidPayload  = "invalid_payload"
	StatusPayloadTooLarge = "payload_too_large"
)

// Slack redelivery headers.
const (
	HeaderRetryNum    = "X-Slack-Retry-Num"
	HeaderRetryReason = "X-Slack-Retry-Reason"
)

// Default values
const (
	DefaultEventsPath      = "/slack/events"
	DefaultMaxBodySize     = 1048576 // 1 MB
	DefaultShutdownTimeout = 5 * time.Second
)
