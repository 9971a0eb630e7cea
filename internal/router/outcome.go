package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/eventgw/internal/event"
	"github.com/mattjoyce/eventgw/internal/reply"
)

//go:generate mockgen -destination=mocks/mock_sender.go -package=mocks github.com/mattjoyce/eventgw/internal/router Sender

// OutcomeKind is the disposition of a routed event. It drives the HTTP status.
type OutcomeKind string

const (
	Acknowledged OutcomeKind = "acknowledged"
	Ignored      OutcomeKind = "ignored"
	Failed       OutcomeKind = "failed"
)

// Reasons reported with Ignored outcomes.
const (
	ReasonSubtypePresent      = "subtype_present"
	ReasonBotMessage          = "bot_message"
	ReasonUnhandledType       = "unhandled_type"
	ReasonMissingFields       = "missing_fields"
	ReasonUnrecognizedPayload = "unrecognized_payload"
	ReasonDuplicate           = "duplicate"

	// ReasonInFlight accompanies a Failed outcome for a redelivery that
	// arrived while the first delivery was still being handled.
	ReasonInFlight = "in_flight"
)

// Outcome is the result of routing one event.
type Outcome struct {
	Kind OutcomeKind
	// Reason is set for Ignored, and for Failed with ErrInFlight.
	Reason string
	// Err is set for Failed.
	Err error
	// Body is the challenge token to echo for a handshake.
	Body string
	// MessageID is the id of the reply posted by the handler, if any.
	MessageID string
}

func acknowledged() Outcome          { return Outcome{Kind: Acknowledged} }
func ignored(reason string) Outcome  { return Outcome{Kind: Ignored, Reason: reason} }
func failed(err error) Outcome       { return Outcome{Kind: Failed, Err: err} }
func challenge(token string) Outcome { return Outcome{Kind: Acknowledged, Body: token} }

func (o Outcome) String() string {
	switch o.Kind {
	case Ignored:
		return fmt.Sprintf("ignored(%s)", o.Reason)
	case Failed:
		return fmt.Sprintf("failed(%v)", o.Err)
	default:
		return string(o.Kind)
	}
}

// Sender is what a handler may use to talk back to Slack.
// *reply.Dispatcher satisfies it.
type Sender interface {
	Reply(ctx context.Context, channel, text string) (string, error)
	UserInfo(ctx context.Context, userID string) (*reply.UserInfo, error)
}

// Handler acts on a Callback. Returning an error produced by Ignore declines
// the event; any other error fails it.
type Handler interface {
	Handle(ctx context.Context, cb *event.Callback, s Sender) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, cb *event.Callback, s Sender) error

func (f HandlerFunc) Handle(ctx context.Context, cb *event.Callback, s Sender) error {
	return f(ctx, cb, s)
}

// ErrReplyLimit is returned by the Sender passed to a handler once it has
// already posted a reply for the current event.
var ErrReplyLimit = errors.New("reply already sent for this event")

// ErrInFlight fails a redelivery whose first delivery has not finished, so
// Slack retries it later instead of treating it as handled.
var ErrInFlight = errors.New("delivery still in flight")

// IgnoreError lets a handler decline an event without failing it.
type IgnoreError struct {
	Reason string
}

func (e *IgnoreError) Error() string { return "ignored: " + e.Reason }

// Ignore returns an error that routes the event to Ignored(reason).
func Ignore(reason string) error {
	return &IgnoreError{Reason: reason}
}
