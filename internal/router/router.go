// Package router decides what happens to a normalized event: echo a
// handshake, ignore it, or hand it to the handler registered for its type.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mattjoyce/eventgw/internal/dedupe"
	"github.com/mattjoyce/eventgw/internal/event"
	"github.com/mattjoyce/eventgw/internal/log"
	"github.com/mattjoyce/eventgw/internal/reply"
)

// Field names a Callback field a route can require.
type Field string

const (
	FieldText      Field = "text"
	FieldUserID    Field = "user_id"
	FieldChannelID Field = "channel_id"
)

func (f Field) present(cb *event.Callback) bool {
	switch f {
	case FieldText:
		return cb.Text != ""
	case FieldUserID:
		return cb.UserID != ""
	case FieldChannelID:
		return cb.ChannelID != ""
	default:
		return true
	}
}

type route struct {
	handler  Handler
	required []Field
}

// RouteOption configures a registered route.
type RouteOption func(*route)

// RequireFields ignores events missing any of fields with reason missing_fields.
func RequireFields(fields ...Field) RouteOption {
	return func(r *route) {
		r.required = append(r.required, fields...)
	}
}

// OutcomeFunc observes every routed event.
type OutcomeFunc func(ctx context.Context, ev event.Event, o Outcome)

// Option configures a Router.
type Option func(*Router)

// WithDedupe drops redeliveries already recorded in store.
func WithDedupe(store dedupe.Store) Option {
	return func(r *Router) {
		r.dedupe = store
	}
}

// WithLogger sets the router's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		r.logger = l
	}
}

// WithOnOutcome registers a hook called after each Route.
func WithOnOutcome(fn OutcomeFunc) Option {
	return func(r *Router) {
		r.onOutcome = append(r.onOutcome, fn)
	}
}

// Router maps Callback event types to handlers. Routes are registered at
// startup; Register must not be called concurrently with Route.
type Router struct {
	sender    Sender
	routes    map[string]*route
	dedupe    dedupe.Store
	logger    *slog.Logger
	onOutcome []OutcomeFunc

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New creates a Router whose handlers reply through sender.
func New(sender Sender, opts ...Option) *Router {
	r := &Router{
		sender: sender,
		routes:   make(map[string]*route),
		logger:   log.Discard(),
		inFlight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds h to eventType, replacing any earlier registration.
func (r *Router) Register(eventType string, h Handler, opts ...RouteOption) {
	if eventType == "" {
		panic("router: empty event type")
	}
	if h == nil {
		panic("router: nil handler for " + eventType)
	}
	rt := &route{handler: h}
	for _, opt := range opts {
		opt(rt)
	}
	r.routes[eventType] = rt
}

// Handles reports whether a handler is registered for eventType.
func (r *Router) Handles(eventType string) bool {
	_, ok := r.routes[eventType]
	return ok
}

// Route dispatches ev and reports the outcome. Handlers run synchronously and
// may post at most one reply.
func (r *Router) Route(ctx context.Context, ev event.Event) Outcome {
	o := r.route(ctx, ev)
	for _, fn := range r.onOutcome {
		fn(ctx, ev, o)
	}
	return o
}

func (r *Router) route(ctx context.Context, ev event.Event) Outcome {
	switch e := ev.(type) {
	case *event.Challenge:
		return challenge(e.Token)
	case *event.Callback:
		return r.callback(ctx, e)
	default:
		return ignored(ReasonUnrecognizedPayload)
	}
}

func (r *Router) callback(ctx context.Context, cb *event.Callback) Outcome {
	logger := log.WithEvent(r.logger, cb.EventType, cb.ChannelID)

	if cb.Subtype != "" {
		logger.Debug("ignoring event with subtype", "subtype", cb.Subtype)
		return ignored(ReasonSubtypePresent)
	}
	if cb.BotID != "" {
		logger.Debug("ignoring bot-authored event", "bot_id", cb.BotID)
		return ignored(ReasonBotMessage)
	}

	rt, ok := r.routes[cb.EventType]
	if !ok {
		return ignored(ReasonUnhandledType)
	}
	for _, f := range rt.required {
		if !f.present(cb) {
			logger.Debug("ignoring event with missing field", "field", string(f))
			return ignored(ReasonMissingFields)
		}
	}

	key := cb.Fingerprint()
	if r.dedupe != nil {
		// Redeliveries of an event still being handled fail so Slack retries later.
		if !r.claim(key) {
			logger.Info("delivery still in flight", "fingerprint", key)
			o := failed(ErrInFlight)
			o.Reason = ReasonInFlight
			return o
		}
		defer r.release(key)

		seen, err := r.dedupe.Seen(ctx, key)
		switch {
		case err != nil:
			logger.Warn("dedupe lookup failed, processing anyway", "fingerprint", key, "error", err)
		case seen:
			logger.Info("ignoring duplicate delivery", "fingerprint", key)
			return ignored(ReasonDuplicate)
		}
	}

	s := &onceSender{Sender: r.sender}
	err := rt.handler.Handle(ctx, cb, s)
	messageID, replied := s.sent()

	var ie *IgnoreError
	switch {
	case err == nil:
		o := acknowledged()
		o.MessageID = messageID
		return o
	case replied && (errors.Is(err, ErrReplyLimit) || errors.As(err, &ie)):
		logger.Warn("handler returned an error after replying", "message_id", messageID, "error", err)
		o := acknowledged()
		o.MessageID = messageID
		return o
	case errors.As(err, &ie):
		return ignored(ie.Reason)
	}

	// Let Slack's redelivery try again, unless a reply already went out.
	if r.dedupe != nil && !replied {
		if ferr := r.dedupe.Forget(context.WithoutCancel(ctx), key); ferr != nil {
			logger.Warn("failed to forget fingerprint", "fingerprint", key, "error", ferr)
		}
	}

	var se *reply.SendError
	if errors.As(err, &se) {
		logger.Error("reply failed", "kind", string(se.Kind), "detail", se.Detail)
	} else {
		logger.Error("handler failed", "error", err)
	}
	return failed(fmt.Errorf("handle %s: %w", cb.EventType, err))
}

func (r *Router) claim(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inFlight[key]; ok {
		return false
	}
	r.inFlight[key] = struct{}{}
	return true
}

func (r *Router) release(key string) {
	r.mu.Lock()
	delete(r.inFlight, key)
	r.mu.Unlock()
}

// onceSender caps Reply at one outbound call per event, whether or not it
// succeeds.
type onceSender struct {
	Sender

	mu        sync.Mutex
	attempted bool
	replied   bool
	messageID string
}

func (s *onceSender) Reply(ctx context.Context, channel, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attempted {
		return "", ErrReplyLimit
	}
	s.attempted = true
	id, err := s.Sender.Reply(ctx, channel, text)
	if err != nil {
		return "", err
	}
	s.replied = true
	s.messageID = id
	return id, nil
}

func (s *onceSender) sent() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageID, s.replied
}
