package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/eventgw/internal/auth"
	"github.com/mattjoyce/eventgw/internal/event"
	"github.com/mattjoyce/eventgw/internal/events"
	"github.com/mattjoyce/eventgw/internal/log"
	"github.com/mattjoyce/eventgw/internal/metrics"
	"github.com/mattjoyce/eventgw/internal/reply"
	"github.com/mattjoyce/eventgw/internal/router"
	"github.com/mattjoyce/eventgw/internal/signature"
	"github.com/mattjoyce/eventgw/internal/storage"
)

// Option configures optional Server collaborators.
type Option func(*Server)

// WithDeliveries records every routed request in store and, when admin tokens
// are configured, exposes it under /admin/deliveries.
func WithDeliveries(store DeliveryStore) Option {
	return func(s *Server) { s.deliveries = store }
}

// WithMetrics counts requests and serves GET /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithEventHub publishes every delivery to hub and, with admin tokens,
// streams it under /admin/events.
func WithEventHub(hub *events.Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithAdminTokens enables the admin endpoints for these bearer tokens.
func WithAdminTokens(tokens []auth.TokenConfig) Option {
	return func(s *Server) { s.adminTokens = tokens }
}

// Server represents the Slack webhook HTTP server.
type Server struct {
	config   Config
	verifier *signature.Verifier
	router   Router
	logger   *slog.Logger
	server   *http.Server

	deliveries  DeliveryStore
	hub         *events.Hub
	metrics     *metrics.Metrics
	adminTokens []auth.TokenConfig
}

// New creates a new webhook server instance.
func New(config Config, verifier *signature.Verifier, r Router, logger *slog.Logger, opts ...Option) *Server {
	if config.EventsPath == "" {
		config.EventsPath = DefaultEventsPath
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultShutdownTimeout
	}
	if logger == nil {
		logger = log.Discard()
	}

	s := &Server{
		config:   config,
		verifier: verifier,
		router:   r,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start starts the webhook HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("webhook server error: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
// Open event streams are closed when shutdown begins.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if s.hub != nil {
		s.server.RegisterOnShutdown(s.hub.Close)
	}

	s.logger.Info("webhook server starting", "listen", ln.Addr().String(), "events_path", s.config.EventsPath)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Handler returns the fully wired HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.respondJSON(w, http.StatusOK, StatusResponse{Status: StatusOK})
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	r.Post(s.config.EventsPath, s.handleEvents)

	if len(s.adminTokens) > 0 {
		ro := auth.Require(s.adminTokens, auth.ScopeDeliveriesRead)
		if s.deliveries != nil {
			r.With(ro).Get("/admin/deliveries", s.handleListDeliveries)
			r.With(auth.Require(s.adminTokens, auth.ScopeDeliveriesRW)).Delete("/admin/deliveries", s.handlePruneDeliveries)
		}
		if s.hub != nil {
			r.With(ro).Method(http.MethodGet, "/admin/events", s.hub.Handler())
		}
	}

	return r
}

// loggingMiddleware logs HTTP requests (excludes payloads).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// handleEvents runs one Slack request through verify, normalize and route.
// The body is read once and shared by every stage.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	requestID := middleware.GetReqID(ctx)
	retryNum, _ := strconv.Atoi(r.Header.Get(HeaderRetryNum))

	logger := s.logger.With("request_id", requestID)
	if retryNum > 0 {
		logger = logger.With("retry_num", retryNum, "retry_reason", r.Header.Get(HeaderRetryReason))
		logger.Info("slack redelivery")
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodySize+1))
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, StatusResponse{Status: StatusInvalidPayload})
		return
	}
	if int64(len(body)) > s.config.MaxBodySize {
		logger.Warn("payload too large", "limit", s.config.MaxBodySize)
		s.observe("rejected", "payload_too_large")
		s.respondJSON(w, http.StatusRequestEntityTooLarge, StatusResponse{Status: StatusPayloadTooLarge})
		return
	}
	req := event.NewRequest(body, r.Header)

	if res := s.verifier.Verify(req.Body, req.Header); !res.OK {
		logger.Warn("signature verification failed", "reason", string(res.Reason))
		s.observe("rejected", string(res.Reason))
		s.respondJSON(w, http.StatusForbidden, StatusResponse{Status: StatusInvalidRequest})
		return
	}

	ev, err := event.Normalize(req.Body, req.ContentType)
	if err != nil {
		logger.Warn("malformed payload",
			"content_type", req.ContentType,
			"body_bytes", len(req.Body),
			"error", err,
		)
		s.observe("invalid", "parse_error")
		s.respondJSON(w, http.StatusBadRequest, StatusResponse{Status: StatusInvalidPayload})
		return
	}

	o := s.router.Route(ctx, ev)
	s.record(ctx, logger, ev, o, requestID, retryNum, start)

	if _, ok := ev.(*event.Challenge); ok {
		logger.Info("url verification handshake")
		s.respondJSON(w, http.StatusOK, ChallengeResponse{Challenge: o.Body})
		return
	}

	switch o.Kind {
	case router.Acknowledged:
		s.respondJSON(w, http.StatusOK, StatusResponse{Status: StatusOK})
	case router.Ignored:
		s.respondJSON(w, http.StatusOK, StatusResponse{Status: StatusIgnored, Reason: o.Reason})
	default:
		s.respondJSON(w, http.StatusInternalServerError, StatusResponse{Status: StatusError, Message: failureMessage(o.Err)})
	}
}

// failureMessage reports a send failure by kind without echoing payload data.
func failureMessage(err error) string {
	var se *reply.SendError
	if errors.As(err, &se) {
		if se.Detail != "" {
			return string(se.Kind) + ": " + se.Detail
		}
		return string(se.Kind)
	}
	if errors.Is(err, router.ErrReplyLimit) {
		return "reply_limit"
	}
	if errors.Is(err, router.ErrInFlight) {
		return router.ReasonInFlight
	}
	return "handler_error"
}

func (s *Server) record(ctx context.Context, logger *slog.Logger, ev event.Event, o router.Outcome, requestID string, retryNum int, start time.Time) {
	if s.deliveries == nil && s.hub == nil {
		return
	}

	d := storage.Delivery{
		RequestID:  requestID,
		EventKind:  string(ev.Kind()),
		Outcome:    string(o.Kind),
		Reason:     o.Reason,
		MessageID:  o.MessageID,
		RetryNum:   retryNum,
		Duration:   time.Since(start),
		ReceivedAt: start,
	}
	if cb, ok := ev.(*event.Callback); ok {
		d.Fingerprint = cb.Fingerprint()
		d.EventType = cb.EventType
		d.Channel = cb.ChannelID
	}
	if o.Err != nil {
		d.LastError = failureMessage(o.Err)
	}

	if s.deliveries != nil {
		id, err := s.deliveries.Record(context.WithoutCancel(ctx), d)
		if err != nil {
			logger.Error("failed to record delivery", "error", err)
		}
		d.ID = id
	}
	if s.hub != nil {
		s.hub.PublishDelivery(d)
	}
}

func (s *Server) observe(outcome, reason string) {
	if s.metrics != nil {
		s.metrics.ObserveRequest(outcome, reason)
	}
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	list, err := s.deliveries.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list deliveries", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list deliveries"})
		return
	}
	if list == nil {
		list = []storage.Delivery{}
	}
	s.respondJSON(w, http.StatusOK, DeliveriesResponse{Deliveries: list})
}

// handlePruneDeliveries deletes deliveries older than ?older_than=<duration>.
func (s *Server) handlePruneDeliveries(w http.ResponseWriter, r *http.Request) {
	age, err := time.ParseDuration(r.URL.Query().Get("older_than"))
	if err != nil || age <= 0 {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "older_than must be a positive duration"})
		return
	}

	n, err := s.deliveries.Prune(r.Context(), time.Now().Add(-age))
	if err != nil {
		s.logger.Error("failed to prune deliveries", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to prune deliveries"})
		return
	}
	s.respondJSON(w, http.StatusOK, PruneResponse{Deleted: n})
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}
