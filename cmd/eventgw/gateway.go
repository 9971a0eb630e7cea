package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/eventgw/internal/bot"
	"github.com/mattjoyce/eventgw/internal/config"
	"github.com/mattjoyce/eventgw/internal/dedupe"
	"github.com/mattjoyce/eventgw/internal/events"
	"github.com/mattjoyce/eventgw/internal/log"
	"github.com/mattjoyce/eventgw/internal/metrics"
	"github.com/mattjoyce/eventgw/internal/reply"
	"github.com/mattjoyce/eventgw/internal/router"
	"github.com/mattjoyce/eventgw/internal/scheduler"
	"github.com/mattjoyce/eventgw/internal/signature"
	"github.com/mattjoyce/eventgw/internal/slack"
	"github.com/mattjoyce/eventgw/internal/storage"
	"github.com/mattjoyce/eventgw/internal/webhook"
)

const pruneEvery = time.Hour

// gateway is every long-lived component built from one Config.
type gateway struct {
	db        *sql.DB
	server    *webhook.Server
	scheduler *scheduler.Scheduler
	hub       *events.Hub
}

// buildGateway opens the state database and wires the request path.
// The caller owns Close.
func buildGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*gateway, error) {
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	deliveries := storage.NewDeliveryLog(db)
	m := metrics.New()

	var tasks []scheduler.Task
	if cfg.State.DeliveryRetention > 0 {
		tasks = append(tasks, scheduler.RetentionTask("delivery_retention", deliveries, cfg.State.DeliveryRetention, pruneEvery))
	}

	var store dedupe.Store
	switch cfg.Dedupe.Backend {
	case config.BackendMemory:
		store = dedupe.NewMemory(cfg.Dedupe.TTL)
	case config.BackendSQLite:
		s := dedupe.NewSQLite(db, cfg.Dedupe.TTL)
		store = s
		tasks = append(tasks, scheduler.Task{Name: "dedupe_expiry", Every: pruneEvery, Jitter: pruneEvery / 10, Run: s.Prune})
	case config.BackendOff:
		logger.Warn("deduplication disabled; Slack retries will be handled again")
	}

	client := slack.NewClient(cfg.Slack.BotToken, slack.WithBaseURL(cfg.Slack.APIBaseURL))
	dispatcher := reply.New(client, replyConfig(cfg.Reply), log.WithComponent("reply"),
		reply.WithClassifier(slack.Classify),
		reply.WithObserver(m.ObserveReply),
	)

	opts := []router.Option{
		router.WithLogger(log.WithComponent("router")),
		router.WithOnOutcome(m.ObserveOutcome),
	}
	if store != nil {
		opts = append(opts, router.WithDedupe(store))
	}
	r := router.New(dispatcher, opts...)
	bot.New(bot.Config{
		EchoPrefix:         cfg.Bot.EchoPrefix,
		ShortcutCallbackID: cfg.Bot.ShortcutCallbackID,
	}, log.WithComponent("bot")).Register(r)

	webhookConfig, err := webhook.FromGlobalConfig(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	verifier := &signature.Verifier{Secret: cfg.Slack.SigningSecret, Tolerance: cfg.Slack.TimestampTolerance}

	hub := events.NewHub(events.DefaultCapacity)
	server := webhook.New(webhookConfig, verifier, r, log.WithComponent("webhook"),
		webhook.WithDeliveries(deliveries),
		webhook.WithMetrics(m),
		webhook.WithEventHub(hub),
		webhook.WithAdminTokens(cfg.Admin.Tokens),
	)

	return &gateway{
		db:        db,
		server:    server,
		scheduler: scheduler.New(logger, tasks...),
		hub:       hub,
	}, nil
}

// replyConfig maps the file's reply section onto reply.Config. Defaults
// are already applied by config.Load, so a configured 0 means no retries.
func replyConfig(c config.ReplyConfig) reply.Config {
	retries := c.MaxRetries
	if retries == 0 {
		retries = -1
	}
	return reply.Config{
		Timeout:       c.Timeout,
		MaxRetries:    retries,
		BackoffBase:   c.BackoffBase,
		BackoffMax:    c.BackoffMax,
		RatePerSecond: c.RatePerSec,
		Burst:         c.Burst,
	}
}

// Run serves until ctx is cancelled.
func (g *gateway) Run(ctx context.Context) error {
	g.scheduler.Start(ctx)
	defer g.scheduler.Stop()
	return g.server.Start(ctx)
}

func (g *gateway) Close() error {
	return g.db.Close()
}
