// Package bot holds the reply handlers the gateway ships with.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mattjoyce/eventgw/internal/event"
	"github.com/mattjoyce/eventgw/internal/router"
)

const (
	DefaultEchoPrefix         = "You said: "
	DefaultShortcutCallbackID = "buddy_up"
)

// Config tunes handler wording.
type Config struct {
	EchoPrefix         string
	ShortcutCallbackID string
}

func (c Config) withDefaults() Config {
	if c.EchoPrefix == "" {
		c.EchoPrefix = DefaultEchoPrefix
	}
	if c.ShortcutCallbackID == "" {
		c.ShortcutCallbackID = DefaultShortcutCallbackID
	}
	return c
}

// Bot answers messages, mentions, shortcuts and slash commands.
type Bot struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{cfg: cfg.withDefaults(), logger: logger}
}

// Register wires the handlers into r.
func (b *Bot) Register(r *router.Router) {
	r.Register("message", router.HandlerFunc(b.Message),
		router.RequireFields(router.FieldText, router.FieldChannelID))
	r.Register("app_mention", router.HandlerFunc(b.Mention),
		router.RequireFields(router.FieldUserID, router.FieldChannelID))
	r.Register(event.TypeShortcut, router.HandlerFunc(b.Shortcut),
		router.RequireFields(router.FieldUserID))
	r.Register(event.TypeSlashCommand, router.HandlerFunc(b.SlashCommand),
		router.RequireFields(router.FieldChannelID))
}

// Message echoes the text back into the channel.
func (b *Bot) Message(ctx context.Context, cb *event.Callback, s router.Sender) error {
	_, err := s.Reply(ctx, cb.ChannelID, b.cfg.EchoPrefix+cb.Text)
	return err
}

// Mention greets the mentioning user by name. A failed profile lookup falls
// back to a user mention rather than failing the event.
func (b *Bot) Mention(ctx context.Context, cb *event.Callback, s router.Sender) error {
	name := "<@" + cb.UserID + ">"
	u, err := s.UserInfo(ctx, cb.UserID)
	switch {
	case err != nil:
		b.logger.Warn("user lookup failed", "user_id", cb.UserID, "error", err)
	case u.PreferredName() != "":
		name = u.PreferredName()
	}

	text := fmt.Sprintf("Hi %s, you mentioned me: %s", name, stripMention(cb.Text))
	_, err = s.Reply(ctx, cb.ChannelID, text)
	return err
}

// Shortcut handles the global shortcut by DMing the invoking user.
func (b *Bot) Shortcut(ctx context.Context, cb *event.Callback, s router.Sender) error {
	if cb.CallbackID != b.cfg.ShortcutCallbackID {
		return router.Ignore("unknown_shortcut")
	}
	text := fmt.Sprintf("Hello <@%s>! You invoked the Buddy Up shortcut.", cb.UserID)
	_, err := s.Reply(ctx, cb.UserID, text)
	return err
}

// SlashCommand echoes the command argument into the invoking channel.
func (b *Bot) SlashCommand(ctx context.Context, cb *event.Callback, s router.Sender) error {
	_, err := s.Reply(ctx, cb.ChannelID, b.cfg.EchoPrefix+cb.Text)
	return err
}

// stripMention drops a leading <@U123> tag.
func stripMention(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "<@") {
		return text
	}
	end := strings.IndexByte(text, '>')
	if end < 0 {
		return text
	}
	return strings.TrimSpace(text[end+1:])
}
