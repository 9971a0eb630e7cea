package doctor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/eventgw/internal/auth"
	"github.com/mattjoyce/eventgw/internal/config"
)

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Slack.BotToken = "xoxb-1234-5678"
	cfg.Slack.SigningSecret = strings.Repeat("a", 32)
	cfg.Reply.Timeout = 2500 * time.Millisecond
	cfg.State.Path = filepath.Join(t.TempDir(), "eventgw.db")
	return cfg
}

func hasIssue(issues []Issue, field string) bool {
	for _, i := range issues {
		if i.Field == field {
			return true
		}
	}
	return false
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := New(validConfig(t)).Validate()
	if !r.Valid || len(r.Warnings) != 0 {
		t.Fatalf("expected clean result, got errors=%v warnings=%v", r.Errors, r.Warnings)
	}
	if r.Source != "environment" {
		t.Fatalf("Source = %q", r.Source)
	}
}

func TestValidate_Warnings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		field  string
	}{
		{"bot token prefix", func(c *config.Config) { c.Slack.BotToken = "xoxp-user" }, "slack.bot_token"},
		{"short secret", func(c *config.Config) { c.Slack.SigningSecret = "short" }, "slack.signing_secret"},
		{"wide tolerance", func(c *config.Config) { c.Slack.TimestampTolerance = time.Hour }, "slack.timestamp_tolerance"},
		{"slow reply", func(c *config.Config) { c.Reply.Timeout = 5 * time.Second }, "reply.timeout"},
		{"dedupe off", func(c *config.Config) { c.Dedupe.Backend = config.BackendOff }, "dedupe.backend"},
		{"short ttl", func(c *config.Config) { c.Dedupe.TTL = time.Minute }, "dedupe.ttl"},
		{"memory state", func(c *config.Config) { c.State.Path = ":memory:" }, "state.path"},
		{"weak admin token", func(c *config.Config) {
			c.Admin.Tokens = []auth.TokenConfig{{Token: "abc", Scopes: []string{auth.ScopeDeliveriesRead}}}
		}, "admin.tokens[0].token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			r := New(cfg).Validate()
			if !r.Valid {
				t.Fatalf("expected valid, got errors: %v", r.Errors)
			}
			if !hasIssue(r.Warnings, tt.field) {
				t.Fatalf("expected warning on %s, got %v", tt.field, r.Warnings)
			}
		})
	}
}

func TestValidate_AdminTokenErrors(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	token := strings.Repeat("t", 20)
	cfg.Admin.Tokens = []auth.TokenConfig{
		{Token: token, Scopes: []string{auth.ScopeDeliveriesRW}},
		{Token: token, Scopes: []string{"jobs:ro"}},
	}

	r := New(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid result")
	}
	if !hasIssue(r.Errors, "admin.tokens[1].token") {
		t.Errorf("missing duplicate token error: %v", r.Errors)
	}
	if !hasIssue(r.Errors, "admin.tokens[1].scopes[0]") {
		t.Errorf("missing unknown scope error: %v", r.Errors)
	}
}

func TestValidate_StatePathNotDirectory(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	file := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(file, nil, 0600); err != nil {
		t.Fatal(err)
	}
	cfg.State.Path = filepath.Join(file, "eventgw.db")

	r := New(cfg).Validate()
	if r.Valid || !hasIssue(r.Errors, "state.path") {
		t.Fatalf("expected state.path error, got %+v", r)
	}
}

func TestValidate_MissingStateDirWarns(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.State.Path = filepath.Join(t.TempDir(), "new", "eventgw.db")

	r := New(cfg).Validate()
	if !r.Valid || !hasIssue(r.Warnings, "state.path") {
		t.Fatalf("expected state.path warning, got %+v", r)
	}
}

func TestFormatHuman(t *testing.T) {
	t.Parallel()

	clean := FormatHuman(&Result{Valid: true, Source: "/etc/eventgw/config.yaml"})
	if clean != "Configuration valid (/etc/eventgw/config.yaml).\n" {
		t.Fatalf("clean = %q", clean)
	}

	out := FormatHuman(&Result{
		Errors:   []Issue{{Category: "admin", Field: "admin.tokens[0]", Message: "bad"}},
		Warnings: []Issue{{Category: "dedupe", Message: "off"}},
	})
	for _, want := range []string{
		"Configuration invalid (1 error(s), 1 warning(s))",
		"ERROR [admin] admin.tokens[0]: bad",
		"WARN  [dedupe] off",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFailedAndJSON(t *testing.T) {
	t.Parallel()
	r := Failed(errors.New("slack.signing_secret is required"))
	out, err := FormatJSON(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"valid": false`) || !strings.Contains(out, `"category": "load"`) {
		t.Fatalf("json = %s", out)
	}
}
