// Package doctor reports configuration choices that load cleanly but are
// likely to misbehave against Slack.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/eventgw/internal/auth"
	"github.com/mattjoyce/eventgw/internal/config"
)

const (
	// AckWindow is how long Slack waits for a response before retrying.
	AckWindow = 3 * time.Second
	// RetryWindow covers Slack's retry schedule (immediately, 1m, 5m).
	RetryWindow = 5 * time.Minute

	minSecretLength     = 32
	minAdminTokenLength = 16
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Source   string  `json:"source,omitempty"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Failed wraps a load error so it renders like any other result.
func Failed(err error) *Result {
	return &Result{Errors: []Issue{{Category: "load", Message: err.Error()}}}
}

// Doctor checks a loaded configuration.
type Doctor struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Source: d.cfg.SourcePath}
	if r.Source == "" {
		r.Source = "environment"
	}

	d.validateAdminTokens(r)
	d.validateStatePath(r)
	d.warnSlackCredentials(r)
	d.warnAckWindow(r)
	d.warnDedupe(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateAdminTokens(r *Result) {
	seen := make(map[string]int)
	for i, tok := range d.cfg.Admin.Tokens {
		field := fmt.Sprintf("admin.tokens[%d]", i)
		if prev, dup := seen[tok.Token]; dup {
			d.addError(r, "admin", field+".token", fmt.Sprintf("token duplicates admin.tokens[%d]", prev))
		}
		seen[tok.Token] = i

		if len(tok.Token) < minAdminTokenLength {
			d.addWarning(r, "admin", field+".token",
				fmt.Sprintf("token is shorter than %d characters", minAdminTokenLength))
		}
		for j, scope := range tok.Scopes {
			switch scope {
			case auth.ScopeAll, auth.ScopeDeliveriesRead, auth.ScopeDeliveriesRW:
			default:
				d.addError(r, "admin", fmt.Sprintf("%s.scopes[%d]", field, j),
					fmt.Sprintf("unknown scope %q (expected %s, %s or %s)",
						scope, auth.ScopeDeliveriesRead, auth.ScopeDeliveriesRW, auth.ScopeAll))
			}
		}
	}
}

func (d *Doctor) validateStatePath(r *Result) {
	path := d.cfg.State.Path
	if path == ":memory:" {
		d.addWarning(r, "state", "state.path", "in-memory database; deliveries and fingerprints are lost on restart")
		return
	}

	dir := filepath.Dir(path)
	st, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		d.addWarning(r, "state", "state.path", fmt.Sprintf("directory %s does not exist and will be created", dir))
	case err != nil:
		d.addError(r, "state", "state.path", fmt.Sprintf("cannot stat %s: %v", dir, err))
	case !st.IsDir():
		d.addError(r, "state", "state.path", fmt.Sprintf("%s is not a directory", dir))
	}
}

func (d *Doctor) warnSlackCredentials(r *Result) {
	if !strings.HasPrefix(d.cfg.Slack.BotToken, "xoxb-") {
		d.addWarning(r, "slack", "slack.bot_token", "bot tokens normally start with xoxb-")
	}
	if len(d.cfg.Slack.SigningSecret) < minSecretLength {
		d.addWarning(r, "slack", "slack.signing_secret",
			fmt.Sprintf("signing secret is shorter than the %d characters Slack issues", minSecretLength))
	}
	if d.cfg.Slack.TimestampTolerance > 5*time.Minute {
		d.addWarning(r, "slack", "slack.timestamp_tolerance",
			"tolerance above 5m widens the replay window")
	}
}

func (d *Doctor) warnAckWindow(r *Result) {
	if d.cfg.Reply.Timeout > AckWindow {
		d.addWarning(r, "reply", "reply.timeout",
			fmt.Sprintf("%s exceeds Slack's %s acknowledgement window; slow replies will be retried", d.cfg.Reply.Timeout, AckWindow))
	}
}

func (d *Doctor) warnDedupe(r *Result) {
	switch {
	case d.cfg.Dedupe.Backend == config.BackendOff:
		d.addWarning(r, "dedupe", "dedupe.backend", "deduplication is off; Slack retries will be answered twice")
	case d.cfg.Dedupe.TTL < RetryWindow:
		d.addWarning(r, "dedupe", "dedupe.ttl",
			fmt.Sprintf("%s is shorter than Slack's %s retry window", d.cfg.Dedupe.TTL, RetryWindow))
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		fmt.Fprintf(&b, "Configuration valid (%s).\n", r.Source)
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%s, %d warning(s))\n", r.Source, len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
