package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mattjoyce/eventgw/internal/config"
	"github.com/mattjoyce/eventgw/internal/log"
	"github.com/mattjoyce/eventgw/internal/signature"
	"github.com/mattjoyce/eventgw/internal/storage"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)
	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func runCLIForTest(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int { return runCLI(args) })
}

// isolateEnv clears every variable the config loader reads.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SLACK_BOT_TOKEN", "SLACK_SIGNING_SECRET", "SLACK_API_BASE_URL",
		"EVENTGW_LISTEN", "EVENTGW_EVENTS_PATH", "EVENTGW_LOG_LEVEL", "EVENTGW_LOG_FORMAT",
		"EVENTGW_STATE_PATH", "EVENTGW_DEDUPE_BACKEND", "EVENTGW_REPLY_TIMEOUT",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func writeConfigFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion, origCommit, origBuildDate := version, gitCommit, buildDate
	version, gitCommit, buildDate = v, commit, built
	t.Cleanup(func() {
		version, gitCommit, buildDate = origVersion, origCommit, origBuildDate
	})
}

func TestRunVersion(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "0123456789abcdef0123", "2026-01-02T03:04:05+02:00")

	code, stdout, _ := runCLIForTest(t, "version")
	if code != 0 {
		t.Fatalf("version code = %d", code)
	}
	for _, want := range []string{"eventgw 1.2.3", "commit: 0123456789ab", "built_at: 2026-01-02T01:04:05Z"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("stdout missing %q: %s", want, stdout)
		}
	}

	code, stdout, _ = runCLIForTest(t, "version", "--json")
	if code != 0 {
		t.Fatalf("version --json code = %d", code)
	}
	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("version JSON: %v (%s)", err, stdout)
	}
	if info.Version != "1.2.3" || info.Commit != "0123456789ab" {
		t.Fatalf("info = %+v", info)
	}
}

func TestRunCLIUnknownAndHelp(t *testing.T) {
	code, _, stderr := runCLIForTest(t, "frobnicate")
	if code != 1 || !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Fatalf("code = %d, stderr = %s", code, stderr)
	}

	code, stdout, _ := runCLIForTest(t, "help")
	if code != 0 || !strings.Contains(stdout, "deliveries list") {
		t.Fatalf("help code = %d, stdout = %s", code, stdout)
	}

	code, _, stderr = runCLIForTest(t, "config", "explode")
	if code != 1 || !strings.Contains(stderr, "Unknown config action") {
		t.Fatalf("config explode code = %d, stderr = %s", code, stderr)
	}

	if code, _, _ = runCLIForTest(t, "deliveries"); code != 1 {
		t.Fatalf("deliveries without action code = %d", code)
	}
}

func TestRunSign(t *testing.T) {
	body := `{"type":"url_verification","challenge":"abc123"}`
	code, stdout, stderr := runCLIForTest(t, "sign", "--secret", "s3cret", "--body", body, "--ts", "1531420618")
	if code != 0 {
		t.Fatalf("sign code = %d, stderr = %s", code, stderr)
	}

	want := signature.Sign([]byte(body), "1531420618", "s3cret")
	if !strings.Contains(stdout, "X-Slack-Request-Timestamp: 1531420618") {
		t.Fatalf("stdout missing timestamp: %s", stdout)
	}
	if !strings.Contains(stdout, "X-Slack-Signature: "+want) {
		t.Fatalf("stdout missing signature %s: %s", want, stdout)
	}
}

func TestRunSignRequiresSecret(t *testing.T) {
	t.Setenv("SLACK_SIGNING_SECRET", "")
	code, _, stderr := runCLIForTest(t, "sign", "--body", "{}")
	if code != 1 || !strings.Contains(stderr, "requires --secret") {
		t.Fatalf("code = %d, stderr = %s", code, stderr)
	}
}

func TestRunConfigCheck(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "slack:\n  bot_token: xoxb-1\n  signing_secret: s\n")

	code, stdout, stderr := runCLIForTest(t, "config", "check", "--config", path)
	if code != 0 || !strings.Contains(stdout, "Configuration valid") {
		t.Fatalf("code = %d, stdout = %s, stderr = %s", code, stdout, stderr)
	}

	bad := writeConfigFile(t, t.TempDir(), "slack:\n  bot_token: xoxb-1\n")
	code, stdout, _ = runCLIForTest(t, "config", "check", "--config", bad, "--json")
	if code != 1 {
		t.Fatalf("invalid config code = %d", code)
	}
	if !strings.Contains(stdout, `"valid": false`) || !strings.Contains(stdout, "signing_secret") {
		t.Fatalf("stdout = %s", stdout)
	}

	code, stdout, _ = runCLIForTest(t, "config", "check", "--config", path, "--strict")
	if code != 1 || !strings.Contains(stdout, "WARN") {
		t.Fatalf("strict code = %d, stdout = %s", code, stdout)
	}
}

func TestRunConfigLock(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	writeConfigFile(t, dir, "slack:\n  bot_token: xoxb-1\n  signing_secret: s\n")

	code, stdout, stderr := runCLIForTest(t, "config", "lock", "--config", dir, "--dry-run")
	if code != 0 {
		t.Fatalf("dry-run code = %d, stderr = %s", code, stderr)
	}
	if !regexp.MustCompile(`HASH .*config\.yaml: [a-f0-9]{64}`).MatchString(stdout) {
		t.Fatalf("stdout missing hash: %s", stdout)
	}
	if _, err := os.Stat(filepath.Join(dir, config.ChecksumFile)); !os.IsNotExist(err) {
		t.Fatal(".checksums written during dry run")
	}

	if code, _, stderr = runCLIForTest(t, "config", "lock", "--config", dir); code != 0 {
		t.Fatalf("lock code = %d, stderr = %s", code, stderr)
	}
	if _, err := os.Stat(filepath.Join(dir, config.ChecksumFile)); err != nil {
		t.Fatalf(".checksums not written: %v", err)
	}
	if code, _, stderr = runCLIForTest(t, "config", "check", "--config", dir); code != 0 {
		t.Fatalf("check after lock code = %d, stderr = %s", code, stderr)
	}

	if code, _, _ = runCLIForTest(t, "config", "lock"); code != 1 {
		t.Fatalf("lock without --config code = %d", code)
	}
}

func TestRunDeliveriesList(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "state.db")
	path := writeConfigFile(t, dir, "slack:\n  bot_token: xoxb-1\n  signing_secret: s\nstate:\n  path: "+dbPath+"\n")

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, dbPath)
	if err != nil {
		t.Fatal(err)
	}
	_, err = storage.NewDeliveryLog(db).Record(ctx, storage.Delivery{
		EventKind:  "callback",
		EventType:  "message",
		Channel:    "C1",
		Outcome:    "acknowledged",
		Duration:   12 * time.Millisecond,
		ReceivedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	code, stdout, stderr := runCLIForTest(t, "deliveries", "list", "--config", path)
	if code != 0 {
		t.Fatalf("code = %d, stderr = %s", code, stderr)
	}
	if !strings.Contains(stdout, "OUTCOME") || !strings.Contains(stdout, "acknowledged") || !strings.Contains(stdout, "C1") {
		t.Fatalf("stdout = %s", stdout)
	}

	code, stdout, _ = runCLIForTest(t, "deliveries", "list", "--config", path, "--json", "--limit", "5")
	if code != 0 {
		t.Fatalf("json code = %d", code)
	}
	var list []storage.Delivery
	if err := json.Unmarshal([]byte(stdout), &list); err != nil {
		t.Fatalf("decode: %v (%s)", err, stdout)
	}
	if len(list) != 1 || list[0].EventType != "message" {
		t.Fatalf("list = %+v", list)
	}

	if code, _, _ = runCLIForTest(t, "deliveries", "list", "--config", path, "--limit", "0"); code != 1 {
		t.Fatalf("limit 0 code = %d", code)
	}
}

// fakeSlack records chat.postMessage calls.
func fakeSlack(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/chat.postMessage":
			if r.Header.Get("Authorization") != "Bearer xoxb-test" {
				_, _ = io.WriteString(w, `{"ok":false,"error":"invalid_auth"}`)
				return
			}
			posts.Add(1)
			_, _ = io.WriteString(w, `{"ok":true,"channel":"C1","ts":"1700000000.000100"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &posts
}

func TestGatewayEndToEnd(t *testing.T) {
	slackAPI, posts := fakeSlack(t)

	cfg := config.Defaults()
	cfg.Slack.BotToken = "xoxb-test"
	cfg.Slack.SigningSecret = "e2e-secret"
	cfg.Slack.APIBaseURL = slackAPI.URL + "/api/"
	cfg.Dedupe.Backend = config.BackendSQLite
	cfg.State.Path = filepath.Join(t.TempDir(), "eventgw.db")

	ctx := context.Background()
	gw, err := buildGateway(ctx, cfg, log.Discard())
	if err != nil {
		t.Fatalf("buildGateway: %v", err)
	}
	t.Cleanup(func() { _ = gw.Close() })
	handler := gw.server.Handler()

	post := func(body string, ts time.Time) *httptest.ResponseRecorder {
		stamp := strconv.FormatInt(ts.Unix(), 10)
		req := httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(signature.HeaderTimestamp, stamp)
		req.Header.Set(signature.HeaderSignature, signature.Sign([]byte(body), stamp, cfg.Slack.SigningSecret))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := post(`{"type":"url_verification","challenge":"abc123"}`, time.Now())
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"challenge":"abc123"}` {
		t.Fatalf("challenge: %d %s", rec.Code, rec.Body.String())
	}

	msg := `{"type":"event_callback","event_id":"Ev9","event":{"type":"message","text":"hello","user":"U1","channel":"C1"}}`
	rec = post(msg, time.Now())
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("message: %d %s", rec.Code, rec.Body.String())
	}

	rec = post(msg, time.Now())
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"duplicate"`) {
		t.Fatalf("redelivery: %d %s", rec.Code, rec.Body.String())
	}

	rec = post(msg, time.Now().Add(-10*time.Minute))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stale: %d", rec.Code)
	}

	if got := posts.Load(); got != 1 {
		t.Fatalf("chat.postMessage calls = %d, want 1", got)
	}

	list, err := storage.NewDeliveryLog(gw.db).Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("deliveries = %d, want 3", len(list))
	}
	if n := len(gw.hub.SnapshotSince(0)); n != 3 {
		t.Fatalf("published events = %d, want 3", n)
	}
}

func TestReplyConfigRetries(t *testing.T) {
	rc := config.Defaults().Reply
	if got := replyConfig(rc).MaxRetries; got != 2 {
		t.Fatalf("default MaxRetries = %d, want 2", got)
	}

	rc.MaxRetries = 0
	got := replyConfig(rc)
	if got.MaxRetries >= 0 {
		t.Fatalf("max_retries 0 mapped to %d, want retries disabled", got.MaxRetries)
	}
	if got.Timeout != rc.Timeout || got.RatePerSecond != rc.RatePerSec || got.Burst != rc.Burst {
		t.Fatalf("replyConfig = %+v, want fields copied from %+v", got, rc)
	}
}
