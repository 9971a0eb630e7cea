package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/eventgw/internal/config"
	"github.com/mattjoyce/eventgw/internal/doctor"
	"github.com/mattjoyce/eventgw/internal/lock"
	"github.com/mattjoyce/eventgw/internal/log"
	"github.com/mattjoyce/eventgw/internal/signature"
	"github.com/mattjoyce/eventgw/internal/storage"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	// --- NOUNS ---
	case "config":
		return runConfigNoun(args)
	case "deliveries":
		return runDeliveriesNoun(args)

	// --- VERBS ---
	case "start":
		if hasHelpFlag(args) {
			printStartHelp()
			return 0
		}
		return runStart(args)
	case "sign":
		if hasHelpFlag(args) {
			printSignHelp()
			return 0
		}
		return runSign(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`eventgw - Slack events gateway

Usage:
  eventgw <command> [flags]
  eventgw <noun> <action> [flags]

Commands:
  start                 Serve the Slack events endpoint in the foreground
  sign                  Print signed headers for a test request body
  version               Show version information
  help                  Show this help message

Config Commands:
  config check          Load and validate configuration
  config lock           Record the config file hash in .checksums

Deliveries Commands:
  deliveries list       Show recent deliveries from the state database

Configuration is read from --config, or from environment variables alone
(SLACK_BOT_TOKEN, SLACK_SIGNING_SECRET, EVENTGW_*) when no file is given.
`)
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: eventgw version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		return printJSON(info)
	}

	fmt.Printf("eventgw %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}

// --- NOUN DISPATCHERS ---

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runDeliveriesNoun(args []string) int {
	if len(args) < 1 {
		printDeliveriesNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printDeliveriesNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printDeliveriesListHelp()
			return 0
		}
		return runDeliveriesList(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown deliveries action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: eventgw config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock")
}

func printDeliveriesNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: eventgw deliveries <action> [flags]")
	fmt.Fprintln(w, "Actions: list")
}

func printStartHelp() {
	fmt.Println("Usage: eventgw start [--config PATH]")
	fmt.Println("Serve the Slack events endpoint in the foreground.")
}

func printSignHelp() {
	fmt.Println("Usage: eventgw sign --body BODY [--secret SECRET] [--ts UNIX]")
	fmt.Println("Print X-Slack-Request-Timestamp and X-Slack-Signature headers for BODY.")
	fmt.Println("The secret defaults to $SLACK_SIGNING_SECRET.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: eventgw config check [--config PATH] [--json] [--strict]")
	fmt.Println("Load configuration, verify checksums, and report risky settings.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  Configuration valid (warnings allowed unless --strict)")
	fmt.Println("  1  Load failed or one or more checks failed")
}

func printConfigLockHelp() {
	fmt.Println("Usage: eventgw config lock --config PATH [--dry-run]")
	fmt.Println("Record the BLAKE3 hash of the config file in .checksums next to it.")
}

func printDeliveriesListHelp() {
	fmt.Println("Usage: eventgw deliveries list [--config PATH] [--limit N] [--json]")
	fmt.Println("Show the most recent deliveries, newest first.")
}

// --- ACTIONS ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("eventgw starting", "version", version, "config", cfg.SourcePath, "service", cfg.Service.Name)

	pidLock, err := lock.Acquire(lock.PathFor(cfg.State.Path))
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := buildGateway(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		return 1
	}
	defer gw.Close()

	logger.Info("eventgw running (press Ctrl+C to stop)",
		"listen", cfg.Server.Listen,
		"events_path", cfg.Server.EventsPath,
		"dedupe", cfg.Dedupe.Backend,
	)

	if err := gw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("gateway failed", "error", err)
		return 1
	}

	logger.Info("eventgw stopped")
	return 0
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output result as JSON")
	strict := fs.Bool("strict", false, "Treat warnings as errors")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	var result *doctor.Result
	if cfg, err := config.Load(*configPath); err != nil {
		result = doctor.Failed(err)
	} else {
		result = doctor.New(cfg).Validate()
	}

	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid || (*strict && len(result.Warnings) > 0) {
		return 1
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("config lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	dryRun := fs.Bool("dry-run", false, "Show the hash without writing .checksums")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "config lock requires --config")
		return 1
	}

	path := *configPath
	if st, err := os.Stat(path); err == nil && st.IsDir() {
		path = filepath.Join(path, "config.yaml")
	}

	report, err := config.Lock(path, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	fmt.Printf("HASH %s: %s\n", report.ConfigPath, report.Hash)
	if report.Written {
		fmt.Printf("Wrote %s\n", report.ChecksumPath)
	} else {
		fmt.Printf("DRY-RUN %s: not written\n", report.ChecksumPath)
	}
	return 0
}

func runDeliveriesList(args []string) int {
	fs := flag.NewFlagSet("deliveries list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 20, "Number of deliveries to show")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *limit <= 0 {
		fmt.Fprintln(os.Stderr, "--limit must be positive")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	list, err := storage.NewDeliveryLog(db).Recent(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read deliveries: %v\n", err)
		return 1
	}

	if *jsonOut {
		if list == nil {
			list = []storage.Delivery{}
		}
		return printJSON(list)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RECEIVED\tKIND\tTYPE\tCHANNEL\tOUTCOME\tREASON\tRETRY\tDURATION")
	for _, d := range list {
		reason := d.Reason
		if d.LastError != "" {
			reason = d.LastError
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			d.ReceivedAt.Local().Format(time.DateTime),
			d.EventKind, dash(d.EventType), dash(d.Channel),
			d.Outcome, dash(reason), d.RetryNum, d.Duration.Round(time.Millisecond),
		)
	}
	_ = tw.Flush()
	return 0
}

func runSign(args []string) int {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	secret := fs.String("secret", os.Getenv("SLACK_SIGNING_SECRET"), "Signing secret")
	body := fs.String("body", "", "Request body to sign")
	ts := fs.Int64("ts", 0, "Unix timestamp (default: now)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *secret == "" {
		fmt.Fprintln(os.Stderr, "sign requires --secret or SLACK_SIGNING_SECRET")
		return 1
	}

	stamp := strconv.FormatInt(*ts, 10)
	if *ts == 0 {
		stamp = strconv.FormatInt(time.Now().Unix(), 10)
	}
	fmt.Printf("%s: %s\n", signature.HeaderTimestamp, stamp)
	fmt.Printf("%s: %s\n", signature.HeaderSignature, signature.Sign([]byte(*body), stamp, *secret))
	return 0
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
