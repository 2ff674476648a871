package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"concierge/internal/action"
	"concierge/internal/config"
	"concierge/internal/github"
	"concierge/internal/model"
	"concierge/internal/poller"
	"concierge/internal/rules"
	"concierge/internal/storage"
)

// Exit codes reported to the shell.
const (
	exitOK      = 0
	exitConfig  = 1
	exitAuth    = 2
	exitPartial = 3
	exitFatal   = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitConfig
	}

	switch args[0] {
	case "run":
		return runDaemon(args[1:], false)
	case "run-once":
		return runDaemon(args[1:], true)
	case "validate":
		return runValidate(args[1:])
	case "status":
		return runStatus(args[1:])
	case "audit":
		return runAudit(args[1:])
	case "-h", "--help", "help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		usage()
		return exitConfig
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: concierge <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  run         Poll continuously until interrupted")
	fmt.Fprintln(os.Stderr, "  run-once    Execute a single poll cycle and exit")
	fmt.Fprintln(os.Stderr, "  validate    Check the rules file and exit")
	fmt.Fprintln(os.Stderr, "  status      Show checkpoint and state counts")
	fmt.Fprintln(os.Stderr, "  audit       Query the audit log")
}

func runDaemon(args []string, once bool) int {
	name := "run"
	if once {
		name = "run-once"
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "evaluate rules without executing actions")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		return exitConfig
	}
	log := newLogger(cfg.LogLevel)

	ruleset, err := config.LoadRules(cfg.RulesPath)
	if err != nil {
		log.Error("load rules", "path", cfg.RulesPath, "error", err)
		return exitConfig
	}

	store, code := openStore(cfg, log)
	if store == nil {
		return code
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	httpClient := &http.Client{Timeout: 30 * time.Second}
	client := github.New(httpClient, cfg.GitHubToken, cfg.APIBaseURL, log)
	client.SetMaxItems(cfg.MaxItemsPerRun)

	identity, err := client.ValidateToken(ctx)
	if err != nil {
		log.Error("validate token", "error", err)
		if errors.Is(err, github.ErrAuth) {
			return exitAuth
		}
		return exitFatal
	}
	log.Info("authenticated", "user", identity.User)

	clock := model.SystemClock{}
	engine := rules.NewEngine(ruleset.EnabledRules(), client, store, clock, log)

	var webhook *action.WebhookSender
	if ruleset.WebhookURL != "" {
		webhook = action.NewWebhookSender(httpClient, ruleset.WebhookURL, clock, log)
	}
	var comment *action.CommentSender
	if ruleset.CommentEnabled {
		comment = action.NewCommentSender(httpClient, cfg.GitHubToken, cfg.APIBaseURL, clock, log)
	}
	executor := action.NewExecutor(action.NewConsoleSender(os.Stdout), webhook, comment, store, log)

	p := poller.New(client, engine, executor, store, ruleset, clock, log)
	p.SetDryRun(*dryRun)

	log.Info("starting", "rules", len(ruleset.EnabledRules()), "dry_run", *dryRun, "once", once)

	if once {
		result, err := p.RunOnce(ctx)
		if err != nil {
			log.Error("poll cycle failed", "error", err)
			if errors.Is(err, github.ErrAuth) {
				return exitAuth
			}
			return exitFatal
		}
		log.Info("poll cycle complete",
			"fetched", result.EventsFetched,
			"processed", result.EventsProcessed,
			"actions", result.ActionsExecuted,
			"errors", result.Errors)
		if result.Errors > 0 {
			return exitPartial
		}
		return exitOK
	}

	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("poller stopped", "error", err)
		if errors.Is(err, github.ErrAuth) {
			return exitAuth
		}
		return exitFatal
	}
	log.Info("stopped")
	return exitOK
}

func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	path := fs.String("rules", envOrDefault("RULES_PATH", "./concierge.yaml"), "path to the rules file")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	ruleset, err := config.LoadRules(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		return exitConfig
	}
	enabled := len(ruleset.EnabledRules())
	fmt.Printf("ok: %d rule(s), %d enabled\n", len(ruleset.Rules), enabled)
	return exitOK
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print status as JSON")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		return exitConfig
	}
	log := newLogger(cfg.LogLevel)

	store, code := openStore(cfg, log)
	if store == nil {
		return code
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	cp, err := store.LoadCheckpoint(ctx, poller.CheckpointID)
	if err != nil {
		log.Error("load checkpoint", "error", err)
		return exitFatal
	}
	processed, err := store.ProcessedCount(ctx)
	if err != nil {
		log.Error("count processed", "error", err)
		return exitFatal
	}
	audit, err := store.AuditCount(ctx)
	if err != nil {
		log.Error("count audit", "error", err)
		return exitFatal
	}

	if *asJSON {
		out := map[string]any{
			"last_event_at":    formatTimePtr(cp.LastEvent),
			"last_poll_at":     formatTimePtr(cp.LastPoll),
			"processed_events": processed,
			"audit_entries":    audit,
		}
		return printJSON(out)
	}

	fmt.Printf("last event:       %s\n", formatTimePtr(cp.LastEvent))
	fmt.Printf("last poll:        %s\n", formatTimePtr(cp.LastPoll))
	fmt.Printf("processed events: %d\n", processed)
	fmt.Printf("audit entries:    %d\n", audit)
	return exitOK
}

func runAudit(args []string) int {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	sinceFlag := fs.String("since", "", "only entries newer than this duration ago (e.g. 24h, 7d)")
	ruleFlag := fs.String("rule", "", "only entries that evaluated this rule")
	limitFlag := fs.Int("limit", 50, "maximum number of entries")
	asJSON := fs.Bool("json", false, "print entries as JSON")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		return exitConfig
	}
	log := newLogger(cfg.LogLevel)

	filter := model.AuditFilter{RuleID: *ruleFlag, Limit: *limitFlag}
	if *sinceFlag != "" {
		d, err := model.ParseDuration(*sinceFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -since: %v\n", err)
			return exitConfig
		}
		since := time.Now().UTC().Add(-d)
		filter.Since = &since
	}

	store, code := openStore(cfg, log)
	if store == nil {
		return code
	}
	defer func() { _ = store.Close() }()

	entries, err := store.QueryAudit(context.Background(), filter)
	if err != nil {
		log.Error("query audit", "error", err)
		return exitFatal
	}

	if *asJSON {
		return printJSON(entries)
	}
	for _, e := range entries {
		matched := 0
		for _, r := range e.Rules {
			if r.Matched {
				matched++
			}
		}
		fmt.Printf("%s  %-16s %-15s matched=%d actions=%d  %s\n",
			e.Timestamp.Format(time.RFC3339), e.EventType, e.Disposition,
			matched, len(e.Actions), e.Message)
	}
	return exitOK
}

// openStore creates the data directory and opens the database. It returns a
// nil store and the exit code on failure.
func openStore(cfg *config.Config, log *slog.Logger) (*storage.SQLite, int) {
	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			return nil, exitFatal
		}
	}
	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		return nil, exitFatal
	}
	return store, exitOK
}

func printJSON(v any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		return exitFatal
	}
	return exitOK
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
