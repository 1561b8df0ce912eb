package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Castellan-Labs/castellan/pkg/api"
	"github.com/Castellan-Labs/castellan/pkg/audit"
	"github.com/Castellan-Labs/castellan/pkg/config"
	"github.com/Castellan-Labs/castellan/pkg/contracts"
	"github.com/Castellan-Labs/castellan/pkg/directory"
	"github.com/Castellan-Labs/castellan/pkg/escalation"
	"github.com/Castellan-Labs/castellan/pkg/notify"
	"github.com/Castellan-Labs/castellan/pkg/observability"
	"github.com/Castellan-Labs/castellan/pkg/rules"
	"github.com/Castellan-Labs/castellan/pkg/scheduler"
	"github.com/Castellan-Labs/castellan/pkg/sla"
	"github.com/Castellan-Labs/castellan/pkg/store"

	_ "github.com/lib/pq" // Postgres driver for the notification outbox
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}

	switch args[1] {
	case "server", "serve":
		return runServer(stderr)
	case "rules":
		return runRulesCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(stdout)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if strings.HasPrefix(args[1], "-") {
			return runServer(stderr)
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "castellan - escalation and SLA engine for compliance case work")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  castellan <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server          Run the engine and HTTP API (default)")
	fmt.Fprintln(w, "  rules validate  Validate a YAML rule profile (--profile, --json)")
	fmt.Fprintln(w, "  doctor          Print the effective configuration and store checks")
	fmt.Fprintln(w, "  health          Check a running server's health endpoint")
	fmt.Fprintln(w, "  help            Show this help")
	fmt.Fprintln(w, "")
}

//nolint:gocognit,gocyclo
func runServer(stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// History store: SQLite when a path is configured, in-memory
	// otherwise.
	var (
		st     store.HistoryStore
		closer io.Closer
	)
	if cfg.SQLitePath != "" {
		sq, err := store.OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			fmt.Fprintf(stderr, "open sqlite store: %v\n", err)
			return 1
		}
		st, closer = sq, sq
		logger.Info("history store: sqlite", "path", cfg.SQLitePath)
	} else {
		st = store.NewMemoryStore()
		logger.Info("history store: in-memory (set SQLITE_PATH for durability)")
	}
	if closer != nil {
		defer closer.Close()
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	if obsCfg.Enabled {
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		fmt.Fprintf(stderr, "init observability: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	evaluator, err := rules.NewEvaluator()
	if err != nil {
		fmt.Fprintf(stderr, "init rule evaluator: %v\n", err)
		return 1
	}
	registry := rules.NewRegistry(evaluator)
	if cfg.RuleProfile != "" {
		profile, err := rules.LoadProfile(cfg.RuleProfile)
		if err != nil {
			fmt.Fprintf(stderr, "load rule profile: %v\n", err)
			return 1
		}
		installed, err := profile.Install(registry)
		if err != nil {
			fmt.Fprintf(stderr, "install rule profile: %v\n", err)
			return 1
		}
		logger.Info("rule profile installed", "profile", profile.Name, "rules", len(installed))
	}

	ledger := audit.NewLedger()
	recorder := audit.NewRecorder(ledger, logger)

	// Notification delivery.
	var limiter notify.SendLimiter
	if cfg.RedisAddr != "" {
		rl := notify.NewRedisLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.SendRatePerSec, cfg.SendBurst)
		defer rl.Close()
		limiter = rl
		logger.Info("send limiter: redis", "addr", cfg.RedisAddr)
	} else {
		limiter = notify.NewLocalLimiter(cfg.SendRatePerSec, cfg.SendBurst)
	}

	dispatcherOpts := []notify.DispatcherOption{
		notify.WithChannels(cfg.Channels...),
		notify.WithLimiter(limiter),
		notify.WithFailureHook(func(ctx context.Context, n *contracts.EscalationNotification) {
			recorder.RecordNotificationFailure(ctx, n)
			obs.RecordNotificationFailed(ctx, string(n.Channel))
		}),
	}
	if cfg.PostgresURL != "" {
		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			fmt.Fprintf(stderr, "open postgres outbox: %v\n", err)
			return 1
		}
		if err := db.PingContext(ctx); err != nil {
			fmt.Fprintf(stderr, "ping postgres outbox: %v\n", err)
			return 1
		}
		defer db.Close()
		dispatcherOpts = append(dispatcherOpts, notify.WithOutbox(store.NewPostgresNotificationOutbox(db)))
		logger.Info("notification outbox: postgres")
	}
	dispatcher := notify.NewDispatcher(st, notify.NewLogTransport(logger), logger, dispatcherOpts...)

	sink := contracts.FanOut(dispatcher, recorder, metricsSink{obs})

	clocks := sla.NewManager(st, sink, logger)
	if err := clocks.Restore(ctx); err != nil {
		fmt.Fprintf(stderr, "restore sla clocks: %v\n", err)
		return 1
	}
	logger.Info("sla clocks restored", "live", clocks.LiveCount())

	dir := directory.NewStatic(cfg.Roster)
	machine := escalation.NewStateMachine(st, clocks, evaluator, registry, dir, sink, logger)

	var feed contracts.CaseFeed = emptyFeed{}
	if cfg.CaseFeedURL != "" {
		feed = newHTTPCaseFeed(cfg.CaseFeedURL)
		logger.Info("case feed: http", "url", cfg.CaseFeedURL)
	}
	engine := escalation.NewEngine(feed, machine, clocks, logger)

	dispatcher.Start(ctx)
	defer dispatcher.Stop()
	// Pick up notifications a previous run left pending, e.g. rows the
	// dispatcher had queued when it was stopped or killed.
	if err := dispatcher.Redrive(ctx); err != nil {
		logger.Error("redrive pending notifications", "error", err)
	}

	ticker := scheduler.New(cfg.TickInterval, func(ctx context.Context) error {
		ctx, done := obs.TrackTick(ctx)
		err := engine.Tick(ctx)
		done(err)
		return err
	}, logger)
	go ticker.Run(ctx)
	defer ticker.Stop()

	// HTTP surface.
	deps := api.Deps{
		Registry:   registry,
		Store:      st,
		Machine:    machine,
		Clocks:     clocks,
		Engine:     engine,
		Dispatcher: dispatcher,
		Ledger:     ledger,
		Limiter:    api.NewGlobalRateLimiter(20, 40),
		Logger:     logger,
	}
	if cfg.JWTSecret != "" {
		deps.Auth = api.NewTokenManager(cfg.JWTSecret)
	} else {
		logger.Warn("JWT_SECRET not set; rule mutations are unauthenticated")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewServer(deps).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "error", err)
		}
		return 0
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(stderr, "http server: %v\n", err)
			return 1
		}
		return 0
	}
}

// engineMetrics is the slice of the observability provider the event
// sink needs.
type engineMetrics interface {
	RecordEscalation(ctx context.Context, level int)
	RecordBreach(ctx context.Context, level int)
	RecordSLAMet(ctx context.Context)
}

// metricsSink projects engine events onto the RED metrics. Escalations
// raise the live-clock gauge; both breach and met outcomes lower it, so
// the gauge tracks clocks still running.
type metricsSink struct {
	obs engineMetrics
}

func (s metricsSink) HandleEvent(ctx context.Context, ev contracts.Event) {
	switch ev.Type {
	case contracts.EventCaseEscalated:
		if ev.History != nil {
			s.obs.RecordEscalation(ctx, ev.History.Level)
		}
	case contracts.EventSLABreached:
		if ev.Clock != nil {
			s.obs.RecordBreach(ctx, ev.Clock.Level)
		}
	case contracts.EventSLAMet:
		if ev.Clock != nil {
			s.obs.RecordSLAMet(ctx)
		}
	}
}

func runRulesCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || args[0] != "validate" {
		fmt.Fprintln(stderr, "Usage: castellan rules validate --profile <file> [--json]")
		return 2
	}
	cmd := flag.NewFlagSet("rules validate", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		profilePath string
		jsonOutput  bool
	)
	cmd.StringVar(&profilePath, "profile", "", "Path to the YAML rule profile (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	if profilePath == "" {
		fmt.Fprintln(stderr, "Error: --profile is required")
		cmd.Usage()
		return 2
	}

	profile, err := rules.LoadProfile(profilePath)
	if err != nil {
		if jsonOutput {
			out, _ := json.MarshalIndent(map[string]any{"valid": false, "error": err.Error()}, "", "  ")
			fmt.Fprintln(stdout, string(out))
		} else {
			fmt.Fprintf(stderr, "Validation failed: %v\n", err)
		}
		return 1
	}

	// Install into a throwaway registry so CEL expressions and rule
	// constraints are checked, not just the document shape.
	evaluator, err := rules.NewEvaluator()
	if err != nil {
		fmt.Fprintf(stderr, "init evaluator: %v\n", err)
		return 1
	}
	installed, err := profile.Install(rules.NewRegistry(evaluator))
	if err != nil {
		if jsonOutput {
			out, _ := json.MarshalIndent(map[string]any{"valid": false, "error": err.Error()}, "", "  ")
			fmt.Fprintln(stdout, string(out))
		} else {
			fmt.Fprintf(stderr, "Validation failed: %v\n", err)
		}
		return 1
	}

	if jsonOutput {
		out, _ := json.MarshalIndent(map[string]any{
			"valid":   true,
			"profile": profile.Name,
			"rules":   len(installed),
		}, "", "  ")
		fmt.Fprintln(stdout, string(out))
	} else {
		fmt.Fprintf(stdout, "Profile %q valid: %d rules\n", profile.Name, len(installed))
	}
	return 0
}

func runDoctorCmd(stdout io.Writer) int {
	cfg := config.Load()
	ok := true

	fmt.Fprintln(stdout, "castellan doctor")
	fmt.Fprintf(stdout, "  port:          %s\n", cfg.Port)
	fmt.Fprintf(stdout, "  tick interval: %s\n", cfg.TickInterval)
	fmt.Fprintf(stdout, "  channels:      %v\n", cfg.Channels)

	if cfg.SQLitePath == "" {
		fmt.Fprintln(stdout, "  store:         in-memory (history lost on restart)")
	} else if sq, err := store.OpenSQLiteStore(cfg.SQLitePath); err != nil {
		fmt.Fprintf(stdout, "  store:         FAIL (%v)\n", err)
		ok = false
	} else {
		sq.Close()
		fmt.Fprintf(stdout, "  store:         sqlite %s\n", cfg.SQLitePath)
	}

	if cfg.RuleProfile == "" {
		fmt.Fprintln(stdout, "  rule profile:  none (rules via API only)")
	} else if _, err := rules.LoadProfile(cfg.RuleProfile); err != nil {
		fmt.Fprintf(stdout, "  rule profile:  FAIL (%v)\n", err)
		ok = false
	} else {
		fmt.Fprintf(stdout, "  rule profile:  %s\n", cfg.RuleProfile)
	}

	if cfg.JWTSecret == "" {
		fmt.Fprintln(stdout, "  auth:          DISABLED (set JWT_SECRET)")
	} else {
		fmt.Fprintln(stdout, "  auth:          enabled")
	}
	if len(cfg.Roster) == 0 {
		fmt.Fprintln(stdout, "  roster:        empty (auto-assign will fail; set DIRECTORY_ROSTER)")
	} else {
		fmt.Fprintf(stdout, "  roster:        %d roles\n", len(cfg.Roster))
	}

	if !ok {
		return 1
	}
	return 0
}

func runHealthCmd(stdout, stderr io.Writer) int {
	cfg := config.Load()
	resp, err := http.Get("http://localhost:" + cfg.Port + "/healthz")
	if err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	_, _ = io.Copy(stdout, resp.Body)
	fmt.Fprintln(stdout)
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
