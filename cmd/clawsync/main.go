package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/basket/clawsync/internal/config"
	"github.com/basket/clawsync/internal/cron"
	otelPkg "github.com/basket/clawsync/internal/otel"
	"github.com/basket/clawsync/internal/persistence"
	"github.com/basket/clawsync/internal/skills"
	"github.com/basket/clawsync/internal/syncer"
	"github.com/basket/clawsync/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// historyKeepDays bounds how long cycle history is kept.
const historyKeepDays = 30

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Sync on a schedule until interrupted
  %s daemon                   Same as above

SUBCOMMANDS:
  %s sync [-json]             Run one sync cycle now and print the summary
  %s status [-json]           Show ledger totals and recent cycles
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CLAWSYNC_HOME           State directory (default: ~/.clawsync)
  CLAWSYNC_API_URL        Ingest base URL
  CLAWSYNC_API_KEY        Ingest bearer token
  CLAWSYNC_DEPLOYMENT_ID  Deployment id stamped on every envelope
  CLAWSYNC_PROJECT_ID     Project id used in ingest routes

EXAMPLES:
  Run the daemon:         %s
  Sync once:              %s sync
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "sync":
			os.Exit(runSyncCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "daemon":
			mode, err := parseDaemonSubcommandArgs(args[1:])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			if mode == daemonSubcommandHelp {
				printDaemonSubcommandUsage(os.Stdout)
				return
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	os.Exit(runDaemon(ctx))
}

func runDaemon(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "version", Version)

	cfgWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := cfgWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; edits need a restart", "error", err)
	}

	cfg, ok := waitUntilReady(ctx, logger, cfg, cfgWatcher.Events())
	if !ok {
		return 0
	}

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := persistence.Open(persistence.Path(cfg.HomeDir))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	if n, err := store.PruneRuns(ctx, historyKeepDays); err != nil {
		logger.Warn("prune sync history failed", "error", err)
	} else if n > 0 {
		logger.Info("pruned sync history", "runs", n)
	}
	logger.Info("startup phase", "phase", "history_opened")

	eng, err := syncer.New(syncer.Options{
		Config:  cfg,
		Logger:  logger,
		HTTP:    &http.Client{},
		Tracer:  otelProvider.Tracer,
		Metrics: metrics,
		History: store,
	})
	if err != nil {
		fatalStartup(logger, "E_ENGINE_INIT", err)
	}

	schedule, err := cron.ParseSchedule(cfg.Sync.Interval)
	if err != nil {
		fatalStartup(logger, "E_SCHEDULE_PARSE", err)
	}
	sched := cron.NewScheduler(cron.Config{
		Run: func(ctx context.Context, trigger string) error {
			_, err := eng.RunCycle(syncer.WithTrigger(ctx, trigger))
			return err
		},
		Schedule:     schedule,
		StartupDelay: cfg.Sync.StartupDelayDuration(),
		Logger:       logger,
	})
	if err := sched.Start(ctx); err != nil {
		fatalStartup(logger, "E_SCHEDULER_START", err)
	}
	logger.Info("startup phase", "phase", "scheduler_started", "interval", cfg.Sync.Interval)

	watch := &skillWatch{logger: logger, trigger: sched.Trigger}
	watch.apply(ctx, cfg)

	go func() {
		for range cfgWatcher.Events() {
			next, err := config.Load()
			if err != nil {
				logger.Warn("config reload failed; keeping current config", "error", err)
				continue
			}
			current := eng.Config()
			if next.Fingerprint() == current.Fingerprint() {
				continue
			}
			if err := eng.UpdateConfig(next); err != nil {
				logger.Warn("config reload rejected; keeping current config", "error", err)
				continue
			}
			if next.Sync.Interval != current.Sync.Interval {
				logger.Warn("sync.interval changed; restart to apply", "interval", next.Sync.Interval)
			}
			if watch.apply(ctx, next) {
				logger.Info("skill watcher restarted", "roots", len(watch.dirs))
			}
			logger.Info("config reloaded")
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	// Stop waits for an in-flight cycle so the ledger is saved.
	sched.Stop()
	logger.Info("shutdown complete")
	return 0
}

// waitUntilReady blocks until cfg can sync, reloading it on every config
// change. ok is false when ctx ends first.
func waitUntilReady(ctx context.Context, logger *slog.Logger, cfg config.Config, events <-chan config.ReloadEvent) (config.Config, bool) {
	for {
		err := cfg.Sync.Ready()
		if err == nil {
			return cfg, true
		}
		logger.Warn("sync not configured; waiting for config change", "reason", err.Error())
		select {
		case <-ctx.Done():
			return cfg, false
		case _, open := <-events:
			if !open {
				<-ctx.Done()
				return cfg, false
			}
			next, err := config.Load()
			if err != nil {
				logger.Warn("config reload failed", "error", err)
				continue
			}
			cfg = next
		}
	}
}

// skillWatch keeps a skill watcher on the roots of the current config and
// triggers an early cycle when any SKILL.md changes.
type skillWatch struct {
	logger  *slog.Logger
	trigger func() bool

	applied bool
	dirs    []string
	cancel  context.CancelFunc
}

// skillWatchDirs lists the skill roots cfg collects from, or nil when
// skill sync is off.
func skillWatchDirs(cfg config.Config) []string {
	if !cfg.Sync.SkillsEnabled() {
		return nil
	}
	col := &skills.Collector{Config: &cfg}
	var dirs []string
	for _, r := range col.Roots() {
		dirs = append(dirs, r.Dir)
	}
	return dirs
}

// apply restarts the watcher when cfg's skill roots differ from the ones
// being watched. It reports whether the watched set changed.
func (s *skillWatch) apply(ctx context.Context, cfg config.Config) bool {
	dirs := skillWatchDirs(cfg)
	if s.applied && slices.Equal(dirs, s.dirs) {
		return false
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.applied = true
	s.dirs = dirs
	if len(dirs) == 0 {
		return true
	}

	wctx, cancel := context.WithCancel(ctx)
	w := skills.NewWatcher(dirs, s.logger)
	if err := w.Start(wctx); err != nil {
		cancel()
		s.logger.Warn("skill watcher unavailable; skill edits sync on schedule", "error", err)
		return true
	}
	s.cancel = cancel
	go func() {
		for root := range w.Events() {
			if s.trigger() {
				s.logger.Info("skill change detected; sync triggered", "root", root)
			} else {
				s.logger.Debug("skill change detected; cycle already running", "root", root)
			}
		}
	}()
	return true
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"clawsync","run_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv sets variables from a .env file without overriding the
// environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

type daemonSubcommandMode int

const (
	daemonSubcommandRun daemonSubcommandMode = iota
	daemonSubcommandHelp
)

func parseDaemonSubcommandArgs(args []string) (daemonSubcommandMode, error) {
	if len(args) == 0 {
		return daemonSubcommandRun, nil
	}
	if len(args) == 1 && isHelpArg(args[0]) {
		return daemonSubcommandHelp, nil
	}
	return daemonSubcommandRun, fmt.Errorf("usage: clawsync daemon [--help]")
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func printDaemonSubcommandUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: clawsync daemon [--help]")
	fmt.Fprintln(w, "       clawsync")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Runs the sync daemon: transcripts and skills are uploaded on sync.interval")
	fmt.Fprintln(w, "and skill edits trigger an early cycle.")
}
