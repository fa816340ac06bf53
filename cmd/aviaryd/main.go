package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/finchworks/aviary/internal/agent"
	"github.com/finchworks/aviary/internal/bus"
	"github.com/finchworks/aviary/internal/config"
	"github.com/finchworks/aviary/internal/cron"
	"github.com/finchworks/aviary/internal/engine"
	"github.com/finchworks/aviary/internal/memory"
	otelPkg "github.com/finchworks/aviary/internal/otel"
	"github.com/finchworks/aviary/internal/persistence"
	"github.com/finchworks/aviary/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Run the daemon in the foreground

SUBCOMMANDS:
  %s doctor [-json]           Run diagnostic checks
                              Flags: -json for JSON output

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  AVIARY_HOME              Data directory (default: ~/.aviary)
  AVIARY_LOG_LEVEL         Log level: debug, info, warn, error
  AVIARY_BACKEND           Storage backend: file or sqlite
  AVIARY_ENGINE_COMMAND    Engine binary (default: claude)

EXAMPLES:
  Run the daemon:         %s
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0])
}

func main() {
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	// Records emitted before the real logger exists buffer here and replay
	// into it, in order, once config is loaded.
	bootstrap := telemetry.NewBootstrapHandler()
	boot := slog.New(bootstrap)
	boot.Info("aviaryd starting", "version", Version, "pid", os.Getpid())

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(bootstrap, "config load failed", err)
	}
	boot.Info("startup phase", "phase", "config_loaded",
		"home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())
	if cfg.NeedsGenesis {
		boot.Info("no config.yaml found, running on defaults",
			"path", config.ConfigPath(cfg.HomeDir))
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(bootstrap, "logger init failed", err)
	}
	defer logCloser.Close()
	if err := bootstrap.Flush(ctx, logger.Handler()); err != nil {
		logger.Warn("bootstrap log replay incomplete", "error", err)
	}
	slog.SetDefault(logger)

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(bootstrap, "otel init failed", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(sctx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(bootstrap, "metrics init failed", err)
	}
	mirrorBusMetrics(ctx, eventBus, metrics)

	store, err := persistence.Open(persistence.Backend(cfg.Backend), cfg.HomeDir, eventBus)
	if err != nil {
		fatalStartup(bootstrap, "storage open failed", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "store_opened", "backend", cfg.Backend)

	ensureAgents(ctx, store, cfg.Agents, logger)

	mem := memory.NewService(store, eventBus, logger,
		cfg.Memory.JournalExcerptTokens, cfg.Memory.IndexerCommand)

	invoker := &engine.CLIInvoker{
		Command: cfg.Engine.Command,
		Args:    cfg.Engine.Args,
		Timeout: time.Duration(cfg.Engine.TimeoutSeconds) * time.Second,
		Logger:  logger,
	}

	pool := agent.NewPool(agent.PoolConfig{
		Store:        store,
		Invoker:      invoker,
		Memory:       mem,
		Bus:          eventBus,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       otelProvider.Tracer,
		Instructions: cfg.Instructions,
		DefaultModel: cfg.Engine.Model,
		IdleTTL:      time.Duration(cfg.Pool.IdleTTLMinutes) * time.Minute,
	})
	pool.StartEviction(time.Duration(cfg.Pool.SweepIntervalMinutes) * time.Minute)

	driver := cron.NewDriver(cron.Config{
		Store:       store,
		Pool:        pool,
		Bus:         eventBus,
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      otelProvider.Tracer,
		Interval:    time.Duration(cfg.Scheduler.PollIntervalSeconds) * time.Second,
		Parallelism: cfg.Scheduler.Parallelism,
	})
	driver.Start(ctx)

	waker := cron.NewWaker(cron.WakerConfig{
		Store:  store,
		Pool:   pool,
		Bus:    eventBus,
		Logger: logger,
	})
	waker.Start(ctx)

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(bootstrap, "config watcher start failed", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			switch filepath.Base(ev.Path) {
			case "config.yaml":
				newCfg, err := config.LoadFrom(cfg.HomeDir)
				if err != nil {
					logger.Error("config.yaml reload failed", "error", err)
					break
				}
				ensureAgents(ctx, store, newCfg.Agents, logger)
				pool.SetInstructions(newCfg.Instructions)
				if newCfg.Fingerprint() != cfg.Fingerprint() {
					// Engine, scheduler and pool settings are wired at
					// startup; agents and instructions apply live.
					logger.Info("config.yaml changed, some settings apply on restart",
						"fingerprint", newCfg.Fingerprint())
				}
				cfg.Agents = newCfg.Agents
				cfg.Instructions = newCfg.Instructions
			case "instructions.md":
				data, err := os.ReadFile(ev.Path)
				if err != nil {
					break
				}
				cfg.Instructions = string(data)
				pool.SetInstructions(cfg.Instructions)
				logger.Info("instructions.md hot-reloaded")
			}
		}
	}()

	logger.Info("aviaryd ready",
		"home", cfg.HomeDir,
		"backend", cfg.Backend,
		"engine", cfg.Engine.Command,
		"agents", len(cfg.Agents),
		"poll_interval_s", cfg.Scheduler.PollIntervalSeconds)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Stop the turn sources first, then wait out background work. In-flight
	// turns are cancelled by ctx; their commit phase still completes.
	waker.Stop()
	driver.Stop()
	pool.StopEviction()
	mem.Wait()
	logger.Info("shutdown complete")
}

// mirrorBusMetrics counts bus traffic whose producers hold no meter: inbox
// deliveries originate in the storage layer and reindex passes in background
// goroutines. Everything else increments its own counters inline.
func mirrorBusMetrics(ctx context.Context, eventBus *bus.Bus, metrics *otelPkg.Metrics) {
	delivered := eventBus.Subscribe(bus.TopicInboxDelivered)
	reindexed := eventBus.Subscribe(bus.TopicMemoryReindexed)
	go func() {
		defer eventBus.Unsubscribe(delivered)
		defer eventBus.Unsubscribe(reindexed)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-delivered.Ch():
				if !ok {
					return
				}
				if d, ok := ev.Payload.(bus.InboxDeliveredEvent); ok {
					metrics.InboxDelivered.Add(ctx, 1,
						metric.WithAttributes(otelPkg.AttrAgentName.String(d.To)))
				}
			case ev, ok := <-reindexed.Ch():
				if !ok {
					return
				}
				if r, ok := ev.Payload.(bus.MemoryReindexedEvent); ok {
					metrics.ReindexRuns.Add(ctx, 1,
						metric.WithAttributes(otelPkg.AttrAgentName.String(r.Agent)))
				}
			}
		}
	}()
}

// ensureAgents registers the agents declared in config that do not exist
// yet. Existing records win: config never overwrites a live agent.
func ensureAgents(ctx context.Context, store *persistence.Store, entries []config.AgentEntry, logger *slog.Logger) {
	for _, entry := range entries {
		if _, err := store.EnsureAgent(ctx, persistence.Agent{
			Name:          entry.Name,
			Description:   entry.Description,
			Model:         entry.Model,
			WorkspacePath: entry.Workspace,
		}); err != nil {
			logger.Error("failed to ensure agent from config", "agent", entry.Name, "error", err)
		}
	}
}

// fatalStartup reports a startup failure and exits. Before the real logger
// exists the buffered records drain to stderr so the failure is visible.
func fatalStartup(bootstrap *telemetry.BootstrapHandler, msg string, err error) {
	slog.New(bootstrap).Error(msg, "error", err)
	_ = bootstrap.Flush(context.Background(), slog.NewJSONHandler(os.Stderr, nil))
	os.Exit(1)
}
