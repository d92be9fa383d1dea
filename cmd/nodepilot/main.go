package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/basket/nodepilot/internal/builder"
	"github.com/basket/nodepilot/internal/bus"
	"github.com/basket/nodepilot/internal/cmdb"
	"github.com/basket/nodepilot/internal/config"
	"github.com/basket/nodepilot/internal/gateway"
	"github.com/basket/nodepilot/internal/gse"
	"github.com/basket/nodepilot/internal/job"
	otelPkg "github.com/basket/nodepilot/internal/otel"
	"github.com/basket/nodepilot/internal/pipeline"
	"github.com/basket/nodepilot/internal/pluginsteps"
	"github.com/basket/nodepilot/internal/reconcile"
	"github.com/basket/nodepilot/internal/scope"
	"github.com/basket/nodepilot/internal/store"
	"github.com/basket/nodepilot/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE:
  %s -daemon                  Run the orchestrator daemon in the foreground

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)
  %s doctor [-json]           Run diagnostic checks
                              Flags: -json for JSON output

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  NODEPILOT_HOME          Data directory (default: ~/.nodepilot)
  NODEPILOT_BIND_ADDR     HTTP bind address (default: 127.0.0.1:7780)
  NODEPILOT_CMDB_URL      CMDB base URL
  NODEPILOT_JOB_URL       Job service base URL

EXAMPLES:
  Run the daemon:         %s -daemon
  Check daemon health:    %s status
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	daemon := flag.Bool("daemon", false, "run the orchestrator daemon")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "daemon":
			// Alias for -daemon.
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	} else if !*daemon {
		printUsage()
		os.Exit(2)
	}

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
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	cfg.OTel.ServiceVersion = Version
	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	eventBus := bus.New()
	st, err := store.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	// External collaborators. Empty base URLs still produce clients; calls
	// fail with a descriptive error until endpoints are configured.
	cmdbClient := cmdb.NewClient(cfg.External.CMDB, logger, metrics)
	cachedReader := cmdb.NewCachedReader(cmdbClient,
		time.Duration(cfg.External.CacheTTLSeconds)*time.Second)
	jobSvc := gse.NewJobClient(cfg.External.JobService, logger, metrics)
	agentCtl := gse.NewAgentClient(cfg.External.AgentControl, logger, metrics)
	pluginReg := gse.NewRegistryClient(cfg.External.PluginRegistry, logger, metrics)

	// Pipeline engine with the plugin step activities registered.
	registry := pipeline.NewRegistry()
	activities := pluginsteps.NewActivities(st, jobSvc, logger)
	activities.Register(registry)
	engine := pipeline.New(st, registry, cfg.Engine, logger, metrics)
	engine.Start(ctx)
	defer engine.Stop()
	logger.Info("startup phase", "phase", "pipeline_started", "workers", cfg.Engine.WorkerCount)

	resolver, err := scope.NewResolver(cachedReader, logger)
	if err != nil {
		fatalStartup(logger, "E_RESOLVER_INIT", err)
	}
	planner := pluginsteps.NewPlanner(pluginReg)
	taskBuilder := builder.New(st, resolver, cachedReader, planner, logger, metrics)
	jobs := job.New(st, taskBuilder, engine, pluginReg, cachedReader, logger)

	reconcileDeps := reconcile.Deps{
		Store:   st,
		Engine:  engine,
		Feed:    cmdbClient,
		Cache:   cachedReader,
		Builder: taskBuilder,
		Agents:  agentCtl,
		Logger:  logger,
		Metrics: metrics,
	}
	var reconcileMu sync.Mutex
	reconciler := reconcile.NewRunner(cfg.Reconcile, reconcileDeps)
	if err := reconciler.Start(ctx); err != nil {
		fatalStartup(logger, "E_RECONCILE_START", err)
	}
	defer func() {
		reconcileMu.Lock()
		defer reconcileMu.Unlock()
		reconciler.Stop()
	}()
	logger.Info("startup phase", "phase", "reconcile_started")

	// Restart the loops when config.yaml changes their cadences.
	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range confWatcher.Events() {
				newCfg, err := config.Load()
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				reconcileMu.Lock()
				if newCfg.Reconcile == cfg.Reconcile {
					reconcileMu.Unlock()
					continue
				}
				reconciler.Stop()
				next := reconcile.NewRunner(newCfg.Reconcile, reconcileDeps)
				if err := next.Start(ctx); err != nil {
					logger.Error("reconcile restart failed, loops stopped", "error", err)
					reconcileMu.Unlock()
					continue
				}
				reconciler = next
				cfg.Reconcile = newCfg.Reconcile
				reconcileMu.Unlock()
				logger.Info("reconcile loops restarted", "reason", "config reload")
			}
		}()
	}

	authToken, err := loadAuthToken(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
	}
	gw := gateway.New(gateway.Config{
		Store:     st,
		Logger:    logger,
		Version:   Version,
		AuthToken: authToken,
		Jobs:      jobs,
	})
	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then the loops, then the engine (deferred). The
	// store closes last so in-flight writes land.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
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
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadAuthToken resolves the /metricsz bearer token: env override first,
// then auth.token in the home dir, generating one on first run.
func loadAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("NODEPILOT_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}
