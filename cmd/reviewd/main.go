package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/reviewd/internal/config"
	"git.home.luguber.info/inful/reviewd/internal/engine"
	"git.home.luguber.info/inful/reviewd/internal/events"
	"git.home.luguber.info/inful/reviewd/internal/ingest"
	"git.home.luguber.info/inful/reviewd/internal/metrics"
	"git.home.luguber.info/inful/reviewd/internal/runner"
	"git.home.luguber.info/inful/reviewd/internal/server"
	"git.home.luguber.info/inful/reviewd/internal/store"
	"git.home.luguber.info/inful/reviewd/internal/workingcopy"
)

// version is stamped by the build.
var version = "dev"

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"config.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Serve struct{} `cmd:"" default:"1" help:"Run the review daemon"`

	Init struct {
		Force bool `help:"Overwrite existing configuration file"`
	} `cmd:"" help:"Write an example configuration file"`

	Version struct{} `cmd:"" help:"Print version and exit"`
}

func main() {
	ctx := kong.Parse(&CLI)

	logLevel := slog.LevelInfo
	if CLI.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	switch ctx.Command() {
	case "version":
		fmt.Println("reviewd", version)
	case "init":
		if err := runInit(CLI.Config, CLI.Init.Force); err != nil {
			slog.Error("Init failed", "error", err)
			os.Exit(1)
		}
	default:
		if err := runServe(logger); err != nil {
			slog.Error("Daemon failed", "error", err)
			os.Exit(1)
		}
	}
}

func runServe(logger *slog.Logger) error {
	cfg, err := config.Load(CLI.Config)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	// Live config: the watcher swaps the pointer, readers pull a snapshot
	// per request/tick.
	var current atomic.Pointer[config.Config]
	current.Store(cfg)
	cfgFn := current.Load

	for _, dir := range []string{cfg.Storage.DataDir, cfg.Storage.MirrorDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	st, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	notifier, err := events.NewNotifier(&cfg.Events, logger)
	if err != nil {
		return fmt.Errorf("connect event notifier: %w", err)
	}
	defer notifier.Close()

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	var promRecorder *metrics.PrometheusRecorder
	if cfg.Metrics.Enabled {
		promRecorder = metrics.NewPrometheusRecorder(prom.NewRegistry())
		recorder = promRecorder
	}

	assistant := &runner.Assistant{
		Binary:    cfg.Assistant.Binary,
		ExtraArgs: cfg.Assistant.ExtraArgs,
		Model:     cfg.Assistant.Model,
		APIBase:   cfg.Assistant.APIBase,
		APIKey:    cfg.Assistant.APIKey,
		NoRepoMap: cfg.Assistant.NoRepoMap,
		MapTokens: cfg.Engine.ContextMapTokens,
		Timeout:   cfg.Engine.BatchTimeout,
		Settings:  st,
		Logger:    logger,
	}

	eng := engine.New(engine.Options{
		Config:   cfgFn,
		Store:    st,
		Copies:   workingcopy.NewManager(cfg.Storage.MirrorDir),
		Runner:   assistant,
		Recorder: recorder,
		Notifier: notifier,
		Logger:   logger,
	})

	poller := ingest.NewPoller(cfgFn, st, eng, nil, logger)
	webhook := &ingest.Webhook{Config: cfgFn, Queue: eng, Logger: logger}

	srvOpts := server.Options{
		Config:  cfgFn,
		Store:   st,
		Webhook: webhook,
		Poller:  poller,
		Engine:  eng,
		Logger:  logger,
	}
	if promRecorder != nil {
		srvOpts.Metrics = promRecorder.Handler()
	}
	srv := server.New(srvOpts)

	watcher, err := config.NewWatcher(CLI.Config, func(c *config.Config) {
		current.Store(c)
	})
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	defer watcher.Stop()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	if cfg.Polling.Enabled {
		if err := poller.Start(); err != nil {
			return fmt.Errorf("start poller: %w", err)
		}
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}

	slog.Info("reviewd started", "version", version,
		"addr", cfg.Server.Addr, "repositories", len(cfg.Repositories), "polling", cfg.Polling.Enabled)

	<-ctx.Done()
	slog.Info("Shutting down")

	// Stop intake first, then drain workers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown", "error", err)
	}
	if err := poller.Stop(); err != nil {
		slog.Error("Poller shutdown", "error", err)
	}
	eng.Stop()
	return nil
}
