package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/turncore/turncore-agent/internal/ai/uibridge"
	"github.com/turncore/turncore-agent/internal/config"
	"github.com/turncore/turncore-agent/internal/lockfile"
	"github.com/turncore/turncore-agent/internal/service"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("turncore-agent %s (%s)\n", Version, Commit)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `turncore-agent

Usage:
  turncore-agent run [flags]
  turncore-agent version

`)
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	logFormat := fs.String("log-format", "", "Log format: json|text (default: config log_format, else text on a tty, json otherwise)")
	uiPort := fs.Int("ui-port", 0, "Local debug UI bridge port (0 disables)")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	format := *logFormat
	if format == "" {
		format = cfg.LogFormat
	}
	if format == "" {
		if isTerminalWriter(os.Stdout) {
			format = "text"
		} else {
			format = "json"
		}
	}
	log := newLogger(format, cfg.LogLevel)

	lockPath := filepath.Join(filepath.Dir(cfg.DBPath()), "agent.lock")
	lock, err := lockfile.Acquire(lockPath)
	if err != nil {
		if pid := lockfile.HolderPID(lockPath); pid > 0 {
			fmt.Fprintf(os.Stderr, "another turncore-agent (pid %d) is already running against this state dir\n", pid)
		} else {
			fmt.Fprintf(os.Stderr, "failed to lock state dir: %v\n", err)
		}
		os.Exit(1)
	}
	defer lock.Release()

	store, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	engines, err := service.BuildEngines(log, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build engine registry: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ui = defaultUIEmitter()
	if *uiPort > 0 {
		bridge := uibridge.New(uibridge.Options{Logger: log, Port: *uiPort})
		if err := bridge.Start(ctx); err != nil {
			log.Warn("ui bridge failed to start", "err", err)
		} else {
			ui = bridge
		}
	}

	svc := service.New(service.Options{
		Log:           log,
		Store:         store,
		Engines:       engines,
		Flush:         cfg.Flush,
		UI:            ui,
		DebugEventLog: cfg.DebugEventLog,
	})

	if err := svc.Recover(ctx); err != nil {
		log.Warn("startup recovery pass failed", "err", err)
	}

	printWelcomeBanner(os.Stdout, welcomeBannerOptions{
		Version:    Version,
		UIPort:     *uiPort,
		NumEngines: len(engines),
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")
	cancel()
}

func newLogger(format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
