package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/loomdocs/loom-agent/internal/app"
	"github.com/loomdocs/loom-agent/internal/config"
	"github.com/loomdocs/loom-agent/internal/lockfile"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("loom-agent %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `loom-agent

Usage:
  loom-agent init [flags]
  loom-agent run [flags]
  loom-agent version

Commands:
  init        Write a starter config file.
  run         Run the agent using the local config file.
  version     Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)

	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	model := fs.String("model", "claude-sonnet-4-20250514", "Chat model")
	embedModel := fs.String("embed-model", "text-embedding-3-small", "Embedding model")
	listen := fs.String("listen", "", "HTTP listen address (default 127.0.0.1:8321)")
	dbPath := fs.String("db", "", "SQLite database path (default: next to the config file)")

	logFormat := fs.String("log-format", "json", "Log format: json|text")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")

	_ = fs.Parse(args)

	cfg := &config.Config{
		DBPath:     *dbPath,
		ListenAddr: *listen,
		Provider: config.ProviderConfig{
			Model: *model,
		},
		Embedder: config.EmbedderConfig{
			Model: *embedModel,
		},
		LogFormat: *logFormat,
		LogLevel:  *logLevel,
	}

	// API keys come from the environment unless written into the file later.
	if cfg.ProviderAPIKey() == "" {
		fmt.Fprintln(os.Stderr, "warning: ANTHROPIC_API_KEY is not set; set it before running")
	}

	if err := config.Save(filepath.Clean(*cfgPath), cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written: %s\n", filepath.Clean(*cfgPath))
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Prevent two agent processes from sharing one state directory: the
	// sqlite store and audit log assume a single writer process.
	stateDir := filepath.Dir(cfg.ResolvedDBPath())
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init state dir: %v\n", err)
		os.Exit(1)
	}
	lockPath := filepath.Join(stateDir, "agent.lock")
	lk, err := lockfile.Acquire(lockPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to acquire agent lock (%s): %v\n", lockPath, err)
		os.Exit(1)
	}
	defer func() { _ = lk.Release() }()

	a, err := app.New(app.Options{
		Config:    cfg,
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init agent: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "agent exited with error: %v\n", err)
		os.Exit(1)
	}
}
