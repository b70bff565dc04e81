// Package app wires the agent's components together from a loaded config and
// runs them until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loomdocs/loom-agent/internal/approval"
	"github.com/loomdocs/loom-agent/internal/assembler"
	"github.com/loomdocs/loom-agent/internal/auditlog"
	"github.com/loomdocs/loom-agent/internal/config"
	"github.com/loomdocs/loom-agent/internal/docstore"
	"github.com/loomdocs/loom-agent/internal/embedder"
	"github.com/loomdocs/loom-agent/internal/indexer"
	"github.com/loomdocs/loom-agent/internal/orchestrator"
	"github.com/loomdocs/loom-agent/internal/service"
	"github.com/loomdocs/loom-agent/internal/tools"
)

type Options struct {
	Config *config.Config

	Version   string
	Commit    string
	BuildTime string
}

type App struct {
	cfg *config.Config
	log *slog.Logger

	store *docstore.Store
	orch  *orchestrator.Orchestrator
	srv   *service.Server
}

func New(opts Options) (*App, error) {
	if opts.Config == nil {
		return nil, errors.New("missing config")
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := newLogger(strings.TrimSpace(cfg.LogFormat), strings.TrimSpace(cfg.LogLevel))
	if err != nil {
		return nil, err
	}

	dbPath := cfg.ResolvedDBPath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, err
	}
	store, err := docstore.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	// The embedder is optional: without a key, indexing and semantic
	// retrieval are disabled and assembly uses explicit references only.
	var gateway embedder.Gateway
	if key := cfg.EmbedderAPIKey(); key != "" {
		og, err := embedder.NewOpenAIGateway(key, cfg.Embedder.BaseURL, cfg.Embedder.Model)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("init embedder: %w", err)
		}
		gateway = embedder.WithRetry(og, cfg.Limits.EmbedRetries, 0, logger)
	} else {
		logger.Warn("no embedder api key; semantic retrieval and indexing disabled")
	}

	asm, err := assembler.New(store, gateway, cfg.Context.TopK, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var idx *indexer.Indexer
	if gateway != nil {
		idx, err = indexer.New(store, gateway, logger)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	gate, err := approval.NewGate(store, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	audit, err := auditlog.New(auditlog.Options{
		Logger:   logger,
		StateDir: filepath.Dir(dbPath),
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init audit log: %w", err)
	}
	gate.SetAudit(audit)

	var reindex func(ctx context.Context, documentID string) error
	if idx != nil {
		reindex = func(ctx context.Context, documentID string) error {
			_, err := idx.Index(ctx, documentID)
			return err
		}
	}
	exec, err := tools.NewExecutor(store, reindex, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	provider, err := orchestrator.NewAnthropicProvider(cfg.ProviderAPIKey(), cfg.Provider.BaseURL)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init provider: %w", err)
	}

	orch, err := orchestrator.New(store, asm, gate, exec, provider, orchestrator.Options{
		Model:           cfg.Provider.Model,
		ContextBudget:   cfg.Context.BudgetTokens,
		MaxToolDepth:    cfg.Limits.MaxToolDepth,
		WallClock:       cfg.WallClock(),
		ModelRetries:    cfg.Limits.ModelRetries,
		MaxOutputTokens: cfg.Provider.MaxOutputTokens,
		Logger:          logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	srv, err := service.New(service.Options{
		Logger:       logger,
		Addr:         cfg.ResolvedListenAddr(),
		Store:        store,
		Orchestrator: orch,
		Gate:         gate,
		Assembler:    asm,
		Indexer:      idx,
		Audit:        audit,
		Version:      strings.TrimSpace(opts.Version),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &App{cfg: cfg, log: logger, store: store, orch: orch, srv: srv}, nil
}

// Run serves until the context is canceled, then drains in-flight requests
// and closes the store.
func (a *App) Run(ctx context.Context) error {
	if a == nil {
		return errors.New("nil app")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if err := a.srv.Start(ctx); err != nil {
		return err
	}
	a.log.Info("agent started", "db", a.cfg.ResolvedDBPath(), "addr", a.cfg.ResolvedListenAddr())

	<-ctx.Done()

	_ = a.srv.Close()

	// Give suspended requests a moment to observe cancellation before the
	// store goes away.
	done := make(chan struct{})
	go func() {
		a.orch.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		a.log.Warn("shutdown with requests still in flight")
	}

	return a.store.Close()
}

func newLogger(format string, level string) (*slog.Logger, error) {
	var h slog.Handler

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
