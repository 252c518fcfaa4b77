package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/valet/internal/agent"
	"github.com/haasonsaas/valet/internal/agent/providers"
	"github.com/haasonsaas/valet/internal/auth"
	"github.com/haasonsaas/valet/internal/config"
	"github.com/haasonsaas/valet/internal/credentials"
	"github.com/haasonsaas/valet/internal/memory"
	"github.com/haasonsaas/valet/internal/observability"
	"github.com/haasonsaas/valet/internal/orchestrator"
	"github.com/haasonsaas/valet/internal/server"
	"github.com/haasonsaas/valet/internal/triggers"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Valet orchestrator server",
		Long: `Start the orchestrator: load configuration, open the stores, wire
the LLM provider and react loop, restore the agent pool, start the
trigger engine, and serve HTTP until SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  valet serve

  # Start with custom config
  valet serve --config /etc/valet/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := buildLogger(cfg.Logging, debug)
	slog.SetDefault(logger)

	metrics := observability.NewMetrics()

	provider, err := buildProvider(cfg.Providers)
	if err != nil {
		return err
	}

	registry := agent.NewRegistry()

	backend, closeBackend, err := buildPoolBackend(ctx, cfg.Pool)
	if err != nil {
		return err
	}
	defer closeBackend()

	pool := agent.NewAgentPool(cfg.AgentPoolConfig(), registry, backend, logger)
	if err := pool.Restore(ctx); err != nil {
		return fmt.Errorf("restoring agent pool: %w", err)
	}
	pool.StartSweeper(ctx)

	invoker, err := agent.NewToolInvoker(cfg.ReactLoop, registry, pool, nil, logger)
	if err != nil {
		return fmt.Errorf("building tool invoker: %w", err)
	}
	loop := agent.NewReactLoop(cfg.ReactLoop, provider, invoker, logger)
	loop.SetMetrics(metrics)

	creds, err := credentials.Open(ctx, cfg.Credentials.Path, logger)
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}
	defer creds.Close()

	memStore, err := memory.Open(ctx, cfg.Memory.Path, logger)
	if err != nil {
		return fmt.Errorf("opening memory store: %w", err)
	}
	defer memStore.Close()

	// The trigger engine needs the orchestrator and the approval
	// coordinator needs the engine; the late notifier breaks the cycle.
	notifier := &lateNotifier{}
	approvals := agent.NewApprovalCoordinator(pool, notifier, logger)

	orch := orchestrator.New(orchestrator.Config{
		Model:              cfg.Providers.Model,
		MaxHistoryMessages: cfg.ReactLoop.MaxHistoryMessages,
	}, loop, pool, approvals, memStore, creds, &orchestrator.MessagePolicy{}, logger)

	var engine *triggers.Engine
	if cfg.Triggers.Enabled {
		engine, err = triggers.NewEngine(cfg.Triggers, orch, pool, logger, triggers.WithMetrics(metrics))
		if err != nil {
			return fmt.Errorf("building trigger engine: %w", err)
		}
		notifier.set(engine)
		engine.Start(ctx)
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = engine.Stop(stopCtx)
		}()
	}

	var jwtSvc *auth.JWTService
	if cfg.Auth.Enabled {
		jwtSvc = auth.NewJWTService(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	}

	if configPath != "" {
		if err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
			loop.UpdateConfig(next.ReactLoop)
		}); err != nil {
			logger.Warn("config hot reload unavailable", "error", err)
		}
	}

	srv := server.New(cfg.Server, orch, engine, jwtSvc, metrics, logger)
	return srv.Run(ctx)
}

func buildLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func buildProvider(cfg config.ProvidersConfig) (agent.LLMProvider, error) {
	switch cfg.Default {
	case "", "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       cfg.Anthropic.APIKey,
			BaseURL:      cfg.Anthropic.BaseURL,
			DefaultModel: cfg.Anthropic.DefaultModel,
			MaxRetries:   cfg.Anthropic.MaxRetries,
			RetryDelay:   cfg.Anthropic.RetryDelay,
		})
	case "openai":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       cfg.OpenAI.APIKey,
			BaseURL:      cfg.OpenAI.BaseURL,
			DefaultModel: cfg.OpenAI.DefaultModel,
			MaxRetries:   cfg.OpenAI.MaxRetries,
			RetryDelay:   cfg.OpenAI.RetryDelay,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Default)
	}
}

func buildPoolBackend(ctx context.Context, cfg config.PoolConfig) (agent.PoolBackend, func(), error) {
	switch cfg.Backend {
	case "", "memory":
		return agent.NewMemoryPoolBackend(), func() {}, nil
	case "sqlite":
		backend, db, err := agent.OpenSQLitePool(ctx, cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite pool backend: %w", err)
		}
		return backend, func() { _ = db.Close() }, nil
	case "postgres":
		backend, db, err := agent.OpenPostgresPool(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres pool backend: %w", err)
		}
		return backend, func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown pool backend %q", cfg.Backend)
	}
}

// lateNotifier defers the expiry target until the trigger engine is
// wired.
type lateNotifier struct {
	mu     sync.Mutex
	engine *triggers.Engine
}

func (n *lateNotifier) set(engine *triggers.Engine) {
	n.mu.Lock()
	n.engine = engine
	n.mu.Unlock()
}

func (n *lateNotifier) MarkTaskExpired(ctx context.Context, tenantID, taskID string) error {
	n.mu.Lock()
	engine := n.engine
	n.mu.Unlock()
	if engine == nil {
		return nil
	}
	return engine.MarkTaskExpired(ctx, tenantID, taskID)
}
