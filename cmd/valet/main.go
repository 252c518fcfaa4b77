// Package main provides the CLI entry point for the Valet agent
// orchestrator.
//
// Start the server:
//
//	valet serve --config valet.yaml
//
// Inspect the configuration schema:
//
//	valet config schema
//
// Mint a tenant token when auth is enabled:
//
//	valet token --config valet.yaml --tenant acme
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := buildRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "valet",
		Short: "Valet - LLM agent orchestrator",
		Long: `Valet runs a react-loop agent orchestrator over HTTP: tool-calling
LLM conversations with stateful agents, approvals, pooling, and
cron-triggered tasks.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
		buildTokenCmd(),
	)
	return rootCmd
}
