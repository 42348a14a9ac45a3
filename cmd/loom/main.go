// Package main is the loom CLI: a server-side multi-agent conversation
// runtime. It loads agents, providers, and MCP servers from a YAML config
// and serves turns over an SSE HTTP endpoint.
//
// Start the server:
//
//	loom serve --config loom.yaml
//
// Environment variables referenced in the config (for example
// ${ANTHROPIC_API_KEY}) are expanded at load time.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "loom - multi-agent LLM conversation runtime",
		Long: `loom drives multi-agent LLM conversations server-side: streaming turns,
tool execution with approvals, agent handoffs, and MCP tool bridging.

Supported providers: Anthropic (Claude), OpenAI (GPT), Ollama`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("loom %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
