package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/mcp"
	"github.com/haasonsaas/loom/internal/runtime"
	"github.com/haasonsaas/loom/internal/runtime/providers"
	"github.com/haasonsaas/loom/internal/server"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the conversation runtime server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "loom.yaml", "Path to configuration file")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := buildLogger(cfg.Logging, debug)
	slog.SetDefault(logger)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mcpMgr := mcp.NewManager(&cfg.MCP, logger)
	if err := mcpMgr.Start(ctx); err != nil {
		return fmt.Errorf("start mcp: %w", err)
	}
	defer mcpMgr.Stop()

	orch, err := buildOrchestrator(ctx, cfg, mcpMgr, logger)
	if err != nil {
		return err
	}

	srv := server.New(orch, logger, server.Options{Addr: cfg.Server.Addr, MCP: mcpMgr})
	if err := srv.Start(ctx); err != nil {
		return err
	}

	// Agent and runtime settings hot-reload; MCP server connections and the
	// listen address are fixed for the process lifetime.
	watcher := config.NewWatcher(configPath, func(newCfg *config.Config) {
		newOrch, err := buildOrchestrator(ctx, newCfg, mcpMgr, logger)
		if err != nil {
			logger.Error("config reload: rebuilding runtime failed, keeping previous", "error", err)
			return
		}
		srv.SwapOrchestrator(newOrch)
		logger.Info("runtime reloaded", "agents", len(newCfg.Agents))
	}, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	} else {
		defer watcher.Close()
	}

	logger.Info("loom ready", "addr", srv.Addr(), "agents", len(cfg.Agents))
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
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
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// buildOrchestrator assembles agent definitions and runtime settings from
// config.
func buildOrchestrator(ctx context.Context, cfg *config.Config, mcpMgr *mcp.Manager, logger *slog.Logger) (*runtime.Orchestrator, error) {
	agents, err := buildAgents(ctx, cfg, mcpMgr)
	if err != nil {
		return nil, err
	}

	rcfg := runtime.Config{
		RequestTimeout: cfg.Runtime.RequestTimeout,
		Guard: runtime.GuardConfig{
			ToolTimeout:    cfg.Runtime.ToolTimeout,
			MaxResultBytes: cfg.Runtime.MaxToolResultKB * 1024,
		},
		ApprovalTimeout:  cfg.Runtime.ApprovalTimeout,
		MaxAgentsPerTurn: cfg.Runtime.MaxAgentsPerTurn,
		EventBuffer:      cfg.Runtime.EventBuffer,
	}
	return runtime.NewOrchestrator(agents, cfg.DefaultAgentID(), providerFactory(), rcfg, runtime.Hooks{}, logger)
}

func buildAgents(ctx context.Context, cfg *config.Config, mcpMgr *mcp.Manager) ([]*runtime.AgentDefinition, error) {
	builtins, err := builtinTools()
	if err != nil {
		return nil, err
	}

	agents := make([]*runtime.AgentDefinition, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		pc := cfg.Providers[a.Provider]
		model := a.Model
		if model == "" {
			model = pc.DefaultModel
		}

		tools := make([]*runtime.ToolDefinition, 0, len(builtins))
		tools = append(tools, builtins...)
		if cfg.MCP.Enabled {
			tools = append(tools, mcp.BridgeTools(ctx, mcpMgr, a.AllowedMCPServers)...)
		}
		tools = applyApprovalOverrides(tools, a.RequireApproval)

		agents = append(agents, &runtime.AgentDefinition{
			ID:           a.ID,
			Name:         a.Name,
			Description:  a.Description,
			SystemPrompt: a.SystemPrompt,
			Model: runtime.ModelConfig{
				Provider:    a.Provider,
				Model:       model,
				Temperature: a.Temperature,
				MaxTokens:   a.MaxTokens,
				APIKey:      pc.APIKey,
				BaseURL:     pc.BaseURL,
			},
			Tools:             tools,
			AllowedMCPServers: a.AllowedMCPServers,
			CanHandoffTo:      a.CanHandoffTo,
			MaxIterations:     a.MaxIterations,
		})
	}
	return agents, nil
}

// applyApprovalOverrides flips RequiresApproval on the named tools. Cloned so
// one agent's gate does not leak into another's toolset.
func applyApprovalOverrides(tools []*runtime.ToolDefinition, gated []string) []*runtime.ToolDefinition {
	if len(gated) == 0 {
		return tools
	}
	gatedSet := make(map[string]struct{}, len(gated))
	for _, name := range gated {
		gatedSet[name] = struct{}{}
	}

	out := make([]*runtime.ToolDefinition, len(tools))
	for i, tool := range tools {
		if _, ok := gatedSet[tool.Name]; !ok {
			out[i] = tool
			continue
		}
		clone := *tool
		clone.RequiresApproval = true
		out[i] = &clone
	}
	return out
}

func providerFactory() runtime.ProviderFactory {
	return func(ctx context.Context, mc runtime.ModelConfig) (runtime.LLMProvider, error) {
		apiKey, err := mc.ResolveAPIKey(ctx)
		if err != nil {
			return nil, err
		}

		switch mc.Provider {
		case "anthropic":
			return providers.NewAnthropicProvider(providers.AnthropicConfig{
				APIKey:  apiKey,
				BaseURL: mc.BaseURL,
			})
		case "openai":
			return providers.NewOpenAIProvider(providers.OpenAIConfig{
				APIKey:  apiKey,
				BaseURL: mc.BaseURL,
			})
		case "ollama":
			return providers.NewOllamaProvider(providers.OllamaConfig{
				BaseURL: mc.BaseURL,
			}), nil
		default:
			return nil, fmt.Errorf("unknown provider: %s", mc.Provider)
		}
	}
}
