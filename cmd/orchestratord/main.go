// Command orchestratord runs the multi-agent orchestration service: it
// wires the Agent Registry, Provider Dispatch, Task Router, Automation
// Engine and Workspace Monitor together, exposes them over a stdio
// tool-plane, and shuts everything down in reverse dependency order on
// signal (§5 "Resource cleanup" / §9 "Exit codes").
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jagilber-org/agentmgr/internal/agentreg"
	"github.com/jagilber-org/agentmgr/internal/automation"
	"github.com/jagilber-org/agentmgr/internal/config"
	"github.com/jagilber-org/agentmgr/internal/eventbus"
	"github.com/jagilber-org/agentmgr/internal/eventlog"
	"github.com/jagilber-org/agentmgr/internal/provider"
	"github.com/jagilber-org/agentmgr/internal/router"
	"github.com/jagilber-org/agentmgr/internal/skill"
	"github.com/jagilber-org/agentmgr/internal/toolplane"
	"github.com/jagilber-org/agentmgr/internal/workspace"
)

// version is set at build time via -ldflags; "dev" otherwise.
var version = "dev"

func main() {
	var jsonLogs, debug bool

	root := &cobra.Command{
		Use:   "orchestratord",
		Short: "Multi-agent orchestration service",
	}
	root.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit structured JSON logs instead of colored console output")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug-level logging")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator, serving the tool-plane over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(jsonLogs, debug)
			return runServe()
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the orchestrator version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}

	root.AddCommand(serveCmd, versionCmd)

	if err := root.Execute(); err != nil {
		slog.Error("orchestratord: fatal", "err", err)
		os.Exit(1)
	}
}

// registerProviders wires the three Provider Dispatch backends (§4.E)
// under the tags agent configs reference via Config.Provider. genai's
// chat-completions factories read OPENAI_API_KEY/ANTHROPIC_API_KEY from
// the environment directly, the same convention config.Load mirrors for
// its own informational Config fields.
func registerProviders() *provider.Registry {
	reg := provider.NewRegistry()
	reg.Register(provider.NewSubprocess("subprocess", provider.Capabilities{ConcurrencySafe: true}))
	reg.Register(provider.NewMessageAPI("message-api", provider.Capabilities{ConcurrencySafe: true}))

	for _, name := range []string{"openai", "anthropic"} {
		cc, err := provider.NewChatCompletion(name, provider.Capabilities{
			SupportsStreaming: true,
			BillingModel:      provider.BillingPerToken,
			ConcurrencySafe:   true,
		})
		if err != nil {
			slog.Warn("orchestratord: chat-completions provider unavailable", "provider", name, "err", err)
			continue
		}
		reg.Register(cc)
	}
	return reg
}

// runServe builds the full service graph and serves the tool-plane until
// signaled or stdin closes.
func runServe() error {
	cfg := config.Load()
	slog.Info("orchestratord: starting", "dataDir", cfg.DataDir, "version", version)

	bus := eventbus.NewBus()

	const eventLogRingSize = 500
	elog, err := eventlog.New(bus, cfg.EventLogFile(), eventLogRingSize)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer elog.Close()

	agents, err := agentreg.New(bus, cfg.AgentsFile())
	if err != nil {
		return fmt.Errorf("open agent registry: %w", err)
	}
	defer agents.Close()

	skills, err := skill.New(bus, cfg.SkillsFile())
	if err != nil {
		return fmt.Errorf("open skill registry: %w", err)
	}

	providers := registerProviders()

	rt := router.New(bus, skills, agents, providers)

	automationEngine, err := automation.New(bus, cfg.RulesFile(), rt, agents)
	if err != nil {
		return fmt.Errorf("open automation engine: %w", err)
	}
	defer automationEngine.Close()
	automationEngine.SetEnabled(true)

	workspaces, err := workspace.NewManager(bus, cfg.MonitorsFile(), cfg.HistoryFile(), cfg.GitFetchIntervalMs, 0, 0)
	if err != nil {
		return fmt.Errorf("open workspace manager: %w", err)
	}

	transport := toolplane.NewTransport(os.Stdin, os.Stdout, []string{"zstd", "gzip"})
	toolplane.RegisterCore(transport, toolplane.Services{
		Bus:        bus,
		Agents:     agents,
		Skills:     skills,
		Router:     rt,
		Automation: automationEngine,
		Workspaces: workspaces,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- transport.Serve(ctx) }()

	select {
	case <-ctx.Done():
		slog.Info("orchestratord: signal received, shutting down")
	case err := <-serveErr:
		if err != nil {
			slog.Warn("orchestratord: tool-plane transport ended", "err", err)
		}
	}

	shutdown(automationEngine, workspaces)
	slog.Info("orchestratord: stopped")
	return nil
}

// shutdown implements §5's graceful-shutdown sequence: disable the
// automation engine first (no new dispatches), then stop every workspace
// monitor with skipPersist=true so the monitored-paths file survives
// restart. Subprocess agents are killed by their own context cancellation
// as Provider.Send calls unwind.
func shutdown(automationEngine *automation.Engine, workspaces *workspace.Manager) {
	automationEngine.SetEnabled(false)
	workspaces.StopAll(workspace.StopShutdown, true)
}
