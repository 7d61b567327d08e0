// Command ifai runs the agent event reconciliation engine from the
// terminal: launching agents through a sidecar or websocket runner, or
// replaying a captured NDJSON event stream.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/peterfei/ifai-sub004/convo"
	"github.com/peterfei/ifai-sub004/engine"
	"github.com/peterfei/ifai-sub004/events"
	"github.com/peterfei/ifai-sub004/limiter"
	"github.com/peterfei/ifai-sub004/registry"
	"github.com/peterfei/ifai-sub004/runner"
	"github.com/peterfei/ifai-sub004/settings"
)

// Global flags (persistent across all commands)
var (
	settingsPath string
	verbose      bool
)

// Command-specific flags
var (
	agentType string
	threadID  string
)

var rootCmd = &cobra.Command{
	Use:   "ifai",
	Short: "Agent event reconciliation engine",
	Long: `Coordinates long-running LLM agents: launches them through an external
execution process, reconciles their event streams into consistent state,
deduplicates tool calls, and drives auto-approval.`,
}

var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Launch one agent and stream its state until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgent,
}

var replayCmd = &cobra.Command{
	Use:   "replay <events.ndjson>",
	Short: "Feed a captured NDJSON event stream through the engine",
	Args:  cobra.ExactArgs(1),
	RunE:  replayEvents,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings", "ifai.yaml", "Settings file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	runCmd.Flags().StringVar(&agentType, "type", string(registry.TypeExplore), "Agent type (explore, review, task_breakdown, proposal)")
	runCmd.Flags().StringVar(&threadID, "thread", "cli", "Conversation thread id")
	replayCmd.Flags().StringVar(&agentType, "type", string(registry.TypeExplore), "Agent type the stream was captured from")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replayCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// setupContext creates a signal-cancelled context; a second signal
// forces exit.
func setupContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "\nReceived %v, shutting down...\n", sig)
		cancel()
		<-sigCh
		os.Exit(1)
	}()

	return ctx, cancel
}

func buildEngine(logger *slog.Logger, r runner.Runner, store *settings.Store) (*engine.Engine, *registry.Registry) {
	s := store.Current()
	reg := registry.New()
	eng := engine.New(engine.Config{
		Runner:      r,
		Registry:    reg,
		Limiter:     limiter.New(s.MaxAgents),
		Store:       convo.NewMemoryStore(),
		AutoApprove: store.AutoApprove,
		ProjectRoot: func() string { return store.Current().ProjectRoot },
		Notifier: convo.NotifierFunc(func(threadID, title, body string) {
			fmt.Printf("[%s] %s: %s\n", threadID, title, body)
		}),
		Logger: logger,
	})
	return eng, reg
}

func runAgent(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	store, err := settings.NewStore(settingsPath, logger)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if err := store.Watch(); err != nil {
		logger.Warn("settings watch unavailable", "error", err)
	}
	defer store.Close()

	var r runner.Runner
	provider := store.Current().Provider
	switch provider.Kind {
	case "websocket":
		r = runner.NewWSRunner(provider.URL, logger)
	default:
		r = runner.NewProcessRunner(provider.Command, provider.Args, logger)
	}

	eng, reg := buildEngine(logger, r, store)
	defer reg.Close()

	ctx, cancel := setupContext()
	defer cancel()

	agent, err := eng.Launch(ctx, threadID, registry.AgentType(agentType), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Launched %s agent %s\n", agentType, agent.ID)

	sub := eng.Subscribe()
	for {
		select {
		case change := <-sub:
			fmt.Printf("status=%s progress=%.0f%%\n", change.Status, change.Progress*100)
			if change.Status.Terminal() || change.Status == registry.StatusStopped {
				printAgent(reg, agent.ID)
				return nil
			}
		case <-ctx.Done():
			_ = eng.Stop(agent.ID)
			eng.Wait()
			return nil
		}
	}
}

func replayEvents(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	file, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer file.Close()

	reg := registry.New()
	defer reg.Close()
	eng := engine.New(engine.Config{
		Runner:   runner.NewFakeRunner(),
		Registry: reg,
		Limiter:  limiter.New(limiter.DefaultMaxAgents),
		Store:    convo.NewMemoryStore(),
		Logger:   logger,
	})

	agent, err := eng.Launch(context.Background(), "replay", registry.AgentType(agentType), "replayed stream")
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := events.Parse(line)
		if err != nil {
			logger.Warn("skipping malformed line", "error", err)
			continue
		}
		if ev == nil {
			continue
		}
		eng.Deliver(agent.ID, ev)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}

	// Give the consumer a moment to drain, then report.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a, ok := reg.Get(agent.ID); ok && a.Status.Terminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if a, ok := reg.Get(agent.ID); ok && !a.Status.Terminal() {
		// Streams without a terminal event still need teardown.
		_ = eng.Stop(agent.ID)
	}
	eng.Wait()
	printAgent(reg, agent.ID)
	return nil
}

func printAgent(reg *registry.Registry, id string) {
	a, ok := reg.Get(id)
	if !ok {
		fmt.Println("agent removed")
		return
	}
	fmt.Printf("\n=== Agent %s ===\n", a.ID)
	fmt.Printf("Status:   %s\n", a.Status)
	fmt.Printf("Progress: %.0f%%\n", a.Progress*100)
	if a.Content != "" {
		fmt.Printf("Content:\n%s\n", a.Content)
	}
	if len(a.Logs) > 0 {
		fmt.Println("Logs:")
		for _, l := range a.Logs {
			fmt.Printf("  %s\n", l)
		}
	}
	if a.ExploreFindings != nil && a.ExploreFindings.Summary != "" {
		fmt.Printf("Findings: %s\n", a.ExploreFindings.Summary)
	}
}
