// Command worker is the agent-process entrypoint. With no --role flag it
// runs as the supervisor, spawning and monitoring one child invocation of
// itself per agent role (mirroring original_source/agent/worker.py's
// AgentWorker multiprocessing pool). With --role=<name> it runs that single
// agent's subscriber loop directly: this is the command the supervisor
// re-invokes for each child, and is also usable standalone for running one
// agent role in its own container.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"goa.design/clue/log"

	"maice.ai/orchestrator/agents/answergen"
	"maice.ai/orchestrator/agents/classifier"
	"maice.ai/orchestrator/agents/freetalker"
	"maice.ai/orchestrator/agents/improvement"
	"maice.ai/orchestrator/agents/observer"
	"maice.ai/orchestrator/bus"
	"maice.ai/orchestrator/config"
	"maice.ai/orchestrator/features/model/gateway"
	"maice.ai/orchestrator/store"
	"maice.ai/orchestrator/supervisor"
)

const streamBlock = time.Second

var role string

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the MAICE agent workers (supervisor, or one role with --role)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := log.Context(context.Background(), log.WithFormat(logFormat()))
		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if role == "" {
			return supervisor.New(os.Args[0]).Run(ctx)
		}
		return runRole(ctx, role)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&role, "role", "", "agent role to run directly (classifier, improvement, answergen, freetalker, observer); omit to run the supervisor")
}

func logFormat() log.Format {
	if log.IsTerminal() {
		return log.FormatTerminal
	}
	return log.FormatJSON
}

func runRole(ctx context.Context, role string) error {
	if err := config.LoadEnvFiles(); err != nil {
		return err
	}
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	b, err := bus.New(ctx, bus.Options{RedisURL: cfg.RedisURL})
	if err != nil {
		return fmt.Errorf("worker: bus: %w", err)
	}
	defer b.Close()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("worker: store: %w", err)
	}
	defer st.Close()

	gw, err := gateway.NewServerFromConfig(ctx, cfg, 0, 0)
	if err != nil {
		return fmt.Errorf("worker: gateway: %w", err)
	}

	consumer := fmt.Sprintf("%s-%d", role, os.Getpid())
	log.Print(ctx, log.KV{K: "event", V: "agent starting"}, log.KV{K: "role", V: role}, log.KV{K: "consumer", V: consumer})

	switch role {
	case "classifier":
		return classifier.New(b, st, gw).Run(ctx, consumer, streamBlock)
	case "improvement":
		return improvement.New(b, gw, cfg.MaxClarifyTurns).Run(ctx, consumer, streamBlock)
	case "answergen":
		return answergen.New(b, gw, cfg.AnswerMaxTokens).Run(ctx, consumer, streamBlock)
	case "freetalker":
		return freetalker.New(b, gw, cfg.FreepassMaxTokens).Run(ctx, consumer, streamBlock)
	case "observer":
		return observer.New(b, st, gw).Run(ctx, consumer, streamBlock)
	default:
		return fmt.Errorf("worker: unknown role %q", role)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
