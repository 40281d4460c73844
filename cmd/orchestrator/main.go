// Command orchestrator runs the HTTP edge: it wires the bus, session store
// and mode assigner, then serves chat/clarify/metrics until a
// SIGINT/SIGTERM asks it to shut down gracefully. Grounded on
// goa-ai's example/cmd/assistant/main.go's flag-plus-errc-channel shutdown
// shape, adapted from its generated HTTP/gRPC server pair to this
// project's single chi.Server.
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

	"maice.ai/orchestrator/bus"
	"maice.ai/orchestrator/config"
	"maice.ai/orchestrator/mode"
	"maice.ai/orchestrator/orchestrator"
	"maice.ai/orchestrator/store"
)

var httpAddr string

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Run the MAICE HTTP front door",
	RunE: func(cmd *cobra.Command, args []string) error {
		format := log.FormatJSON
		if log.IsTerminal() {
			format = log.FormatTerminal
		}
		ctx := log.Context(context.Background(), log.WithFormat(format))
		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return run(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&httpAddr, "http-addr", "", "override the HTTP_ADDR configuration value")
}

func run(ctx context.Context) error {
	if err := config.LoadEnvFiles(); err != nil {
		return err
	}
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}

	b, err := bus.New(ctx, bus.Options{RedisURL: cfg.RedisURL})
	if err != nil {
		return fmt.Errorf("orchestrator: bus: %w", err)
	}
	defer b.Close()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("orchestrator: store: %w", err)
	}
	defer st.Close()

	assigner := mode.New(st.DB())

	srv := orchestrator.New(b, st, assigner, orchestrator.Config{
		Addr:           cfg.HTTPAddr,
		RequestTimeout: cfg.RequestTimeout,
		StreamBlock:    cfg.StreamBlock,
		StreamTrimLen:  cfg.StreamTrimLen,
	})

	errc := make(chan error, 1)
	go func() {
		log.Print(ctx, log.KV{K: "event", V: "http server starting"}, log.KV{K: "addr", V: cfg.HTTPAddr})
		errc <- srv.Start()
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("orchestrator: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Print(ctx, log.KV{K: "event", V: "shutdown signal received"})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
