package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"arc-framework/ignite/internal/orchestrator"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Run the bootstrap sequence once and exit",
	Long: `Bootstrap makes sure the database exists, applies pending migrations and
seeds the initial accounts into an empty account store. Every step is safe to
re-run.

The command prints a JSON result to stdout and exits 0 only when the run
reached the completed state. Use it as the command of a deployment node that
others depend on with mode "completed".`,
	RunE: runBootstrap,
}

func runBootstrap(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Bootstrap.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Bootstrap.Timeout)
		defer cancel()
	}

	app, err := buildAppContext(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	slog.InfoContext(ctx, "starting bootstrap", "driver", cfg.Bootstrap.Store.Driver)

	result, err := app.orchestrator.RunBootstrap(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}

	printBootstrapResult(cmd.OutOrStdout(), result)
	if result.Outcome != orchestrator.OutcomeCompleted {
		return fmt.Errorf("bootstrap %s: %s", result.Outcome, result.Error)
	}
	return nil
}

func printBootstrapResult(w io.Writer, result *orchestrator.BootstrapResult) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		// Fallback to plain text if JSON encoding somehow fails.
		fmt.Fprintf(w, `{"outcome":%q}`+"\n", result.Outcome)
	}
}
