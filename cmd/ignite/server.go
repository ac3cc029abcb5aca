package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runOnStart bool

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the Ignite HTTP API server",
	Long: `Start the Ignite HTTP server on the configured port (default :8082).

The server exposes bootstrap trigger and status endpoints plus liveness,
readiness and deep health probes. With --run it starts a bootstrap run as
soon as it is listening. It shuts down cleanly on SIGTERM or SIGINT.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().BoolVar(&runOnStart, "run", false, "start a bootstrap run on startup")
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildAppContext(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      app.router.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start the server in a goroutine so we can listen for shutdown signals.
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("ignite server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if runOnStart {
		go func() {
			runCtx := ctx
			if cfg.Bootstrap.Timeout > 0 {
				var cancel context.CancelFunc
				runCtx, cancel = context.WithTimeout(ctx, cfg.Bootstrap.Timeout)
				defer cancel()
			}
			if _, err := app.orchestrator.RunBootstrap(runCtx); err != nil {
				slog.WarnContext(runCtx, "startup bootstrap not started", "err", err)
			}
		}()
	}

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	// Runs share the signal context, so they are already winding down; the
	// store must outlive them.
	if err := app.orchestrator.WaitIdle(shutCtx); err != nil {
		return fmt.Errorf("bootstrap run still active at shutdown: %w", err)
	}

	slog.Info("server stopped cleanly")
	return nil
}
