package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"arc-framework/ignite/internal/clients"
	"arc-framework/ignite/internal/health"
	"arc-framework/ignite/internal/scheduler"
)

var deploymentFile string

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start every deployment node in dependency order",
	Long: `Up reads the deployment descriptor and starts its nodes. A node starts
only once each dependency satisfies its edge: "running" waits for the
dependency's health check, "completed" waits for its process to exit 0.

A failed node is never treated as satisfied: its dependents stay pending and
the whole deployment is stopped, dependents first. When every node is up,
up notifies systemd (READY=1) if it runs under a notify unit.`,
	RunE: runUp,
}

func init() {
	upCmd.Flags().StringVarP(&deploymentFile, "file", "f", "", "deployment descriptor (overrides scheduler.deployment_file)")
}

func descriptorPath() string {
	if deploymentFile != "" {
		return deploymentFile
	}
	return cfg.Scheduler.DeploymentFile
}

func runUp(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := scheduler.LoadDescriptor(descriptorPath())
	if err != nil {
		return err
	}

	s, err := scheduler.New(d.Nodes, scheduler.Options{
		Launcher: &scheduler.DefaultLauncher{
			Probers: func(spec scheduler.HealthSpec) (health.Prober, error) {
				return clients.NewProber(spec.Type, spec.Target)
			},
			Interval: cfg.Scheduler.HealthInterval,
		},
		ReadyTimeout: cfg.Scheduler.ReadyTimeout,
		StopTimeout:  cfg.Scheduler.StopTimeout,
	})
	if err != nil {
		return err
	}

	go func() {
		select {
		case <-s.Started():
			if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
				slog.Warn("sd_notify READY failed", "err", err)
			} else if ok {
				slog.Debug("notified systemd: ready")
			}
		case <-ctx.Done():
		}
	}()

	report, runErr := s.Run(ctx)
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		slog.Warn("sd_notify STOPPING failed", "err", err)
	}

	if report != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(report.Nodes); err != nil {
			slog.Warn("printing report", "err", err)
		}
	}
	return upResult(ctx, report, runErr)
}

// upResult maps the end of a run to the command's error. A stop requested
// through ctx with no failed node is a clean exit.
func upResult(ctx context.Context, report *scheduler.Report, runErr error) error {
	if runErr == nil {
		return nil
	}
	if ctx.Err() != nil && errors.Is(runErr, ctx.Err()) && !anyFailed(report) {
		slog.Info("deployment stopped on signal")
		return nil
	}
	return fmt.Errorf("deployment failed: %w", runErr)
}

func anyFailed(report *scheduler.Report) bool {
	if report == nil {
		return false
	}
	for _, n := range report.Nodes {
		if n.State == scheduler.StateFailed {
			return true
		}
	}
	return false
}
