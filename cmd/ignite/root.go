package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"arc-framework/ignite/internal/config"
	"arc-framework/ignite/internal/telemetry"
)

var (
	cfgFile  string
	logLevel string

	// cfg is populated by PersistentPreRunE and shared with all subcommands.
	cfg *config.Config

	logFile *os.File
)

var rootCmd = &cobra.Command{
	Use:   "ignite",
	Short: "A.R.C. Ignite: deployment bootstrapper",
	Long: `Ignite bootstraps a multi-process deployment.

It provisions the database, applies schema migrations, seeds the initial
accounts exactly once, and starts the remaining processes in dependency
order so that nothing that needs the schema starts before it exists.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogger(logLevel)

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		// --log-level flag takes precedence over value in config file.
		if cmd.Flags().Changed("log-level") {
			cfg.Telemetry.LogLevel = logLevel
		}
		if cfg.Telemetry.LogFile != "" {
			logFile, err = os.OpenFile(cfg.Telemetry.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
			if err != nil {
				return fmt.Errorf("opening log file: %w", err)
			}
		}
		initLogger(cfg.Telemetry.LogLevel)
		return nil
	}

	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		if logFile != nil {
			return logFile.Close()
		}
		return nil
	}

	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(validateCmd)
}

// Execute is the entry point called by main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// initLogger logs JSON to stderr, keeping stdout for command output, and
// copies every record to the log file when one is open.
func initLogger(level string) {
	var extra []io.Writer
	if logFile != nil {
		extra = append(extra, logFile)
	}
	slog.SetDefault(telemetry.NewLogger(level, os.Stderr, extra...))
}
