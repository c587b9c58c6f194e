package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/skeinlab/skein/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	logLevel   string
	logFormat  string

	// Set by PersistentPreRunE, read by subcommands.
	telemetryCfg telemetry.Config
	buildVersion string
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "skein",
		Short: "Skein - distributed service deployment engine",
		Long: `Skein deploys graphs of connected services across local machines,
bring-your-own SSH hosts and on-demand VMs.

It builds service binaries, provisions hosts, wires named ports into
network connections, launches processes under supervision and tears
everything down again without leaking resources.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadTelemetryConfig(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			if logFormat != "" {
				cfg.Logging.Format = logFormat
			}
			if _, err := telemetry.SetupLogger(cfg.Logging); err != nil {
				return err
			}
			telemetryCfg = cfg
			return nil
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "telemetry config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: json or console")

	// Add subcommands
	rootCmd.AddCommand(newUpCommand())
	rootCmd.AddCommand(newDevCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newEventsCommand())

	return rootCmd
}

// loadTelemetryConfig returns the defaults overlaid with the optional config
// file.
func loadTelemetryConfig(path string) (telemetry.Config, error) {
	cfg := telemetry.DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
