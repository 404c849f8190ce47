// Package commands implements the vigil CLI.
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vigilsec/vigil/internal/config"
	"github.com/vigilsec/vigil/internal/suite"
)

var cfgFile string

func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "vigil",
		Short: "Local system-integrity monitor and remediation engine",
		Long:  "Vigil — watches the hosts file, startup entries, and scheduled tasks; scans for threats against a rotating signature set; quarantines what it finds. Single binary, local state.",
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "vigil.yaml", "config file path")

	root.AddCommand(
		newInitCmd(),
		newMonitorCmd(),
		newScanCmd(),
		newEventsCmd(),
		newQuarantineCmd(),
		newDefinitionsCmd(),
		newActivityCmd(),
		newStatusCmd(),
		newVersionCmd(),
	)

	return root
}

// loadConfig reads the config file, falling back to defaults when the
// file does not exist so every command works out of the box.
func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		return config.Defaults(), nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// quietLogger suppresses component logging for one-shot query commands.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// openSuite wires the full suite without starting the watchers.
func openSuite(logger *slog.Logger) (*suite.Suite, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return suite.New(cfg, suite.Deps{Processes: listProcesses}, logger)
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(cfgFile); err == nil {
				return fmt.Errorf("%s already exists", cfgFile)
			}
			cfg := config.Defaults()
			if err := cfg.Save(cfgFile); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", cfgFile)
			return nil
		},
	}
}
