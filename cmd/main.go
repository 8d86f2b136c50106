/**
 * @description
 * This is the main entry point for the rewards-service. The root command loads
 * configuration and logging; `serve` runs the HTTP API, the steps consumer and the
 * audit scheduler, and `audit` runs one ledger reconciliation and exits.
 *
 * @dependencies
 * - github.com/spf13/cobra: Command tree.
 * - github.com/joho/godotenv: Local .env loading before viper reads the environment.
 * - internal/config: Viper-backed settings.
 */

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/transfa/rewards-service/internal/config"
)

// errViolations makes `audit` exit non-zero without printing usage.
var errViolations = errors.New("ledger invariant violations found")

type rootOptions struct {
	configDir string
	logFormat string
	cfg       config.Config
	logger    *slog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "rewards-service",
		Short:         "Step rewards economy: phases, ledger and redemptions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// A missing .env is normal outside local development.
			_ = godotenv.Load()

			cfg, err := config.LoadConfig(opts.configDir)
			if err != nil {
				return fmt.Errorf("config load failed: %w", err)
			}
			opts.cfg = cfg
			opts.logger = newLogger(opts.logFormat, cfg.SlogLevel())
			slog.SetDefault(opts.logger)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configDir, "config-dir", ".", "directory holding an optional .env file")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "json", "log output format (json|text)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newAuditCommand(opts))
	return cmd
}

func newLogger(format string, level slog.Level) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, handlerOpts))
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if !errors.Is(err, errViolations) {
			slog.Error("command failed", "component", "bootstrap", "err", err)
		}
		os.Exit(1)
	}
}
