package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/glimte/mmate-pipeline/internal/config"
	"github.com/glimte/mmate-pipeline/internal/logging"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// globals carries the persistent flags
type globals struct {
	logLevel  string
	logFormat string
}

func main() {
	var g globals

	rootCmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Country to capital weather enrichment pipeline",
		Long: `Runs one worker of the enrichment pipeline. Each subcommand consumes
its input queue until interrupted.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error (default $LOG_LEVEL or info)")
	rootCmd.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "Log format: text or json (default $LOG_FORMAT or text)")

	rootCmd.AddCommand(
		inputCmd(&g),
		countryCmd(&g),
		capitalCmd(&g),
		weatherCmd(&g),
		outputCmd(&g),
		apiWeatherCmd(&g),
		healthcheckCmd(&g),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the process logger.
func setup(g *globals) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)

	return cfg, logger, nil
}
