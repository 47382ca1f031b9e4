package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/mmate-pipeline/internal/rabbitmq"
	"github.com/glimte/mmate-pipeline/internal/weather"
)

func apiWeatherCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "api-weather",
		Short: "Serve the weather HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(g)
			if err != nil {
				return err
			}

			random := weather.NewRandomProvider()
			external := weather.NewExternalProvider(cfg.OpenWeatherMap.APIKey,
				weather.WithBaseURL(cfg.OpenWeatherMap.BaseURL),
				weather.WithFallback(random),
				weather.WithExternalLogger(logger))
			srv := weather.NewServer(cfg.HTTP.Address, weather.NewAPI(random, external, logger))

			errChan := make(chan error, 1)
			go func() {
				logger.Info("starting weather API", "address", cfg.HTTP.Address)
				if err := srv.Start(); err != nil {
					errChan <- fmt.Errorf("server error: %w", err)
				}
			}()

			select {
			case err := <-errChan:
				return err
			case <-cmd.Context().Done():
				logger.Info("shutting down weather API")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("error during shutdown", "error", err)
			}

			logger.Info("weather API stopped")
			return nil
		},
	}
}

func healthcheckCmd(g *globals) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Exit 0 when the broker accepts a connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(g)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			engine := rabbitmq.NewEngine(cfg.Broker,
				rabbitmq.WithLogger(logger),
				rabbitmq.WithMaxConnectAttempts(1))
			defer engine.Close()

			if err := engine.Connect(ctx); err != nil {
				return fmt.Errorf("broker unreachable: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Time allowed for the connection")
	return cmd
}
