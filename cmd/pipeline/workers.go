package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	pipeline "github.com/glimte/mmate-pipeline"
	"github.com/glimte/mmate-pipeline/health"
	"github.com/glimte/mmate-pipeline/interceptors"
	"github.com/glimte/mmate-pipeline/internal/cache"
	"github.com/glimte/mmate-pipeline/internal/config"
	"github.com/glimte/mmate-pipeline/internal/logging"
	"github.com/glimte/mmate-pipeline/internal/lookup"
	"github.com/glimte/mmate-pipeline/internal/rabbitmq"
	"github.com/glimte/mmate-pipeline/internal/router"
	"github.com/glimte/mmate-pipeline/internal/stage"
)

// worker describes one pipeline stage process.
type worker struct {
	name        string
	short       string
	consumerTag string
	queue       func(q config.QueueConfig) string
	handler     func(cfg *config.Config, client *pipeline.Client, logger *slog.Logger) (rabbitmq.Handler, error)
}

func (w worker) command(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   w.name,
		Short: w.short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(g)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return w.run(cmd.Context(), cfg, logging.ForWorker(logger, w.name+"-"+uuid.NewString()))
		},
	}
}

func (w worker) run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	options := []pipeline.ClientOption{
		pipeline.WithLogger(logger),
		pipeline.WithInterceptors(
			interceptors.NewRecoveryInterceptor(logger),
			interceptors.NewLoggingInterceptor(logger),
		),
	}
	if w.consumerTag != "" {
		options = append(options, pipeline.WithConsumerTag(w.consumerTag))
	}

	client, err := pipeline.NewClient(cfg.Broker, options...)
	if err != nil {
		return err
	}
	defer client.Close()

	handler, err := w.handler(cfg, client, logger)
	if err != nil {
		return err
	}

	if cfg.HTTP.HealthAddress != "" {
		stop := serveHealth(cfg, client, logger)
		defer stop()
	}

	return client.Run(ctx, w.queue(cfg.Queues), handler)
}

// serveHealth exposes the broker check and returns a shutdown function.
func serveHealth(cfg *config.Config, client *pipeline.Client, logger *slog.Logger) func() {
	registry := health.NewRegistry()
	registry.Register(health.NewBrokerChecker(client.Engine()))

	server := &http.Server{
		Addr:    cfg.HTTP.HealthAddress,
		Handler: health.NewHandler(registry, cfg.Lookup.Timeout, logger).Routes(),
	}
	go func() {
		logger.Info("starting health server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server error", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("error during health server shutdown", "error", err)
		}
	}
}

func inputCmd(g *globals) *cobra.Command {
	return worker{
		name:        "input",
		short:       "Route input values to the country lookup",
		consumerTag: "router",
		queue:       func(q config.QueueConfig) string { return q.Input },
		handler: func(cfg *config.Config, client *pipeline.Client, logger *slog.Logger) (rabbitmq.Handler, error) {
			queues := router.Queues{
				Requests:  cfg.Queues.Countries,
				Responses: cfg.Queues.CountriesResponses,
				Fallback:  cfg.Queues.Capitals,
			}
			return router.New(client.Publisher(), client.Consumer(), queues,
				router.WithReplyTimeout(cfg.RPCReplyTimeout),
				router.WithLogger(logger)), nil
		},
	}.command(g)
}

func countryCmd(g *globals) *cobra.Command {
	return worker{
		name:  "country",
		short: "Resolve the capital of each country",
		queue: func(q config.QueueConfig) string { return q.Countries },
		handler: func(cfg *config.Config, client *pipeline.Client, logger *slog.Logger) (rabbitmq.Handler, error) {
			store, err := capitalCache(cfg.Cache, logger)
			if err != nil {
				return nil, err
			}
			countries := lookup.NewCountriesClient(cfg.Lookup.CountriesBaseURI,
				lookup.WithTimeout(cfg.Lookup.Timeout),
				lookup.WithLogger(logger))
			return stage.NewCountryStage(client.Publisher(), countries, store, cfg.Queues.Capitals, logger), nil
		},
	}.command(g)
}

func capitalCmd(g *globals) *cobra.Command {
	return worker{
		name:  "capital",
		short: "Normalize capital records",
		queue: func(q config.QueueConfig) string { return q.Capitals },
		handler: func(cfg *config.Config, client *pipeline.Client, logger *slog.Logger) (rabbitmq.Handler, error) {
			return stage.NewCapitalStage(client.Publisher(), cfg.Queues.CapitalsProcessed, logger), nil
		},
	}.command(g)
}

func weatherCmd(g *globals) *cobra.Command {
	return worker{
		name:  "weather",
		short: "Attach the weather of each capital",
		queue: func(q config.QueueConfig) string { return q.CapitalsProcessed },
		handler: func(cfg *config.Config, client *pipeline.Client, logger *slog.Logger) (rabbitmq.Handler, error) {
			weatherAPI := lookup.NewWeatherClient(cfg.Lookup.WeatherBaseURI,
				lookup.WithTimeout(cfg.Lookup.Timeout),
				lookup.WithLogger(logger))
			return stage.NewWeatherStage(client.Publisher(), weatherAPI, cfg.Queues.Weather, logger), nil
		},
	}.command(g)
}

func outputCmd(g *globals) *cobra.Command {
	return worker{
		name:  "output",
		short: "Report completed records",
		queue: func(q config.QueueConfig) string { return q.Weather },
		handler: func(cfg *config.Config, client *pipeline.Client, logger *slog.Logger) (rabbitmq.Handler, error) {
			return stage.NewOutputStage(client.Publisher(), cfg.Queues.Output, logger), nil
		},
	}.command(g)
}

// capitalCache builds the configured lookup cache. The redis backend is
// pinged once so a bad address fails at startup.
func capitalCache(cfg config.CacheConfig, logger *slog.Logger) (cache.Store, error) {
	if cfg.Backend != config.CacheRedis {
		return cache.NewMemoryStore(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
	}

	return cache.NewRedisStore(client,
		cache.WithKeyPrefix(cfg.RedisKeyPrefix),
		cache.WithLogger(logger)), nil
}
