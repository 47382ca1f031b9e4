package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipeline "github.com/glimte/mmate-pipeline"
	"github.com/glimte/mmate-pipeline/interceptors"
	"github.com/glimte/mmate-pipeline/internal/cache"
	"github.com/glimte/mmate-pipeline/internal/rabbitmq"
	"github.com/glimte/mmate-pipeline/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/mmate-pipeline/internal/router"
	"github.com/glimte/mmate-pipeline/internal/stage"
	"github.com/glimte/mmate-pipeline/internal/weather"
)

var brokerConfig = rabbitmq.BrokerConfig{Host: "localhost", Port: 5672, User: "guest", Password: "guest"}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newClient(t *testing.T, broker *rabbitmqtest.Broker, options ...pipeline.ClientOption) *pipeline.Client {
	t.Helper()
	options = append([]pipeline.ClientOption{
		pipeline.WithLogger(discardLogger()),
		pipeline.WithDialer(broker.Dialer()),
		pipeline.WithEngineOptions(rabbitmq.WithSleep(func(ctx context.Context, _ time.Duration) error {
			return ctx.Err()
		})),
	}, options...)
	client, err := pipeline.NewClient(brokerConfig, options...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

// run starts client.Run in the background and returns a stop function
// yielding its result.
func run(t *testing.T, client *pipeline.Client, queue string, handler rabbitmq.Handler) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- client.Run(ctx, queue, handler)
	}()

	stop := func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
			return nil
		}
	}
	t.Cleanup(func() { cancel() })
	return stop
}

func TestNewClient(t *testing.T) {
	t.Run("rejects an incomplete broker configuration", func(t *testing.T) {
		_, err := pipeline.NewClient(rabbitmq.BrokerConfig{Host: "localhost"})

		var cfgErr *rabbitmq.ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Contains(t, cfgErr.Missing, "password")
	})

	t.Run("does not connect eagerly", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		client := newClient(t, broker)

		assert.False(t, client.Engine().IsConnected())
		assert.NotNil(t, client.Publisher())
		assert.NotNil(t, client.Consumer())
		assert.Equal(t, 0, broker.Dials())
	})
}

func TestClientRun(t *testing.T) {
	t.Run("consumes until cancelled", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		client := newClient(t, broker)
		var consumed atomic.Int32
		handler := rabbitmq.HandlerFuncs{
			ConsumeFunc: func(context.Context, rabbitmq.Message) (bool, error) {
				consumed.Add(1)
				return true, nil
			},
		}

		stop := run(t, client, "input", handler)
		require.NoError(t, client.Publisher().Publish(context.Background(), "input", []byte("one"), rabbitmq.Properties{}))
		require.NoError(t, client.Publisher().Publish(context.Background(), "input", []byte("two"), rabbitmq.Properties{}))

		require.Eventually(t, func() bool { return consumed.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
		assert.NoError(t, stop())
		assert.Equal(t, 2, broker.Acked("input"))
	})

	t.Run("resumes after a failed message", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		client := newClient(t, broker)
		var calls atomic.Int32
		handler := rabbitmq.HandlerFuncs{
			ConsumeFunc: func(context.Context, rabbitmq.Message) (bool, error) {
				if calls.Add(1) == 1 {
					return false, errors.New("collaborator unavailable")
				}
				return true, nil
			},
		}

		stop := run(t, client, "input", handler)
		require.NoError(t, client.Publisher().Publish(context.Background(), "input", []byte("retry me"), rabbitmq.Properties{}))

		require.Eventually(t, func() bool { return broker.Acked("input") == 1 }, 2*time.Second, 10*time.Millisecond)
		assert.NoError(t, stop())
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("interceptors wrap the handler", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		client := newClient(t, broker, pipeline.WithInterceptors(interceptors.NewRecoveryInterceptor(discardLogger())))
		handler := rabbitmq.HandlerFuncs{
			ValidateFunc: func(rabbitmq.Message) bool { panic("broken validator") },
		}

		stop := run(t, client, "input", handler)
		require.NoError(t, client.Publisher().Publish(context.Background(), "input", []byte("x"), rabbitmq.Properties{}))

		require.Eventually(t, func() bool { return len(broker.DeadLettered("input")) == 1 }, 2*time.Second, 10*time.Millisecond)
		assert.NoError(t, stop())
	})
}

type capitals map[string]string

func (c capitals) Capital(_ context.Context, country string) (string, error) {
	return c[country], nil
}

type sunnyWeather struct{}

func (sunnyWeather) Weather(_ context.Context, city string) (weather.Report, error) {
	return weather.Report{
		City:        city,
		Temperature: 21,
		Condition:   weather.Sunny,
		Humidity:    35,
		WindSpeed:   8,
		Timestamp:   "2024-05-01T12:00:00Z",
	}, nil
}

func TestPipeline(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	queues := router.Queues{Requests: "countries", Responses: "countries_responses", Fallback: "capitals"}

	input := newClient(t, broker, pipeline.WithConsumerTag("router"))
	inputRouter := router.New(input.Publisher(), input.Consumer(), queues,
		router.WithReplyTimeout(2*time.Second),
		router.WithLogger(discardLogger()))

	country := newClient(t, broker)
	capital := newClient(t, broker)
	weatherWorker := newClient(t, broker)
	output := newClient(t, broker)

	stops := []func() error{
		run(t, input, "input", inputRouter),
		run(t, country, "countries", stage.NewCountryStage(country.Publisher(),
			capitals{"france": "Paris"}, cache.NewMemoryStore(), "capitals", discardLogger())),
		run(t, capital, "capitals", stage.NewCapitalStage(capital.Publisher(), "capitals_processed", discardLogger())),
		run(t, weatherWorker, "capitals_processed", stage.NewWeatherStage(weatherWorker.Publisher(),
			sunnyWeather{}, "weather", discardLogger())),
		run(t, output, "weather", stage.NewOutputStage(output.Publisher(), "output", discardLogger())),
	}

	broker.Enqueue("input", amqp.Publishing{ContentType: "text/plain", Body: []byte(`{"value":" France "}`)})

	require.Eventually(t, func() bool {
		return broker.Pending("output") == 1 && broker.Acked("input") == 1
	}, 5*time.Second, 20*time.Millisecond)

	for _, stop := range stops {
		assert.NoError(t, stop())
	}

	bodies := broker.PublishedTo("output")
	require.Len(t, bodies, 1)
	var record stage.Record
	require.NoError(t, json.Unmarshal(bodies[0], &record))
	assert.Equal(t, "Paris", record.Capital)
	assert.Equal(t, "France", record.Country)
	require.NotNil(t, record.Weather)
	assert.Equal(t, weather.Sunny, record.Weather.Condition)

	assert.Equal(t, 1, broker.Acked("countries_responses"))
	assert.Empty(t, broker.DeadLettered("countries"))
}
