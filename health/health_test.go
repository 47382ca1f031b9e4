package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-pipeline/internal/rabbitmq"
	"github.com/glimte/mmate-pipeline/internal/rabbitmq/rabbitmqtest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixed(name string, status Status) Checker {
	return NewCheckerFunc(name, func(context.Context) CheckResult {
		return CheckResult{Status: status}
	})
}

func newEngine(broker *rabbitmqtest.Broker) *rabbitmq.Engine {
	return rabbitmq.NewEngine(
		rabbitmq.BrokerConfig{Host: "localhost", Port: 5672, User: "guest", Password: "guest"},
		rabbitmq.WithDialer(broker.Dialer()),
		rabbitmq.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
		rabbitmq.WithMaxConnectAttempts(1),
		rabbitmq.WithLogger(discardLogger()),
	)
}

func TestRegistry(t *testing.T) {
	t.Run("reports the worst status", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(fixed("a", StatusHealthy))
		registry.Register(fixed("b", StatusDegraded))

		report := registry.Check(context.Background())

		assert.Equal(t, StatusDegraded, report.Status)
		assert.Len(t, report.Checks, 2)
		assert.Equal(t, "b", report.Checks["b"].Name)

		registry.Register(fixed("c", StatusUnhealthy))
		assert.Equal(t, StatusUnhealthy, registry.Check(context.Background()).Status)
	})

	t.Run("an empty registry is healthy", func(t *testing.T) {
		assert.Equal(t, StatusHealthy, NewRegistry().Check(context.Background()).Status)
	})

	t.Run("slow checks time out as unhealthy", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		}))
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		report := registry.Check(ctx)

		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, "check timed out", report.Checks["slow"].Message)
	})

	t.Run("metadata is copied into the report", func(t *testing.T) {
		registry := NewRegistry()
		registry.SetMetadata("worker_id", "country-1")

		report := registry.Check(context.Background())

		assert.Equal(t, "country-1", report.Metadata["worker_id"])
	})
}

func TestBrokerChecker(t *testing.T) {
	t.Run("an unreachable broker is unhealthy", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.FailNext(rabbitmqtest.OpDial, errors.New("connection refused"))

		result := NewBrokerChecker(newEngine(broker)).Check(context.Background())

		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Contains(t, result.Error, "connection refused")
		assert.Equal(t, false, result.Details["was_connected"])
	})

	t.Run("a broker without topology is degraded", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()

		result := NewBrokerChecker(newEngine(broker)).Check(context.Background())

		assert.Equal(t, StatusDegraded, result.Status)
	})

	t.Run("a declared router exchange is healthy", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		engine := newEngine(broker)
		ch, id, err := engine.Channel(context.Background(), 0)
		require.NoError(t, err)
		require.NoError(t, rabbitmq.TopologyFor("countries").Declare(ch))
		engine.Release(id)

		result := NewBrokerChecker(engine).Check(context.Background())

		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, true, result.Details["was_connected"])
		assert.Equal(t, 1, broker.Dials())
	})
}

func TestHandler(t *testing.T) {
	serve := func(registry *Registry, path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		NewHandler(registry, time.Second, discardLogger()).Routes().
			ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	t.Run("serves the report as JSON", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(fixed("rabbitmq", StatusDegraded))

		rec := serve(registry, "/health")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		var report Report
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, StatusDegraded, report.Status)
	})

	t.Run("unhealthy is a 503", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(fixed("rabbitmq", StatusUnhealthy))

		assert.Equal(t, http.StatusServiceUnavailable, serve(registry, "/health").Code)
		assert.Equal(t, http.StatusServiceUnavailable, serve(registry, "/ready").Code)
	})

	t.Run("liveness does not run checks", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(fixed("rabbitmq", StatusUnhealthy))

		rec := serve(registry, "/live")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "alive", rec.Body.String())
	})
}
