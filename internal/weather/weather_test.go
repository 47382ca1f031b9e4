package weather

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticProvider struct {
	report Report
	calls  atomic.Int32
}

func (p *staticProvider) Weather(_ context.Context, city string) Report {
	p.calls.Add(1)
	r := p.report
	r.City = city
	return r
}

func TestRandomProvider(t *testing.T) {
	t.Run("generates reports within range", func(t *testing.T) {
		fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		p := NewRandomProvider(WithSeed(42), WithClock(func() time.Time { return fixed }))

		for i := 0; i < 200; i++ {
			r := p.Weather(context.Background(), "Paris")

			assert.Equal(t, "Paris", r.City)
			assert.GreaterOrEqual(t, r.Temperature, -10)
			assert.LessOrEqual(t, r.Temperature, 35)
			assert.GreaterOrEqual(t, r.Humidity, 20)
			assert.LessOrEqual(t, r.Humidity, 90)
			assert.GreaterOrEqual(t, r.WindSpeed, 0)
			assert.LessOrEqual(t, r.WindSpeed, 50)
			assert.Contains(t, Conditions, r.Condition)
			assert.Equal(t, "2024-05-01T12:00:00Z", r.Timestamp)
			assert.True(t, r.Valid())
		}
	})
}

func TestExternalProvider(t *testing.T) {
	fallback := func() *staticProvider {
		return &staticProvider{report: Report{Temperature: 1, Condition: Snowy, Timestamp: "t"}}
	}

	t.Run("maps an OpenWeatherMap response", func(t *testing.T) {
		var query atomic.Value
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/data/2.5/weather", r.URL.Path)
			query.Store(r.URL.Query())
			w.Write([]byte(`{"main":{"temp":21.6,"humidity":40},"weather":[{"main":"Drizzle"}],"wind":{"speed":5}}`))
		}))
		defer server.Close()
		fb := fallback()
		p := NewExternalProvider("key-123",
			WithBaseURL(server.URL+"/data/2.5/"),
			WithFallback(fb),
			WithExternalLogger(discardLogger()),
		)

		r := p.Weather(context.Background(), "Paris")

		assert.Equal(t, 22, r.Temperature)
		assert.Equal(t, Rainy, r.Condition)
		assert.Equal(t, 40, r.Humidity)
		assert.Equal(t, 18, r.WindSpeed)
		assert.Equal(t, "Paris", r.City)
		assert.Zero(t, fb.calls.Load())

		q := query.Load().(url.Values)
		assert.Equal(t, []string{"Paris"}, q["q"])
		assert.Equal(t, []string{"key-123"}, q["appid"])
		assert.Equal(t, []string{"metric"}, q["units"])
	})

	t.Run("falls back without an API key", func(t *testing.T) {
		fb := fallback()
		p := NewExternalProvider("your_api_key_here", WithFallback(fb), WithExternalLogger(discardLogger()))

		r := p.Weather(context.Background(), "Oslo")

		assert.Equal(t, Snowy, r.Condition)
		assert.EqualValues(t, 1, fb.calls.Load())
	})

	t.Run("falls back on an error status or a malformed body", func(t *testing.T) {
		for _, handler := range []http.HandlerFunc{
			func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusUnauthorized) },
			func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{"cod":200}`)) },
			func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`<html>`)) },
		} {
			server := httptest.NewServer(handler)
			fb := fallback()
			p := NewExternalProvider("key", WithBaseURL(server.URL), WithFallback(fb), WithExternalLogger(discardLogger()))

			r := p.Weather(context.Background(), "Oslo")

			assert.Equal(t, Snowy, r.Condition)
			assert.EqualValues(t, 1, fb.calls.Load())
			server.Close()
		}
	})

	t.Run("MapCondition defaults to cloudy", func(t *testing.T) {
		assert.Equal(t, Sunny, MapCondition("Clear"))
		assert.Equal(t, Stormy, MapCondition("Tornado"))
		assert.Equal(t, Cloudy, MapCondition("Volcano"))
	})
}

func TestAPI(t *testing.T) {
	random := &staticProvider{report: Report{Temperature: 10, Condition: Sunny, Humidity: 30, WindSpeed: 5, Timestamp: "t"}}
	external := &staticProvider{report: Report{Temperature: 20, Condition: Rainy, Humidity: 60, WindSpeed: 8, Timestamp: "t"}}
	server := httptest.NewServer(NewAPI(random, external, discardLogger()).Routes())
	defer server.Close()

	get := func(t *testing.T, method, path string) (*http.Response, map[string]any) {
		t.Helper()
		req, err := http.NewRequest(method, server.URL+path, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp, body
	}

	t.Run("health reports ok", func(t *testing.T) {
		resp, body := get(t, http.MethodGet, "/health")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ok", body["status"])
	})

	t.Run("serves random weather for a city", func(t *testing.T) {
		resp, body := get(t, http.MethodGet, "/api/weather/Rio%20de%20Janeiro")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		assert.Equal(t, "Rio de Janeiro", body["city"])
		assert.Equal(t, Sunny, body["condition"])
		assert.EqualValues(t, 5, body["wind_speed"])
	})

	t.Run("serves external weather for a city", func(t *testing.T) {
		_, body := get(t, http.MethodGet, "/api/weather/external/Paris")
		assert.Equal(t, "Paris", body["city"])
		assert.Equal(t, Rainy, body["condition"])
	})

	t.Run("unknown paths are JSON 404s", func(t *testing.T) {
		resp, body := get(t, http.MethodGet, "/nope")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "Not found", body["error"])
	})

	t.Run("other methods are JSON 405s", func(t *testing.T) {
		resp, body := get(t, http.MethodPost, "/api/weather/Paris")
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
		assert.Equal(t, "Method not allowed", body["error"])
	})
}
