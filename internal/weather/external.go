package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultOpenWeatherMapURL is the OpenWeatherMap API root.
const DefaultOpenWeatherMapURL = "https://api.openweathermap.org/data/2.5/"

var errInvalidPayload = errors.New("weather: invalid response format from OpenWeatherMap")

// openWeatherConditions maps OpenWeatherMap main conditions to ours.
var openWeatherConditions = map[string]string{
	"Clear":        Sunny,
	"Clouds":       Cloudy,
	"Mist":         Cloudy,
	"Smoke":        Cloudy,
	"Haze":         Cloudy,
	"Dust":         Cloudy,
	"Fog":          Cloudy,
	"Sand":         Cloudy,
	"Ash":          Cloudy,
	"Rain":         Rainy,
	"Drizzle":      Rainy,
	"Snow":         Snowy,
	"Thunderstorm": Stormy,
	"Squall":       Stormy,
	"Tornado":      Stormy,
}

// MapCondition converts an OpenWeatherMap condition. Unknown values are cloudy.
func MapCondition(owm string) string {
	if c, ok := openWeatherConditions[owm]; ok {
		return c
	}
	return Cloudy
}

// IsPlaceholderKey reports whether key is absent or a template value.
func IsPlaceholderKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	return k == "" || k == "changeme" || strings.HasPrefix(k, "your_") || strings.HasPrefix(k, "your-")
}

type owmResponse struct {
	Main *struct {
		Temp     float64  `json:"temp"`
		Humidity *float64 `json:"humidity"`
	} `json:"main"`
	Weather []struct {
		Main string `json:"main"`
	} `json:"weather"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
}

// ExternalProvider fetches real weather from OpenWeatherMap and falls back
// to another provider when it cannot.
type ExternalProvider struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	fallback Provider
	now      func() time.Time
	logger   *slog.Logger
}

// ExternalOption configures the ExternalProvider
type ExternalOption func(*ExternalProvider)

// WithBaseURL sets the OpenWeatherMap API root
func WithBaseURL(baseURL string) ExternalOption {
	return func(p *ExternalProvider) {
		if baseURL != "" {
			p.baseURL = baseURL
		}
	}
}

// WithHTTPClient sets the HTTP client
func WithHTTPClient(client *http.Client) ExternalOption {
	return func(p *ExternalProvider) {
		p.client = client
	}
}

// WithFallback sets the provider used when the API is unusable
func WithFallback(fallback Provider) ExternalOption {
	return func(p *ExternalProvider) {
		p.fallback = fallback
	}
}

// WithExternalLogger sets the logger
func WithExternalLogger(logger *slog.Logger) ExternalOption {
	return func(p *ExternalProvider) {
		p.logger = logger
	}
}

// NewExternalProvider creates a provider for apiKey.
func NewExternalProvider(apiKey string, options ...ExternalOption) *ExternalProvider {
	p := &ExternalProvider{
		baseURL:  DefaultOpenWeatherMapURL,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 10 * time.Second},
		fallback: NewRandomProvider(),
		now:      time.Now,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Weather implements Provider.
func (p *ExternalProvider) Weather(ctx context.Context, city string) Report {
	if IsPlaceholderKey(p.apiKey) {
		p.logger.Info("no API key configured, using fallback random data", "city", city)
		return p.fallback.Weather(ctx, city)
	}

	report, err := p.fetch(ctx, city)
	if err != nil {
		p.logger.Warn("OpenWeatherMap request failed, using fallback",
			"city", city,
			"error", err)
		return p.fallback.Weather(ctx, city)
	}

	p.logger.Info("fetched weather from OpenWeatherMap",
		"city", city,
		"temperature", report.Temperature,
		"condition", report.Condition)
	return report
}

func (p *ExternalProvider) fetch(ctx context.Context, city string) (Report, error) {
	endpoint, err := url.JoinPath(p.baseURL, "weather")
	if err != nil {
		return Report{}, err
	}
	query := url.Values{
		"q":     {city},
		"appid": {p.apiKey},
		"units": {"metric"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return Report{}, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Report{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Report{}, fmt.Errorf("OpenWeatherMap returned status %d", resp.StatusCode)
	}

	var data owmResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return Report{}, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	if data.Main == nil || len(data.Weather) == 0 {
		return Report{}, errInvalidPayload
	}

	humidity := 50
	if data.Main.Humidity != nil {
		humidity = int(*data.Main.Humidity)
	}
	condition := data.Weather[0].Main
	if condition == "" {
		condition = "Clear"
	}

	return Report{
		City:        city,
		Temperature: int(math.Round(data.Main.Temp)),
		Condition:   MapCondition(condition),
		Humidity:    humidity,
		WindSpeed:   int(math.Round(data.Wind.Speed * 3.6)),
		Timestamp:   p.now().Format(time.RFC3339),
	}, nil
}
