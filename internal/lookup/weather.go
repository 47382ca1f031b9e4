package lookup

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/glimte/mmate-pipeline/internal/weather"
)

// DefaultWeatherBaseURI is the address of the weather API inside the stack.
const DefaultWeatherBaseURI = "http://api-weather:8080/"

// WeatherClient fetches reports from the weather API.
type WeatherClient struct {
	http *httpClient
}

// NewWeatherClient creates a client for the API at baseURI.
func NewWeatherClient(baseURI string, options ...Option) *WeatherClient {
	if baseURI == "" {
		baseURI = DefaultWeatherBaseURI
	}
	return &WeatherClient{http: newHTTPClient(baseURI, options...)}
}

// Weather returns the external report for city.
func (c *WeatherClient) Weather(ctx context.Context, city string) (weather.Report, error) {
	body, err := c.http.get(ctx, "api", "weather", "external", city)
	if err != nil {
		return weather.Report{}, err
	}

	var report weather.Report
	if err := json.Unmarshal(body, &report); err != nil {
		return weather.Report{}, fmt.Errorf("%w for %q: %v", ErrMalformedResponse, city, err)
	}
	if !report.Valid() {
		return weather.Report{}, fmt.Errorf("%w for %q: incomplete report", ErrMalformedResponse, city)
	}

	return report, nil
}
