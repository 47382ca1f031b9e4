package stage

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-pipeline/internal/lookup"
	"github.com/glimte/mmate-pipeline/internal/rabbitmq"
	"github.com/glimte/mmate-pipeline/internal/weather"
)

// WeatherLookup fetches the weather of a city.
type WeatherLookup interface {
	Weather(ctx context.Context, city string) (weather.Report, error)
}

// WeatherStage attaches the current weather of the capital to a record.
type WeatherStage struct {
	publisher Publisher
	lookup    WeatherLookup
	output    string
	logger    *slog.Logger
}

// NewWeatherStage creates the stage. Enriched records go to output.
func NewWeatherStage(publisher Publisher, lookup WeatherLookup, output string, logger *slog.Logger) *WeatherStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &WeatherStage{publisher: publisher, lookup: lookup, output: output, logger: logger}
}

func weatherRequest(body []byte) (Record, bool) {
	fields, ok := decodeObject(body)
	if !ok {
		return Record{}, false
	}
	capital, ok := stringField(fields, "capital")
	if !ok || capital == "" {
		return Record{}, false
	}
	country, ok := stringField(fields, "country")
	if !ok || country == "" {
		country = UnknownCountry
	}
	return Record{Capital: capital, Country: country}, true
}

// Validate implements rabbitmq.Handler.
func (s *WeatherStage) Validate(msg rabbitmq.Message) bool {
	_, ok := weatherRequest(msg.Body)
	return ok
}

// Consume implements rabbitmq.Handler.
func (s *WeatherStage) Consume(ctx context.Context, msg rabbitmq.Message) (bool, error) {
	record, ok := weatherRequest(msg.Body)
	if !ok {
		return false, nil
	}

	report, err := s.lookup.Weather(ctx, record.Capital)
	if err != nil {
		if lookup.IsClientError(err) {
			s.logger.Warn("weather lookup rejected", "capital", record.Capital, "error", err)
			return false, nil
		}
		return false, err
	}

	record.Weather = &report
	if err := publishJSON(ctx, s.publisher, s.output, record, rabbitmq.Properties{}); err != nil {
		return false, err
	}
	s.logger.Info("weather attached", "capital", record.Capital, "condition", report.Condition)
	return true, nil
}
