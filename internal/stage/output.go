package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-pipeline/internal/rabbitmq"
	"github.com/glimte/mmate-pipeline/internal/weather"
)

// OutputStage is the sink of the pipeline: it reports each completed record
// and forwards it to the output queue.
type OutputStage struct {
	publisher Publisher
	output    string
	logger    *slog.Logger
}

// NewOutputStage creates the stage. An empty output only reports.
func NewOutputStage(publisher Publisher, output string, logger *slog.Logger) *OutputStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutputStage{publisher: publisher, output: output, logger: logger}
}

func finalRecord(body []byte) (Record, bool) {
	fields, ok := decodeObject(body)
	if !ok {
		return Record{}, false
	}
	capital, okCapital := stringField(fields, "capital")
	country, okCountry := stringField(fields, "country")
	raw, okWeather := fields["weather"]
	if !okCapital || !okCountry || !okWeather {
		return Record{}, false
	}

	var report weather.Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return Record{}, false
	}
	return Record{Capital: capital, Country: country, Weather: &report}, true
}

// FormatResult renders a completed record for humans.
func FormatResult(r Record) string {
	w := weather.Report{}
	if r.Weather != nil {
		w = *r.Weather
	}
	return fmt.Sprintf("FINAL RESULT: %s (capital of %s)\n"+
		"Temperature: %d°C\n"+
		"Condition: %s\n"+
		"Humidity: %d%%\n"+
		"Wind Speed: %d km/h\n"+
		"Timestamp: %s",
		r.Capital, r.Country, w.Temperature, w.Condition, w.Humidity, w.WindSpeed, w.Timestamp)
}

// Validate implements rabbitmq.Handler.
func (s *OutputStage) Validate(msg rabbitmq.Message) bool {
	_, ok := finalRecord(msg.Body)
	return ok
}

// Consume implements rabbitmq.Handler.
func (s *OutputStage) Consume(ctx context.Context, msg rabbitmq.Message) (bool, error) {
	record, ok := finalRecord(msg.Body)
	if !ok {
		return false, nil
	}

	s.logger.Info(FormatResult(record))
	s.logger.Debug("raw weather data", "body", string(msg.Body))

	if s.output == "" {
		return true, nil
	}
	if err := publishJSON(ctx, s.publisher, s.output, record, rabbitmq.Properties{}); err != nil {
		return false, err
	}
	return true, nil
}
