package stage

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-pipeline/internal/rabbitmq"
)

// CapitalStage normalizes capital records, whether they come from the
// country lookup or from the router's fallback path.
type CapitalStage struct {
	publisher Publisher
	output    string
	logger    *slog.Logger
}

// NewCapitalStage creates the stage. Processed records go to output.
func NewCapitalStage(publisher Publisher, output string, logger *slog.Logger) *CapitalStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &CapitalStage{publisher: publisher, output: output, logger: logger}
}

func capitalRecord(body []byte) (Record, bool) {
	fields, ok := decodeObject(body)
	if !ok {
		return Record{}, false
	}

	capital, ok := stringField(fields, "capital")
	if !ok || capital == "" {
		capital, ok = stringField(fields, "capital_name")
	}
	if !ok || capital == "" {
		return Record{}, false
	}

	country, ok := stringField(fields, "country")
	if !ok || country == "" {
		country = UnknownCountry
	}

	return Record{Capital: capital, Country: country, Processed: true}, true
}

// Validate implements rabbitmq.Handler.
func (s *CapitalStage) Validate(msg rabbitmq.Message) bool {
	_, ok := capitalRecord(msg.Body)
	return ok
}

// Consume implements rabbitmq.Handler.
func (s *CapitalStage) Consume(ctx context.Context, msg rabbitmq.Message) (bool, error) {
	record, ok := capitalRecord(msg.Body)
	if !ok {
		return false, nil
	}

	if err := publishJSON(ctx, s.publisher, s.output, record, rabbitmq.Properties{}); err != nil {
		return false, err
	}
	s.logger.Info("capital processed", "capital", record.Capital, "country", record.Country)
	return true, nil
}
