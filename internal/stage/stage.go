// Package stage implements the workers of the enrichment pipeline. Each
// stage is a rabbitmq.Handler bound to its input queue.
package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/glimte/mmate-pipeline/internal/rabbitmq"
	"github.com/glimte/mmate-pipeline/internal/weather"
)

// UnknownCountry stands in for a country that was never resolved.
const UnknownCountry = "Unknown"

// Publisher publishes a body to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte, props rabbitmq.Properties) error
}

// Record is the message enriched stage after stage.
type Record struct {
	Capital   string          `json:"capital"`
	Country   string          `json:"country"`
	Processed bool            `json:"processed,omitempty"`
	Weather   *weather.Report `json:"weather,omitempty"`
}

// reply is the answer of a lookup stage to a correlated request.
type reply struct {
	Success        bool   `json:"success"`
	InvalidCountry string `json:"invalid_country,omitempty"`
}

// stringField returns the trimmed value of a string field of a JSON object.
// A field of another type is reported as absent.
func stringField(fields map[string]json.RawMessage, name string) (string, bool) {
	raw, ok := fields[name]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return strings.TrimSpace(s), true
}

func decodeObject(body []byte) (map[string]json.RawMessage, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return nil, false
	}
	return fields, true
}

func publishJSON(ctx context.Context, p Publisher, queue string, v any, props rabbitmq.Properties) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := p.Publish(ctx, queue, body, props); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}
