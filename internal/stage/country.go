package stage

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/glimte/mmate-pipeline/internal/cache"
	"github.com/glimte/mmate-pipeline/internal/lookup"
	"github.com/glimte/mmate-pipeline/internal/rabbitmq"
)

// The countries API mishandles non-Latin names, so they are rejected up front.
var latinName = regexp.MustCompile(`^[\p{Latin}\s]+$`)

// CapitalLookup resolves the capital of a country.
type CapitalLookup interface {
	Capital(ctx context.Context, country string) (string, error)
}

// CountryStage resolves the capital of a country and answers correlated
// requests with an explicit success or failure reply.
type CountryStage struct {
	publisher Publisher
	lookup    CapitalLookup
	cache     cache.Store
	output    string
	logger    *slog.Logger
}

// NewCountryStage creates the stage. Resolved records go to output.
func NewCountryStage(publisher Publisher, lookup CapitalLookup, store cache.Store, output string, logger *slog.Logger) *CountryStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &CountryStage{
		publisher: publisher,
		lookup:    lookup,
		cache:     store,
		output:    output,
		logger:    logger,
	}
}

// countryName returns the trimmed name and its normalized lookup key.
func countryName(body []byte) (name, key string, ok bool) {
	fields, ok := decodeObject(body)
	if !ok {
		return "", "", false
	}
	name, ok = stringField(fields, "country_name")
	if !ok {
		return "", "", false
	}
	key = strings.ToLower(name)
	if !latinName.MatchString(key) {
		return "", "", false
	}
	return name, key, true
}

// Validate implements rabbitmq.Handler.
func (s *CountryStage) Validate(msg rabbitmq.Message) bool {
	_, _, ok := countryName(msg.Body)
	return ok
}

// Consume implements rabbitmq.Handler.
func (s *CountryStage) Consume(ctx context.Context, msg rabbitmq.Message) (bool, error) {
	name, key, ok := countryName(msg.Body)
	if !ok {
		return false, nil
	}
	logger := s.logger.With("country", key, "correlationId", msg.Properties.CorrelationID)

	if capital, hit := s.cache.Get(ctx, key); hit {
		logger.Debug("cache hit", "capital", capital)
		return s.resolved(ctx, msg, name, capital)
	}

	capital, err := s.lookup.Capital(ctx, key)
	if err != nil {
		if lookup.IsClientError(err) {
			logger.Warn("country lookup rejected", "error", err)
			if err := s.reply(ctx, msg, reply{Success: false, InvalidCountry: name}); err != nil {
				return false, err
			}
			return false, nil
		}
		return false, err
	}

	s.cache.Put(ctx, key, capital)
	return s.resolved(ctx, msg, name, capital)
}

func (s *CountryStage) resolved(ctx context.Context, msg rabbitmq.Message, country, capital string) (bool, error) {
	record := Record{Capital: capital, Country: country}
	if err := publishJSON(ctx, s.publisher, s.output, record, rabbitmq.Properties{}); err != nil {
		return false, err
	}
	s.logger.Info("capital resolved", "country", country, "capital", capital)

	if err := s.reply(ctx, msg, reply{Success: true}); err != nil {
		return false, err
	}
	return true, nil
}

// reply answers the sender of msg when it asked for a reply.
func (s *CountryStage) reply(ctx context.Context, msg rabbitmq.Message, r reply) error {
	if !msg.Properties.IsRPC() {
		return nil
	}
	return publishJSON(ctx, s.publisher, msg.Properties.ReplyTo, r, rabbitmq.Properties{
		CorrelationID: msg.Properties.CorrelationID,
	})
}
