package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-pipeline/internal/rabbitmq"
)

// RerouteFunc sends a value down the fallback path.
type RerouteFunc func(ctx context.Context, value string) error

// Outcome is what a matching reply resolved a request to.
type Outcome struct {
	Success  bool
	Rerouted string // value sent to the fallback queue, if any
}

type lookupReply struct {
	Success        *bool   `json:"success"`
	InvalidCountry *string `json:"invalid_country"`
}

// ResponseHandler accepts only replies correlated with one request.
type ResponseHandler struct {
	rc      CorrelationContext
	reroute RerouteFunc
	logger  *slog.Logger

	mu       sync.Mutex
	outcome  Outcome
	resolved bool
	rejected int
}

// ResponseOption configures the ResponseHandler
type ResponseOption func(*ResponseHandler)

// WithResponseLogger sets the logger
func WithResponseLogger(logger *slog.Logger) ResponseOption {
	return func(h *ResponseHandler) {
		h.logger = logger
	}
}

// NewResponseHandler creates a handler for the replies to rc.
func NewResponseHandler(rc CorrelationContext, reroute RerouteFunc, options ...ResponseOption) *ResponseHandler {
	h := &ResponseHandler{
		rc:      rc,
		reroute: reroute,
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(h)
	}

	return h
}

func parseReply(body []byte) (lookupReply, bool) {
	var reply lookupReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return reply, false
	}
	return reply, reply.Success != nil
}

// Validate implements rabbitmq.Handler. Replies without a boolean success
// field or carrying another correlation id are rejected.
func (h *ResponseHandler) Validate(msg rabbitmq.Message) bool {
	if _, ok := parseReply(msg.Body); !ok {
		h.logger.Warn("invalid lookup reply", "body", string(msg.Body))
		h.reject()
		return false
	}

	if got := msg.Properties.CorrelationID; got != h.rc.CorrelationID {
		h.logger.Debug("correlation id mismatch",
			"expected", h.rc.CorrelationID,
			"received", got)
		h.reject()
		return false
	}

	return true
}

// Consume implements rabbitmq.Handler. A failure reply reroutes the value it
// reports as invalid, or the original value when it reports none.
func (h *ResponseHandler) Consume(ctx context.Context, msg rabbitmq.Message) (bool, error) {
	reply, ok := parseReply(msg.Body)
	if !ok {
		return false, nil
	}

	outcome := Outcome{Success: *reply.Success}
	if !outcome.Success {
		value := h.rc.OriginalValue
		if reply.InvalidCountry != nil && *reply.InvalidCountry != "" {
			value = *reply.InvalidCountry
		}
		if err := h.reroute(ctx, value); err != nil {
			return false, err
		}
		outcome.Rerouted = value
	}

	h.mu.Lock()
	h.outcome = outcome
	h.resolved = true
	h.mu.Unlock()

	return true, nil
}

// Outcome returns the resolved outcome and whether a matching reply arrived.
func (h *ResponseHandler) Outcome() (Outcome, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome, h.resolved
}

// Rejected returns how many replies failed validation.
func (h *ResponseHandler) Rejected() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rejected
}

func (h *ResponseHandler) reject() {
	h.mu.Lock()
	h.rejected++
	h.mu.Unlock()
}
