// Package router implements the routing input stage: every inbound value is
// sent to the country lookup as a correlated request, and an explicit
// failure reply reroutes the value to the capital stage.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-pipeline/internal/rabbitmq"
)

// DefaultReplyTimeout bounds the wait for a correlated reply.
const DefaultReplyTimeout = 10 * time.Second

// State is a step of the per-message routing state machine.
type State string

const (
	StateValidated     State = "validated"
	StatePublished     State = "published"
	StateAwaitingReply State = "awaiting_reply"
	StateResolved      State = "resolved"
	StateTimedOut      State = "timed_out"
	StateRejected      State = "reply_rejected"
)

// Publisher publishes a body to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte, props rabbitmq.Properties) error
}

// Listener consumes a queue with a handler, optionally bounded by timeout.
type Listener interface {
	Listen(ctx context.Context, queue string, handler rabbitmq.Handler, timeout time.Duration) error
}

// Queues names the queues the router talks to.
type Queues struct {
	Requests  string // lookup requests, e.g. countries
	Responses string // replies addressed by reply_to
	Fallback  string // destination when the lookup reports failure
}

// CorrelationContext is the state of one in-flight request. It lives only
// for the duration of the reply wait.
type CorrelationContext struct {
	CorrelationID string
	ReplyTo       string
	OriginalValue string
}

type inputPayload struct {
	Value *string `json:"value"`
}

type lookupRequest struct {
	CountryName string `json:"country_name"`
}

type fallbackMessage struct {
	CapitalName string `json:"capital_name"`
}

// Router is the rabbitmq.Handler of the input queue.
type Router struct {
	publisher    Publisher
	listener     Listener
	queues       Queues
	replyTimeout time.Duration
	newID        func() string
	logger       *slog.Logger
}

// Option configures the Router
type Option func(*Router)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithReplyTimeout sets the reply deadline
func WithReplyTimeout(timeout time.Duration) Option {
	return func(r *Router) {
		r.replyTimeout = timeout
	}
}

// WithIDGenerator replaces the correlation and message id source
func WithIDGenerator(newID func() string) Option {
	return func(r *Router) {
		r.newID = newID
	}
}

// New creates a router.
func New(publisher Publisher, listener Listener, queues Queues, options ...Option) *Router {
	r := &Router{
		publisher:    publisher,
		listener:     listener,
		queues:       queues,
		replyTimeout: DefaultReplyTimeout,
		newID:        uuid.NewString,
		logger:       slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// parseValue extracts the trimmed, non-empty string value of an input body.
func parseValue(body []byte) (string, bool) {
	var payload inputPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", false
	}
	if payload.Value == nil {
		return "", false
	}
	value := strings.TrimSpace(*payload.Value)
	return value, value != ""
}

// Validate implements rabbitmq.Handler.
func (r *Router) Validate(msg rabbitmq.Message) bool {
	value, ok := parseValue(msg.Body)
	if !ok {
		r.logger.Warn("rejecting input message", "body", string(msg.Body))
		return false
	}
	r.logger.Info("routing state", "state", StateValidated, "value", value)
	return true
}

// Consume implements rabbitmq.Handler. It publishes the lookup request,
// waits for the correlated reply and reroutes on an explicit failure. A
// reply that never arrives, or one that is rejected, completes the request
// without rerouting.
func (r *Router) Consume(ctx context.Context, msg rabbitmq.Message) (bool, error) {
	value, ok := parseValue(msg.Body)
	if !ok {
		return false, nil
	}

	rc := CorrelationContext{
		CorrelationID: "input-router-" + r.newID(),
		ReplyTo:       r.queues.Responses,
		OriginalValue: value,
	}
	logger := r.logger.With("correlationId", rc.CorrelationID, "value", value)

	body, err := json.Marshal(lookupRequest{CountryName: value})
	if err != nil {
		return false, err
	}
	err = r.publisher.Publish(ctx, r.queues.Requests, body, rabbitmq.Properties{
		CorrelationID: rc.CorrelationID,
		ReplyTo:       rc.ReplyTo,
		MessageID:     "msg-" + r.newID(),
	})
	if err != nil {
		logger.Error("failed to publish lookup request", "queue", r.queues.Requests, "error", err)
		return false, nil
	}
	logger.Info("routing state", "state", StatePublished, "queue", r.queues.Requests)

	replies := NewResponseHandler(rc, r.reroute, WithResponseLogger(logger))

	logger.Info("routing state", "state", StateAwaitingReply, "queue", rc.ReplyTo, "timeout", r.replyTimeout)
	if err := r.listener.Listen(ctx, rc.ReplyTo, replies, r.replyTimeout); err != nil {
		logger.Error("failed waiting for lookup reply", "error", err)
	}

	outcome, resolved := replies.Outcome()
	switch {
	case resolved:
		logger.Info("routing state", "state", StateResolved, "success", outcome.Success, "rerouted", outcome.Rerouted)
	case replies.Rejected() > 0:
		logger.Warn("routing state", "state", StateRejected, "rejected", replies.Rejected())
	default:
		logger.Info("routing state", "state", StateTimedOut)
	}

	return true, nil
}

// reroute publishes value straight to the fallback queue.
func (r *Router) reroute(ctx context.Context, value string) error {
	body, err := json.Marshal(fallbackMessage{CapitalName: value})
	if err != nil {
		return err
	}
	r.logger.Info("lookup failed, rerouting", "value", value, "queue", r.queues.Fallback)
	return r.publisher.Publish(ctx, r.queues.Fallback, body, rabbitmq.Properties{})
}
