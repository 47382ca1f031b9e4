package router

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-pipeline/internal/rabbitmq"
	"github.com/glimte/mmate-pipeline/internal/rabbitmq/rabbitmqtest"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, queue string, body []byte, props rabbitmq.Properties) error {
	args := m.Called(ctx, queue, body, props)
	return args.Error(0)
}

type mockListener struct {
	mock.Mock
}

func (m *mockListener) Listen(ctx context.Context, queue string, handler rabbitmq.Handler, timeout time.Duration) error {
	args := m.Called(ctx, queue, handler, timeout)
	return args.Error(0)
}

var testQueues = Queues{
	Requests:  "countries",
	Responses: "countries_responses",
	Fallback:  "capitals",
}

const expectedCorrelationID = "input-router-fixed"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedID() string { return "fixed" }

// newBrokerRouter wires a router to an in-memory broker.
func newBrokerRouter(broker *rabbitmqtest.Broker, timeout time.Duration, options ...Option) *Router {
	engine := rabbitmq.NewEngine(
		rabbitmq.BrokerConfig{Host: "localhost", Port: 5672, User: "guest", Password: "guest"},
		rabbitmq.WithDialer(broker.Dialer()),
		rabbitmq.WithLogger(discardLogger()),
	)
	publisher := rabbitmq.NewPublisher(engine, rabbitmq.WithPublisherLogger(discardLogger()))
	consumer := rabbitmq.NewConsumer(engine, rabbitmq.WithConsumerLogger(discardLogger()))

	options = append([]Option{
		WithReplyTimeout(timeout),
		WithIDGenerator(fixedID),
		WithLogger(discardLogger()),
	}, options...)
	return New(publisher, consumer, testQueues, options...)
}

func reply(broker *rabbitmqtest.Broker, correlationID, body string) {
	broker.Enqueue(testQueues.Responses, amqp.Publishing{
		ContentType:   "text/plain",
		CorrelationId: correlationID,
		Body:          []byte(body),
	})
}

func inputMessage(body string) rabbitmq.Message {
	return rabbitmq.NewMessage([]byte(body), rabbitmq.Properties{})
}

func TestRouterValidate(t *testing.T) {
	r := New(&mockPublisher{}, &mockListener{}, testQueues, WithLogger(discardLogger()))

	t.Run("accepts a non-empty string value", func(t *testing.T) {
		assert.True(t, r.Validate(inputMessage(`{"value":"France"}`)))
	})

	t.Run("rejects malformed or incomplete payloads", func(t *testing.T) {
		for _, body := range []string{
			`not json`,
			`{}`,
			`{"value":"   "}`,
			`{"value":42}`,
			`{"value":null}`,
		} {
			assert.False(t, r.Validate(inputMessage(body)), body)
		}
	})
}

func TestRouterConsume(t *testing.T) {
	t.Run("publishes a correlated lookup request", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		r := newBrokerRouter(broker, 50*time.Millisecond)

		ok, err := r.Consume(context.Background(), inputMessage(`{"value":"  France "}`))
		require.NoError(t, err)
		assert.True(t, ok)

		published := broker.Published()
		require.NotEmpty(t, published)
		request := published[0]
		assert.Equal(t, "countries_routing_key", request.RoutingKey)
		assert.JSONEq(t, `{"country_name":"France"}`, string(request.Msg.Body))
		assert.Equal(t, expectedCorrelationID, request.Msg.CorrelationId)
		assert.Equal(t, "countries_responses", request.Msg.ReplyTo)
		assert.Equal(t, "msg-fixed", request.Msg.MessageId)
	})

	t.Run("a success reply completes without rerouting", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		r := newBrokerRouter(broker, 2*time.Second)
		reply(broker, expectedCorrelationID, `{"success":true}`)

		ok, err := r.Consume(context.Background(), inputMessage(`{"value":"France"}`))

		require.NoError(t, err)
		assert.True(t, ok)
		assert.Empty(t, broker.PublishedTo("capitals"))
		assert.Equal(t, 1, broker.Acked("countries_responses"))
	})

	t.Run("a failure reply reroutes the value exactly once", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		r := newBrokerRouter(broker, 2*time.Second)
		reply(broker, expectedCorrelationID, `{"success":false,"invalid_country":"France"}`)

		ok, err := r.Consume(context.Background(), inputMessage(`{"value":"France"}`))

		require.NoError(t, err)
		assert.True(t, ok)
		fallback := broker.PublishedTo("capitals")
		require.Len(t, fallback, 1)
		assert.JSONEq(t, `{"capital_name":"France"}`, string(fallback[0]))
	})

	t.Run("a reply for another request is rejected and ignored", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		r := newBrokerRouter(broker, 2*time.Second)
		reply(broker, "input-router-other", `{"success":false,"invalid_country":"France"}`)

		ok, err := r.Consume(context.Background(), inputMessage(`{"value":"France"}`))

		require.NoError(t, err)
		assert.True(t, ok)
		assert.Empty(t, broker.PublishedTo("capitals"))
		assert.Len(t, broker.DeadLettered("countries_responses"), 1)
	})

	t.Run("a rejected reply is logged apart from a timeout", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		var logs bytes.Buffer
		r := newBrokerRouter(broker, 2*time.Second,
			WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))))
		reply(broker, "input-router-other", `{"success":true}`)

		ok, err := r.Consume(context.Background(), inputMessage(`{"value":"France"}`))

		require.NoError(t, err)
		assert.True(t, ok)
		assert.Contains(t, logs.String(), `"state":"reply_rejected"`)
		assert.NotContains(t, logs.String(), `"state":"timed_out"`)
	})

	t.Run("no reply within the deadline completes without rerouting", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		var logs bytes.Buffer
		r := newBrokerRouter(broker, 100*time.Millisecond,
			WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))))

		start := time.Now()
		ok, err := r.Consume(context.Background(), inputMessage(`{"value":"France"}`))

		require.NoError(t, err)
		assert.True(t, ok)
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
		assert.Empty(t, broker.PublishedTo("capitals"))
		assert.Contains(t, logs.String(), `"state":"timed_out"`)
	})

	t.Run("a failed request publish rejects the input without waiting", func(t *testing.T) {
		publisher := &mockPublisher{}
		listener := &mockListener{}
		publisher.On("Publish", mock.Anything, "countries", mock.Anything, mock.Anything).
			Return(errors.New("broker down"))
		r := New(publisher, listener, testQueues, WithLogger(discardLogger()))

		ok, err := r.Consume(context.Background(), inputMessage(`{"value":"France"}`))

		require.NoError(t, err)
		assert.False(t, ok)
		publisher.AssertExpectations(t)
		listener.AssertNotCalled(t, "Listen", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("a failed reply wait still completes the input", func(t *testing.T) {
		publisher := &mockPublisher{}
		listener := &mockListener{}
		publisher.On("Publish", mock.Anything, "countries", mock.Anything, mock.Anything).Return(nil)
		listener.On("Listen", mock.Anything, "countries_responses", mock.Anything, 3*time.Second).
			Return(errors.New("listen failed"))
		r := New(publisher, listener, testQueues,
			WithLogger(discardLogger()),
			WithReplyTimeout(3*time.Second),
		)

		ok, err := r.Consume(context.Background(), inputMessage(`{"value":"France"}`))

		require.NoError(t, err)
		assert.True(t, ok)
		listener.AssertExpectations(t)
	})
}

func TestResponseHandler(t *testing.T) {
	rc := CorrelationContext{CorrelationID: "X", ReplyTo: "countries_responses", OriginalValue: "Atlantis"}

	replyMessage := func(correlationID, body string) rabbitmq.Message {
		return rabbitmq.NewMessage([]byte(body), rabbitmq.Properties{CorrelationID: correlationID})
	}

	t.Run("Validate requires a boolean success and the expected correlation id", func(t *testing.T) {
		h := NewResponseHandler(rc, nil, WithResponseLogger(discardLogger()))

		assert.True(t, h.Validate(replyMessage("X", `{"success":true}`)))
		assert.False(t, h.Validate(replyMessage("Y", `{"success":true}`)))
		assert.False(t, h.Validate(replyMessage("", `{"success":true}`)))
		assert.False(t, h.Validate(replyMessage("X", `{"success":"yes"}`)))
		assert.False(t, h.Validate(replyMessage("X", `{}`)))
		assert.False(t, h.Validate(replyMessage("X", `{`)))
		assert.Equal(t, 5, h.Rejected())
	})

	t.Run("a failure reply without a marker reroutes the original value", func(t *testing.T) {
		var rerouted []string
		h := NewResponseHandler(rc, func(_ context.Context, value string) error {
			rerouted = append(rerouted, value)
			return nil
		}, WithResponseLogger(discardLogger()))

		ok, err := h.Consume(context.Background(), replyMessage("X", `{"success":false}`))

		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []string{"Atlantis"}, rerouted)
		outcome, resolved := h.Outcome()
		assert.True(t, resolved)
		assert.Equal(t, Outcome{Success: false, Rerouted: "Atlantis"}, outcome)
	})

	t.Run("a failed reroute surfaces as an error", func(t *testing.T) {
		failure := errors.New("publish failed")
		h := NewResponseHandler(rc, func(context.Context, string) error { return failure },
			WithResponseLogger(discardLogger()))

		_, err := h.Consume(context.Background(), replyMessage("X", `{"success":false,"invalid_country":"Atlantis"}`))

		assert.ErrorIs(t, err, failure)
		_, resolved := h.Outcome()
		assert.False(t, resolved)
	})

	t.Run("a success reply resolves without rerouting", func(t *testing.T) {
		h := NewResponseHandler(rc, func(context.Context, string) error {
			t.Fatal("reroute must not be called")
			return nil
		}, WithResponseLogger(discardLogger()))

		ok, err := h.Consume(context.Background(), replyMessage("X", `{"success":true}`))

		require.NoError(t, err)
		assert.True(t, ok)
		outcome, resolved := h.Outcome()
		assert.True(t, resolved)
		assert.True(t, outcome.Success)
	})
}
