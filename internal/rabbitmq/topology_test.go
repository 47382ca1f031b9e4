package rabbitmq_test

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-pipeline/internal/rabbitmq"
	"github.com/glimte/mmate-pipeline/internal/rabbitmq/rabbitmqtest"
)

func TestTopology(t *testing.T) {
	t.Run("TopologyFor derives the routing key from the queue name", func(t *testing.T) {
		topology := rabbitmq.TopologyFor("countries")

		assert.Equal(t, "countries_routing_key", topology.Binding.RoutingKey)
		assert.Equal(t, rabbitmq.RouterExchange, topology.Binding.Exchange)
		assert.Equal(t, amqp.ExchangeDirect, topology.Exchange.Type)
		assert.True(t, topology.Queue.Durable)
		assert.Equal(t, rabbitmq.DeadLetterExchange, topology.Queue.Arguments["x-dead-letter-exchange"])
	})

	t.Run("declaring twice is idempotent", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		engine := newTestEngine(broker, &sleepRecorder{})
		ch, _, err := engine.Channel(context.Background(), 0)
		require.NoError(t, err)

		topology := rabbitmq.TopologyFor("countries")
		require.NoError(t, topology.Declare(ch))
		require.NoError(t, topology.Declare(ch))

		assert.Equal(t, 1, broker.Bindings("countries"))
		args, ok := broker.QueueArgs("countries")
		require.True(t, ok)
		assert.Equal(t, "dlx", args["x-dead-letter-exchange"])
		kind, ok := broker.ExchangeKind("router")
		require.True(t, ok)
		assert.Equal(t, amqp.ExchangeDirect, kind)
		_, ok = broker.ExchangeKind("dlx")
		assert.True(t, ok)
	})

	t.Run("conflicting declarations surface as topology errors", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		engine := newTestEngine(broker, &sleepRecorder{})
		ch, _, err := engine.Channel(context.Background(), 0)
		require.NoError(t, err)
		_, err = ch.QueueDeclare("countries", false, false, false, false, nil)
		require.NoError(t, err)

		err = rabbitmq.TopologyFor("countries").Declare(ch)

		var topoErr *rabbitmq.TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "queue", topoErr.Component)
		var amqpErr *amqp.Error
		require.ErrorAs(t, err, &amqpErr)
		assert.Equal(t, amqp.PreconditionFailed, amqpErr.Code)
	})
}
