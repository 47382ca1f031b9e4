package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchanges shared by every queue of the pipeline.
const (
	RouterExchange     = "router"
	DeadLetterExchange = "dlx"
)

// RoutingKey returns the routing key binding queue to the router exchange.
func RoutingKey(queue string) string {
	return queue + "_routing_key"
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name    string
	Type    string
	Durable bool
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name      string
	Durable   bool
	Arguments amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// QueueTopology is everything that must exist before a queue is used: the
// queue itself, the router exchange, the dead-letter exchange and the binding.
type QueueTopology struct {
	Queue      QueueDeclaration
	Exchange   ExchangeDeclaration
	DeadLetter ExchangeDeclaration
	Binding    Binding
}

// TopologyFor returns the topology of a pipeline queue.
func TopologyFor(queue string) QueueTopology {
	return QueueTopology{
		Queue: QueueDeclaration{
			Name:    queue,
			Durable: true,
			Arguments: amqp.Table{
				"x-dead-letter-exchange": DeadLetterExchange,
			},
		},
		Exchange: ExchangeDeclaration{
			Name:    RouterExchange,
			Type:    amqp.ExchangeDirect,
			Durable: true,
		},
		DeadLetter: ExchangeDeclaration{
			Name:    DeadLetterExchange,
			Type:    amqp.ExchangeFanout,
			Durable: true,
		},
		Binding: Binding{
			Queue:      queue,
			Exchange:   RouterExchange,
			RoutingKey: RoutingKey(queue),
		},
	}
}

// Declare creates the topology on ch. Declaring the same topology again with
// identical arguments is a no-op on the broker.
func (t QueueTopology) Declare(ch Channel) error {
	q := t.Queue
	if _, err := ch.QueueDeclare(q.Name, q.Durable, false, false, false, q.Arguments); err != nil {
		return &TopologyError{Component: "queue", Name: q.Name, Op: "declare", Err: err}
	}

	for _, ex := range []ExchangeDeclaration{t.Exchange, t.DeadLetter} {
		if err := ch.ExchangeDeclare(ex.Name, ex.Type, ex.Durable, false, false, false, nil); err != nil {
			return &TopologyError{Component: "exchange", Name: ex.Name, Op: "declare", Err: err}
		}
	}

	b := t.Binding
	if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
		return &TopologyError{Component: "binding", Name: b.Queue + "->" + b.Exchange, Op: "bind", Err: err}
	}

	return nil
}
