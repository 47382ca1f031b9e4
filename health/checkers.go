package health

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-pipeline/internal/rabbitmq"
)

// Broker is the part of rabbitmq.Engine the broker check needs.
type Broker interface {
	IsConnected() bool
	Channel(ctx context.Context, id rabbitmq.ChannelID) (rabbitmq.Channel, rabbitmq.ChannelID, error)
	Release(id rabbitmq.ChannelID)
}

// BrokerChecker opens a channel and looks up the router exchange. A missing
// exchange only degrades: no stage has declared its topology yet.
type BrokerChecker struct {
	broker Broker
}

// NewBrokerChecker creates a checker probing broker
func NewBrokerChecker(broker Broker) *BrokerChecker {
	return &BrokerChecker{broker: broker}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(ctx context.Context) (result CheckResult) {
	start := time.Now()
	result = CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"was_connected": c.broker.IsConnected()},
	}
	defer func() {
		result.Duration = time.Since(start)
	}()

	ch, id, err := c.broker.Channel(ctx, 0)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "failed to open channel"
		result.Error = err.Error()
		return result
	}
	defer c.broker.Release(id)

	err = ch.ExchangeDeclarePassive(rabbitmq.RouterExchange, amqp.ExchangeDirect, true, false, false, false, nil)
	if err != nil {
		result.Status = StatusDegraded
		result.Message = "router exchange not declared"
		result.Error = err.Error()
		return result
	}

	result.Status = StatusHealthy
	result.Message = "broker reachable"
	return result
}
