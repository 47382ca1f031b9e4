package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used by the engine, publisher and
// consumer.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	IsClosed() bool
	Close() error
}

// Session is one logical broker connection.
type Session interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Dialer opens a session to the broker described by cfg.
type Dialer func(ctx context.Context, cfg BrokerConfig) (Session, error)

// BrokerConfig holds the endpoint and credentials of the broker.
type BrokerConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	VHost    string
}

// Validate reports every missing required setting as a *ConfigError.
func (c BrokerConfig) Validate() error {
	var missing []string
	if c.Host == "" {
		missing = append(missing, "host")
	}
	if c.Port == 0 {
		missing = append(missing, "port")
	}
	if c.User == "" {
		missing = append(missing, "user")
	}
	if c.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return &ConfigError{Missing: missing}
	}
	return nil
}

// URL returns the AMQP URI for the configuration.
func (c BrokerConfig) URL() string {
	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.User,
		Password: c.Password,
		Vhost:    vhost,
	}.String()
}

// SanitizedURL returns the URI with the password masked, for logging.
func (c BrokerConfig) SanitizedURL() string {
	masked := c
	if masked.Password != "" {
		masked.Password = "***"
	}
	return masked.URL()
}

const dialTimeout = 30 * time.Second

// DialAMQP is the default Dialer, backed by amqp091-go.
func DialAMQP(ctx context.Context, cfg BrokerConfig) (Session, error) {
	type result struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan result, 1)

	go func() {
		conn, err := amqp.DialConfig(cfg.URL(), amqp.Config{
			Heartbeat: 10 * time.Second,
			Locale:    "en_US",
			Dial:      amqp.DefaultDial(dialTimeout),
		})
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return &amqpSession{conn: r.conn}, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

type amqpSession struct {
	conn *amqp.Connection
}

func (s *amqpSession) Channel() (Channel, error) {
	ch, err := s.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (s *amqpSession) IsClosed() bool {
	return s.conn.IsClosed()
}

func (s *amqpSession) Close() error {
	return s.conn.Close()
}
