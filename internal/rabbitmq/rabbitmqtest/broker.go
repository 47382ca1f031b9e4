// Package rabbitmqtest provides an in-memory broker implementing the
// rabbitmq Session and Channel interfaces for tests.
package rabbitmqtest

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-pipeline/internal/rabbitmq"
)

// Published records one publish call accepted by the broker.
type Published struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// Fault operations accepted by FailNext.
const (
	OpDial    = "dial"
	OpChannel = "channel"
	OpPublish = "publish"
	OpConsume = "consume"
	OpDeclare = "declare"
)

type binding struct {
	queue, key, exchange string
}

type queueDecl struct {
	durable bool
	args    amqp.Table
}

type exchangeDecl struct {
	kind    string
	durable bool
}

type consumer struct {
	tag        string
	queue      string
	ch         *Channel
	prefetch   int
	unacked    int
	deliveries chan amqp.Delivery
}

type inflight struct {
	queue    string
	delivery amqp.Delivery
	consumer *consumer
}

// Broker is an in-memory AMQP broker supporting direct exchanges, the
// default exchange, per-consumer prefetch and dead-lettering.
type Broker struct {
	mu sync.Mutex

	queues    map[string]queueDecl
	exchanges map[string]exchangeDecl
	bindings  map[binding]struct{}
	pending   map[string][]amqp.Delivery
	consumers map[string][]*consumer
	inflight  map[uint64]*inflight

	published    []Published
	deadLettered map[string][][]byte
	acked        map[string]int
	cancelled    []string
	sessions     []*Session
	faults       map[string][]error

	nextTag  uint64
	dials    int
	channels int
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		queues:       make(map[string]queueDecl),
		exchanges:    make(map[string]exchangeDecl),
		bindings:     make(map[binding]struct{}),
		pending:      make(map[string][]amqp.Delivery),
		consumers:    make(map[string][]*consumer),
		inflight:     make(map[uint64]*inflight),
		deadLettered: make(map[string][][]byte),
		acked:        make(map[string]int),
		faults:       make(map[string][]error),
	}
}

// FailNext makes the next len(errs) calls of op fail with errs, in order.
func (b *Broker) FailNext(op string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults[op] = append(b.faults[op], errs...)
}

func (b *Broker) fault(op string) error {
	errs := b.faults[op]
	if len(errs) == 0 {
		return nil
	}
	b.faults[op] = errs[1:]
	return errs[0]
}

// Dialer returns a rabbitmq.Dialer opening sessions on the broker.
func (b *Broker) Dialer() rabbitmq.Dialer {
	return func(ctx context.Context, _ rabbitmq.BrokerConfig) (rabbitmq.Session, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		b.mu.Lock()
		defer b.mu.Unlock()

		b.dials++
		if err := b.fault(OpDial); err != nil {
			return nil, err
		}
		s := &Session{broker: b}
		b.sessions = append(b.sessions, s)
		return s, nil
	}
}

// Disconnect closes every open session and its channels, as a broker
// restart would.
func (b *Broker) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.sessions {
		s.closeLocked()
	}
	b.sessions = nil
}

// Enqueue places a message directly on queue, bypassing exchanges.
func (b *Broker) Enqueue(queue string, msg amqp.Publishing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueueLocked(queue, "", queue, msg)
}

// Dials returns the number of dial attempts.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// ChannelsOpened returns the number of channels handed out.
func (b *Broker) ChannelsOpened() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channels
}

// Published returns every accepted publish, oldest first.
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Published, len(b.published))
	copy(out, b.published)
	return out
}

// PublishedTo returns the bodies routed to queue.
func (b *Broker) PublishedTo(queue string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out [][]byte
	for _, p := range b.published {
		for _, q := range b.routeLocked(p.Exchange, p.RoutingKey) {
			if q == queue {
				out = append(out, p.Msg.Body)
			}
		}
	}
	return out
}

// Pending returns the number of ready messages on queue.
func (b *Broker) Pending(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[queue])
}

// Acked returns the number of acknowledged messages of queue.
func (b *Broker) Acked(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked[queue]
}

// DeadLettered returns the bodies rejected without requeue from queue.
func (b *Broker) DeadLettered(queue string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.deadLettered[queue]...)
}

// Cancelled returns the consumer tags cancelled by clients.
func (b *Broker) Cancelled() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.cancelled...)
}

// Consumers returns the number of active consumers on queue.
func (b *Broker) Consumers(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.consumers[queue])
}

// Bindings returns the number of distinct bindings of queue.
func (b *Broker) Bindings(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for bind := range b.bindings {
		if bind.queue == queue {
			n++
		}
	}
	return n
}

// QueueArgs returns the declared arguments of queue and whether it exists.
func (b *Broker) QueueArgs(queue string) (amqp.Table, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	return q.args, ok
}

// ExchangeKind returns the kind of a declared exchange.
func (b *Broker) ExchangeKind(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[name]
	return ex.kind, ok
}

func (b *Broker) routeLocked(exchange, key string) []string {
	if exchange == "" {
		if _, ok := b.queues[key]; ok {
			return []string{key}
		}
		return nil
	}

	var out []string
	for bind := range b.bindings {
		if bind.exchange == exchange && bind.key == key {
			out = append(out, bind.queue)
		}
	}
	return out
}

func (b *Broker) enqueueLocked(queue, exchange, key string, msg amqp.Publishing) {
	b.pending[queue] = append(b.pending[queue], amqp.Delivery{
		Headers:       msg.Headers,
		ContentType:   msg.ContentType,
		DeliveryMode:  msg.DeliveryMode,
		CorrelationId: msg.CorrelationId,
		ReplyTo:       msg.ReplyTo,
		MessageId:     msg.MessageId,
		Timestamp:     msg.Timestamp,
		Exchange:      exchange,
		RoutingKey:    key,
		Body:          append([]byte(nil), msg.Body...),
	})
	b.pumpLocked(queue)
}

// pumpLocked hands ready messages of queue to consumers with spare prefetch.
func (b *Broker) pumpLocked(queue string) {
	for len(b.pending[queue]) > 0 {
		c := b.readyConsumerLocked(queue)
		if c == nil {
			return
		}

		d := b.pending[queue][0]
		b.pending[queue] = b.pending[queue][1:]

		b.nextTag++
		d.DeliveryTag = b.nextTag
		d.ConsumerTag = c.tag
		d.Acknowledger = c.ch

		c.unacked++
		b.inflight[d.DeliveryTag] = &inflight{queue: queue, delivery: d, consumer: c}
		c.deliveries <- d
	}
}

func (b *Broker) readyConsumerLocked(queue string) *consumer {
	for _, c := range b.consumers[queue] {
		if len(c.deliveries) == cap(c.deliveries) {
			continue
		}
		if c.prefetch > 0 && c.unacked >= c.prefetch {
			continue
		}
		return c
	}
	return nil
}

func (b *Broker) settleLocked(tag uint64, ack, requeue bool) error {
	in, ok := b.inflight[tag]
	if !ok {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("unknown delivery tag %d", tag)}
	}
	delete(b.inflight, tag)
	in.consumer.unacked--

	switch {
	case ack:
		b.acked[in.queue]++
	case requeue:
		d := in.delivery
		d.Redelivered = true
		b.pending[in.queue] = append([]amqp.Delivery{d}, b.pending[in.queue]...)
	default:
		b.deadLettered[in.queue] = append(b.deadLettered[in.queue], in.delivery.Body)
	}

	b.pumpLocked(in.queue)
	return nil
}

// removeConsumerLocked detaches c, requeues what it buffered but never read
// and closes its delivery channel.
func (b *Broker) removeConsumerLocked(c *consumer) {
	list := b.consumers[c.queue]
	for i, other := range list {
		if other == c {
			b.consumers[c.queue] = append(list[:i:i], list[i+1:]...)
			break
		}
	}

	var unread []amqp.Delivery
drain:
	for {
		select {
		case d := <-c.deliveries:
			delete(b.inflight, d.DeliveryTag)
			c.unacked--
			d.Redelivered = true
			unread = append(unread, d)
		default:
			break drain
		}
	}
	b.pending[c.queue] = append(unread, b.pending[c.queue]...)
	close(c.deliveries)

	b.pumpLocked(c.queue)
}

// Session is a connection to the in-memory broker.
type Session struct {
	broker   *Broker
	closed   bool
	channels []*Channel
}

// Channel implements rabbitmq.Session.
func (s *Session) Channel() (rabbitmq.Channel, error) {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return nil, amqp.ErrClosed
	}
	if err := b.fault(OpChannel); err != nil {
		return nil, err
	}

	b.channels++
	ch := &Channel{broker: b, session: s}
	s.channels = append(s.channels, ch)
	return ch, nil
}

// IsClosed implements rabbitmq.Session.
func (s *Session) IsClosed() bool {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	return s.closed
}

// Close implements rabbitmq.Session.
func (s *Session) Close() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *Session) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	for _, ch := range s.channels {
		ch.closeLocked()
	}
}

// Channel is a channel on the in-memory broker. It is also the
// amqp.Acknowledger of the deliveries it receives.
type Channel struct {
	broker    *Broker
	session   *Session
	closed    bool
	prefetch  int
	consumers []*consumer
}

var _ rabbitmq.Channel = (*Channel)(nil)
var _ amqp.Acknowledger = (*Channel)(nil)

// QueueDeclare declares a queue. Redeclaring with different arguments fails
// with PRECONDITION_FAILED and closes the channel.
func (c *Channel) QueueDeclare(name string, durable, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if err := b.fault(OpDeclare); err != nil {
		return amqp.Queue{}, err
	}

	if existing, ok := b.queues[name]; ok {
		if existing.durable != durable || !reflect.DeepEqual(existing.args, args) {
			c.closeLocked()
			return amqp.Queue{}, &amqp.Error{
				Code:   amqp.PreconditionFailed,
				Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for queue '%s'", name),
			}
		}
	} else {
		b.queues[name] = queueDecl{durable: durable, args: args}
	}

	return amqp.Queue{Name: name, Messages: len(b.pending[name]), Consumers: len(b.consumers[name])}, nil
}

// ExchangeDeclare declares an exchange. Redeclaring with a different kind or
// durability fails with PRECONDITION_FAILED and closes the channel.
func (c *Channel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	if err := b.fault(OpDeclare); err != nil {
		return err
	}

	if existing, ok := b.exchanges[name]; ok {
		if existing.kind != kind || existing.durable != durable {
			c.closeLocked()
			return &amqp.Error{
				Code:   amqp.PreconditionFailed,
				Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for exchange '%s'", name),
			}
		}
		return nil
	}
	b.exchanges[name] = exchangeDecl{kind: kind, durable: durable}
	return nil
}

// ExchangeDeclarePassive fails with NOT_FOUND when the exchange is unknown.
func (c *Channel) ExchangeDeclarePassive(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.exchanges[name]; !ok {
		c.closeLocked()
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", name)}
	}
	return nil
}

// QueueBind binds a queue. Repeating a binding is a no-op.
func (c *Channel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	_, hasQueue := b.queues[name]
	_, hasExchange := b.exchanges[exchange]
	if !hasQueue || !hasExchange {
		c.closeLocked()
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - binding target missing"}
	}

	b.bindings[binding{queue: name, key: key, exchange: exchange}] = struct{}{}
	return nil
}

// Qos sets the prefetch of consumers started afterwards on the channel.
func (c *Channel) Qos(prefetchCount, _ int, _ bool) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	c.prefetch = prefetchCount
	return nil
}

// PublishWithContext routes msg through exchange. Publishing to an unknown
// exchange fails with NOT_FOUND and closes the channel.
func (c *Channel) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	if err := b.fault(OpPublish); err != nil {
		return err
	}
	if _, ok := b.exchanges[exchange]; exchange != "" && !ok {
		c.closeLocked()
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange)}
	}

	msg.Body = append([]byte(nil), msg.Body...)
	b.published = append(b.published, Published{Exchange: exchange, RoutingKey: key, Msg: msg})
	for _, q := range b.routeLocked(exchange, key) {
		b.enqueueLocked(q, exchange, key, msg)
	}
	return nil
}

// Consume starts a consumer on queue. autoAck is not supported.
func (c *Channel) Consume(queue, tag string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	if err := b.fault(OpConsume); err != nil {
		return nil, err
	}
	if _, ok := b.queues[queue]; !ok {
		c.closeLocked()
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", queue)}
	}

	cons := &consumer{
		tag:        tag,
		queue:      queue,
		ch:         c,
		prefetch:   c.prefetch,
		deliveries: make(chan amqp.Delivery, 256),
	}
	c.consumers = append(c.consumers, cons)
	b.consumers[queue] = append(b.consumers[queue], cons)
	b.pumpLocked(queue)

	return cons.deliveries, nil
}

// Cancel stops the consumer with tag and closes its delivery channel.
func (c *Channel) Cancel(tag string, _ bool) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}

	for i, cons := range c.consumers {
		if cons.tag == tag {
			c.consumers = append(c.consumers[:i:i], c.consumers[i+1:]...)
			b.removeConsumerLocked(cons)
			b.cancelled = append(b.cancelled, tag)
			return nil
		}
	}
	return nil
}

// IsClosed implements rabbitmq.Channel.
func (c *Channel) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close implements rabbitmq.Channel.
func (c *Channel) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closeLocked()
	return nil
}

// closeLocked stops the channel's consumers and requeues its unsettled
// deliveries.
func (c *Channel) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	b := c.broker

	for _, cons := range c.consumers {
		b.removeConsumerLocked(cons)
	}
	c.consumers = nil

	for tag, in := range b.inflight {
		if in.consumer.ch != c {
			continue
		}
		delete(b.inflight, tag)
		d := in.delivery
		d.Redelivered = true
		b.pending[in.queue] = append([]amqp.Delivery{d}, b.pending[in.queue]...)
		b.pumpLocked(in.queue)
	}
}

// Ack implements amqp.Acknowledger.
func (c *Channel) Ack(tag uint64, _ bool) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	return b.settleLocked(tag, true, false)
}

// Nack implements amqp.Acknowledger.
func (c *Channel) Nack(tag uint64, _ bool, requeue bool) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	return b.settleLocked(tag, false, requeue)
}

// Reject implements amqp.Acknowledger.
func (c *Channel) Reject(tag uint64, requeue bool) error {
	return c.Nack(tag, false, requeue)
}
