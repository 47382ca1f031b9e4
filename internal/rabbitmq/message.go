package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Default property values applied to every published message.
const (
	DefaultContentType = "text/plain"
	JSONContentType    = "application/json"
)

// Properties is the metadata carried alongside a message body.
type Properties struct {
	ContentType   string
	DeliveryMode  uint8
	CorrelationID string
	ReplyTo       string
	MessageID     string
}

// DefaultProperties returns the properties every publish starts from.
func DefaultProperties() Properties {
	return Properties{
		ContentType:  DefaultContentType,
		DeliveryMode: amqp.Persistent,
	}
}

// Merge returns p overlaid with every non-zero field of over.
func (p Properties) Merge(over Properties) Properties {
	if over.ContentType != "" {
		p.ContentType = over.ContentType
	}
	if over.DeliveryMode != 0 {
		p.DeliveryMode = over.DeliveryMode
	}
	if over.CorrelationID != "" {
		p.CorrelationID = over.CorrelationID
	}
	if over.ReplyTo != "" {
		p.ReplyTo = over.ReplyTo
	}
	if over.MessageID != "" {
		p.MessageID = over.MessageID
	}
	return p
}

// IsRPC reports whether the sender expects a correlated reply.
func (p Properties) IsRPC() bool {
	return p.CorrelationID != "" && p.ReplyTo != ""
}

func (p Properties) publishing(body []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType:   p.ContentType,
		DeliveryMode:  p.DeliveryMode,
		CorrelationId: p.CorrelationID,
		ReplyTo:       p.ReplyTo,
		MessageId:     p.MessageID,
		Timestamp:     time.Now(),
		Body:          body,
	}
}

// Message is a body plus its properties. A Message owns a private copy of
// its body.
type Message struct {
	Body       []byte
	Properties Properties
}

// NewMessage builds a message from a copy of body.
func NewMessage(body []byte, props Properties) Message {
	b := make([]byte, len(body))
	copy(b, body)
	return Message{Body: b, Properties: props}
}

func messageFromDelivery(d amqp.Delivery) Message {
	return NewMessage(d.Body, Properties{
		ContentType:   d.ContentType,
		DeliveryMode:  d.DeliveryMode,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		MessageID:     d.MessageId,
	})
}
