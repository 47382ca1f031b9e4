package rabbitmq

import "context"

// Handler is implemented by each pipeline stage.
//
// Validate decides whether a message is well formed; a message that fails
// validation is rejected without requeue and Consume is never called.
// Consume returns true to acknowledge the message and false to reject it
// without requeue. A non-nil error requeues the message and ends the
// current listen loop.
type Handler interface {
	Validate(msg Message) bool
	Consume(ctx context.Context, msg Message) (bool, error)
}

// HandlerFuncs adapts a pair of functions to Handler.
type HandlerFuncs struct {
	ValidateFunc func(msg Message) bool
	ConsumeFunc  func(ctx context.Context, msg Message) (bool, error)
}

// Validate implements Handler. A nil ValidateFunc accepts every message.
func (h HandlerFuncs) Validate(msg Message) bool {
	if h.ValidateFunc == nil {
		return true
	}
	return h.ValidateFunc(msg)
}

// Consume implements Handler. A nil ConsumeFunc acknowledges every message.
func (h HandlerFuncs) Consume(ctx context.Context, msg Message) (bool, error) {
	if h.ConsumeFunc == nil {
		return true, nil
	}
	return h.ConsumeFunc(ctx, msg)
}
