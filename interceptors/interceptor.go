package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-pipeline/internal/rabbitmq"
)

// Interceptor decorates a handler
type Interceptor interface {
	// Wrap returns a handler calling next
	Wrap(next rabbitmq.Handler) rabbitmq.Handler

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(next rabbitmq.Handler) rabbitmq.Handler
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(next rabbitmq.Handler) rabbitmq.Handler) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Wrap implements Interceptor
func (i *InterceptorFunc) Wrap(next rabbitmq.Handler) rabbitmq.Handler {
	return i.fn(next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain wraps handler with interceptors. The first interceptor sees every
// call first.
func Chain(handler rabbitmq.Handler, interceptors ...Interceptor) rabbitmq.Handler {
	for i := len(interceptors) - 1; i >= 0; i-- {
		handler = interceptors[i].Wrap(handler)
	}
	return handler
}

// LoggingInterceptor logs validation and consume outcomes
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// Wrap implements Interceptor
func (i *LoggingInterceptor) Wrap(next rabbitmq.Handler) rabbitmq.Handler {
	return rabbitmq.HandlerFuncs{
		ValidateFunc: func(msg rabbitmq.Message) bool {
			valid := next.Validate(msg)
			if !valid {
				i.logger.Warn("message failed validation",
					"messageId", msg.Properties.MessageID,
					"correlationId", msg.Properties.CorrelationID,
					"body", string(msg.Body))
			}
			return valid
		},
		ConsumeFunc: func(ctx context.Context, msg rabbitmq.Message) (bool, error) {
			start := time.Now()
			i.logger.Debug("processing message",
				"messageId", msg.Properties.MessageID,
				"correlationId", msg.Properties.CorrelationID)

			ok, err := next.Consume(ctx, msg)
			duration := time.Since(start)

			switch {
			case err != nil:
				i.logger.Error("message processing failed",
					"messageId", msg.Properties.MessageID,
					"duration", duration,
					"error", err)
			case !ok:
				i.logger.Warn("message rejected",
					"messageId", msg.Properties.MessageID,
					"duration", duration)
			default:
				i.logger.Info("message processed",
					"messageId", msg.Properties.MessageID,
					"duration", duration)
			}
			return ok, err
		},
	}
}

// RecoveryInterceptor turns handler panics into outcomes: a panicking
// validation rejects the message, a panicking consume fails it.
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a new recovery interceptor
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryInterceptor{logger: logger}
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}

// Wrap implements Interceptor
func (i *RecoveryInterceptor) Wrap(next rabbitmq.Handler) rabbitmq.Handler {
	return rabbitmq.HandlerFuncs{
		ValidateFunc: func(msg rabbitmq.Message) (valid bool) {
			defer func() {
				if r := recover(); r != nil {
					i.logger.Error("panic during validation", "panic", r)
					valid = false
				}
			}()
			return next.Validate(msg)
		},
		ConsumeFunc: func(ctx context.Context, msg rabbitmq.Message) (ok bool, err error) {
			defer func() {
				if r := recover(); r != nil {
					i.logger.Error("panic during consume",
						"messageId", msg.Properties.MessageID,
						"panic", r)
					ok, err = false, fmt.Errorf("panic recovered: %v", r)
				}
			}()
			return next.Consume(ctx, msg)
		},
	}
}
