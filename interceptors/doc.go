// Package interceptors wraps pipeline stage handlers with cross-cutting
// behaviour.
//
// An Interceptor decorates a rabbitmq.Handler. Chain applies interceptors so
// that the first one listed is the outermost:
//
//	handler := interceptors.Chain(stage,
//		interceptors.NewRecoveryInterceptor(logger),
//		interceptors.NewLoggingInterceptor(logger),
//	)
//
// Custom interceptors embed the handler they wrap and override the methods
// they care about:
//
//	type auditing struct{ rabbitmq.Handler }
//
//	func (a auditing) Consume(ctx context.Context, msg rabbitmq.Message) (bool, error) {
//		ok, err := a.Handler.Consume(ctx, msg)
//		record(msg, ok, err)
//		return ok, err
//	}
package interceptors
