// Package interceptors runs cross-cutting logic around every task publish.
//
// An interceptor sees the outgoing Publish before it reaches the broker and
// may change its routing, reject it, or observe the result:
//
//	chain := interceptors.NewChain(
//		interceptors.NewRouter(cfg.TaskRoutes),
//		interceptors.NewLoggingInterceptor(logger),
//	)
//	err := chain.Execute(ctx, &interceptors.Publish{Message: &msg}, send)
//
// Interceptors run in the order they were added. The router belongs first so
// later interceptors log the final destination.
package interceptors
