package interceptors

import (
	"context"
	"path"

	"github.com/glimte/celery-go/config"
)

// Router applies task routes: the first route whose pattern matches the task
// name supplies the destination. Patterns use path.Match syntax, so
// "images.*" matches "images.resize". Publishes that already name an
// exchange or routing key keep them.
type Router struct {
	routes []config.TaskRoute
}

// NewRouter returns nil when there are no routes so it can be passed to
// NewChain unconditionally.
func NewRouter(routes []config.TaskRoute) Interceptor {
	if len(routes) == 0 {
		return nil
	}
	return &Router{routes: routes}
}

// Route returns the route for task, if any.
func (r *Router) Route(task string) (config.TaskRoute, bool) {
	for _, route := range r.routes {
		if ok, err := path.Match(route.Pattern, task); err == nil && ok {
			return route, true
		}
	}
	return config.TaskRoute{}, false
}

// Intercept implements Interceptor
func (r *Router) Intercept(ctx context.Context, p *Publish, next Sender) error {
	if p.Exchange != "" || p.RoutingKey != "" {
		return next.Send(ctx, p)
	}

	route, ok := r.Route(p.Message.Headers.Task)
	if !ok {
		return next.Send(ctx, p)
	}

	p.Exchange = route.Exchange
	p.RoutingKey = route.RoutingKey
	if route.Queue != "" {
		if p.Exchange == "" {
			p.Exchange = route.Queue
		}
		if p.RoutingKey == "" {
			p.RoutingKey = route.Queue
		}
	}
	return next.Send(ctx, p)
}

// Name implements Interceptor
func (r *Router) Name() string {
	return "Router"
}
