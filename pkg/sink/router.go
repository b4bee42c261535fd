// Package sink provides action sinks: a router that dispatches calls by target
// address and an HTTP sink that delivers calls to external executors.
package sink

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/polisai/polis-dao/pkg/domain"
)

// Router dispatches calls to the sink registered for their target, falling back
// to a default sink for unknown targets.
type Router struct {
	mu       sync.RWMutex
	targets  map[common.Address]domain.ActionSink
	fallback domain.ActionSink
	logger   *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithFallback sets the sink used for targets with no registration.
func WithFallback(s domain.ActionSink) RouterOption {
	return func(r *Router) {
		r.fallback = s
	}
}

// WithRouterLogger sets the router logger.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRouter creates an empty router. Without a fallback, calls to unknown
// targets fail.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		targets: make(map[common.Address]domain.ActionSink),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register routes calls for target to s, replacing any previous registration.
func (r *Router) Register(target common.Address, s domain.ActionSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[target] = s
	r.logger.Debug("Action target registered", "target", target.Hex())
}

// Unregister removes the route for target.
func (r *Router) Unregister(target common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.targets, target)
}

// Targets returns the registered target addresses.
func (r *Router) Targets() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]common.Address, 0, len(r.targets))
	for t := range r.targets {
		out = append(out, t)
	}
	return out
}

// Invoke implements domain.ActionSink. The target sink runs without the router
// lock held, so targets may route further calls through the same router.
func (r *Router) Invoke(ctx context.Context, call domain.Call) domain.Result {
	r.mu.RLock()
	s, ok := r.targets[call.Target]
	if !ok {
		s = r.fallback
	}
	r.mu.RUnlock()

	if s == nil {
		r.logger.Warn("No sink for action target", "target", call.Target.Hex(), "signature", call.Signature)
		return domain.Failure("no executor for target " + call.Target.Hex())
	}
	return s.Invoke(ctx, call)
}

var _ domain.ActionSink = (*Router)(nil)
