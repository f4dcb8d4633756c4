package reliability

import (
	"context"
	"errors"
	"fmt"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
	"sfusignal/pkg/circuitbreaker"

	"go.uber.org/zap"
)

// RouterGuard puts a circuit breaker in front of transport allocation so a
// failing engine is not hammered by every joining peer. The remaining router
// methods pass through.
type RouterGuard struct {
	ports.Router
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

var _ ports.Router = (*RouterGuard)(nil)

func NewRouterGuard(router ports.Router, breaker *circuitbreaker.CircuitBreaker, logger *zap.SugaredLogger) *RouterGuard {
	return &RouterGuard{
		Router:  router,
		breaker: breaker,
		logger:  logger,
	}
}

func (g *RouterGuard) CreateTransport(ctx context.Context, opts domain.TransportOptions) (ports.TransportHandle, error) {
	var handle ports.TransportHandle
	err := g.breaker.Execute(ctx, func() error {
		h, err := g.Router.CreateTransport(ctx, opts)
		if err != nil {
			return err
		}
		handle = h
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		g.logger.Warnw("rejecting transport allocation", "router_id", g.ID(), "role", opts.Role)
		return nil, fmt.Errorf("engine unavailable: %w", err)
	}
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// Breaker exposes the guard's breaker for health checks.
func (g *RouterGuard) Breaker() *circuitbreaker.CircuitBreaker { return g.breaker }
