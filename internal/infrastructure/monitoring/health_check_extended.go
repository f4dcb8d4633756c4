package monitoring

import (
	"context"
	"fmt"
	"time"

	"sfusignal/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck pings the event bus backend.
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, timeout)
}

// AddBreakerCheck reports unready while the breaker rejects calls.
func (h *HealthChecker) AddBreakerCheck(cb *circuitbreaker.CircuitBreaker) {
	h.AddCheck(cb.Name(), func(context.Context) error {
		if state := cb.State(); state == circuitbreaker.StateOpen {
			return fmt.Errorf("circuit breaker %s", state)
		}
		return nil
	}, time.Second)
}
