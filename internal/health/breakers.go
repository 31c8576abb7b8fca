package health

import (
	"context"
	"fmt"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vladislavdragonenkov/fulfillment/internal/resilience"
)

// BreakerChecker отражает состояние circuit breaker downstream-сервиса.
// OPEN у критичного сервиса делает проверку unhealthy, у некритичного degraded.
type BreakerChecker struct {
	breaker  *resilience.CircuitBreaker
	critical bool
}

// NewBreakerChecker создаёт проверку по breaker.
func NewBreakerChecker(breaker *resilience.CircuitBreaker, critical bool) *BreakerChecker {
	return &BreakerChecker{breaker: breaker, critical: critical}
}

// Check возвращает статус по текущему состоянию breaker.
func (c *BreakerChecker) Check(context.Context) Check {
	snap := c.breaker.Snapshot()
	check := Check{Name: snap.Name, Status: StatusHealthy}

	switch snap.State {
	case resilience.StateOpen:
		check.Status = StatusDegraded
		if c.critical {
			check.Status = StatusUnhealthy
		}
	case resilience.StateHalfOpen:
		check.Status = StatusDegraded
	}
	if snap.State != resilience.StateClosed || snap.FailedCalls > 0 {
		check.Message = fmt.Sprintf("state=%s failure_rate=%.1f%% slow_rate=%.1f%% buffered=%d",
			snap.State, snap.FailureRate, snap.SlowCallRate, snap.BufferedCalls)
	}
	return check
}

// ServingStatus переводит состояние breaker в статус gRPC health.
func ServingStatus(state resilience.State) healthpb.HealthCheckResponse_ServingStatus {
	if state == resilience.StateOpen {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// BindBreakers публикует состояние каждого breaker в gRPC health server
// под именем downstream-сервиса и следит за переходами.
func BindBreakers(server *health.Server, registry *resilience.Registry) {
	for _, cb := range registry.All() {
		server.SetServingStatus(cb.Name(), ServingStatus(cb.State()))
	}
	registry.OnStateChange(func(t resilience.StateTransition) {
		server.SetServingStatus(t.Name, ServingStatus(t.To))
	})
}
