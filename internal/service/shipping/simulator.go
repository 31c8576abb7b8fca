// Package shipping содержит встроенный симулятор службы доставки.
package shipping

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// Simulator создаёт отправления с последовательными трек-номерами.
type Simulator struct {
	latency time.Duration
	seq     atomic.Int64

	mu       sync.Mutex
	failures []error

	CreateCalls atomic.Int64
}

// Option настраивает Simulator.
type Option func(*Simulator)

// WithLatency добавляет задержку; удобно для проверки time limiter.
func WithLatency(d time.Duration) Option {
	return func(s *Simulator) { s.latency = d }
}

// NewSimulator возвращает службу доставки без задержек.
func NewSimulator(opts ...Option) *Simulator {
	s := &Simulator{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailNext заставляет следующие вызовы вернуть err.
func (s *Simulator) FailNext(times int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < times; i++ {
		s.failures = append(s.failures, err)
	}
}

// CreateShipment возвращает CREATED с трек-номером TRK000001, TRK000002, ...
func (s *Simulator) CreateShipment(ctx context.Context, orderID, address string, items []domain.OrderLine) (domain.ShippingResult, error) {
	s.CreateCalls.Add(1)
	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return domain.ShippingResult{}, ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		s.mu.Unlock()
		return domain.ShippingResult{}, err
	}
	s.mu.Unlock()

	if address == "" || len(items) == 0 {
		return domain.ShippingResult{}, &domain.NonRetryableServiceError{Service: "shipping", StatusCode: 400, Message: "address and items are required"}
	}
	return domain.ShippingResult{
		TrackingNumber: fmt.Sprintf("TRK%06d", s.seq.Add(1)),
		Status:         domain.ShippingStatusCreated,
		Message:        "shipment created for order " + orderID,
	}, nil
}

var _ domain.ShippingPort = (*Simulator)(nil)
