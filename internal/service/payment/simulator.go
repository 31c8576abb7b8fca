// Package payment содержит встроенный симулятор платёжного провайдера.
package payment

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// Simulator — платёжный провайдер в памяти. Повтор с тем же ключом
// идемпотентности возвращает исходный результат без повторного списания.
type Simulator struct {
	mu       sync.Mutex
	limit    *domain.Money
	latency  time.Duration
	failures []error
	charges  map[string]domain.PaymentResult

	ChargeCalls int
}

// Option настраивает Simulator.
type Option func(*Simulator)

// WithChargeLimit отклоняет платежи больше limit.
func WithChargeLimit(limit domain.Money) Option {
	return func(s *Simulator) { s.limit = &limit }
}

// WithLatency добавляет задержку к каждому вызову.
func WithLatency(d time.Duration) Option {
	return func(s *Simulator) { s.latency = d }
}

// NewSimulator возвращает провайдера, принимающего любые платежи.
func NewSimulator(opts ...Option) *Simulator {
	s := &Simulator{charges: make(map[string]domain.PaymentResult)}
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

// Charge списывает amount.
func (s *Simulator) Charge(ctx context.Context, orderID string, amount domain.Money, idempotencyKey string) (domain.PaymentResult, error) {
	if err := wait(ctx, s.latency); err != nil {
		return domain.PaymentResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ChargeCalls++

	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return domain.PaymentResult{}, err
	}
	if prev, ok := s.charges[idempotencyKey]; ok && idempotencyKey != "" {
		return prev, nil
	}

	result := domain.PaymentResult{
		TransactionID: "TXN-" + uuid.NewString(),
		Status:        domain.PaymentStatusSuccess,
		Message:       "charged " + amount.String() + " for order " + orderID,
	}
	if s.limit != nil && amount.Amount().GreaterThan(s.limit.Amount()) {
		result = domain.PaymentResult{Status: domain.PaymentStatusFailed, Message: "amount exceeds limit " + s.limit.String()}
	}
	if idempotencyKey != "" {
		s.charges[idempotencyKey] = result
	}
	return result, nil
}

// Charges возвращает число уникальных списаний.
func (s *Simulator) Charges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.charges)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ domain.PaymentPort = (*Simulator)(nil)
