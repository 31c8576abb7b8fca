// Package inventory содержит встроенный симулятор склада для локального запуска и тестов.
package inventory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// DefaultStock — остаток для SKU, не заданного явно.
const DefaultStock = 1000

// Simulator — потокобезопасный склад в памяти с управляемыми сбоями.
type Simulator struct {
	mu           sync.Mutex
	stock        map[string]int
	defaultStock int
	latency      time.Duration
	failures     []error

	ReserveCalls int
}

// Option настраивает Simulator.
type Option func(*Simulator)

// WithStock задаёт начальные остатки.
func WithStock(stock map[string]int) Option {
	return func(s *Simulator) {
		for sku, qty := range stock {
			s.stock[sku] = qty
		}
	}
}

// WithDefaultStock задаёт остаток для неизвестных SKU.
func WithDefaultStock(qty int) Option {
	return func(s *Simulator) { s.defaultStock = qty }
}

// WithLatency добавляет задержку к каждому вызову.
func WithLatency(d time.Duration) Option {
	return func(s *Simulator) { s.latency = d }
}

// NewSimulator возвращает склад с остатком DefaultStock для любого SKU.
func NewSimulator(opts ...Option) *Simulator {
	s := &Simulator{stock: make(map[string]int), defaultStock: DefaultStock}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailNext заставляет следующие вызовы вернуть err, по одному на вызов.
func (s *Simulator) FailNext(times int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < times; i++ {
		s.failures = append(s.failures, err)
	}
}

// Reserve списывает qty со склада. Нехватка — Reserved=false, остаток не меняется.
func (s *Simulator) Reserve(ctx context.Context, sku string, qty int) (domain.InventoryReservation, error) {
	if err := wait(ctx, s.latency); err != nil {
		return domain.InventoryReservation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ReserveCalls++

	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return domain.InventoryReservation{}, err
	}

	available, ok := s.stock[sku]
	if !ok {
		available = s.defaultStock
	}
	if available < qty {
		return domain.InventoryReservation{SKU: sku, Reserved: false, RemainingQuantity: available}, nil
	}
	s.stock[sku] = available - qty
	return domain.InventoryReservation{SKU: sku, Reserved: true, RemainingQuantity: available - qty}, nil
}

// Available возвращает текущий остаток.
func (s *Simulator) Available(sku string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if qty, ok := s.stock[sku]; ok {
		return qty
	}
	return s.defaultStock
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

var _ domain.InventoryPort = (*Simulator)(nil)
