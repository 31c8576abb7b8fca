package resilience

import (
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
)

// Registry хранит circuit breaker'ы процесса по имени downstream.
type Registry struct {
	logger  *log.Entry
	metrics *metrics.ResilienceMetrics
	clock   func() time.Time

	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	listeners []func(StateTransition)
}

// RegistryOption настраивает Registry.
type RegistryOption func(*Registry)

// WithLogger задаёт логгер для всех слоёв.
func WithLogger(logger *log.Entry) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics задаёт метрики для всех слоёв.
func WithMetrics(m *metrics.ResilienceMetrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithClock подменяет часы breaker'ов (для тестов).
func WithClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewRegistry создаёт пустой реестр.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger:   log.New().WithField("component", "resilience"),
		clock:    time.Now,
		breakers: make(map[string]*CircuitBreaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CircuitBreaker возвращает breaker по имени, создавая его при первом обращении.
// Конфигурация применяется только при создании.
func (r *Registry) CircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb = NewCircuitBreaker(name, config, r.logger, r.metrics)
	cb.clock = r.clock
	for _, fn := range r.listeners {
		cb.OnStateChange(fn)
	}
	r.breakers[name] = cb
	return cb
}

// Get возвращает breaker, если он создан.
func (r *Registry) Get(name string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.breakers[name]
	return cb, ok
}

// All возвращает breaker'ы, отсортированные по имени.
func (r *Registry) All() []*CircuitBreaker {
	r.mu.RLock()
	out := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// OnStateChange подписывает обработчик на все текущие и будущие breaker'ы.
func (r *Registry) OnStateChange(fn func(StateTransition)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	existing := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		existing = append(existing, cb)
	}
	r.mu.Unlock()

	for _, cb := range existing {
		cb.OnStateChange(fn)
	}
}

// Reset сбрасывает breaker по имени.
func (r *Registry) Reset(name string) error {
	cb, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("circuit breaker %q not found", name)
	}
	cb.Reset()
	return nil
}
