package resilience

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
)

// Call — исходящий вызов, возвращающий типизированный результат или классифицированную ошибку.
type Call[T any] func(ctx context.Context) (T, error)

// Fallback строит результат вместо ошибки.
type Fallback[T any] func(ctx context.Context, cause error) (T, error)

// Policy собирает слои для одного downstream: TimeLimiter → CircuitBreaker → Retry → вызов.
// Создаётся один раз при старте и безопасна для конкурентного использования.
type Policy[T any] struct {
	name        string
	timeLimiter *TimeLimiter
	breaker     *CircuitBreaker
	retry       *Retry
	fallback    Fallback[T]
	fallbackOn  func(error) bool
	logger      *log.Entry
	metrics     *metrics.ResilienceMetrics
}

// PolicyOption настраивает Policy.
type PolicyOption[T any] func(*Policy[T])

// WithFallback регистрирует fallback для ошибок, удовлетворяющих on.
// Если on == nil, fallback срабатывает только на таймаут.
func WithFallback[T any](fn Fallback[T], on func(error) bool) PolicyOption[T] {
	return func(p *Policy[T]) {
		p.fallback = fn
		if on != nil {
			p.fallbackOn = on
		}
	}
}

// IsTimeout сообщает, что ошибка вызвана срабатыванием TimeLimiter.
func IsTimeout(err error) bool {
	return errors.Is(err, domain.ErrTimeout)
}

// AnyError — предикат fallback, перехватывающий любую ошибку.
func AnyError(err error) bool { return err != nil }

// NewPolicy строит политику по конфигурации. Breaker берётся из реестра,
// поэтому его состояние общее для всех политик с тем же именем.
func NewPolicy[T any](name string, config PolicyConfig, registry *Registry, opts ...PolicyOption[T]) *Policy[T] {
	if registry == nil {
		registry = NewRegistry()
	}
	p := &Policy[T]{
		name:       name,
		fallbackOn: IsTimeout,
		logger:     registry.logger.WithField("policy", name),
		metrics:    registry.metrics,
	}
	if config.TimeLimiter != nil {
		p.timeLimiter = NewTimeLimiter(name, *config.TimeLimiter, registry.logger, registry.metrics)
	}
	if config.CircuitBreaker != nil {
		p.breaker = registry.CircuitBreaker(name, *config.CircuitBreaker)
	}
	if config.Retry != nil {
		p.retry = NewRetry(name, *config.Retry, registry.logger, registry.metrics)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name возвращает имя downstream.
func (p *Policy[T]) Name() string { return p.name }

// CircuitBreaker возвращает breaker политики или nil.
func (p *Policy[T]) CircuitBreaker() *CircuitBreaker { return p.breaker }

// Execute выполняет вызов через все настроенные слои.
func (p *Policy[T]) Execute(ctx context.Context, call Call[T]) (T, error) {
	value, err := limit(ctx, p.timeLimiter, p.guarded(call))
	if err == nil {
		return value, nil
	}

	if errors.Is(err, domain.ErrCallNotPermitted) {
		err = &domain.ServiceUnavailableError{Service: p.name, Message: "circuit breaker is open", Err: err}
	}

	if p.fallback != nil && p.fallbackOn(err) {
		p.logger.WithError(err).Warn("invoking fallback")
		p.metrics.RecordFallback(p.name)
		return p.fallback(ctx, err)
	}
	var zero T
	return zero, err
}

// guarded оборачивает вызов в circuit breaker и retry. Результат хранится в локальной
// переменной каждого запуска, поэтому поздно завершившийся вызов не гонится с fallback.
func (p *Policy[T]) guarded(call Call[T]) Call[T] {
	return func(ctx context.Context) (T, error) {
		var result T
		attempt := func(ctx context.Context) error {
			value, err := call(ctx)
			if err != nil {
				return err
			}
			result = value
			return nil
		}

		if p.retry != nil {
			inner := attempt
			attempt = func(ctx context.Context) error { return p.retry.Do(ctx, inner) }
		}
		if p.breaker != nil {
			inner := attempt
			attempt = func(ctx context.Context) error { return p.breaker.Do(ctx, inner) }
		}

		if err := attempt(ctx); err != nil {
			var zero T
			return zero, err
		}
		return result, nil
	}
}
