package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
)

// TimeLimiter ограничивает общее время ожидания вызова вместе с внутренними слоями.
type TimeLimiter struct {
	name    string
	timeout time.Duration
	logger  *log.Entry
	metrics *metrics.ResilienceMetrics
}

// NewTimeLimiter создаёт лимитер; нулевой таймаут отключает ограничение.
func NewTimeLimiter(name string, config TimeLimiterConfig, logger *log.Entry, m *metrics.ResilienceMetrics) *TimeLimiter {
	if logger == nil {
		logger = log.New().WithField("component", "time-limiter")
	}
	return &TimeLimiter{
		name:    name,
		timeout: config.Timeout,
		logger:  logger.WithField("time_limiter", name),
		metrics: m,
	}
}

// Timeout возвращает лимит.
func (tl *TimeLimiter) Timeout() time.Duration { return tl.timeout }

type callResult[T any] struct {
	value T
	err   error
}

// limit запускает call в отдельной горутине и перестаёт ждать по истечении таймаута.
// Отмена best-effort: call получает отменённый контекст, но может успеть выполнить побочный эффект.
func limit[T any](ctx context.Context, tl *TimeLimiter, call Call[T]) (T, error) {
	var zero T
	if tl == nil || tl.timeout <= 0 {
		return call(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, tl.timeout)
	defer cancel()

	done := make(chan callResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult[T]{err: fmt.Errorf("%s: panic: %v", tl.name, r)}
			}
		}()
		value, err := call(callCtx)
		done <- callResult[T]{value: value, err: err}
	}()

	select {
	case res := <-done:
		// Вызов мог вернуть ошибку дедлайна раньше, чем сработал select по callCtx.
		if res.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return zero, tl.timeoutError()
		}
		return res.value, res.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, tl.timeoutError()
	}
}

func (tl *TimeLimiter) timeoutError() error {
	tl.metrics.RecordTimeout(tl.name)
	tl.logger.WithField("timeout", tl.timeout).Warn("call timed out")
	return fmt.Errorf("%w: %s after %s", domain.ErrTimeout, tl.name, tl.timeout)
}
