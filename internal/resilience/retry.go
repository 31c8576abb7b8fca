package resilience

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
)

// Retry повторяет временно неудачные вызовы с экспоненциальной задержкой.
type Retry struct {
	name    string
	config  RetryConfig
	logger  *log.Entry
	metrics *metrics.ResilienceMetrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRetry создаёт retry для downstream name.
func NewRetry(name string, config RetryConfig, logger *log.Entry, m *metrics.ResilienceMetrics) *Retry {
	if logger == nil {
		logger = log.New().WithField("component", "retry")
	}
	return &Retry{
		name:    name,
		config:  config.sanitize(),
		logger:  logger.WithField("retry", name),
		metrics: m,
		sleep:   sleepContext,
	}
}

// Config возвращает применённую конфигурацию.
func (r *Retry) Config() RetryConfig { return r.config }

// Do вызывает fn до MaxAttempts раз. Неретраибельные ошибки возвращаются сразу,
// исчерпание попыток превращается в ServiceUnavailableError с последней причиной.
func (r *Retry) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				r.metrics.RecordRetry(r.name, "success_after_retry")
				r.logger.WithField("attempt", attempt).Info("call succeeded after retry")
			} else {
				r.metrics.RecordRetry(r.name, "success")
			}
			return nil
		}
		lastErr = err

		if !domain.IsRetryable(err) {
			r.metrics.RecordRetry(r.name, "ignored")
			r.logger.WithError(err).Debug("error is not retryable")
			return err
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.config.Backoff(attempt)
		r.metrics.RecordRetry(r.name, "retry")
		r.logger.WithFields(log.Fields{
			"attempt": attempt,
			"delay":   delay,
			"error":   err,
		}).Info("call failed, retrying")

		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}

	r.metrics.RecordRetry(r.name, "exhausted")
	r.logger.WithFields(log.Fields{
		"max_attempts": r.config.MaxAttempts,
		"error":        lastErr,
	}).Error("retry attempts exhausted")

	return &domain.ServiceUnavailableError{
		Service: r.name,
		Message: "retry attempts exhausted",
		Err:     lastErr,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
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
