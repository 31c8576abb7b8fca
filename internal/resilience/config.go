// Package resilience реализует политики отказоустойчивости для исходящих вызовов:
// retry, circuit breaker и time limiter, собранные в порядке
// TimeLimiter → CircuitBreaker → Retry → вызов.
package resilience

import (
	"math"
	"time"
)

// RetryConfig конфигурация для retry логики.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	// MaxDelay ограничивает задержку; 0 — без ограничения.
	MaxDelay time.Duration
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2.0,
	}
}

// Backoff возвращает паузу после неудачной попытки attempt (нумерация с 1):
// BaseDelay × Multiplier^(attempt-1).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt-1)))
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

func (c RetryConfig) sanitize() RetryConfig {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.BaseDelay < 0 {
		c.BaseDelay = 0
	}
	if c.Multiplier < 1 {
		c.Multiplier = 1
	}
	return c
}

// CircuitBreakerConfig описывает пороги count-based circuit breaker.
type CircuitBreakerConfig struct {
	// SlidingWindowSize — число последних вызовов, по которым считается статистика.
	SlidingWindowSize int
	// MinimumCalls — минимум вызовов в окне до первой оценки порогов.
	MinimumCalls int
	// FailureRateThreshold в процентах.
	FailureRateThreshold float64
	// SlowCallDurationThreshold — вызов дольше считается медленным; 0 отключает учёт.
	SlowCallDurationThreshold time.Duration
	// SlowCallRateThreshold в процентах; 0 отключает порог.
	SlowCallRateThreshold   float64
	WaitDurationInOpenState time.Duration
	// PermittedCallsInHalfOpen — сколько пробных вызовов должно пройти для закрытия.
	PermittedCallsInHalfOpen int
}

// DefaultCircuitBreakerConfig возвращает конфигурацию по умолчанию.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		SlidingWindowSize:         10,
		MinimumCalls:              5,
		FailureRateThreshold:      50,
		SlowCallDurationThreshold: 2 * time.Second,
		SlowCallRateThreshold:     50,
		WaitDurationInOpenState:   10 * time.Second,
		PermittedCallsInHalfOpen:  3,
	}
}

func (c CircuitBreakerConfig) sanitize() CircuitBreakerConfig {
	if c.MinimumCalls < 1 {
		c.MinimumCalls = 1
	}
	if c.SlidingWindowSize < c.MinimumCalls {
		c.SlidingWindowSize = c.MinimumCalls
	}
	if c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 100 {
		c.FailureRateThreshold = 50
	}
	if c.SlowCallRateThreshold < 0 || c.SlowCallRateThreshold > 100 {
		c.SlowCallRateThreshold = 0
	}
	if c.PermittedCallsInHalfOpen < 1 {
		c.PermittedCallsInHalfOpen = 1
	}
	if c.WaitDurationInOpenState < 0 {
		c.WaitDurationInOpenState = 0
	}
	return c
}

// TimeLimiterConfig ограничивает общее время ожидания вызова.
type TimeLimiterConfig struct {
	Timeout time.Duration
}

// PolicyConfig собирает настройки слоёв для одного downstream. nil отключает слой.
type PolicyConfig struct {
	Retry          *RetryConfig
	CircuitBreaker *CircuitBreakerConfig
	TimeLimiter    *TimeLimiterConfig
}
