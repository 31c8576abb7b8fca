package metrics

import "github.com/prometheus/client_golang/prometheus"

// Значения gauge состояния circuit breaker.
const (
	BreakerStateClosed   = 0
	BreakerStateOpen     = 1
	BreakerStateHalfOpen = 2
)

// ResilienceMetrics — метрики retry, circuit breaker и time limiter по имени downstream.
type ResilienceMetrics struct {
	retryAttempts *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
	breakerCalls  *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	timeouts      *prometheus.CounterVec
	fallbacks     *prometheus.CounterVec
}

// NewResilienceMetrics создаёт метрики в DefaultRegisterer.
func NewResilienceMetrics() *ResilienceMetrics {
	return NewResilienceMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewResilienceMetricsWithRegisterer создаёт метрики в указанном реестре.
func NewResilienceMetricsWithRegisterer(registerer prometheus.Registerer) *ResilienceMetrics {
	return &ResilienceMetrics{
		retryAttempts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_resilience_retry_calls_total",
			Help: "Retry outcomes per downstream (success, success_after_retry, retry, exhausted, ignored)",
		}, []string{"name", "outcome"}),
		breakerState: registerGaugeVec(registerer, prometheus.GaugeOpts{
			Name: "fulfillment_circuit_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		}, []string{"name"}),
		breakerCalls: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_circuit_breaker_calls_total",
			Help: "Calls observed by circuit breaker per outcome",
		}, []string{"name", "outcome"}),
		transitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		}, []string{"name", "from", "to"}),
		timeouts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_resilience_timeouts_total",
			Help: "Calls that exceeded the time limit",
		}, []string{"name"}),
		fallbacks: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_resilience_fallbacks_total",
			Help: "Fallback invocations per downstream",
		}, []string{"name"}),
	}
}

// RecordRetry учитывает исход retry.
func (m *ResilienceMetrics) RecordRetry(name, outcome string) {
	if m == nil {
		return
	}
	m.retryAttempts.WithLabelValues(name, outcome).Inc()
}

// SetBreakerState выставляет текущее состояние breaker.
func (m *ResilienceMetrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordBreakerCall учитывает вызов, прошедший (или не прошедший) через breaker.
func (m *ResilienceMetrics) RecordBreakerCall(name, outcome string) {
	if m == nil {
		return
	}
	m.breakerCalls.WithLabelValues(name, outcome).Inc()
}

// RecordTransition учитывает смену состояния breaker.
func (m *ResilienceMetrics) RecordTransition(name, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(name, from, to).Inc()
}

// RecordTimeout учитывает срабатывание time limiter.
func (m *ResilienceMetrics) RecordTimeout(name string) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(name).Inc()
}

// RecordFallback учитывает вызов fallback.
func (m *ResilienceMetrics) RecordFallback(name string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(name).Inc()
}
