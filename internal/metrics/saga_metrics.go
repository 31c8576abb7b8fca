package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SagaMetrics содержит метрики выполнения саги заказа.
type SagaMetrics struct {
	sagaStarted   prometheus.Counter
	sagaCompleted prometheus.Counter
	sagaDeferred  prometheus.Counter
	sagaFailed    prometheus.Counter
	compensations prometheus.Counter

	sagaDuration prometheus.Histogram
	stepDuration *prometheus.HistogramVec

	activeSagas prometheus.Gauge
}

// NewSagaMetrics создаёт метрики саги в DefaultRegisterer.
func NewSagaMetrics() *SagaMetrics {
	return NewSagaMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewSagaMetricsWithRegisterer создаёт метрики в указанном реестре.
func NewSagaMetricsWithRegisterer(registerer prometheus.Registerer) *SagaMetrics {
	return &SagaMetrics{
		sagaStarted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_saga_started_total",
			Help: "Total number of sagas started",
		}),
		sagaCompleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_saga_completed_total",
			Help: "Total number of sagas completed successfully",
		}),
		sagaDeferred: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_saga_deferred_shipping_total",
			Help: "Total number of sagas completed with deferred shipping",
		}),
		sagaFailed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_saga_failed_total",
			Help: "Total number of sagas failed",
		}),
		compensations: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_saga_compensations_total",
			Help: "Total number of inventory compensations requested",
		}),
		sagaDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "fulfillment_saga_duration_seconds",
			Help:    "Duration of saga executions in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		stepDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "fulfillment_saga_step_duration_seconds",
			Help:    "Duration of individual saga steps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"step"}),
		activeSagas: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "fulfillment_active_sagas",
			Help: "Number of currently running sagas",
		}),
	}
}

// RecordSagaStarted увеличивает счётчик запущенных саг и число активных.
func (m *SagaMetrics) RecordSagaStarted() {
	if m == nil {
		return
	}
	m.sagaStarted.Inc()
	m.activeSagas.Inc()
}

// RecordSagaFinished фиксирует исход и длительность саги.
func (m *SagaMetrics) RecordSagaFinished(success, deferred bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.activeSagas.Dec()
	m.sagaDuration.Observe(duration.Seconds())
	switch {
	case !success:
		m.sagaFailed.Inc()
	case deferred:
		m.sagaCompleted.Inc()
		m.sagaDeferred.Inc()
	default:
		m.sagaCompleted.Inc()
	}
}

// RecordCompensation увеличивает счётчик компенсаций.
func (m *SagaMetrics) RecordCompensation() {
	if m == nil {
		return
	}
	m.compensations.Inc()
}

// RecordStepDuration записывает время выполнения шага саги.
func (m *SagaMetrics) RecordStepDuration(step string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}
