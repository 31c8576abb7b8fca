package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

var (
	cleanupRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_idempotency_cleanup_runs_total",
		Help: "Idempotency expiry sweeps grouped by result (ok, truncated, error).",
	}, []string{"result"})
	cleanupDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fulfillment_idempotency_cleanup_deleted_total",
		Help: "Expired idempotency records removed by the sweep.",
	})
	cleanupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fulfillment_idempotency_cleanup_duration_seconds",
		Help:    "Duration of one idempotency expiry sweep.",
		Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
	})
)

// CleanupConfig задаёт расписание и объём очистки истёкших ключей.
type CleanupConfig struct {
	Interval  time.Duration
	BatchSize int
	// MaxBatches ограничивает число пачек за проход; остаток удалит следующий проход.
	// 0 снимает ограничение.
	MaxBatches int
}

// DefaultCleanupConfig — раз в час пачками по 1000.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{Interval: time.Hour, BatchSize: 1000, MaxBatches: 100}
}

func (c CleanupConfig) withDefaults() CleanupConfig {
	d := DefaultCleanupConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxBatches < 0 {
		c.MaxBatches = 0
	}
	return c
}

// SelfExpiring реализуют хранилища, которые удаляют истёкшие ключи сами (Redis TTL).
type SelfExpiring interface {
	ExpiresKeys() bool
}

// SweepReport — итог одного прохода очистки.
type SweepReport struct {
	Deleted int
	Batches int
	// Truncated — проход остановлен по MaxBatches, истёкшие записи ещё остались.
	Truncated bool
	Duration  time.Duration
}

// CleanupWorker периодически удаляет истёкшие записи идемпотентности.
type CleanupWorker struct {
	repo   domain.IdempotencyRepository
	cfg    CleanupConfig
	logger *log.Entry
	now    func() time.Time
}

// NewCleanupWorker создаёт воркер; нулевые поля cfg заменяются значениями по умолчанию.
func NewCleanupWorker(repo domain.IdempotencyRepository, cfg CleanupConfig, logger *log.Entry) *CleanupWorker {
	if logger == nil {
		logger = log.WithField("component", "idempotency-cleanup")
	}
	return &CleanupWorker{
		repo:   repo,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock подменяет источник времени.
func (w *CleanupWorker) WithClock(now func() time.Time) *CleanupWorker {
	if now != nil {
		w.now = now
	}
	return w
}

// Run выполняет проход сразу и затем по расписанию до отмены ctx.
// Для хранилищ с собственным TTL воркер не запускается.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup disabled: repo is nil")
		return
	}
	if se, ok := w.repo.(SelfExpiring); ok && se.ExpiresKeys() {
		w.logger.Info("idempotency store expires keys itself, sweep disabled")
		return
	}

	w.logger.WithFields(log.Fields{
		"interval":    w.cfg.Interval,
		"batch_size":  w.cfg.BatchSize,
		"max_batches": w.cfg.MaxBatches,
	}).Info("idempotency cleanup started")

	w.runOnce(ctx)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *CleanupWorker) runOnce(ctx context.Context) {
	report, err := w.Sweep(ctx, w.now())
	cleanupDuration.Observe(report.Duration.Seconds())
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		cleanupRunsTotal.WithLabelValues("error").Inc()
		w.logger.WithError(err).WithField("deleted", report.Deleted).Warn("idempotency cleanup failed")
		return
	case report.Truncated:
		cleanupRunsTotal.WithLabelValues("truncated").Inc()
	default:
		cleanupRunsTotal.WithLabelValues("ok").Inc()
	}

	if report.Deleted > 0 {
		w.logger.WithFields(log.Fields{
			"deleted":   report.Deleted,
			"batches":   report.Batches,
			"truncated": report.Truncated,
			"duration":  report.Duration,
		}).Info("idempotency cleanup completed")
	}
}

// Sweep удаляет записи с ExpiresAt <= before пачками BatchSize.
// Нулевой before означает текущее время.
func (w *CleanupWorker) Sweep(ctx context.Context, before time.Time) (SweepReport, error) {
	start := time.Now()
	if before.IsZero() {
		before = w.now()
	}

	var report SweepReport

	for {
		if err := ctx.Err(); err != nil {
			report.Duration = time.Since(start)
			return report, err
		}
		if w.cfg.MaxBatches > 0 && report.Batches == w.cfg.MaxBatches {
			report.Truncated = true
			report.Duration = time.Since(start)
			return report, nil
		}

		deleted, err := w.repo.DeleteExpired(before, w.cfg.BatchSize)
		if err != nil {
			report.Duration = time.Since(start)
			return report, err
		}
		report.Batches++
		report.Deleted += deleted
		cleanupDeletedTotal.Add(float64(deleted))

		if deleted < w.cfg.BatchSize {
			report.Duration = time.Since(start)
			return report, nil
		}
	}
}
