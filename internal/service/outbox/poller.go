package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const (
	defaultBatchSize       = 100
	defaultPollInterval    = 1 * time.Second
	defaultRetryInterval   = 30 * time.Second
	defaultCleanupInterval = time.Hour
	defaultMaxRetries      = 3
	defaultRetention       = 24 * time.Hour
)

var (
	outboxEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_outbox_events_total",
		Help: "Total number of outbox events handled by the poller grouped by outcome.",
	}, []string{"outcome"})
	outboxPendingEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fulfillment_outbox_pending_events",
		Help: "Current number of pending events in the transactional outbox.",
	})
	outboxFailedEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fulfillment_outbox_failed_events",
		Help: "Current number of failed events in the transactional outbox.",
	})
	outboxOldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fulfillment_outbox_oldest_pending_age_seconds",
		Help: "Age in seconds of the oldest pending outbox event.",
	})
)

// Handler обрабатывает событие одного типа. Ошибка переводит событие в FAILED.
type Handler func(ctx context.Context, event domain.OutboxEvent) error

// SagaExecutor выполняет сагу по идентификатору заказа.
type SagaExecutor interface {
	Execute(ctx context.Context, orderID string) domain.SagaResult
}

// PollerOptions задаёт параметры poller.
type PollerOptions struct {
	Logger          *log.Entry
	BatchSize       int
	PollInterval    time.Duration
	RetryInterval   time.Duration
	CleanupInterval time.Duration
	MaxRetries      int
	Retention       time.Duration
	Clock           func() time.Time
}

// Option настраивает Poller.
type Option func(*PollerOptions)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *PollerOptions) { opts.Logger = logger }
}

// WithBatchSize задаёт размер пачки, забираемой за один цикл.
func WithBatchSize(batchSize int) Option {
	return func(opts *PollerOptions) { opts.BatchSize = batchSize }
}

// WithPollInterval задаёт частоту основного цикла.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *PollerOptions) { opts.PollInterval = interval }
}

// WithRetryInterval задаёт частоту повторной постановки FAILED событий.
func WithRetryInterval(interval time.Duration) Option {
	return func(opts *PollerOptions) { opts.RetryInterval = interval }
}

// WithCleanupInterval задаёт частоту удаления обработанных событий.
func WithCleanupInterval(interval time.Duration) Option {
	return func(opts *PollerOptions) { opts.CleanupInterval = interval }
}

// WithMaxRetries задаёт число повторов FAILED события.
func WithMaxRetries(maxRetries int) Option {
	return func(opts *PollerOptions) { opts.MaxRetries = maxRetries }
}

// WithRetention задаёт срок хранения PROCESSED событий.
func WithRetention(retention time.Duration) Option {
	return func(opts *PollerOptions) { opts.Retention = retention }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(opts *PollerOptions) { opts.Clock = now }
}

// Poller забирает события из outbox и запускает по ним обработчики.
// Событие в PROCESSING, брошенное упавшим процессом, повторно не забирается.
type Poller struct {
	repo     domain.OutboxRepository
	handlers map[string]Handler
	logger   *log.Entry
	opts     PollerOptions

	// mu сериализует основной цикл и retry-проход.
	mu sync.Mutex
}

// NewPoller создаёт poller с обработчиком OrderCreated, запускающим сагу.
func NewPoller(repo domain.OutboxRepository, saga SagaExecutor, options ...Option) *Poller {
	opts := PollerOptions{
		BatchSize:       defaultBatchSize,
		PollInterval:    defaultPollInterval,
		RetryInterval:   defaultRetryInterval,
		CleanupInterval: defaultCleanupInterval,
		MaxRetries:      defaultMaxRetries,
		Retention:       defaultRetention,
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "outbox-poller")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	p := &Poller{
		repo:     repo,
		handlers: make(map[string]Handler),
		logger:   opts.Logger,
		opts:     opts,
	}
	if saga != nil {
		p.Register(domain.EventTypeOrderCreated, OrderCreatedHandler(saga))
	}
	return p
}

// Register задаёт обработчик для типа события.
func (p *Poller) Register(eventType string, handler Handler) {
	p.mu.Lock()
	p.handlers[eventType] = handler
	p.mu.Unlock()
}

// OrderCreatedHandler запускает сагу по заказу из события OrderCreated.
func OrderCreatedHandler(saga SagaExecutor) Handler {
	return func(ctx context.Context, event domain.OutboxEvent) error {
		var payload domain.OrderCreatedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", event.EventType, err)
		}
		orderID := payload.OrderID
		if orderID == "" {
			orderID = event.AggregateID
		}

		result := saga.Execute(ctx, orderID)
		if !result.Success {
			if result.Err != nil {
				return result.Err
			}
			return errors.New(result.ErrorMessage)
		}
		return nil
	}
}

// Run запускает основной цикл, retry-проход и очистку до отмены ctx.
func (p *Poller) Run(ctx context.Context) {
	if p.repo == nil {
		p.logger.Warn("outbox poller is disabled: repo is nil")
		return
	}

	poll := time.NewTicker(p.opts.PollInterval)
	defer poll.Stop()
	retry := time.NewTicker(p.opts.RetryInterval)
	defer retry.Stop()
	cleanup := time.NewTicker(p.opts.CleanupInterval)
	defer cleanup.Stop()

	p.logger.WithFields(log.Fields{
		"batch_size":    p.opts.BatchSize,
		"poll_interval": p.opts.PollInterval,
		"max_retries":   p.opts.MaxRetries,
	}).Info("outbox poller started")

	p.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("outbox poller stopped")
			return
		case <-poll.C:
			p.ProcessOnce(ctx)
		case <-retry.C:
			p.RetryFailed(ctx)
		case <-cleanup.C:
			p.PurgeProcessed(ctx)
		}
	}
}

// ProcessOnce забирает пачку PENDING событий и обрабатывает их последовательно.
// После отмены ctx оставшиеся события пачки возвращаются в PENDING.
// Возвращает число обработанных событий.
func (p *Poller) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	events, err := p.repo.ClaimPending(p.opts.BatchSize)
	if err != nil {
		p.logger.WithError(err).Warn("failed to claim pending outbox events")
		return 0
	}

	handled := 0
	for i, event := range events {
		if ctx.Err() != nil {
			// Не начатые события возвращаем в очередь, иначе они останутся в PROCESSING.
			p.release(events[i:])
			break
		}
		p.handle(ctx, event)
		handled++
	}
	p.refreshBacklogMetrics()
	return handled
}

func (p *Poller) release(events []domain.OutboxEvent) {
	ids := make([]string, 0, len(events))
	for _, event := range events {
		ids = append(ids, event.ID)
	}
	released, err := p.repo.ReleaseClaimed(ids)
	if err != nil {
		p.logger.WithError(err).WithField("count", len(ids)).Warn("failed to release claimed outbox events")
		return
	}
	outboxEventsTotal.WithLabelValues("released").Add(float64(released))
	p.logger.WithField("count", released).Info("released claimed outbox events")
}

func (p *Poller) handle(ctx context.Context, event domain.OutboxEvent) {
	logger := p.logger.WithFields(log.Fields{
		"event_id":     event.ID,
		"event_type":   event.EventType,
		"aggregate_id": event.AggregateID,
	})

	handler, ok := p.handlers[event.EventType]
	if !ok {
		reason := "unknown event type: " + event.EventType
		logger.Warn(reason)
		p.markFailed(logger, event, reason)
		return
	}

	if err := p.invoke(ctx, handler, event); err != nil {
		if ctx.Err() != nil {
			logger.WithError(err).Info("outbox event interrupted by shutdown")
			p.release([]domain.OutboxEvent{event})
			return
		}
		logger.WithError(err).Warn("outbox event processing failed")
		p.markFailed(logger, event, err.Error())
		return
	}

	if err := p.repo.MarkProcessed(event.ID, p.opts.Clock()); err != nil {
		logger.WithError(err).Warn("failed to mark outbox event processed")
		return
	}
	outboxEventsTotal.WithLabelValues("processed").Inc()
	logger.Debug("outbox event processed")
}

func (p *Poller) invoke(ctx context.Context, handler Handler, event domain.OutboxEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, event)
}

func (p *Poller) markFailed(logger *log.Entry, event domain.OutboxEvent, reason string) {
	outboxEventsTotal.WithLabelValues("failed").Inc()
	if err := p.repo.MarkFailed(event.ID, reason); err != nil {
		logger.WithError(err).Warn("failed to mark outbox event failed")
	}
}

// RetryFailed возвращает в очередь FAILED события с запасом попыток и сразу обрабатывает очередь.
func (p *Poller) RetryFailed(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}

	p.mu.Lock()
	requeued, err := p.repo.RequeueFailed(p.opts.MaxRetries, p.opts.BatchSize)
	p.mu.Unlock()
	if err != nil {
		p.logger.WithError(err).Warn("failed to requeue failed outbox events")
		return 0
	}
	if len(requeued) == 0 {
		return 0
	}

	outboxEventsTotal.WithLabelValues("requeued").Add(float64(len(requeued)))
	p.logger.WithField("count", len(requeued)).Info("requeued failed outbox events")
	p.ProcessOnce(ctx)
	return len(requeued)
}

// PurgeProcessed удаляет PROCESSED события старше срока хранения.
func (p *Poller) PurgeProcessed(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}

	deleted, err := p.repo.DeleteProcessedBefore(p.opts.Clock().Add(-p.opts.Retention))
	if err != nil {
		p.logger.WithError(err).Warn("failed to purge processed outbox events")
		return 0
	}
	if deleted > 0 {
		outboxEventsTotal.WithLabelValues("purged").Add(float64(deleted))
		p.logger.WithField("deleted", deleted).Info("purged processed outbox events")
	}
	return deleted
}

func (p *Poller) refreshBacklogMetrics() {
	stats, err := p.repo.Stats()
	if err != nil {
		p.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}

	outboxPendingEvents.Set(float64(stats.PendingCount))
	outboxFailedEvents.Set(float64(stats.FailedCount))
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		outboxOldestPendingAge.Set(0)
		return
	}

	age := p.opts.Clock().Sub(stats.OldestPendingAt).Seconds()
	if age < 0 {
		age = 0
	}
	outboxOldestPendingAge.Set(age)
}
