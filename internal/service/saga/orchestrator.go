package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
)

// Orchestrator проводит заказ по шагам Reserve → Pay → Ship и фиксирует каждый переход.
// Отказоустойчивость вызовов обеспечивают порты (см. adapter/downstream), оркестратор
// видит уже классифицированные ошибки.
type Orchestrator struct {
	orders    domain.OrderRepository
	inventory domain.InventoryPort
	payments  domain.PaymentPort
	shipping  domain.ShippingPort
	publisher domain.SagaEventPublisher
	logger    *log.Entry
	metrics   *metrics.SagaMetrics
	now       func() time.Time
}

// Option настраивает Orchestrator.
type Option func(*Orchestrator)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics включает метрики саги.
func WithMetrics(m *metrics.SagaMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithPublisher подключает публикацию событий жизненного цикла (например, в Kafka).
func WithPublisher(p domain.SagaEventPublisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithClock подменяет часы.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// NewOrchestrator создаёт рабочий экземпляр оркестратора.
func NewOrchestrator(
	orders domain.OrderRepository,
	inventory domain.InventoryPort,
	payments domain.PaymentPort,
	shipping domain.ShippingPort,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		orders:    orders,
		inventory: inventory,
		payments:  payments,
		shipping:  shipping,
		logger:    log.New().WithField("component", "saga"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute загружает заказ и выполняет сагу. Используется асинхронным путём (outbox poller).
func (o *Orchestrator) Execute(ctx context.Context, orderID string) domain.SagaResult {
	order, err := o.orders.Get(orderID)
	if err != nil {
		o.logger.WithError(err).WithField("order_id", orderID).Warn("order not found for saga")
		if errors.Is(err, domain.ErrOrderNotFound) {
			return domain.SagaResult{OrderID: orderID, ErrorMessage: "order not found", Err: err}
		}
		return domain.SagaFailureErr(orderID, err)
	}
	return o.Run(ctx, order)
}

// Run выполняет сагу для уже загруженного заказа. Заказ в конечном статусе
// возвращает зафиксированный исход без побочных эффектов, поэтому повторная
// доставка события безопасна. Незавершённый заказ продолжается с текущего шага.
func (o *Orchestrator) Run(ctx context.Context, order *domain.Order) (result domain.SagaResult) {
	if order.Status.Terminal() {
		o.logger.WithFields(log.Fields{
			"order_id": order.ID,
			"status":   order.Status,
		}).Debug("order already processed, skipping saga")
		return recordedOutcome(order)
	}

	run := &sagaRun{Orchestrator: o, order: order, logger: o.logger.WithField("order_id", order.ID)}
	start := o.now()
	o.metrics.RecordSagaStarted()
	defer func() {
		if r := recover(); r != nil {
			run.logger.WithField("panic", r).Error("saga panicked")
			result = run.markFailed(ctx, fmt.Errorf("saga panic: %v", r))
		}
		o.metrics.RecordSagaFinished(result.Success, result.DeferredShipping, o.now().Sub(start))
	}()

	run.logger.WithField("status", order.Status).Info("saga started")
	o.publish(ctx, order, domain.SagaEventStarted, "")

	if order.Status == domain.OrderStatusPending {
		if err := run.reserveInventory(ctx); err != nil {
			return run.fail(ctx, fmt.Errorf("inventory reservation failed: %w", err))
		}
	} else {
		// Резерв выполнен в предыдущем запуске.
		run.reserved = order.Items
	}

	if order.Status == domain.OrderStatusInventoryReserved {
		if err := run.processPayment(ctx); err != nil {
			return run.fail(ctx, fmt.Errorf("payment failed: %w", err))
		}
	}

	return run.createShipment(ctx)
}

// sagaRun хранит состояние одного выполнения.
type sagaRun struct {
	*Orchestrator
	order    *domain.Order
	logger   *log.Entry
	reserved []domain.OrderLine
}

func (r *sagaRun) reserveInventory(ctx context.Context) error {
	defer r.observeStep(domain.SagaStepReserve, r.now())

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, line := range r.order.Items {
		line := line
		g.Go(func() error {
			reservation, err := r.inventory.Reserve(gctx, line.SKU, line.Quantity)
			if err != nil {
				return err
			}
			if !reservation.Reserved {
				return &domain.BusinessError{
					Code:    domain.BusinessCodeInsufficientStock,
					Message: "insufficient stock for SKU " + line.SKU,
				}
			}
			mu.Lock()
			r.reserved = append(r.reserved, line)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.logger.WithError(err).Warn("reserve failed")
		return err
	}

	if err := r.order.MarkInventoryReserved(); err != nil {
		return err
	}
	if err := r.persist(); err != nil {
		return err
	}
	r.logger.WithField("lines", len(r.order.Items)).Info("inventory reserved")
	r.publish(ctx, r.order, domain.SagaEventInventoryReserved, "")
	return nil
}

func (r *sagaRun) processPayment(ctx context.Context) error {
	defer r.observeStep(domain.SagaStepPay, r.now())

	total, err := r.order.TotalAmount()
	if err != nil {
		return err
	}
	payment, err := r.payments.Charge(ctx, r.order.ID, total, r.order.PaymentIdempotencyKey)
	if err != nil {
		r.logger.WithError(err).Warn("payment failed")
		return err
	}
	if !payment.Succeeded() {
		r.logger.WithField("payment_status", payment.Status).Warn("payment declined")
		return &domain.BusinessError{Code: domain.BusinessCodePaymentDeclined, Message: payment.Message}
	}

	if err := r.order.MarkPaymentCompleted(); err != nil {
		return err
	}
	if err := r.persist(); err != nil {
		return err
	}
	r.logger.WithFields(log.Fields{
		"transaction_id": payment.TransactionID,
		"amount":         total.String(),
	}).Info("payment completed")
	r.publish(ctx, r.order, domain.SagaEventPaymentCompleted, "")
	return nil
}

func (r *sagaRun) createShipment(ctx context.Context) domain.SagaResult {
	defer r.observeStep(domain.SagaStepShip, r.now())

	if r.order.Status == domain.OrderStatusPaymentCompleted {
		if err := r.order.MarkShippingRequested(); err != nil {
			return r.fail(ctx, err)
		}
		if err := r.persist(); err != nil {
			return r.fail(ctx, err)
		}
		r.publish(ctx, r.order, domain.SagaEventShippingRequested, "")
	}

	shipment, err := r.shipping.CreateShipment(ctx, r.order.ID, r.order.ShippingAddress, r.order.Items)
	if err != nil {
		return r.fail(ctx, fmt.Errorf("shipment creation failed: %w", err))
	}

	// Без трек-номера заказ всё равно завершается: доставка оформится позже.
	deferred := shipment.Status == domain.ShippingStatusDeferred || shipment.TrackingNumber == ""
	tracking := shipment.TrackingNumber
	if deferred {
		tracking = ""
	}

	if err := r.order.MarkCompleted(tracking); err != nil {
		return r.fail(ctx, err)
	}
	if err := r.persist(); err != nil {
		return r.fail(ctx, err)
	}
	r.publish(ctx, r.order, domain.SagaEventCompleted, "")

	if deferred {
		r.logger.Info("saga completed, shipping deferred")
		return domain.SagaSuccessDeferred(r.order.ID)
	}
	r.logger.WithField("tracking_number", tracking).Info("saga completed successfully")
	return domain.SagaSuccess(r.order.ID, tracking)
}

// fail завершает выполнение с ошибкой. Если отменён контекст выполнения,
// заказ остаётся в последнем сохранённом статусе: следующий запуск продолжит с него.
func (r *sagaRun) fail(ctx context.Context, cause error) domain.SagaResult {
	if ctx.Err() != nil {
		return r.interrupt(cause)
	}
	return r.markFailed(ctx, cause)
}

func (r *sagaRun) interrupt(cause error) domain.SagaResult {
	// Частичный резерв в PENDING при повторе будет выполнен заново.
	if r.order.Status == domain.OrderStatusPending {
		r.compensateInventory()
	}
	r.logger.WithError(cause).WithField("status", r.order.Status).Warn("saga interrupted, order left resumable")
	return domain.SagaInterrupted(r.order.ID, cause)
}

// markFailed компенсирует резерв (только запись намерения в лог) и переводит заказ в FAILED.
func (r *sagaRun) markFailed(ctx context.Context, cause error) domain.SagaResult {
	reason := cause.Error()
	r.compensateInventory()

	if err := r.order.MarkFailed(reason); err != nil {
		r.logger.WithError(err).Error("cannot mark order failed")
		return domain.SagaFailureErr(r.order.ID, cause)
	}
	if err := r.persist(); err != nil {
		r.logger.WithError(err).Error("failed to persist FAILED status")
	}
	r.logger.WithField("reason", reason).Warn("saga failed")
	r.publish(ctx, r.order, domain.SagaEventFailed, reason)
	return domain.SagaFailureErr(r.order.ID, cause)
}

// compensateInventory только фиксирует намерение освободить резерв: операции release у склада нет.
func (r *sagaRun) compensateInventory() {
	if len(r.reserved) == 0 {
		return
	}
	defer r.observeStep(domain.SagaStepCompensate, r.now())

	r.metrics.RecordCompensation()
	for _, line := range r.reserved {
		r.logger.WithFields(log.Fields{
			"sku":      line.SKU,
			"quantity": line.Quantity,
		}).Info("compensation: would release reserved inventory")
	}
	r.reserved = nil
}

func (r *sagaRun) persist() error {
	if err := r.orders.Save(r.order); err != nil {
		r.logger.WithError(err).WithField("status", r.order.Status).Error("failed to persist status")
		return fmt.Errorf("persist order status %s: %w", r.order.Status, err)
	}
	return nil
}

func (r *sagaRun) observeStep(step domain.SagaStep, start time.Time) {
	r.metrics.RecordStepDuration(string(step), r.now().Sub(start))
}

// publish отправляет событие; ошибка публикации не влияет на сагу.
func (o *Orchestrator) publish(ctx context.Context, order *domain.Order, eventType domain.SagaEventType, reason string) {
	if o.publisher == nil {
		return
	}
	event := domain.SagaEvent{
		OrderID:        order.ID,
		Type:           eventType,
		Status:         order.Status,
		TrackingNumber: order.TrackingNumber,
		Reason:         reason,
		OccurredAt:     o.now().UTC(),
	}
	if err := o.publisher.PublishSagaEvent(ctx, event); err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"event_type": eventType,
			"order_id":   order.ID,
		}).Warn("failed to publish saga event")
	}
}

func recordedOutcome(order *domain.Order) domain.SagaResult {
	if order.Status == domain.OrderStatusFailed {
		return domain.SagaFailure(order.ID, order.ErrorMessage)
	}
	if order.TrackingNumber == "" {
		return domain.SagaSuccessDeferred(order.ID)
	}
	return domain.SagaSuccess(order.ID, order.TrackingNumber)
}
