package order

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// Executor обрабатывает новый, уже провалидированный заказ.
type Executor interface {
	Execute(ctx context.Context, order *domain.Order) domain.OrderResult
}

// SagaRunner выполняет сагу по сохранённому заказу.
type SagaRunner interface {
	Run(ctx context.Context, order *domain.Order) domain.SagaResult
}

// SyncExecutor сохраняет заказ и выполняет сагу в рамках запроса.
type SyncExecutor struct {
	orders domain.OrderRepository
	saga   SagaRunner
	logger *log.Entry
}

// NewSyncExecutor создает синхронный обработчик.
func NewSyncExecutor(orders domain.OrderRepository, saga SagaRunner, logger *log.Entry) *SyncExecutor {
	if logger == nil {
		logger = log.WithField("component", "order-sync-executor")
	}
	return &SyncExecutor{orders: orders, saga: saga, logger: logger}
}

// Execute возвращает успех, успех с отложенной доставкой или ошибку с причиной.
func (e *SyncExecutor) Execute(ctx context.Context, order *domain.Order) domain.OrderResult {
	total, err := order.TotalAmount()
	if err != nil {
		return failure(order.ID, err)
	}
	if err := e.orders.Create(order); err != nil {
		e.logger.WithError(err).WithField("order_id", order.ID).Error("failed to persist order")
		return failure("", fmt.Errorf("failed to create order: %w", err))
	}

	// Обрыв соединения клиентом не должен оставлять заказ в FAILED: сага доводится до конца,
	// время вызовов ограничивают политики портов.
	saga := e.saga.Run(context.WithoutCancel(ctx), order)
	result := domain.OrderResultFromSaga(order, total, saga)
	if result.Failed() {
		e.logger.WithFields(log.Fields{
			"order_id": order.ID,
			"reason":   result.Message,
		}).Warn("order processing failed")
	}
	return result
}

// AsyncExecutor атомарно сохраняет заказ вместе с событием OrderCreated.
// Сагу позже выполнит outbox poller.
type AsyncExecutor struct {
	orders domain.OrderRepository
	logger *log.Entry
	now    func() time.Time
}

// NewAsyncExecutor создает асинхронный обработчик.
func NewAsyncExecutor(orders domain.OrderRepository, logger *log.Entry) *AsyncExecutor {
	if logger == nil {
		logger = log.WithField("component", "order-async-executor")
	}
	return &AsyncExecutor{
		orders: orders,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Execute возвращает PENDING сразу после записи заказа и события.
func (e *AsyncExecutor) Execute(_ context.Context, order *domain.Order) domain.OrderResult {
	total, err := order.TotalAmount()
	if err != nil {
		return failure(order.ID, err)
	}

	event, err := NewOrderCreatedEvent(order, total, e.now())
	if err != nil {
		return failure("", fmt.Errorf("failed to create order: %w", err))
	}
	if err := e.orders.CreateWithOutbox(order, event); err != nil {
		e.logger.WithError(err).WithField("order_id", order.ID).Error("failed to persist order with outbox event")
		return failure("", fmt.Errorf("failed to create order: %w", err))
	}

	e.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"event_id": event.ID,
	}).Info("order accepted, saga scheduled via outbox")
	return domain.OrderResultPending(order, total, domain.MessageOrderAccepted)
}

// NewOrderCreatedEvent строит событие outbox, запускающее сагу.
func NewOrderCreatedEvent(order *domain.Order, total domain.Money, now time.Time) (domain.OutboxEvent, error) {
	payload, err := json.Marshal(domain.OrderCreatedPayload{
		OrderID:         order.ID,
		IdempotencyKey:  order.IdempotencyKey,
		ShippingAddress: order.ShippingAddress,
		TotalAmount:     total.StringFixed(),
		Currency:        total.Currency(),
	})
	if err != nil {
		return domain.OutboxEvent{}, fmt.Errorf("encode %s payload: %w", domain.EventTypeOrderCreated, err)
	}
	return domain.OutboxEvent{
		ID:            uuid.NewString(),
		AggregateType: domain.AggregateTypeOrder,
		AggregateID:   order.ID,
		EventType:     domain.EventTypeOrderCreated,
		Payload:       payload,
		Status:        domain.OutboxStatusPending,
		CreatedAt:     now,
	}, nil
}

func failure(orderID string, cause error) domain.OrderResult {
	result := domain.OrderResultFailure(orderID, cause.Error())
	result.Cause = cause
	return result
}
