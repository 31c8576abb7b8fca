package domain

import (
	"context"
	"time"
)

// InventoryPort резервирует товары на складе.
type InventoryPort interface {
	// Reserve резервирует qty единиц sku. Отказ по стоку приходит как Reserved=false или BusinessError.
	Reserve(ctx context.Context, sku string, qty int) (InventoryReservation, error)
}

// PaymentPort списывает деньги у платёжного провайдера.
type PaymentPort interface {
	// Charge списывает amount; idempotencyKey защищает от двойного списания при ретраях.
	Charge(ctx context.Context, orderID string, amount Money, idempotencyKey string) (PaymentResult, error)
}

// ShippingPort создаёт отправление.
type ShippingPort interface {
	CreateShipment(ctx context.Context, orderID, address string, items []OrderLine) (ShippingResult, error)
}

// SagaStep задаёт константы шагов для метрик/логов.
type SagaStep string

const (
	SagaStepReserve    SagaStep = "reserve_inventory"
	SagaStepPay        SagaStep = "process_payment"
	SagaStepShip       SagaStep = "create_shipment"
	SagaStepCompensate SagaStep = "compensate_inventory"
)

// SagaEventType — тип события жизненного цикла заказа.
type SagaEventType string

const (
	SagaEventStarted           SagaEventType = "saga.started"
	SagaEventInventoryReserved SagaEventType = "inventory.reserved"
	SagaEventPaymentCompleted  SagaEventType = "payment.completed"
	SagaEventShippingRequested SagaEventType = "shipping.requested"
	SagaEventCompleted         SagaEventType = "order.completed"
	SagaEventFailed            SagaEventType = "order.failed"
)

// SagaEvent описывает переход заказа, публикуемый наружу.
type SagaEvent struct {
	OrderID        string
	Type           SagaEventType
	Status         OrderStatus
	TrackingNumber string
	Reason         string
	OccurredAt     time.Time
}

// SagaEventPublisher публикует события саги. Ошибки публикации не влияют на исход саги.
type SagaEventPublisher interface {
	PublishSagaEvent(ctx context.Context, event SagaEvent) error
}
