package domain

import "time"

// OutboxStatus описывает состояние события transactional outbox.
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "PENDING"
	OutboxStatusProcessing OutboxStatus = "PROCESSING"
	OutboxStatusProcessed  OutboxStatus = "PROCESSED"
	OutboxStatusFailed     OutboxStatus = "FAILED"
)

const (
	// AggregateTypeOrder — тип агрегата для событий заказа.
	AggregateTypeOrder = "Order"
	// EventTypeOrderCreated запускает сагу по заказу.
	EventTypeOrderCreated = "OrderCreated"
)

// OutboxEvent хранит событие, записанное в одной транзакции с заказом.
type OutboxEvent struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Status        OutboxStatus
	RetryCount    int
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	ErrorMessage  string
}

// OrderCreatedPayload — тело события OrderCreated.
type OrderCreatedPayload struct {
	OrderID         string `json:"orderId"`
	IdempotencyKey  string `json:"idempotencyKey"`
	ShippingAddress string `json:"shippingAddress"`
	TotalAmount     string `json:"totalAmount"`
	Currency        string `json:"currency"`
}

// OutboxStats описывает текущий backlog outbox.
type OutboxStats struct {
	PendingCount    int
	ProcessingCount int
	FailedCount     int
	OldestPendingAt time.Time
}
