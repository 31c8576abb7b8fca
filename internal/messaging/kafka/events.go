package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// Topics для Kafka
const (
	TopicSagaEvents            = "fulfillment.saga.events"
	TopicShipmentNotifications = "fulfillment.shipping.notifications"
	TopicDeadLetterQueue       = "fulfillment.dlq"
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	HeaderEventType     = "x-event-type"
)

// SagaEventMessage — сообщение о переходе заказа в топике саги.
type SagaEventMessage struct {
	EventType      domain.SagaEventType `json:"event_type"`
	OrderID        string               `json:"order_id"`
	Status         domain.OrderStatus   `json:"status"`
	TrackingNumber string               `json:"tracking_number,omitempty"`
	Reason         string               `json:"reason,omitempty"`
	Timestamp      time.Time            `json:"timestamp"`
}

// NewSagaEventMessage переводит доменное событие в формат топика.
func NewSagaEventMessage(event domain.SagaEvent) SagaEventMessage {
	ts := event.OccurredAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return SagaEventMessage{
		EventType:      event.Type,
		OrderID:        event.OrderID,
		Status:         event.Status,
		TrackingNumber: event.TrackingNumber,
		Reason:         event.Reason,
		Timestamp:      ts,
	}
}

// ShipmentNotification — уведомление службы доставки о созданном отправлении.
type ShipmentNotification struct {
	OrderID        string    `json:"order_id"`
	TrackingNumber string    `json:"tracking_number"`
	ShippedAt      time.Time `json:"shipped_at"`
}

// DeadLetter — содержимое сообщения в DLQ.
type DeadLetter struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       string    `json:"original_key"`
	OriginalValue     string    `json:"original_value"`
	ErrorMessage      string    `json:"error_message"`
	FailedAt          time.Time `json:"failed_at"`
	RetryCount        int       `json:"retry_count"`
}

// ParseSagaEvent парсит SagaEventMessage из сообщения
func ParseSagaEvent(message *sarama.ConsumerMessage) (*SagaEventMessage, error) {
	var event SagaEventMessage
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal saga event: %w", err)
	}
	return &event, nil
}

// ParseShipmentNotification парсит уведомление о доставке.
func ParseShipmentNotification(message *sarama.ConsumerMessage) (*ShipmentNotification, error) {
	var n ShipmentNotification
	if err := json.Unmarshal(message.Value, &n); err != nil {
		return nil, fmt.Errorf("failed to unmarshal shipment notification: %w", err)
	}
	if n.OrderID == "" {
		return nil, fmt.Errorf("shipment notification without order_id")
	}
	return &n, nil
}

// ParseDeadLetter парсит сообщение из DLQ.
func ParseDeadLetter(message *sarama.ConsumerMessage) (*DeadLetter, error) {
	var dl DeadLetter
	if err := json.Unmarshal(message.Value, &dl); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
	}
	if dl.OriginalTopic == "" {
		return nil, fmt.Errorf("dead letter without original topic")
	}
	return &dl, nil
}
