package domain

import "time"

// SagaResult — итог одного выполнения саги по заказу.
type SagaResult struct {
	OrderID          string
	Success          bool
	TrackingNumber   string
	DeferredShipping bool
	ErrorMessage     string
	// Interrupted — выполнение прервано отменой контекста; заказ остался
	// в незавершённом статусе и может быть продолжен.
	Interrupted bool
	// Err — исходная ошибка неуспешной саги, если она известна.
	Err error
}

// SagaSuccess — сага завершена, отправление создано.
func SagaSuccess(orderID, trackingNumber string) SagaResult {
	return SagaResult{OrderID: orderID, Success: true, TrackingNumber: trackingNumber}
}

// SagaSuccessDeferred — сага завершена, трек-номер будет позже.
func SagaSuccessDeferred(orderID string) SagaResult {
	return SagaResult{OrderID: orderID, Success: true, DeferredShipping: true}
}

// SagaFailure — сага завершилась ошибкой.
func SagaFailure(orderID, message string) SagaResult {
	return SagaResult{OrderID: orderID, ErrorMessage: message}
}

// SagaFailureErr — сага завершилась ошибкой cause.
func SagaFailureErr(orderID string, cause error) SagaResult {
	return SagaResult{OrderID: orderID, ErrorMessage: cause.Error(), Err: cause}
}

// SagaInterrupted — сага остановлена отменой контекста, заказ не переведён в FAILED.
func SagaInterrupted(orderID string, cause error) SagaResult {
	return SagaResult{OrderID: orderID, ErrorMessage: cause.Error(), Interrupted: true, Err: cause}
}

// Сообщения, которые получает клиент.
const (
	MessageOrderCreated     = "Order created successfully"
	MessageShippingDeferred = "Order created. Tracking number will be provided later via notification."
	MessageOrderAccepted    = "Order accepted for processing"
	MessageOrderProcessing  = "Order is being processed"
	MessageRequestInFlight  = "Request is already being processed"
)

// OrderResult — ответ на создание заказа; он же кэшируется по ключу идемпотентности.
type OrderResult struct {
	OrderID        string     `json:"orderId,omitempty"`
	Status         string     `json:"status"`
	TotalAmount    string     `json:"totalAmount,omitempty"`
	Currency       string     `json:"currency,omitempty"`
	TrackingNumber string     `json:"trackingNumber,omitempty"`
	Message        string     `json:"message"`
	CreatedAt      *time.Time `json:"createdAt,omitempty"`

	// Cause не сериализуется: по нему транспорт выбирает код ответа.
	Cause error `json:"-"`
}

// OrderResultSuccess строит ответ по завершённому заказу с трек-номером.
func OrderResultSuccess(order *Order, total Money) OrderResult {
	return orderResult(order, total, string(OrderStatusCompleted), order.TrackingNumber, MessageOrderCreated)
}

// OrderResultDeferred строит ответ по завершённому заказу с отложенной доставкой.
func OrderResultDeferred(order *Order, total Money) OrderResult {
	return orderResult(order, total, string(OrderStatusCompleted), "", MessageShippingDeferred)
}

// OrderResultPending строит ответ для асинхронной обработки.
func OrderResultPending(order *Order, total Money, message string) OrderResult {
	return orderResult(order, total, string(OrderStatusPending), "", message)
}

// OrderResultFailure строит ответ с ошибкой; сумма и дата не раскрываются.
func OrderResultFailure(orderID, message string) OrderResult {
	return OrderResult{OrderID: orderID, Status: string(OrderStatusFailed), Message: message}
}

// OrderResultFromSaga переводит итог саги в ответ клиенту.
func OrderResultFromSaga(order *Order, total Money, saga SagaResult) OrderResult {
	switch {
	case !saga.Success:
		result := OrderResultFailure(order.ID, saga.ErrorMessage)
		result.Cause = saga.Err
		return result
	case saga.DeferredShipping:
		return OrderResultDeferred(order, total)
	default:
		result := OrderResultSuccess(order, total)
		result.TrackingNumber = saga.TrackingNumber
		return result
	}
}

// OrderResultFromOrder описывает текущее состояние сохранённого заказа.
func OrderResultFromOrder(order *Order) OrderResult {
	total, err := order.TotalAmount()
	if err != nil {
		return OrderResultFailure(order.ID, err.Error())
	}
	switch order.Status {
	case OrderStatusFailed:
		return OrderResultFailure(order.ID, order.ErrorMessage)
	case OrderStatusCompleted:
		if order.TrackingNumber == "" {
			return OrderResultDeferred(order, total)
		}
		return OrderResultSuccess(order, total)
	default:
		return orderResult(order, total, string(order.Status), order.TrackingNumber, MessageOrderProcessing)
	}
}

// Failed сообщает, что результат описывает неуспешный заказ.
func (r OrderResult) Failed() bool {
	return r.Status == string(OrderStatusFailed)
}

func orderResult(order *Order, total Money, status, tracking, message string) OrderResult {
	createdAt := order.CreatedAt
	return OrderResult{
		OrderID:        order.ID,
		Status:         status,
		TotalAmount:    total.StringFixed(),
		Currency:       total.Currency(),
		TrackingNumber: tracking,
		Message:        message,
		CreatedAt:      &createdAt,
	}
}
