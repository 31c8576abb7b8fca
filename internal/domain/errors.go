package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrItemsRequired — заказ должен содержать хотя бы одну позицию.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// ErrItemQtyInvalid — количество в позиции должно быть больше нуля.
	ErrItemQtyInvalid = errors.New("item quantity must be greater than zero")
	// ErrSKUInvalid — код товара не соответствует формату AAA000.
	ErrSKUInvalid = errors.New("invalid sku code, expected pattern [A-Z]{3}[0-9]{3}")
	// ErrAddressRequired — не указан адрес доставки.
	ErrAddressRequired = errors.New("shipping address is required")
	// ErrAmountNegative — денежная сумма не может быть отрицательной.
	ErrAmountNegative = errors.New("amount cannot be negative")
	// ErrCurrencyMismatch — арифметика над суммами в разных валютах запрещена.
	ErrCurrencyMismatch = errors.New("currency mismatch")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderAlreadyExists — заказ с таким ID уже сохранён.
	ErrOrderAlreadyExists = errors.New("order already exists")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrOutboxEventNotFound — событие outbox не найдено.
	ErrOutboxEventNotFound = errors.New("outbox event not found")
	// ErrIdempotencyKeyExists — запись с таким ключом уже создана другим запросом.
	ErrIdempotencyKeyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyRecordNotFound — запись идемпотентности не найдена или истекла.
	ErrIdempotencyRecordNotFound = errors.New("idempotency record not found")
	// ErrCallNotPermitted — circuit breaker в состоянии OPEN и не пропускает вызов.
	ErrCallNotPermitted = errors.New("circuit breaker is open, call not permitted")
	// ErrTimeout — вызов не уложился в лимит времени.
	ErrTimeout = errors.New("call timed out")
)

// ValidationError — некорректный ввод, отклоняется до любых внешних вызовов.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "validation failed: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError оборачивает причину в ValidationError.
func NewValidationError(err error) error {
	if err == nil {
		return nil
	}
	return &ValidationError{Err: err}
}

// BusinessError — легальный с точки зрения домена отказ (например, нет стока). Никогда не ретраится.
type BusinessError struct {
	Code    string
	Message string
}

func (e *BusinessError) Error() string { return e.Code + ": " + e.Message }

// Коды бизнес-ошибок.
const (
	BusinessCodeInsufficientStock = "INSUFFICIENT_STOCK"
	BusinessCodePaymentConflict   = "PAYMENT_CONFLICT"
	BusinessCodePaymentDeclined   = "PAYMENT_DECLINED"
	BusinessCodeRequestInProgress = "REQUEST_IN_PROGRESS"
)

// RetryableServiceError — временная ошибка внешнего сервиса (5xx, сеть).
type RetryableServiceError struct {
	Service    string
	StatusCode int
	Message    string
	Err        error
}

func (e *RetryableServiceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Service, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Service, e.Message)
}

func (e *RetryableServiceError) Unwrap() error { return e.Err }

// NonRetryableServiceError — клиентская ошибка внешнего сервиса (4xx), повтор бессмысленен.
type NonRetryableServiceError struct {
	Service    string
	StatusCode int
	Message    string
}

func (e *NonRetryableServiceError) Error() string {
	return fmt.Sprintf("%s: %s (status %d)", e.Service, e.Message, e.StatusCode)
}

// ServiceUnavailableError — терминальная ошибка после исчерпания ретраев или при открытом breaker.
type ServiceUnavailableError struct {
	Service string
	Message string
	Err     error
}

func (e *ServiceUnavailableError) Error() string {
	msg := e.Service + " unavailable"
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ServiceUnavailableError) Unwrap() error { return e.Err }

// IllegalStateTransitionError — нарушен порядок переходов заказа.
type IllegalStateTransitionError struct {
	From     OrderStatus
	To       OrderStatus
	Expected OrderStatus
}

func (e *IllegalStateTransitionError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("cannot transition from %s to %s", e.From, e.To)
	}
	return fmt.Sprintf("cannot transition from %s to %s, expected current status %s", e.From, e.To, e.Expected)
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsRetryable решает, стоит ли повторять вызов после ошибки.
// Бизнес-отказы, клиентские ошибки и открытый breaker не повторяются.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var (
		validation  *ValidationError
		business    *BusinessError
		nonRetry    *NonRetryableServiceError
		unavailable *ServiceUnavailableError
		transition  *IllegalStateTransitionError
		retryable   *RetryableServiceError
		netErr      net.Error
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &business), errors.As(err, &nonRetry),
		errors.As(err, &transition), errors.Is(err, ErrCallNotPermitted), errors.Is(err, context.Canceled):
		return false
	case errors.As(err, &unavailable):
		return false
	case errors.As(err, &retryable):
		return true
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return true
	case errors.As(err, &netErr):
		return true
	}
	return false
}

// IsBusinessOutcome сообщает, что ошибка отражает корректный ответ сервиса, а не его сбой.
// Такие ошибки не портят статистику circuit breaker.
func IsBusinessOutcome(err error) bool {
	var (
		validation *ValidationError
		business   *BusinessError
		nonRetry   *NonRetryableServiceError
	)
	return errors.As(err, &validation) || errors.As(err, &business) || errors.As(err, &nonRetry)
}
