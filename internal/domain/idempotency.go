package domain

import "time"

// IdempotencyStatus описывает жизненный цикл ключа идемпотентности.
type IdempotencyStatus string

const (
	// IdempotencyStatusInProgress — запрос принят и ещё обрабатывается.
	IdempotencyStatusInProgress IdempotencyStatus = "IN_PROGRESS"
	// IdempotencyStatusCompleted — запрос завершён, ответ сохранён.
	IdempotencyStatusCompleted IdempotencyStatus = "COMPLETED"
	// IdempotencyStatusFailed — обработка завершилась ошибкой, ответ об ошибке тоже сохранён.
	IdempotencyStatusFailed IdempotencyStatus = "FAILED"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusInProgress, IdempotencyStatusCompleted, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// IdempotencyRecord хранит состояние обработки запроса с idempotency-key.
type IdempotencyRecord struct {
	Key       string
	OrderID   string
	Status    IdempotencyStatus
	Response  []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired сообщает, что запись больше не должна учитываться.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}
