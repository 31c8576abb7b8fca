package domain

import "time"

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ. Возвращает ErrOrderAlreadyExists при дубликате ID.
	Create(order *Order) error
	// CreateWithOutbox атомарно сохраняет заказ и событие outbox.
	CreateWithOutbox(order *Order, event OutboxEvent) error
	// Get возвращает копию заказа или ErrOrderNotFound.
	Get(id string) (*Order, error)
	// Save применяет изменения с optimistic locking и увеличивает Version.
	Save(order *Order) error
}

// OutboxRepository хранит события transactional outbox.
type OutboxRepository interface {
	// Enqueue сохраняет событие в статусе PENDING.
	Enqueue(event OutboxEvent) error
	// ClaimPending атомарно переводит до limit старейших PENDING событий в PROCESSING.
	ClaimPending(limit int) ([]OutboxEvent, error)
	// MarkProcessed фиксирует успешную обработку.
	MarkProcessed(id string, at time.Time) error
	// MarkFailed фиксирует ошибку и увеличивает счётчик попыток.
	MarkFailed(id string, reason string) error
	// RequeueFailed возвращает в PENDING до limit FAILED событий с RetryCount < maxRetries.
	RequeueFailed(maxRetries, limit int) ([]OutboxEvent, error)
	// ReleaseClaimed возвращает события из PROCESSING в PENDING без увеличения RetryCount.
	ReleaseClaimed(ids []string) (int, error)
	// DeleteProcessedBefore удаляет PROCESSED события, обработанные раньше before.
	DeleteProcessedBefore(before time.Time) (int, error)
	// Get возвращает событие по ID или ErrOutboxEventNotFound.
	Get(id string) (OutboxEvent, error)
	// ListByAggregate возвращает события агрегата в порядке создания.
	ListByAggregate(aggregateID string) ([]OutboxEvent, error)
	// Stats возвращает агрегаты по backlog.
	Stats() (OutboxStats, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	// Insert создаёт запись; если живая запись с ключом уже есть — ErrIdempotencyKeyExists.
	// Истёкшая запись с тем же ключом замещается.
	Insert(record IdempotencyRecord) error
	// Get возвращает неистёкшую запись или ErrIdempotencyRecordNotFound.
	Get(key string, now time.Time) (IdempotencyRecord, error)
	// Complete переводит запись в COMPLETED с сохранённым ответом.
	Complete(key string, response []byte) error
	// Fail переводит запись в FAILED с сохранённым ответом об ошибке.
	Fail(key string, response []byte) error
	// DeleteExpired удаляет до limit записей с ExpiresAt <= before.
	DeleteExpired(before time.Time, limit int) (int, error)
}
