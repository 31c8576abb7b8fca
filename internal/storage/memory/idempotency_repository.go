package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type idempotencyRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.IdempotencyRecord
	now   func() time.Time
}

// NewIdempotencyRepository создаёт in-memory реализацию IdempotencyRepository.
func NewIdempotencyRepository() domain.IdempotencyRepository {
	return &idempotencyRepositoryInMemory{
		items: make(map[string]domain.IdempotencyRecord),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Insert: побеждает первый писатель, истёкшая на момент CreatedAt запись замещается.
func (r *idempotencyRepositoryInMemory) Insert(record domain.IdempotencyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	at := record.CreatedAt
	if at.IsZero() {
		at = r.now()
	}
	if existing, ok := r.items[record.Key]; ok && !existing.Expired(at) {
		return domain.ErrIdempotencyKeyExists
	}
	record.Response = append([]byte(nil), record.Response...)
	r.items[record.Key] = record
	return nil
}

func (r *idempotencyRepositoryInMemory) Get(key string, now time.Time) (domain.IdempotencyRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.items[key]
	if !ok || record.Expired(now) {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRecordNotFound
	}
	record.Response = append([]byte(nil), record.Response...)
	return record, nil
}

func (r *idempotencyRepositoryInMemory) Complete(key string, response []byte) error {
	return r.finish(key, domain.IdempotencyStatusCompleted, response)
}

func (r *idempotencyRepositoryInMemory) Fail(key string, response []byte) error {
	return r.finish(key, domain.IdempotencyStatusFailed, response)
}

func (r *idempotencyRepositoryInMemory) finish(key string, status domain.IdempotencyStatus, response []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.items[key]
	if !ok {
		return domain.ErrIdempotencyRecordNotFound
	}
	record.Status = status
	record.Response = append([]byte(nil), response...)
	r.items[key] = record
	return nil
}

// DeleteExpired удаляет самые старые истёкшие записи, не больше limit.
func (r *idempotencyRepositoryInMemory) DeleteExpired(before time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	expired := make([]domain.IdempotencyRecord, 0)
	for _, record := range r.items {
		if record.Expired(before) {
			expired = append(expired, record)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, record := range expired {
		delete(r.items, record.Key)
	}
	return len(expired), nil
}

var _ domain.IdempotencyRepository = (*idempotencyRepositoryInMemory)(nil)
