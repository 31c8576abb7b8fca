package memory

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

var errOutboxNotConfigured = errors.New("memory: order repository created without outbox")

// outboxRecord хранит событие и порядковый номер вставки для стабильной сортировки.
type outboxRecord struct {
	event domain.OutboxEvent
	seq   uint64
}

// outboxRepositoryInMemory — простое in-memory хранилище для transactional outbox.
type outboxRepositoryInMemory struct {
	mu      sync.RWMutex
	records map[string]*outboxRecord
	seq     uint64
	now     func() time.Time
}

// NewOutboxRepository создаёт in-memory реализацию outbox.
func NewOutboxRepository() *outboxRepositoryInMemory {
	return &outboxRepositoryInMemory{
		records: make(map[string]*outboxRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue сохраняет событие со статусом PENDING.
func (r *outboxRepositoryInMemory) Enqueue(event domain.OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enqueueLocked(event)
}

func (r *outboxRepositoryInMemory) enqueueLocked(event domain.OutboxEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if _, exists := r.records[event.ID]; exists {
		return errors.New("memory: outbox event already exists")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = r.now()
	}
	event.Status = domain.OutboxStatusPending
	event.Payload = append([]byte(nil), event.Payload...)
	r.seq++
	r.records[event.ID] = &outboxRecord{event: event, seq: r.seq}
	return nil
}

// ClaimPending переводит до limit старейших PENDING событий в PROCESSING.
func (r *outboxRepositoryInMemory) ClaimPending(limit int) ([]domain.OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	claimed := r.oldestLocked(domain.OutboxStatusPending, limit, nil)
	out := make([]domain.OutboxEvent, 0, len(claimed))
	for _, rec := range claimed {
		rec.event.Status = domain.OutboxStatusProcessing
		out = append(out, cloneEvent(rec.event))
	}
	return out, nil
}

// MarkProcessed фиксирует успешную обработку.
func (r *outboxRepositoryInMemory) MarkProcessed(id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return domain.ErrOutboxEventNotFound
	}
	processedAt := at.UTC()
	rec.event.Status = domain.OutboxStatusProcessed
	rec.event.ProcessedAt = &processedAt
	rec.event.ErrorMessage = ""
	return nil
}

// MarkFailed фиксирует ошибку и увеличивает счётчик попыток.
func (r *outboxRepositoryInMemory) MarkFailed(id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return domain.ErrOutboxEventNotFound
	}
	rec.event.Status = domain.OutboxStatusFailed
	rec.event.RetryCount++
	rec.event.ErrorMessage = reason
	return nil
}

// RequeueFailed возвращает в PENDING FAILED события, у которых остались попытки.
func (r *outboxRepositoryInMemory) RequeueFailed(maxRetries, limit int) ([]domain.OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	eligible := r.oldestLocked(domain.OutboxStatusFailed, limit, func(e domain.OutboxEvent) bool {
		return e.RetryCount < maxRetries
	})
	out := make([]domain.OutboxEvent, 0, len(eligible))
	for _, rec := range eligible {
		rec.event.Status = domain.OutboxStatusPending
		out = append(out, cloneEvent(rec.event))
	}
	return out, nil
}

// ReleaseClaimed возвращает в PENDING забранные, но не обработанные события.
// Счётчик попыток не меняется.
func (r *outboxRepositoryInMemory) ReleaseClaimed(ids []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	released := 0
	for _, id := range ids {
		rec, ok := r.records[id]
		if !ok || rec.event.Status != domain.OutboxStatusProcessing {
			continue
		}
		rec.event.Status = domain.OutboxStatusPending
		released++
	}
	return released, nil
}

// DeleteProcessedBefore удаляет PROCESSED события, обработанные раньше before.
func (r *outboxRepositoryInMemory) DeleteProcessedBefore(before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deleted := 0
	for id, rec := range r.records {
		e := rec.event
		if e.Status == domain.OutboxStatusProcessed && e.ProcessedAt != nil && e.ProcessedAt.Before(before) {
			delete(r.records, id)
			deleted++
		}
	}
	return deleted, nil
}

// Get возвращает событие по ID.
func (r *outboxRepositoryInMemory) Get(id string) (domain.OutboxEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return domain.OutboxEvent{}, domain.ErrOutboxEventNotFound
	}
	return cloneEvent(rec.event), nil
}

// ListByAggregate возвращает события агрегата в порядке вставки.
func (r *outboxRepositoryInMemory) ListByAggregate(aggregateID string) ([]domain.OutboxEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	recs := make([]*outboxRecord, 0)
	for _, rec := range r.records {
		if rec.event.AggregateID == aggregateID {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	out := make([]domain.OutboxEvent, 0, len(recs))
	for _, rec := range recs {
		out = append(out, cloneEvent(rec.event))
	}
	return out, nil
}

// Stats возвращает размер backlog по статусам.
func (r *outboxRepositoryInMemory) Stats() (domain.OutboxStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats domain.OutboxStats
	for _, rec := range r.records {
		switch rec.event.Status {
		case domain.OutboxStatusPending:
			stats.PendingCount++
			if created := rec.event.CreatedAt; stats.OldestPendingAt.IsZero() || created.Before(stats.OldestPendingAt) {
				stats.OldestPendingAt = created
			}
		case domain.OutboxStatusProcessing:
			stats.ProcessingCount++
		case domain.OutboxStatusFailed:
			stats.FailedCount++
		}
	}
	return stats, nil
}

func (r *outboxRepositoryInMemory) oldestLocked(status domain.OutboxStatus, limit int, keep func(domain.OutboxEvent) bool) []*outboxRecord {
	if limit <= 0 {
		limit = 100
	}
	matched := make([]*outboxRecord, 0)
	for _, rec := range r.records {
		if rec.event.Status != status {
			continue
		}
		if keep != nil && !keep(rec.event) {
			continue
		}
		matched = append(matched, rec)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].event.CreatedAt.Equal(matched[j].event.CreatedAt) {
			return matched[i].event.CreatedAt.Before(matched[j].event.CreatedAt)
		}
		return matched[i].seq < matched[j].seq
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}

func cloneEvent(e domain.OutboxEvent) domain.OutboxEvent {
	e.Payload = append([]byte(nil), e.Payload...)
	if e.ProcessedAt != nil {
		at := *e.ProcessedAt
		e.ProcessedAt = &at
	}
	return e
}

var _ domain.OutboxRepository = (*outboxRepositoryInMemory)(nil)
