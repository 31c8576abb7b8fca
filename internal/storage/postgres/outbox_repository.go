package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const outboxColumns = `id, aggregate_type, aggregate_id, event_type, payload, status,
	retry_count, error_message, created_at, processed_at`

type outboxRepository struct {
	db *sql.DB
}

// NewOutboxRepository создаёт PostgreSQL-реализацию OutboxRepository.
func NewOutboxRepository(store *Store) domain.OutboxRepository {
	return &outboxRepository{db: store.DB()}
}

// execer — общее у *sql.DB и *sql.Tx, чтобы вставка работала и внутри транзакции заказа.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertOutboxEvent(ctx context.Context, db execer, event domain.OutboxEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO outbox_events (
			id, aggregate_type, aggregate_id, event_type, payload,
			status, retry_count, error_message, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,0,'',$7)
	`,
		event.ID, event.AggregateType, event.AggregateID, event.EventType, event.Payload,
		string(domain.OutboxStatusPending), event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue outbox event: %w", err)
	}
	return nil
}

func (r *outboxRepository) Enqueue(event domain.OutboxEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return insertOutboxEvent(ctx, r.db, event)
}

// ClaimPending переводит партию PENDING → PROCESSING одним запросом.
// SKIP LOCKED не даёт двум poller'ам забрать одно событие.
func (r *outboxRepository) ClaimPending(limit int) ([]domain.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		UPDATE outbox_events
		SET status = $1
		WHERE id IN (
			SELECT id
			FROM outbox_events
			WHERE status = $2
			ORDER BY created_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxColumns,
		string(domain.OutboxStatusProcessing), string(domain.OutboxStatusPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim pending outbox events: %w", err)
	}
	events, err := scanOutboxEvents(rows)
	if err != nil {
		return nil, err
	}
	sortByCreatedAt(events)
	return events, nil
}

func (r *outboxRepository) MarkProcessed(id string, at time.Time) error {
	return r.update(id, `
		UPDATE outbox_events
		SET status = $2, processed_at = $3, error_message = ''
		WHERE id = $1
	`, string(domain.OutboxStatusProcessed), at.UTC())
}

func (r *outboxRepository) MarkFailed(id string, reason string) error {
	return r.update(id, `
		UPDATE outbox_events
		SET status = $2, retry_count = retry_count + 1, error_message = $3
		WHERE id = $1
	`, string(domain.OutboxStatusFailed), reason)
}

func (r *outboxRepository) update(id, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("update outbox event %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for outbox event %s: %w", id, err)
	}
	if affected == 0 {
		return domain.ErrOutboxEventNotFound
	}
	return nil
}

func (r *outboxRepository) RequeueFailed(maxRetries, limit int) ([]domain.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		UPDATE outbox_events
		SET status = $1
		WHERE id IN (
			SELECT id
			FROM outbox_events
			WHERE status = $2
			  AND retry_count < $3
			ORDER BY created_at, id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxColumns,
		string(domain.OutboxStatusPending), string(domain.OutboxStatusFailed), maxRetries, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("requeue failed outbox events: %w", err)
	}
	events, err := scanOutboxEvents(rows)
	if err != nil {
		return nil, err
	}
	sortByCreatedAt(events)
	return events, nil
}

// ReleaseClaimed возвращает в PENDING события, которые poller забрал, но не начал обрабатывать.
func (r *outboxRepository) ReleaseClaimed(ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = $1
		WHERE status = $2
		  AND id = ANY($3::text[])
	`, string(domain.OutboxStatusPending), string(domain.OutboxStatusProcessing), ids)
	if err != nil {
		return 0, fmt.Errorf("release claimed outbox events: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected for released outbox events: %w", err)
	}
	return int(affected), nil
}

func (r *outboxRepository) DeleteProcessedBefore(before time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM outbox_events
		WHERE status = $1
		  AND processed_at < $2
	`, string(domain.OutboxStatusProcessed), before)
	if err != nil {
		return 0, fmt.Errorf("delete processed outbox events: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("outbox rows affected: %w", err)
	}
	return int(affected), nil
}

func (r *outboxRepository) Get(id string) (domain.OutboxEvent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT `+outboxColumns+` FROM outbox_events WHERE id = $1`, id)
	if err != nil {
		return domain.OutboxEvent{}, fmt.Errorf("get outbox event: %w", err)
	}
	events, err := scanOutboxEvents(rows)
	if err != nil {
		return domain.OutboxEvent{}, err
	}
	if len(events) == 0 {
		return domain.OutboxEvent{}, domain.ErrOutboxEventNotFound
	}
	return events[0], nil
}

func (r *outboxRepository) ListByAggregate(aggregateID string) ([]domain.OutboxEvent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_events
		WHERE aggregate_id = $1
		ORDER BY created_at, id
	`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("list outbox events: %w", err)
	}
	return scanOutboxEvents(rows)
}

func (r *outboxRepository) Stats() (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = $1),
			COUNT(*) FILTER (WHERE status = $2),
			COUNT(*) FILTER (WHERE status = $3),
			MIN(created_at) FILTER (WHERE status = $1)
		FROM outbox_events
	`,
		string(domain.OutboxStatusPending),
		string(domain.OutboxStatusProcessing),
		string(domain.OutboxStatusFailed),
	).Scan(&stats.PendingCount, &stats.ProcessingCount, &stats.FailedCount, &oldest); err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox stats query failed: %w", err)
	}

	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func scanOutboxEvents(rows *sql.Rows) ([]domain.OutboxEvent, error) {
	defer rows.Close()

	events := make([]domain.OutboxEvent, 0)
	for rows.Next() {
		var (
			e           domain.OutboxEvent
			status      string
			processedAt sql.NullTime
		)
		if err := rows.Scan(
			&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Payload, &status,
			&e.RetryCount, &e.ErrorMessage, &e.CreatedAt, &processedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		e.Status = domain.OutboxStatus(status)
		e.CreatedAt = e.CreatedAt.UTC()
		if processedAt.Valid {
			at := processedAt.Time.UTC()
			e.ProcessedAt = &at
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return events, nil
}

// sortByCreatedAt восстанавливает порядок: RETURNING его не гарантирует.
func sortByCreatedAt(events []domain.OutboxEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].ID < events[j].ID
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
}

var _ domain.OutboxRepository = (*outboxRepository)(nil)
