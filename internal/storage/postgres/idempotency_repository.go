package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type idempotencyRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewIdempotencyRepository создаёт PostgreSQL-реализацию IdempotencyRepository.
func NewIdempotencyRepository(store *Store) domain.IdempotencyRepository {
	return &idempotencyRepository{
		db:  store.DB(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Insert атомарно занимает ключ. Конфликт с живой записью даёт ErrIdempotencyKeyExists,
// истёкшая на момент CreatedAt запись перезаписывается тем же запросом.
func (r *idempotencyRepository) Insert(record domain.IdempotencyRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = r.now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, order_id, status, response, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (key) DO UPDATE
		SET order_id = EXCLUDED.order_id,
		    status = EXCLUDED.status,
		    response = EXCLUDED.response,
		    created_at = EXCLUDED.created_at,
		    expires_at = EXCLUDED.expires_at
		WHERE idempotency_records.expires_at <= EXCLUDED.created_at
	`,
		record.Key, record.OrderID, string(record.Status), nullableBytes(record.Response),
		record.CreatedAt, record.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert idempotency record: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("idempotency rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrIdempotencyKeyExists
	}
	return nil
}

func (r *idempotencyRepository) Get(key string, now time.Time) (domain.IdempotencyRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var (
		record    domain.IdempotencyRecord
		statusRaw string
		response  []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT key, order_id, status, response, created_at, expires_at
		FROM idempotency_records
		WHERE key = $1
		  AND expires_at > $2
	`, key, now).Scan(
		&record.Key,
		&record.OrderID,
		&statusRaw,
		&response,
		&record.CreatedAt,
		&record.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyRecordNotFound
		}
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency record: %w", err)
	}

	record.Status = domain.IdempotencyStatus(statusRaw)
	if !record.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("invalid idempotency status %q for key %s", statusRaw, key)
	}
	record.Response = append([]byte(nil), response...)
	record.CreatedAt = record.CreatedAt.UTC()
	record.ExpiresAt = record.ExpiresAt.UTC()
	return record, nil
}

func (r *idempotencyRepository) Complete(key string, response []byte) error {
	return r.markStatus(key, domain.IdempotencyStatusCompleted, response)
}

func (r *idempotencyRepository) Fail(key string, response []byte) error {
	return r.markStatus(key, domain.IdempotencyStatusFailed, response)
}

func (r *idempotencyRepository) DeleteExpired(before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = r.now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var (
		res sql.Result
		err error
	)
	if limit > 0 {
		res, err = r.db.ExecContext(ctx, `
			DELETE FROM idempotency_records
			WHERE key IN (
				SELECT key
				FROM idempotency_records
				WHERE expires_at <= $1
				ORDER BY expires_at ASC
				LIMIT $2
			)
		`, before, limit)
	} else {
		res, err = r.db.ExecContext(ctx, `
			DELETE FROM idempotency_records
			WHERE expires_at <= $1
		`, before)
	}
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("idempotency rows affected: %w", err)
	}
	return int(affected), nil
}

func (r *idempotencyRepository) markStatus(key string, status domain.IdempotencyStatus, response []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET status = $1,
		    response = $2
		WHERE key = $3
	`, string(status), nullableBytes(response), key)
	if err != nil {
		return fmt.Errorf("mark idempotency record %s: %w", status, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("idempotency rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrIdempotencyRecordNotFound
	}
	return nil
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
