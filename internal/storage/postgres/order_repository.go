package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const (
	opTimeout = 5 * time.Second
)

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

func (r *orderRepository) Create(order *domain.Order) error {
	return r.inTx(func(ctx context.Context, tx *sql.Tx) error {
		return insertOrder(ctx, tx, order)
	})
}

// CreateWithOutbox сохраняет заказ и событие в одной транзакции.
func (r *orderRepository) CreateWithOutbox(order *domain.Order, event domain.OutboxEvent) error {
	return r.inTx(func(ctx context.Context, tx *sql.Tx) error {
		if err := insertOrder(ctx, tx, order); err != nil {
			return err
		}
		return insertOutboxEvent(ctx, tx, event)
	})
}

func (r *orderRepository) inTx(fn func(ctx context.Context, tx *sql.Tx) error) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(ctx, tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func insertOrder(ctx context.Context, tx *sql.Tx, order *domain.Order) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, shipping_address, status, idempotency_key, payment_idempotency_key,
			tracking_number, error_message, version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		order.ID, order.ShippingAddress, string(order.Status), order.IdempotencyKey,
		order.PaymentIdempotencyKey, order.TrackingNumber, order.ErrorMessage,
		order.Version, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrOrderAlreadyExists
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for i, line := range order.Items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_lines (order_id, position, sku, quantity, unit_price, currency)
			VALUES ($1,$2,$3,$4,$5,$6)
		`,
			order.ID, i, line.SKU, line.Quantity, line.UnitPrice.StringFixed(), line.UnitPrice.Currency(),
		); err != nil {
			return fmt.Errorf("insert order line: %w", err)
		}
	}
	return nil
}

func (r *orderRepository) Get(id string) (*domain.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var (
		orderID, address, status, key, paymentKey, tracking, errMsg string
		version                                                     int64
		createdAt, updatedAt                                        time.Time
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, shipping_address, status, idempotency_key, payment_idempotency_key,
		       tracking_number, error_message, version, created_at, updated_at
		FROM orders
		WHERE id = $1
	`, id).Scan(&orderID, &address, &status, &key, &paymentKey, &tracking, &errMsg, &version, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, fmt.Errorf("select order: %w", err)
	}

	items, err := r.loadLines(ctx, orderID)
	if err != nil {
		return nil, err
	}

	return domain.ReconstituteOrder(
		orderID, items, address, domain.OrderStatus(status),
		key, paymentKey, tracking, errMsg, version,
		createdAt.UTC(), updatedAt.UTC(),
	), nil
}

// Save обновляет изменяемые поля заказа. Позиции после создания не меняются.
func (r *orderRepository) Save(order *domain.Order) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $1,
		    tracking_number = $2,
		    error_message = $3,
		    version = version + 1,
		    updated_at = $4
		WHERE id = $5
		  AND version = $6
	`,
		string(order.Status), order.TrackingNumber, order.ErrorMessage,
		order.UpdatedAt, order.ID, order.Version,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		exists, err := r.orderExists(ctx, order.ID)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrOrderNotFound
		}
		return domain.ErrOrderVersionConflict
	}

	order.Version++
	return nil
}

func (r *orderRepository) loadLines(ctx context.Context, orderID string) ([]domain.OrderLine, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sku, quantity, unit_price::text, currency
		FROM order_lines
		WHERE order_id = $1
		ORDER BY position ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order lines: %w", err)
	}
	defer rows.Close()

	items := make([]domain.OrderLine, 0)
	for rows.Next() {
		var (
			line             domain.OrderLine
			amount, currency string
		)
		if err := rows.Scan(&line.SKU, &line.Quantity, &amount, &currency); err != nil {
			return nil, fmt.Errorf("scan order line: %w", err)
		}
		price, err := domain.ParseMoney(amount, currency)
		if err != nil {
			return nil, fmt.Errorf("parse unit price of %s: %w", line.SKU, err)
		}
		line.UnitPrice = price
		items = append(items, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order lines: %w", err)
	}

	return items, nil
}

func (r *orderRepository) orderExists(ctx context.Context, orderID string) (bool, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM orders WHERE id = $1`, orderID).Scan(&id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check order exists: %w", err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ domain.OrderRepository = (*orderRepository)(nil)
