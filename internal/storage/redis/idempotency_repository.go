// Package redis хранит записи идемпотентности в Redis: ключ живёт ровно до истечения записи.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const (
	keyNamespace      = "fulfillment"
	idempotencyPrefix = "idempotency"
	opTimeout         = 2 * time.Second
)

type cmdable interface {
	Ping(ctx context.Context) *goredis.StatusCmd
	Get(ctx context.Context, key string) *goredis.StringCmd
	SetArgs(ctx context.Context, key string, value any, a goredis.SetArgs) *goredis.StatusCmd
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) *goredis.BoolCmd
}

// Config — параметры подключения.
type Config struct {
	URL          string
	Address      string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Client — подключение к Redis.
type Client struct {
	raw *goredis.Client
}

// Connect открывает подключение и проверяет его командой PING.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	opts, err := optionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	raw := goredis.NewClient(opts)
	if err := raw.Ping(ctx).Err(); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Client{raw: raw}, nil
}

func optionsFromConfig(cfg Config) (*goredis.Options, error) {
	if cfg.URL == "" && cfg.Address == "" {
		return nil, errors.New("redis url or address is required")
	}
	var opts *goredis.Options
	if cfg.URL != "" {
		parsed, err := goredis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &goredis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	return opts, nil
}

// Ping проверяет доступность Redis.
func (c *Client) Ping(ctx context.Context) error {
	return c.raw.Ping(ctx).Err()
}

// Close закрывает пул соединений.
func (c *Client) Close() error {
	if c == nil || c.raw == nil {
		return nil
	}
	return c.raw.Close()
}

type storedRecord struct {
	OrderID   string                   `json:"order_id"`
	Status    domain.IdempotencyStatus `json:"status"`
	Response  []byte                   `json:"response,omitempty"`
	CreatedAt time.Time                `json:"created_at"`
	ExpiresAt time.Time                `json:"expires_at"`
}

type idempotencyRepository struct {
	store cmdable
	now   func() time.Time
}

// NewIdempotencyRepository создаёт Redis-реализацию IdempotencyRepository.
func NewIdempotencyRepository(client *Client) domain.IdempotencyRepository {
	return newIdempotencyRepository(client.raw)
}

func newIdempotencyRepository(store cmdable) *idempotencyRepository {
	return &idempotencyRepository{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func idempotencyKey(key string) string {
	return keyNamespace + ":" + idempotencyPrefix + ":" + key
}

// Insert занимает ключ через SET NX. TTL равен сроку жизни записи,
// поэтому истёкший ключ Redis удаляет сам и его можно занять снова.
func (r *idempotencyRepository) Insert(record domain.IdempotencyRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = r.now()
	}
	ttl := record.ExpiresAt.Sub(record.CreatedAt)
	if ttl <= 0 {
		return fmt.Errorf("idempotency record %s already expired", record.Key)
	}

	body, err := json.Marshal(storedRecord{
		OrderID:   record.OrderID,
		Status:    record.Status,
		Response:  record.Response,
		CreatedAt: record.CreatedAt,
		ExpiresAt: record.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	ok, err := r.store.SetNX(ctx, idempotencyKey(record.Key), body, ttl).Result()
	if err != nil {
		return fmt.Errorf("insert idempotency record: %w", err)
	}
	if !ok {
		return domain.ErrIdempotencyKeyExists
	}
	return nil
}

func (r *idempotencyRepository) Get(key string, now time.Time) (domain.IdempotencyRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	stored, err := r.load(ctx, key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	record := domain.IdempotencyRecord{
		Key:       key,
		OrderID:   stored.OrderID,
		Status:    stored.Status,
		Response:  stored.Response,
		CreatedAt: stored.CreatedAt,
		ExpiresAt: stored.ExpiresAt,
	}
	if record.Expired(now) {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRecordNotFound
	}
	if !record.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("invalid idempotency status %q for key %s", record.Status, key)
	}
	return record, nil
}

func (r *idempotencyRepository) Complete(key string, response []byte) error {
	return r.finish(key, domain.IdempotencyStatusCompleted, response)
}

func (r *idempotencyRepository) Fail(key string, response []byte) error {
	return r.finish(key, domain.IdempotencyStatusFailed, response)
}

// ExpiresKeys сообщает воркеру очистки, что ключи живут по TTL.
func (r *idempotencyRepository) ExpiresKeys() bool { return true }

// DeleteExpired ничего не делает: истёкшие ключи удаляет сам Redis.
func (r *idempotencyRepository) DeleteExpired(time.Time, int) (int, error) {
	return 0, nil
}

func (r *idempotencyRepository) finish(key string, status domain.IdempotencyStatus, response []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	stored, err := r.load(ctx, key)
	if err != nil {
		return err
	}
	stored.Status = status
	stored.Response = response

	body, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	// XX: ключ, истёкший после чтения, не создаётся заново без TTL.
	err = r.store.SetArgs(ctx, idempotencyKey(key), body, goredis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return domain.ErrIdempotencyRecordNotFound
		}
		return fmt.Errorf("update idempotency record %s: %w", status, err)
	}
	return nil
}

func (r *idempotencyRepository) load(ctx context.Context, key string) (storedRecord, error) {
	raw, err := r.store.Get(ctx, idempotencyKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return storedRecord{}, domain.ErrIdempotencyRecordNotFound
		}
		return storedRecord{}, fmt.Errorf("get idempotency record: %w", err)
	}
	var stored storedRecord
	if err := json.Unmarshal(raw, &stored); err != nil {
		return storedRecord{}, fmt.Errorf("decode idempotency record: %w", err)
	}
	return stored, nil
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
