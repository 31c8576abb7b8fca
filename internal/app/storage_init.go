package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/fulfillment/internal/health"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/fulfillment/internal/storage/redis"
)

// storage — репозитории выбранного драйвера и ресурсы, которые нужно закрыть при остановке.
type storage struct {
	orders      domain.OrderRepository
	outbox      domain.OutboxRepository
	idempotency domain.IdempotencyRepository
	checkers    map[string]healthcheck.Checker
	closers     []func() error
}

func (s *storage) close(logger *log.Entry) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}
}

// initStorage открывает хранилище по драйверу. Redis, если задан, заменяет
// хранилище ключей идемпотентности.
func initStorage(ctx context.Context, cfg Config, logger *log.Entry) (*storage, error) {
	s := &storage{checkers: make(map[string]healthcheck.Checker)}

	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		outbox := memory.NewOutboxRepository()
		s.orders = memory.NewOrderRepositoryWithOutbox(outbox)
		s.outbox = outbox
		s.idempotency = memory.NewIdempotencyRepository()
		logger.Info("using in-memory storage")
	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres dsn is required for storage driver %q", cfg.StorageDriver)
		}
		store, err := postgres.OpenWithPool(ctx, cfg.PostgresDSN, postgres.PoolConfig{
			MaxOpenConns:    cfg.PostgresMaxOpenConns,
			MaxIdleConns:    cfg.PostgresMaxIdleConns,
			ConnMaxLifetime: cfg.PostgresConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, store.Close)
		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				s.close(logger)
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		s.orders = postgres.NewOrderRepository(store)
		s.outbox = postgres.NewOutboxRepository(store)
		s.idempotency = postgres.NewIdempotencyRepository(store)
		s.checkers["postgres"] = healthcheck.NewSimpleChecker("postgres", store.Ping)
		logger.Info("using postgres storage")
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	if cfg.RedisURL != "" {
		client, err := redisstore.Connect(ctx, redisstore.Config{URL: cfg.RedisURL})
		if err != nil {
			s.close(logger)
			return nil, err
		}
		s.closers = append(s.closers, client.Close)
		s.idempotency = redisstore.NewIdempotencyRepository(client)
		s.checkers["redis"] = healthcheck.NewSimpleChecker("redis", client.Ping)
		logger.Info("idempotency keys stored in redis")
	}
	return s, nil
}
