package idempotency

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// DefaultExpiry — срок жизни ключа идемпотентности по умолчанию.
const DefaultExpiry = 24 * time.Hour

// Service реализует протокол идемпотентного создания заказа поверх IdempotencyRepository.
// Единственный механизм конкурентного контроля — уникальность ключа в хранилище.
type Service struct {
	repo   domain.IdempotencyRepository
	expiry time.Duration
	logger *log.Entry
	now    func() time.Time
}

// Option настраивает Service.
type Option func(*Service)

// WithExpiry задает срок жизни записи.
func WithExpiry(expiry time.Duration) Option {
	return func(s *Service) {
		if expiry > 0 {
			s.expiry = expiry
		}
	}
}

// WithServiceLogger задает logger сервиса.
func WithServiceLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService создает сервис идемпотентности.
func NewService(repo domain.IdempotencyRepository, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		expiry: DefaultExpiry,
		logger: log.WithField("component", "idempotency-service"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Expiry возвращает применённый срок жизни записи.
func (s *Service) Expiry() time.Duration { return s.expiry }

// GetExistingResult возвращает сохранённый ответ для ключа. Успешные и неуспешные
// результаты воспроизводятся одинаково; запись в обработке результата не имеет.
func (s *Service) GetExistingResult(key string) (domain.OrderResult, bool, error) {
	record, err := s.repo.Get(key, s.now())
	if err != nil {
		if errors.Is(err, domain.ErrIdempotencyRecordNotFound) {
			return domain.OrderResult{}, false, nil
		}
		return domain.OrderResult{}, false, fmt.Errorf("get idempotency record: %w", err)
	}
	if record.Status == domain.IdempotencyStatusInProgress || len(record.Response) == 0 {
		return domain.OrderResult{}, false, nil
	}

	var result domain.OrderResult
	if err := json.Unmarshal(record.Response, &result); err != nil {
		return domain.OrderResult{}, false, fmt.Errorf("decode cached response for key %s: %w", key, err)
	}
	s.logger.WithFields(log.Fields{
		"idempotency_key": key,
		"status":          record.Status,
	}).Info("returning cached result")
	return result, true, nil
}

// IsInProgress сообщает, что запрос с этим ключом ещё обрабатывается.
func (s *Service) IsInProgress(key string) bool {
	record, err := s.repo.Get(key, s.now())
	if err != nil {
		if !errors.Is(err, domain.ErrIdempotencyRecordNotFound) {
			s.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to check idempotency record")
		}
		return false
	}
	return record.Status == domain.IdempotencyStatusInProgress
}

// MarkInProgress занимает ключ. false без ошибки означает, что ключ уже занят другим запросом.
func (s *Service) MarkInProgress(key, orderID string) (bool, error) {
	now := s.now()
	err := s.repo.Insert(domain.IdempotencyRecord{
		Key:       key,
		OrderID:   orderID,
		Status:    domain.IdempotencyStatusInProgress,
		CreatedAt: now,
		ExpiresAt: now.Add(s.expiry),
	})
	switch {
	case err == nil:
		s.logger.WithFields(log.Fields{
			"idempotency_key": key,
			"order_id":        orderID,
		}).Debug("idempotency key marked in progress")
		return true, nil
	case errors.Is(err, domain.ErrIdempotencyKeyExists):
		s.logger.WithField("idempotency_key", key).Info("idempotency key already claimed")
		return false, nil
	default:
		return false, fmt.Errorf("mark idempotency key in progress: %w", err)
	}
}

// SaveResult сохраняет успешный ответ.
func (s *Service) SaveResult(key string, result domain.OrderResult) error {
	return s.finish(key, result, domain.IdempotencyStatusCompleted)
}

// MarkFailed сохраняет ответ об ошибке, повтор с тем же ключом вернёт его же.
func (s *Service) MarkFailed(key string, result domain.OrderResult) error {
	return s.finish(key, result, domain.IdempotencyStatusFailed)
}

func (s *Service) finish(key string, result domain.OrderResult, status domain.IdempotencyStatus) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode idempotent response: %w", err)
	}

	if status == domain.IdempotencyStatusFailed {
		err = s.repo.Fail(key, payload)
	} else {
		err = s.repo.Complete(key, payload)
	}
	if errors.Is(err, domain.ErrIdempotencyRecordNotFound) {
		s.logger.WithFields(log.Fields{
			"idempotency_key": key,
			"status":          status,
		}).Warn("idempotency record not found while saving result")
		return nil
	}
	if err != nil {
		return fmt.Errorf("save idempotent response: %w", err)
	}
	return nil
}
