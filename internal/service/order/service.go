package order

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/idempotency"
)

// ErrRequestInProgress — запрос с тем же ключом идемпотентности ещё выполняется.
var ErrRequestInProgress = &domain.BusinessError{
	Code:    domain.BusinessCodeRequestInProgress,
	Message: domain.MessageRequestInFlight,
}

// CreateOrderCommand — входные данные создания заказа.
type CreateOrderCommand struct {
	Items           []domain.OrderLine
	ShippingAddress string
	// IdempotencyKey генерируется, если пуст.
	IdempotencyKey string
}

// CreateOrderOutcome — результат вместе с признаком повторного ответа.
type CreateOrderOutcome struct {
	Result         domain.OrderResult
	IdempotencyKey string
	Replayed       bool
}

// Service — use case создания и чтения заказов.
type Service struct {
	orders   domain.OrderRepository
	idem     *idempotency.Service
	executor Executor
	logger   *log.Entry
}

// NewService собирает use case. Выбор executor определяет синхронный или асинхронный режим.
func NewService(orders domain.OrderRepository, idem *idempotency.Service, executor Executor, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "order-service")
	}
	return &Service{
		orders:   orders,
		idem:     idem,
		executor: executor,
		logger:   logger,
	}
}

// CreateOrder выполняет протокол идемпотентности и обрабатывает заказ.
// Ошибка возвращается только для невалидного ввода, занятого ключа и сбоя хранилища ключей.
// Неуспех обработки приходит как OrderResult со статусом FAILED.
func (s *Service) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (CreateOrderOutcome, error) {
	key := strings.TrimSpace(cmd.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}
	logger := s.logger.WithField("idempotency_key", key)
	logger.WithField("items", len(cmd.Items)).Info("received order request")

	if cached, found, err := s.idem.GetExistingResult(key); err != nil {
		return CreateOrderOutcome{}, err
	} else if found {
		return CreateOrderOutcome{Result: cached, IdempotencyKey: key, Replayed: true}, nil
	}
	if s.idem.IsInProgress(key) {
		logger.Warn("request already in progress")
		return CreateOrderOutcome{}, ErrRequestInProgress
	}

	order, err := domain.NewOrder(cmd.Items, cmd.ShippingAddress, key)
	if err != nil {
		return CreateOrderOutcome{}, err
	}

	claimed, err := s.idem.MarkInProgress(key, order.ID)
	if err != nil {
		return CreateOrderOutcome{}, err
	}
	if !claimed {
		logger.Warn("idempotency key claimed concurrently")
		return CreateOrderOutcome{}, ErrRequestInProgress
	}

	result := s.execute(ctx, order)
	if result.Failed() {
		if err := s.idem.MarkFailed(key, result); err != nil {
			logger.WithError(err).Warn("failed to store failed result")
		}
	} else if err := s.idem.SaveResult(key, result); err != nil {
		logger.WithError(err).Warn("failed to store result")
	}

	logger.WithFields(log.Fields{
		"order_id": result.OrderID,
		"status":   result.Status,
	}).Info("order request handled")
	return CreateOrderOutcome{Result: result, IdempotencyKey: key}, nil
}

func (s *Service) execute(ctx context.Context, order *domain.Order) (result domain.OrderResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("panic", r).WithField("order_id", order.ID).Error("order processing panicked")
			result = failure(order.ID, fmt.Errorf("internal server error: %v", r))
		}
	}()
	return s.executor.Execute(ctx, order)
}

// GetOrder возвращает текущее состояние заказа.
func (s *Service) GetOrder(id string) (domain.OrderResult, error) {
	order, err := s.orders.Get(id)
	if err != nil {
		if !errors.Is(err, domain.ErrOrderNotFound) {
			s.logger.WithError(err).WithField("order_id", id).Error("failed to load order")
		}
		return domain.OrderResult{}, err
	}
	return domain.OrderResultFromOrder(order), nil
}

// maxShipmentConflictRetries — число повторов при конкурентном изменении заказа.
const maxShipmentConflictRetries = 3

// RecordShipment сохраняет трек-номер, пришедший уведомлением после отложенной доставки.
// Повторное уведомление с тем же номером ничего не меняет.
func (s *Service) RecordShipment(_ context.Context, orderID, trackingNumber string) error {
	if strings.TrimSpace(trackingNumber) == "" {
		return domain.NewValidationError(errors.New("tracking number is required"))
	}

	var lastErr error
	for attempt := 0; attempt < maxShipmentConflictRetries; attempt++ {
		order, err := s.orders.Get(orderID)
		if err != nil {
			return err
		}
		if order.TrackingNumber == trackingNumber {
			return nil
		}
		if err := order.MarkShipped(trackingNumber); err != nil {
			return err
		}
		err = s.orders.Save(order)
		if err == nil {
			s.logger.WithFields(log.Fields{
				"order_id":        orderID,
				"tracking_number": trackingNumber,
			}).Info("tracking number recorded")
			return nil
		}
		if !domain.IsVersionConflict(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("record shipment for order %s: %w", orderID, lastErr)
}
