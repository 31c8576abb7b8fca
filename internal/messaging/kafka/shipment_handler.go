package kafka

import (
	"context"
	"errors"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// ShipmentRecorder фиксирует трек-номер заказа.
type ShipmentRecorder interface {
	RecordShipment(ctx context.Context, orderID, trackingNumber string) error
}

// NewShipmentNotificationHandler связывает уведомления службы доставки с заказами,
// завершёнными с отложенной доставкой.
func NewShipmentNotificationHandler(recorder ShipmentRecorder, logger *log.Entry) MessageHandler {
	if logger == nil {
		logger = log.WithField("component", "shipment-notifications")
	}
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		n, err := ParseShipmentNotification(message)
		if err != nil {
			return Permanent(err)
		}

		err = recorder.RecordShipment(ctx, n.OrderID, n.TrackingNumber)
		if err == nil {
			return nil
		}

		var (
			validation *domain.ValidationError
			illegal    *domain.IllegalStateTransitionError
		)
		switch {
		case errors.Is(err, domain.ErrOrderNotFound),
			errors.As(err, &validation),
			errors.As(err, &illegal):
			logger.WithError(err).WithField("order_id", n.OrderID).Warn("shipment notification rejected")
			return Permanent(err)
		default:
			return err
		}
	}
}
