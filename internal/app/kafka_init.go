package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/kafka"
)

// initKafkaProducer создаёт producer, если брокеры заданы.
// Возвращает nil, nil при пустом списке брокеров.
func initKafkaProducer(cfg Config, logger *log.Entry) (*kafka.Producer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaClientID)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", cfg.KafkaBrokers).Info("kafka producer initialized")
	return producer, nil
}

// initShipmentConsumer подписывается на уведомления о доставке.
// Сообщения, которые не удалось обработать, уходят в DLQ через producer.
func initShipmentConsumer(cfg Config, recorder kafka.ShipmentRecorder, dlq *kafka.Producer, logger *log.Entry) (*kafka.Consumer, error) {
	if !cfg.ShipmentConsumerEnabled || len(cfg.KafkaBrokers) == 0 {
		return nil, nil
	}

	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:    cfg.KafkaBrokers,
		GroupID:    cfg.ShipmentConsumerGroup,
		Topics:     []string{kafka.TopicShipmentNotifications},
		MaxRetries: cfg.ShipmentConsumerMaxRetries,
		RetryDelay: cfg.ShipmentConsumerRetryDelay,
	}, kafka.NewShipmentNotificationHandler(recorder, logger.WithField("component", "shipment-consumer")), dlq)
	if err != nil {
		return nil, err
	}
	logger.WithField("group", cfg.ShipmentConsumerGroup).Info("shipment notification consumer initialized")
	return consumer, nil
}

// closeKafka закрывает producer, если он создан.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}
