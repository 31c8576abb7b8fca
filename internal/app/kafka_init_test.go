package app

import (
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
)

func TestInitKafkaProducer_EmptyBrokers(t *testing.T) {
	logger, _ := test.NewNullLogger()

	producer, err := initKafkaProducer(DefaultConfig(), logger.WithField("test", "kafka"))
	if err != nil {
		t.Errorf("expected no error for empty brokers, got %v", err)
	}
	if producer != nil {
		t.Error("expected nil producer for empty brokers")
	}
}

func TestInitKafkaProducer_InvalidBrokers(t *testing.T) {
	if testing.Short() {
		t.Skip("dials unreachable brokers")
	}
	logger, _ := test.NewNullLogger()
	cfg := DefaultConfig()
	cfg.KafkaBrokers = []string{"invalid-broker:9999"}

	producer, err := initKafkaProducer(cfg, logger.WithField("test", "kafka"))
	if err == nil {
		t.Error("expected error for invalid brokers")
	}
	if producer != nil {
		t.Error("expected nil producer on error")
	}
}

func TestInitShipmentConsumer_DisabledByDefault(t *testing.T) {
	logger, _ := test.NewNullLogger()

	consumer, err := initShipmentConsumer(DefaultConfig(), nil, nil, logger.WithField("test", "kafka"))
	if err != nil || consumer != nil {
		t.Fatalf("expected no consumer, got %v, %v", consumer, err)
	}
}

func TestCloseKafka_NilProducer(t *testing.T) {
	logger, _ := test.NewNullLogger()

	// не должно паниковать
	closeKafka(nil, logger.WithField("test", "kafka"))
}
