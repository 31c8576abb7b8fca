package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/order"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/saga"
)

// createOrchestrator создаёт оркестратор саги; события публикуются в Kafka,
// только если producer создан.
func createOrchestrator(deps *Dependencies, producer *kafka.Producer, sagaMetrics *metrics.SagaMetrics) *saga.Orchestrator {
	opts := []saga.Option{
		saga.WithLogger(deps.Logger.WithField("component", "saga")),
		saga.WithMetrics(sagaMetrics),
	}
	if producer != nil {
		opts = append(opts, saga.WithPublisher(producer))
	}
	return saga.NewOrchestrator(deps.Orders, deps.Inventory, deps.Payment, deps.Shipping, opts...)
}

// createExecutor выбирает синхронную обработку или запись в outbox.
func createExecutor(mode ProcessingMode, deps *Dependencies, orch *saga.Orchestrator, logger *log.Entry) order.Executor {
	if mode == ProcessingModeAsync {
		return order.NewAsyncExecutor(deps.Orders, logger.WithField("component", "order-async-executor"))
	}
	return order.NewSyncExecutor(deps.Orders, orch, logger.WithField("component", "order-sync-executor"))
}
