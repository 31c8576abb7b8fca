package app

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/order"
)

func testOrder(t *testing.T) *domain.Order {
	t.Helper()
	price, err := domain.MoneyOf(decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("money: %v", err)
	}
	o, err := domain.NewOrder([]domain.OrderLine{{SKU: "SKU001", Quantity: 1, UnitPrice: price}}, "Taipei", "key-1")
	if err != nil {
		t.Fatalf("new order: %v", err)
	}
	return o
}

func TestCreateOrchestrator_WithoutKafka(t *testing.T) {
	deps := newTestDependencies(t, DefaultConfig())
	orch := createOrchestrator(deps, nil, metrics.NewSagaMetricsWithRegisterer(prometheus.NewRegistry()))

	o := testOrder(t)
	if err := deps.Orders.Create(o); err != nil {
		t.Fatalf("create order: %v", err)
	}
	result := orch.Run(context.Background(), o)
	if !result.Success {
		t.Fatalf("expected saga success, got %+v", result)
	}
}

func TestCreateExecutor_Modes(t *testing.T) {
	deps := newTestDependencies(t, DefaultConfig())
	orch := createOrchestrator(deps, nil, metrics.NewSagaMetricsWithRegisterer(prometheus.NewRegistry()))

	if _, ok := createExecutor(ProcessingModeSync, deps, orch, deps.Logger).(*order.SyncExecutor); !ok {
		t.Fatal("expected sync executor")
	}
	if _, ok := createExecutor(ProcessingModeAsync, deps, orch, deps.Logger).(*order.AsyncExecutor); !ok {
		t.Fatal("expected async executor")
	}

	result := createExecutor(ProcessingModeAsync, deps, orch, deps.Logger).Execute(context.Background(), testOrder(t))
	if result.Status != string(domain.OrderStatusPending) {
		t.Fatalf("expected pending result, got %+v", result)
	}
	stats, err := deps.Outbox.Stats()
	if err != nil {
		t.Fatalf("outbox stats: %v", err)
	}
	if stats.PendingCount != 1 {
		t.Fatalf("expected 1 pending outbox event, got %d", stats.PendingCount)
	}
}
