package payment

import (
	"context"
	"errors"
	"testing"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

func TestSimulatorChargeIsIdempotent(t *testing.T) {
	sim := NewSimulator()
	amount := domain.MustMoney("3000.00", "TWD")

	first, err := sim.Charge(context.Background(), "order-1", amount, "pay-key-1")
	if err != nil || !first.Succeeded() {
		t.Fatalf("unexpected result %+v (%v)", first, err)
	}
	second, err := sim.Charge(context.Background(), "order-1", amount, "pay-key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.TransactionID != second.TransactionID {
		t.Fatalf("retry with same key must return same transaction, got %s vs %s", first.TransactionID, second.TransactionID)
	}
	if sim.Charges() != 1 || sim.ChargeCalls != 2 {
		t.Fatalf("expected 1 charge over 2 calls, got %d/%d", sim.Charges(), sim.ChargeCalls)
	}
}

func TestSimulatorChargeLimit(t *testing.T) {
	sim := NewSimulator(WithChargeLimit(domain.MustMoney("100.00", "TWD")))
	result, err := sim.Charge(context.Background(), "order-1", domain.MustMoney("100.01", "TWD"), "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Succeeded() {
		t.Fatal("expected declined payment")
	}
}

func TestSimulatorFailNext(t *testing.T) {
	sim := NewSimulator()
	boom := &domain.RetryableServiceError{Service: "payment", StatusCode: 503, Message: "unavailable"}
	sim.FailNext(1, boom)

	if _, err := sim.Charge(context.Background(), "o", domain.MustMoney("1", ""), "k"); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if sim.Charges() != 0 {
		t.Fatal("failed call must not be recorded as charge")
	}
}
