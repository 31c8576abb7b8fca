package domain_test

import (
	"errors"
	"testing"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// helper для создания заказа с одной позицией.
func makeOrder(t *testing.T) *domain.Order {
	t.Helper()
	order, err := domain.NewOrder([]domain.OrderLine{
		{SKU: "SKU001", Quantity: 2, UnitPrice: domain.MustMoney("1500.00", "TWD")},
	}, "Taipei, Xinyi Rd. 1", "")
	if err != nil {
		t.Fatalf("new order: %v", err)
	}
	return order
}

func TestNewOrder_Defaults(t *testing.T) {
	order := makeOrder(t)

	if order.Status != domain.OrderStatusPending {
		t.Fatalf("expected PENDING, got %s", order.Status)
	}
	if order.ID == "" || order.IdempotencyKey == "" || order.PaymentIdempotencyKey == "" {
		t.Fatalf("expected generated identifiers, got %+v", order)
	}
	if order.CreatedAt.IsZero() {
		t.Fatal("expected created_at to be set")
	}
}

func TestOrderTotalAmount(t *testing.T) {
	order, err := domain.NewOrder([]domain.OrderLine{
		{SKU: "SKU001", Quantity: 2, UnitPrice: domain.MustMoney("1500.00", "TWD")},
		{SKU: "PRD123", Quantity: 3, UnitPrice: domain.MustMoney("0.335", "TWD")},
	}, "addr", "key-1")
	if err != nil {
		t.Fatalf("new order: %v", err)
	}

	total, err := order.TotalAmount()
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	// 0.335 округляется до 0.34 при создании цены, 3 * 0.34 = 1.02.
	if total.StringFixed() != "3001.02" {
		t.Fatalf("expected 3001.02, got %s", total.StringFixed())
	}
}

func TestNewOrder_ValidationErrors(t *testing.T) {
	price := domain.MustMoney("10", "TWD")
	cases := []struct {
		name    string
		items   []domain.OrderLine
		address string
		want    error
	}{
		{name: "no items", items: nil, address: "addr", want: domain.ErrItemsRequired},
		{name: "bad sku", items: []domain.OrderLine{{SKU: "sku-1", Quantity: 1, UnitPrice: price}}, address: "addr", want: domain.ErrSKUInvalid},
		{name: "zero qty", items: []domain.OrderLine{{SKU: "SKU001", Quantity: 0, UnitPrice: price}}, address: "addr", want: domain.ErrItemQtyInvalid},
		{name: "no address", items: []domain.OrderLine{{SKU: "SKU001", Quantity: 1, UnitPrice: price}}, address: "", want: domain.ErrAddressRequired},
		{
			name: "mixed currency",
			items: []domain.OrderLine{
				{SKU: "SKU001", Quantity: 1, UnitPrice: price},
				{SKU: "SKU002", Quantity: 1, UnitPrice: domain.MustMoney("10", "USD")},
			},
			address: "addr",
			want:    domain.ErrCurrencyMismatch,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := domain.NewOrder(tc.items, tc.address, "")
			var vErr *domain.ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v in %v", tc.want, err)
			}
		})
	}
}

func TestOrderTransitions_StrictOrder(t *testing.T) {
	order := makeOrder(t)

	steps := []func() error{
		order.MarkInventoryReserved,
		order.MarkPaymentCompleted,
		order.MarkShippingRequested,
		func() error { return order.MarkCompleted("TRK1") },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	if order.Status != domain.OrderStatusCompleted || order.TrackingNumber != "TRK1" {
		t.Fatalf("unexpected final state %s/%s", order.Status, order.TrackingNumber)
	}
}

func TestOrderTransitions_OutOfSequenceLeavesStatus(t *testing.T) {
	order := makeOrder(t)

	err := order.MarkPaymentCompleted()
	var tErr *domain.IllegalStateTransitionError
	if !errors.As(err, &tErr) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
	if tErr.From != domain.OrderStatusPending || tErr.Expected != domain.OrderStatusInventoryReserved {
		t.Fatalf("unexpected error details %+v", tErr)
	}
	if order.Status != domain.OrderStatusPending {
		t.Fatalf("status must stay PENDING, got %s", order.Status)
	}

	// Переходы не идемпотентны: повтор падает.
	if err := order.MarkInventoryReserved(); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := order.MarkInventoryReserved(); err == nil {
		t.Fatal("expected repeated transition to fail")
	}
}

func TestOrderMarkFailed(t *testing.T) {
	order := makeOrder(t)
	if err := order.MarkInventoryReserved(); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := order.MarkFailed("payment declined"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if order.Status != domain.OrderStatusFailed || order.ErrorMessage != "payment declined" {
		t.Fatalf("unexpected state %s/%s", order.Status, order.ErrorMessage)
	}

	completed := makeOrder(t)
	_ = completed.MarkInventoryReserved()
	_ = completed.MarkPaymentCompleted()
	_ = completed.MarkShippingRequested()
	_ = completed.MarkCompleted("")
	if err := completed.MarkFailed("late"); err == nil {
		t.Fatal("completed order must not fail")
	}
}

func TestOrderMarkShipped(t *testing.T) {
	order := makeOrder(t)
	if err := order.MarkShipped("TRK-LATE"); err == nil {
		t.Fatal("pending order cannot receive tracking number")
	}

	for _, step := range []func() error{order.MarkInventoryReserved, order.MarkPaymentCompleted, order.MarkShippingRequested} {
		if err := step(); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}
	if err := order.MarkCompleted(""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := order.MarkShipped("TRK-LATE"); err != nil {
		t.Fatalf("mark shipped: %v", err)
	}
	if order.TrackingNumber != "TRK-LATE" || order.Status != domain.OrderStatusCompleted {
		t.Fatalf("unexpected order state %+v", order)
	}
}
