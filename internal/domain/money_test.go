package domain_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

func TestMoneyRoundsHalfUp(t *testing.T) {
	cases := map[string]string{
		"10.005": "10.01",
		"10.004": "10.00",
		"0.125":  "0.13",
		"7":      "7.00",
	}
	for in, want := range cases {
		m, err := domain.ParseMoney(in, "TWD")
		if err != nil {
			t.Fatalf("parse %s: %v", in, err)
		}
		if got := m.StringFixed(); got != want {
			t.Fatalf("round %s: want %s, got %s", in, want, got)
		}
	}
}

func TestMoneyRejectsNegative(t *testing.T) {
	_, err := domain.NewMoney(decimal.NewFromInt(-1), "TWD")
	var vErr *domain.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMoneyAddCurrencyMismatch(t *testing.T) {
	twd := domain.MustMoney("1.00", "TWD")
	usd := domain.MustMoney("1.00", "USD")

	if _, err := twd.Add(usd); !errors.Is(err, domain.ErrCurrencyMismatch) {
		t.Fatalf("expected currency mismatch, got %v", err)
	}
}

func TestMoneyMultiply(t *testing.T) {
	price := domain.MustMoney("1500.00", "TWD")
	total, err := price.Multiply(2)
	if err != nil {
		t.Fatalf("multiply: %v", err)
	}
	if !total.Equal(domain.MustMoney("3000", "TWD")) {
		t.Fatalf("expected 3000.00 TWD, got %s", total)
	}
	if _, err := price.Multiply(-1); err == nil {
		t.Fatal("expected error for negative quantity")
	}
}

func TestMoneyJSON(t *testing.T) {
	m := domain.MustMoney("19.9", "USD")
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"amount":"19.90","currency":"USD"}` {
		t.Fatalf("unexpected json %s", raw)
	}

	var back domain.Money
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Equal(m) {
		t.Fatalf("expected %s, got %s", m, back)
	}
}
