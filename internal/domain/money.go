package domain

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// DefaultCurrency используется, если валюта не указана явно.
	DefaultCurrency = "TWD"
	// moneyScale — количество знаков после запятой.
	moneyScale = 2
)

// Money — неизменяемая денежная сумма в одной валюте с фиксированной точностью 2 знака.
type Money struct {
	amount   decimal.Decimal
	currency string
}

// NewMoney создаёт сумму с округлением half-up до 2 знаков.
func NewMoney(amount decimal.Decimal, currency string) (Money, error) {
	if amount.IsNegative() {
		return Money{}, NewValidationError(fmt.Errorf("%w: %s", ErrAmountNegative, amount.String()))
	}
	if currency == "" {
		currency = DefaultCurrency
	}
	return Money{amount: amount.Round(moneyScale), currency: currency}, nil
}

// MoneyOf создаёт сумму в валюте по умолчанию.
func MoneyOf(amount decimal.Decimal) (Money, error) {
	return NewMoney(amount, DefaultCurrency)
}

// ParseMoney разбирает строковое представление суммы, например "1500.00".
func ParseMoney(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, NewValidationError(fmt.Errorf("invalid amount %q: %w", amount, err))
	}
	return NewMoney(d, currency)
}

// MustMoney используется в тестах и константах; паникует при некорректной сумме.
func MustMoney(amount, currency string) Money {
	m, err := ParseMoney(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// ZeroMoney возвращает нулевую сумму в валюте по умолчанию.
func ZeroMoney() Money {
	return Money{amount: decimal.Zero.Round(moneyScale), currency: DefaultCurrency}
}

// Amount возвращает сумму, округлённую до 2 знаков.
func (m Money) Amount() decimal.Decimal { return m.amount }

// Currency возвращает код валюты.
func (m Money) Currency() string {
	if m.currency == "" {
		return DefaultCurrency
	}
	return m.currency
}

// Add складывает суммы одной валюты.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency() != other.Currency() {
		return Money{}, NewValidationError(fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency(), other.Currency()))
	}
	return Money{amount: m.amount.Add(other.amount).Round(moneyScale), currency: m.Currency()}, nil
}

// Multiply умножает сумму на неотрицательное количество.
func (m Money) Multiply(qty int) (Money, error) {
	if qty < 0 {
		return Money{}, NewValidationError(fmt.Errorf("%w: %d", ErrItemQtyInvalid, qty))
	}
	return Money{amount: m.amount.Mul(decimal.NewFromInt(int64(qty))).Round(moneyScale), currency: m.Currency()}, nil
}

// Equal сравнивает суммы по значению, а не по представлению.
func (m Money) Equal(other Money) bool {
	return m.Currency() == other.Currency() && m.amount.Equal(other.amount)
}

// StringFixed возвращает сумму с ровно двумя знаками после запятой.
func (m Money) StringFixed() string { return m.amount.StringFixed(moneyScale) }

func (m Money) String() string { return m.StringFixed() + " " + m.Currency() }

type moneyJSON struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// MarshalJSON кодирует сумму строкой, чтобы не терять точность.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyJSON{Amount: m.StringFixed(), Currency: m.Currency()})
}

// UnmarshalJSON восстанавливает сумму из строкового представления.
func (m *Money) UnmarshalJSON(data []byte) error {
	var raw moneyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseMoney(raw.Amount, raw.Currency)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
