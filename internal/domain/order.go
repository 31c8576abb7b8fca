package domain

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан, шаги саги ещё не выполнялись.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusInventoryReserved — товары зарезервированы на складе.
	OrderStatusInventoryReserved OrderStatus = "INVENTORY_RESERVED"
	// OrderStatusPaymentCompleted — оплата подтверждена.
	OrderStatusPaymentCompleted OrderStatus = "PAYMENT_COMPLETED"
	// OrderStatusShippingRequested — заявка на доставку отправлена (возможно, отложена).
	OrderStatusShippingRequested OrderStatus = "SHIPPING_REQUESTED"
	// OrderStatusCompleted — заказ успешно завершён.
	OrderStatusCompleted OrderStatus = "COMPLETED"
	// OrderStatusFailed — заказ завершился неустранимой ошибкой.
	OrderStatusFailed OrderStatus = "FAILED"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusInventoryReserved, OrderStatusPaymentCompleted,
		OrderStatusShippingRequested, OrderStatusCompleted, OrderStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что из статуса больше нет переходов.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusFailed
}

var skuPattern = regexp.MustCompile(`^[A-Z]{3}[0-9]{3}$`)

// ValidSKU проверяет формат кода товара.
func ValidSKU(sku string) bool {
	return skuPattern.MatchString(sku)
}

// OrderLine представляет одну позицию заказа.
type OrderLine struct {
	SKU       string
	Quantity  int
	UnitPrice Money
}

// Subtotal возвращает UnitPrice × Quantity.
func (l OrderLine) Subtotal() (Money, error) {
	return l.UnitPrice.Multiply(l.Quantity)
}

func (l OrderLine) validate() error {
	var err error
	if !ValidSKU(l.SKU) {
		err = multierr.Append(err, fmt.Errorf("%w: %q", ErrSKUInvalid, l.SKU))
	}
	if l.Quantity <= 0 {
		err = multierr.Append(err, fmt.Errorf("%w: sku %s qty %d", ErrItemQtyInvalid, l.SKU, l.Quantity))
	}
	if l.UnitPrice.Amount().IsNegative() {
		err = multierr.Append(err, fmt.Errorf("%w: sku %s", ErrAmountNegative, l.SKU))
	}
	return err
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	ID                    string
	Items                 []OrderLine
	ShippingAddress       string
	Status                OrderStatus
	IdempotencyKey        string
	PaymentIdempotencyKey string
	TrackingNumber        string
	ErrorMessage          string
	Version               int64
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// NewOrder создаёт заказ в статусе PENDING после проверки позиций.
// Все найденные проблемы возвращаются одной ValidationError.
func NewOrder(items []OrderLine, shippingAddress, idempotencyKey string) (*Order, error) {
	var errs error
	if len(items) == 0 {
		errs = multierr.Append(errs, ErrItemsRequired)
	}
	if shippingAddress == "" {
		errs = multierr.Append(errs, ErrAddressRequired)
	}
	for _, item := range items {
		errs = multierr.Append(errs, item.validate())
	}
	if errs != nil {
		return nil, NewValidationError(errs)
	}

	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	now := time.Now().UTC()
	order := &Order{
		ID:                    uuid.NewString(),
		Items:                 append([]OrderLine(nil), items...),
		ShippingAddress:       shippingAddress,
		Status:                OrderStatusPending,
		IdempotencyKey:        idempotencyKey,
		PaymentIdempotencyKey: uuid.NewString(),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	// Сумма в одной валюте — тоже инвариант создания.
	if _, err := order.TotalAmount(); err != nil {
		return nil, err
	}
	return order, nil
}

// ReconstituteOrder восстанавливает заказ из хранилища без проверки бизнес-правил.
func ReconstituteOrder(
	id string,
	items []OrderLine,
	shippingAddress string,
	status OrderStatus,
	idempotencyKey, paymentIdempotencyKey string,
	trackingNumber, errorMessage string,
	version int64,
	createdAt, updatedAt time.Time,
) *Order {
	return &Order{
		ID:                    id,
		Items:                 items,
		ShippingAddress:       shippingAddress,
		Status:                status,
		IdempotencyKey:        idempotencyKey,
		PaymentIdempotencyKey: paymentIdempotencyKey,
		TrackingNumber:        trackingNumber,
		ErrorMessage:          errorMessage,
		Version:               version,
		CreatedAt:             createdAt,
		UpdatedAt:             updatedAt,
	}
}

// TotalAmount суммирует подытоги позиций. Разные валюты дают ошибку.
func (o *Order) TotalAmount() (Money, error) {
	if len(o.Items) == 0 {
		return ZeroMoney(), nil
	}
	total, err := NewMoney(ZeroMoney().Amount(), o.Items[0].UnitPrice.Currency())
	if err != nil {
		return Money{}, err
	}
	for _, item := range o.Items {
		subtotal, err := item.Subtotal()
		if err != nil {
			return Money{}, err
		}
		if total, err = total.Add(subtotal); err != nil {
			return Money{}, err
		}
	}
	return total, nil
}

// MarkInventoryReserved переводит PENDING → INVENTORY_RESERVED.
func (o *Order) MarkInventoryReserved() error {
	return o.transition(OrderStatusPending, OrderStatusInventoryReserved)
}

// MarkPaymentCompleted переводит INVENTORY_RESERVED → PAYMENT_COMPLETED.
func (o *Order) MarkPaymentCompleted() error {
	return o.transition(OrderStatusInventoryReserved, OrderStatusPaymentCompleted)
}

// MarkShippingRequested переводит PAYMENT_COMPLETED → SHIPPING_REQUESTED.
func (o *Order) MarkShippingRequested() error {
	return o.transition(OrderStatusPaymentCompleted, OrderStatusShippingRequested)
}

// MarkCompleted переводит SHIPPING_REQUESTED → COMPLETED. Трек-номер может быть пустым (отложенная доставка).
func (o *Order) MarkCompleted(trackingNumber string) error {
	if err := o.transition(OrderStatusShippingRequested, OrderStatusCompleted); err != nil {
		return err
	}
	o.TrackingNumber = trackingNumber
	return nil
}

// MarkShipped проставляет трек-номер, пришедший после отложенного создания отправления.
func (o *Order) MarkShipped(trackingNumber string) error {
	if o.Status != OrderStatusShippingRequested && o.Status != OrderStatusCompleted {
		return &IllegalStateTransitionError{From: o.Status, To: o.Status, Expected: OrderStatusCompleted}
	}
	o.TrackingNumber = trackingNumber
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkFailed переводит заказ в FAILED из любого статуса, кроме COMPLETED.
func (o *Order) MarkFailed(reason string) error {
	if o.Status == OrderStatusCompleted {
		return &IllegalStateTransitionError{From: o.Status, To: OrderStatusFailed}
	}
	o.Status = OrderStatusFailed
	o.ErrorMessage = reason
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (o *Order) transition(expected, next OrderStatus) error {
	if o.Status != expected {
		return &IllegalStateTransitionError{From: o.Status, To: next, Expected: expected}
	}
	o.Status = next
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// Clone возвращает копию заказа, не разделяющую слайс позиций.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	cp.Items = append([]OrderLine(nil), o.Items...)
	return &cp
}
