package downstream

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/resilience"
)

// Имена downstream; совпадают с именами circuit breaker в реестре.
const (
	ServiceInventory = "inventory"
	ServicePayment   = "payment"
	ServiceShipping  = "shipping"
)

// Policies — политики всех трёх downstream, создаются один раз при старте.
type Policies struct {
	Inventory *resilience.Policy[domain.InventoryReservation]
	Payment   *resilience.Policy[domain.PaymentResult]
	Shipping  *resilience.Policy[domain.ShippingResult]
}

// PolicyConfigs — настройки слоёв по downstream.
type PolicyConfigs struct {
	Inventory resilience.PolicyConfig
	Payment   resilience.PolicyConfig
	Shipping  resilience.PolicyConfig
}

// NewPolicies строит политики. Доставка при любой ошибке (таймаут, открытый breaker,
// исчерпанные попытки) отдаёт DEFERRED: заказ завершается, трек-номер придёт позже.
func NewPolicies(cfg PolicyConfigs, registry *resilience.Registry, logger *log.Entry) Policies {
	if logger == nil {
		logger = log.New().WithField("component", "downstream")
	}
	shippingLogger := logger.WithField("service", ServiceShipping)

	return Policies{
		Inventory: resilience.NewPolicy[domain.InventoryReservation](ServiceInventory, cfg.Inventory, registry),
		Payment:   resilience.NewPolicy[domain.PaymentResult](ServicePayment, cfg.Payment, registry),
		Shipping: resilience.NewPolicy[domain.ShippingResult](ServiceShipping, cfg.Shipping, registry,
			resilience.WithFallback[domain.ShippingResult](func(_ context.Context, cause error) (domain.ShippingResult, error) {
				shippingLogger.WithError(cause).Warn("shipping request failed, returning deferred result")
				return domain.DeferredShipping(domain.MessageShippingDeferred), nil
			}, resilience.AnyError),
		),
	}
}

// ResilientInventory пропускает вызовы склада через политику.
type ResilientInventory struct {
	next   domain.InventoryPort
	policy *resilience.Policy[domain.InventoryReservation]
}

// NewResilientInventory оборачивает порт склада.
func NewResilientInventory(next domain.InventoryPort, policy *resilience.Policy[domain.InventoryReservation]) *ResilientInventory {
	return &ResilientInventory{next: next, policy: policy}
}

func (r *ResilientInventory) Reserve(ctx context.Context, sku string, qty int) (domain.InventoryReservation, error) {
	return r.policy.Execute(ctx, func(ctx context.Context) (domain.InventoryReservation, error) {
		return r.next.Reserve(ctx, sku, qty)
	})
}

// ResilientPayment пропускает вызовы оплаты через политику.
type ResilientPayment struct {
	next   domain.PaymentPort
	policy *resilience.Policy[domain.PaymentResult]
}

// NewResilientPayment оборачивает порт оплаты.
func NewResilientPayment(next domain.PaymentPort, policy *resilience.Policy[domain.PaymentResult]) *ResilientPayment {
	return &ResilientPayment{next: next, policy: policy}
}

func (r *ResilientPayment) Charge(ctx context.Context, orderID string, amount domain.Money, idempotencyKey string) (domain.PaymentResult, error) {
	return r.policy.Execute(ctx, func(ctx context.Context) (domain.PaymentResult, error) {
		return r.next.Charge(ctx, orderID, amount, idempotencyKey)
	})
}

// ResilientShipping пропускает вызовы доставки через политику.
type ResilientShipping struct {
	next   domain.ShippingPort
	policy *resilience.Policy[domain.ShippingResult]
}

// NewResilientShipping оборачивает порт доставки.
func NewResilientShipping(next domain.ShippingPort, policy *resilience.Policy[domain.ShippingResult]) *ResilientShipping {
	return &ResilientShipping{next: next, policy: policy}
}

func (r *ResilientShipping) CreateShipment(ctx context.Context, orderID, address string, items []domain.OrderLine) (domain.ShippingResult, error) {
	return r.policy.Execute(ctx, func(ctx context.Context) (domain.ShippingResult, error) {
		return r.next.CreateShipment(ctx, orderID, address, items)
	})
}

var (
	_ domain.InventoryPort = (*ResilientInventory)(nil)
	_ domain.PaymentPort   = (*ResilientPayment)(nil)
	_ domain.ShippingPort  = (*ResilientShipping)(nil)
)
