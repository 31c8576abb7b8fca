package app

import (
	"context"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/adapter/downstream"
	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/fulfillment/internal/health"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/resilience"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/inventory"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/payment"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/shipping"
	"github.com/vladislavdragonenkov/fulfillment/internal/version"
)

// Dependencies содержит все зависимости приложения.
type Dependencies struct {
	Orders      domain.OrderRepository
	Outbox      domain.OutboxRepository
	Idempotency domain.IdempotencyRepository

	// Порты downstream уже обёрнуты политиками отказоустойчивости.
	Inventory domain.InventoryPort
	Payment   domain.PaymentPort
	Shipping  domain.ShippingPort

	Registry *resilience.Registry
	Health   *healthcheck.Handler
	Logger   *log.Entry

	storage *storage
}

// NewDependencies открывает хранилище и собирает downstream-порты.
// Для downstream без URL используется встроенный симулятор.
func NewDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*Dependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	st, err := initStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	registry := resilience.NewRegistry(
		resilience.WithLogger(logger.WithField("component", "resilience")),
		resilience.WithMetrics(metrics.NewResilienceMetrics()),
	)
	downstreamLogger := logger.WithField("component", "downstream")
	policies := downstream.NewPolicies(downstream.PolicyConfigs{
		Inventory: cfg.Inventory.Policy(),
		Payment:   cfg.Payment.Policy(),
		Shipping:  cfg.Shipping.Policy(),
	}, registry, downstreamLogger)

	inv, pay, ship := newDownstreamPorts(cfg, downstreamLogger)

	v, _, _ := version.Info()
	healthHandler := healthcheck.NewHandler(v)
	for name, checker := range st.checkers {
		healthHandler.RegisterChecker(name, checker)
	}
	for _, cb := range registry.All() {
		// доставка имеет fallback, поэтому её открытый breaker не делает сервис неготовым
		healthHandler.RegisterChecker("breaker_"+cb.Name(), healthcheck.NewBreakerChecker(cb, cb.Name() != downstream.ServiceShipping))
	}

	return &Dependencies{
		Orders:      st.orders,
		Outbox:      st.outbox,
		Idempotency: st.idempotency,
		Inventory:   downstream.NewResilientInventory(inv, policies.Inventory),
		Payment:     downstream.NewResilientPayment(pay, policies.Payment),
		Shipping:    downstream.NewResilientShipping(ship, policies.Shipping),
		Registry:    registry,
		Health:      healthHandler,
		Logger:      logger,
		storage:     st,
	}, nil
}

func newDownstreamPorts(cfg Config, logger *log.Entry) (domain.InventoryPort, domain.PaymentPort, domain.ShippingPort) {
	var (
		inv  domain.InventoryPort = inventory.NewSimulator()
		pay  domain.PaymentPort   = payment.NewSimulator()
		ship domain.ShippingPort  = shipping.NewSimulator()
	)
	if cfg.Inventory.URL != "" {
		inv = downstream.NewInventoryClient(cfg.Inventory.URL, clientOptions(cfg.Inventory, logger)...)
	} else {
		logger.WithField("service", downstream.ServiceInventory).Warn("no base url configured, using simulator")
	}
	if cfg.Payment.URL != "" {
		pay = downstream.NewPaymentClient(cfg.Payment.URL, clientOptions(cfg.Payment, logger)...)
	} else {
		logger.WithField("service", downstream.ServicePayment).Warn("no base url configured, using simulator")
	}
	if cfg.Shipping.URL != "" {
		ship = downstream.NewShippingClient(cfg.Shipping.URL, clientOptions(cfg.Shipping, logger)...)
	} else {
		logger.WithField("service", downstream.ServiceShipping).Warn("no base url configured, using simulator")
	}
	return inv, pay, ship
}

func clientOptions(cfg DownstreamConfig, logger *log.Entry) []downstream.ClientOption {
	opts := []downstream.ClientOption{downstream.WithLogger(logger)}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, downstream.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}))
	}
	return opts
}

// Close освобождает подключения к хранилищам.
func (d *Dependencies) Close() {
	if d == nil || d.storage == nil {
		return
	}
	d.storage.close(d.Logger)
}
