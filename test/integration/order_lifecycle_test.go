package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/fulfillment/internal/app"
	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/resilience"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/idempotency"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/order"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/saga"
	httptransport "github.com/vladislavdragonenkov/fulfillment/internal/transport/http"
)

const orderBody = `{"items":[{"skuCode":"SKU001","quantity":2,"unitPrice":1500.00},{"skuCode":"SKU002","quantity":1,"unitPrice":250.50}],"shippingAddress":"台北市信義區松仁路100號"}`

// fakeDownstream — HTTP-заглушка внешнего сервиса. respond выбирает ответ по номеру вызова.
type fakeDownstream struct {
	server  *httptest.Server
	calls   atomic.Int32
	mu      sync.Mutex
	headers []http.Header
	bodies  []string
	respond func(call int32) (int, string)
}

func newFakeDownstream(t *testing.T, respond func(call int32) (int, string)) *fakeDownstream {
	f := &fakeDownstream{respond: respond}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := f.calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.headers = append(f.headers, r.Header.Clone())
		f.bodies = append(f.bodies, string(body))
		respond := f.respond
		f.mu.Unlock()

		status, payload := respond(call)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, payload)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeDownstream) setRespond(respond func(call int32) (int, string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = respond
}

func (f *fakeDownstream) lastHeader(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.headers) == 0 {
		return ""
	}
	return f.headers[len(f.headers)-1].Get(name)
}

func (f *fakeDownstream) lastBody() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.bodies) == 0 {
		return ""
	}
	return f.bodies[len(f.bodies)-1]
}

func always(status int, body string) func(int32) (int, string) {
	return func(int32) (int, string) { return status, body }
}

func inventoryOK(int32) (int, string) {
	return http.StatusOK, `{"reserved":true,"remainingQty":10}`
}

func paymentOK(call int32) (int, string) {
	return http.StatusOK, fmt.Sprintf(`{"transactionId":"TXN-%d","status":"SUCCESS","message":"charged"}`, call)
}

func shippingOK(call int32) (int, string) {
	return http.StatusOK, fmt.Sprintf(`{"trackingNumber":"TRK-%04d","status":"CREATED"}`, call)
}

// OrderLifecycleTestSuite проверяет заказ целиком: HTTP API, идемпотентность, сага
// и политики отказоустойчивости поверх HTTP-адаптеров внешних сервисов.
type OrderLifecycleTestSuite struct {
	suite.Suite

	inventory *fakeDownstream
	payment   *fakeDownstream
	shipping  *fakeDownstream

	deps    *app.Dependencies
	service *order.Service
	api     *httptest.Server
}

func (s *OrderLifecycleTestSuite) SetupTest() {
	s.inventory = newFakeDownstream(s.T(), inventoryOK)
	s.payment = newFakeDownstream(s.T(), paymentOK)
	s.shipping = newFakeDownstream(s.T(), shippingOK)

	cfg := app.DefaultConfig()
	cfg.Inventory.URL = s.inventory.server.URL
	cfg.Payment.URL = s.payment.server.URL
	cfg.Shipping.URL = s.shipping.server.URL
	for _, d := range []*app.DownstreamConfig{&cfg.Inventory, &cfg.Payment, &cfg.Shipping} {
		d.RequestTimeout = 2 * time.Second
		d.Retry.BaseDelay = time.Millisecond
		d.Retry.MaxDelay = 5 * time.Millisecond
	}
	cfg.Payment.CircuitBreaker.SlidingWindowSize = 2
	cfg.Payment.CircuitBreaker.MinimumCalls = 2
	cfg.Payment.CircuitBreaker.WaitDurationInOpenState = time.Minute

	baseLogger := log.New()
	baseLogger.SetLevel(log.WarnLevel)
	logger := baseLogger.WithField("component", "integration-test")

	deps, err := app.NewDependencies(context.Background(), cfg, logger)
	s.Require().NoError(err)
	s.deps = deps

	orch := saga.NewOrchestrator(deps.Orders, deps.Inventory, deps.Payment, deps.Shipping, saga.WithLogger(logger))
	idem := idempotency.NewService(deps.Idempotency, idempotency.WithServiceLogger(logger))
	s.service = order.NewService(deps.Orders, idem, order.NewSyncExecutor(deps.Orders, orch, logger), logger)
	s.api = httptest.NewServer(httptransport.NewHandler(s.service, httptransport.NewActiveRequests(), logger).Routes())
}

func (s *OrderLifecycleTestSuite) TearDownTest() {
	s.api.Close()
	s.deps.Close()
}

func (s *OrderLifecycleTestSuite) createOrder(key string) (int, domain.OrderResult, string) {
	req, err := http.NewRequest(http.MethodPost, s.api.URL+"/api/orders", strings.NewReader(orderBody))
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httptransport.IdempotencyKeyHeader, key)

	resp, err := s.api.Client().Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	var result domain.OrderResult
	s.Require().NoError(json.Unmarshal(raw, &result), string(raw))
	return resp.StatusCode, result, string(raw)
}

func (s *OrderLifecycleTestSuite) getOrder(id string) (int, domain.OrderResult) {
	resp, err := s.api.Client().Get(s.api.URL + "/api/orders/" + id)
	s.Require().NoError(err)
	defer resp.Body.Close()

	var result domain.OrderResult
	_ = json.NewDecoder(resp.Body).Decode(&result)
	return resp.StatusCode, result
}

func (s *OrderLifecycleTestSuite) breakerState(name string) resilience.State {
	cb, ok := s.deps.Registry.Get(name)
	s.Require().True(ok, "breaker %s is not registered", name)
	return cb.State()
}

func (s *OrderLifecycleTestSuite) TestSuccessfulOrderLifecycle() {
	status, created, body := s.createOrder("lifecycle-1")

	s.Require().Equal(http.StatusCreated, status, body)
	s.Equal("COMPLETED", created.Status)
	s.Equal("3250.50", created.TotalAmount)
	s.Equal("TRK-0001", created.TrackingNumber)
	s.Equal(domain.MessageOrderCreated, created.Message)

	s.EqualValues(2, s.inventory.calls.Load(), "one reservation per line")
	s.EqualValues(1, s.payment.calls.Load())
	s.EqualValues(1, s.shipping.calls.Load())
	s.NotEmpty(s.payment.lastHeader("Idempotency-Key"), "payment must receive idempotency key")
	s.Contains(s.payment.lastBody(), `"currency":"TWD"`)
	s.Contains(s.shipping.lastBody(), created.OrderID)

	getStatus, fetched := s.getOrder(created.OrderID)
	s.Equal(http.StatusOK, getStatus)
	s.Equal(created.OrderID, fetched.OrderID)
	s.Equal("COMPLETED", fetched.Status)
	s.Equal("TRK-0001", fetched.TrackingNumber)
}

func (s *OrderLifecycleTestSuite) TestReplayDoesNotChargeTwice() {
	firstStatus, first, firstBody := s.createOrder("replay-1")
	secondStatus, second, secondBody := s.createOrder("replay-1")

	s.Equal(http.StatusCreated, firstStatus)
	s.Equal(http.StatusOK, secondStatus)
	s.Equal(first.OrderID, second.OrderID)
	s.JSONEq(firstBody, secondBody)
	s.EqualValues(1, s.payment.calls.Load())
	s.EqualValues(1, s.shipping.calls.Load())
}

func (s *OrderLifecycleTestSuite) TestInsufficientStockStopsBeforePayment() {
	s.inventory.setRespond(always(http.StatusConflict, "insufficient stock for SKU SKU001"))

	status, result, body := s.createOrder("stock-1")

	s.Equal(http.StatusConflict, status, body)
	s.Equal("FAILED", result.Status)
	s.Contains(result.Message, "insufficient stock")
	s.Zero(s.payment.calls.Load())
	s.Zero(s.shipping.calls.Load())

	_, fetched := s.getOrder(result.OrderID)
	s.Equal("FAILED", fetched.Status)
}

func (s *OrderLifecycleTestSuite) TestTransientPaymentFailureIsRetried() {
	s.payment.setRespond(func(call int32) (int, string) {
		if call < 3 {
			return http.StatusServiceUnavailable, `{"error":"busy"}`
		}
		return paymentOK(call)
	})

	status, result, body := s.createOrder("retry-1")

	s.Equal(http.StatusCreated, status, body)
	s.Equal("COMPLETED", result.Status)
	s.EqualValues(3, s.payment.calls.Load())
	s.Equal(resilience.StateClosed, s.breakerState("payment"))
}

func (s *OrderLifecycleTestSuite) TestPaymentClientErrorIsNotRetried() {
	s.payment.setRespond(always(http.StatusBadRequest, `{"error":"invalid amount"}`))

	status, result, body := s.createOrder("bad-request-1")

	s.Equal(http.StatusBadGateway, status, body)
	s.Equal("FAILED", result.Status)
	s.EqualValues(1, s.payment.calls.Load())
	s.Zero(s.shipping.calls.Load())
}

func (s *OrderLifecycleTestSuite) TestPaymentDeclineFailsOrder() {
	s.payment.setRespond(always(http.StatusOK, `{"transactionId":"TXN-X","status":"FAILED","message":"card declined"}`))

	status, result, body := s.createOrder("declined-1")

	s.Equal(http.StatusConflict, status, body)
	s.Equal("FAILED", result.Status)
	s.Contains(result.Message, "card declined")
	s.Equal(resilience.StateClosed, s.breakerState("payment"), "business decline must not trip the breaker")
}

func (s *OrderLifecycleTestSuite) TestPaymentOutageOpensBreaker() {
	s.payment.setRespond(always(http.StatusInternalServerError, `{"error":"down"}`))

	for i := 0; i < 2; i++ {
		status, result, body := s.createOrder(fmt.Sprintf("outage-%d", i))
		s.Equal(http.StatusServiceUnavailable, status, body)
		s.Equal("FAILED", result.Status)
	}
	s.Require().Equal(resilience.StateOpen, s.breakerState("payment"))
	callsWhenOpened := s.payment.calls.Load()

	status, result, body := s.createOrder("outage-open")
	s.Equal(http.StatusServiceUnavailable, status, body)
	s.Equal("FAILED", result.Status)
	s.Equal(callsWhenOpened, s.payment.calls.Load(), "open breaker must short-circuit the call")

	s.Require().NoError(s.deps.Registry.Reset("payment"))
	s.payment.setRespond(paymentOK)
	status, _, body = s.createOrder("outage-recovered")
	s.Equal(http.StatusCreated, status, body)
}

func (s *OrderLifecycleTestSuite) TestShippingOutageDefersTrackingNumber() {
	s.shipping.setRespond(always(http.StatusServiceUnavailable, `{"error":"down"}`))

	status, result, body := s.createOrder("deferred-1")

	s.Require().Equal(http.StatusCreated, status, body)
	s.Equal("COMPLETED", result.Status)
	s.Empty(result.TrackingNumber)
	s.Equal(domain.MessageShippingDeferred, result.Message)
	s.EqualValues(1, s.payment.calls.Load())

	s.Require().NoError(s.service.RecordShipment(context.Background(), result.OrderID, "TRK-LATE"))
	s.Require().NoError(s.service.RecordShipment(context.Background(), result.OrderID, "TRK-LATE"), "repeated notification is a no-op")

	_, fetched := s.getOrder(result.OrderID)
	s.Equal("COMPLETED", fetched.Status)
	s.Equal("TRK-LATE", fetched.TrackingNumber)
}

func (s *OrderLifecycleTestSuite) TestConcurrentDuplicateRequests() {
	release := make(chan struct{})
	s.payment.setRespond(func(call int32) (int, string) {
		<-release
		return paymentOK(call)
	})

	type response struct {
		status int
		result domain.OrderResult
	}
	results := make(chan response, 2)
	go func() {
		status, result, _ := s.createOrder("concurrent-1")
		results <- response{status, result}
	}()

	s.Require().Eventually(func() bool { return s.payment.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	status, _, body := s.createOrder("concurrent-1")
	s.Equal(http.StatusConflict, status, body)
	close(release)

	first := <-results
	s.Equal(http.StatusCreated, first.status)
	s.EqualValues(1, s.payment.calls.Load())
}

func (s *OrderLifecycleTestSuite) TestValidationErrorDoesNotReachDownstreams() {
	req, err := http.NewRequest(http.MethodPost, s.api.URL+"/api/orders",
		strings.NewReader(`{"items":[{"skuCode":"bad","quantity":0,"unitPrice":1}],"shippingAddress":""}`))
	s.Require().NoError(err)
	resp, err := s.api.Client().Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()

	s.Equal(http.StatusBadRequest, resp.StatusCode)
	s.Zero(s.inventory.calls.Load())
	s.Zero(s.payment.calls.Load())
}

func TestOrderLifecycleSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration suite in short mode")
	}
	suite.Run(t, new(OrderLifecycleTestSuite))
}

func TestHealthReflectsPaymentBreaker(t *testing.T) {
	cfg := app.DefaultConfig()
	deps, err := app.NewDependencies(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer deps.Close()

	assert.Equal(t, "healthy", string(deps.Health.Evaluate(context.Background()).Status))

	cb, ok := deps.Registry.Get("payment")
	require.True(t, ok)
	cb.TransitionToOpen()
	assert.Equal(t, "unhealthy", string(deps.Health.Evaluate(context.Background()).Status))

	require.NoError(t, deps.Registry.Reset("payment"))
	assert.Equal(t, "healthy", string(deps.Health.Evaluate(context.Background()).Status))
}
