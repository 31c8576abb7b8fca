package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/idempotency"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/inventory"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/order"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/payment"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/saga"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/shipping"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
)

const validBody = `{"items":[{"skuCode":"SKU001","quantity":2,"unitPrice":1500.00}],"shippingAddress":"台北市信義區松仁路100號"}`

func newTestServer(t *testing.T, inv *inventory.Simulator) (*httptest.Server, *payment.Simulator) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	entry := logger.WithField("component", "test")

	if inv == nil {
		inv = inventory.NewSimulator()
	}
	payments := payment.NewSimulator()
	orders := memory.NewOrderRepository()
	orch := saga.NewOrchestrator(orders, inv, payments, shipping.NewSimulator(), saga.WithLogger(entry))
	idem := idempotency.NewService(memory.NewIdempotencyRepository(), idempotency.WithServiceLogger(entry))
	svc := order.NewService(orders, idem, order.NewSyncExecutor(orders, orch, entry), entry)

	srv := httptest.NewServer(NewHandler(svc, NewActiveRequests(), entry).Routes())
	t.Cleanup(srv.Close)
	return srv, payments
}

func post(t *testing.T, srv *httptest.Server, body, key string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/orders", strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestCreateOrder_Created(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, body := post(t, srv, validBody, "key-1")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, body)
	}
	if got := resp.Header.Get(IdempotencyKeyHeader); got != "key-1" {
		t.Fatalf("expected echoed key, got %q", got)
	}

	var result domain.OrderResult
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Status != "COMPLETED" || result.TotalAmount != "3000.00" || result.Currency != "TWD" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if !strings.HasPrefix(result.TrackingNumber, "TRK") || result.Message != domain.MessageOrderCreated {
		t.Fatalf("unexpected tracking/message: %+v", result)
	}
}

func TestCreateOrder_ReplayReturns200WithSameBody(t *testing.T) {
	srv, payments := newTestServer(t, nil)

	first, firstBody := post(t, srv, validBody, "key-1")
	second, secondBody := post(t, srv, validBody, "key-1")

	if first.StatusCode != http.StatusCreated || second.StatusCode != http.StatusOK {
		t.Fatalf("unexpected statuses: %d, %d", first.StatusCode, second.StatusCode)
	}
	if !bytes.Equal(firstBody, secondBody) {
		t.Fatalf("replayed body differs:\n%s\n%s", firstBody, secondBody)
	}
	if payments.Charges() != 1 {
		t.Fatalf("expected single charge, got %d", payments.Charges())
	}
}

func TestCreateOrder_GeneratesIdempotencyKey(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, _ := post(t, srv, validBody, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if resp.Header.Get(IdempotencyKeyHeader) == "" {
		t.Fatal("expected generated idempotency key in response")
	}
}

func TestCreateOrder_ValidationErrors(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	cases := map[string]struct {
		body string
		want string
	}{
		"empty items":    {`{"items":[],"shippingAddress":"addr"}`, "items"},
		"bad sku":        {`{"items":[{"skuCode":"sku-1","quantity":1,"unitPrice":10}],"shippingAddress":"addr"}`, "skuCode"},
		"zero qty":       {`{"items":[{"skuCode":"SKU001","quantity":0,"unitPrice":10}],"shippingAddress":"addr"}`, "quantity"},
		"negative price": {`{"items":[{"skuCode":"SKU001","quantity":1,"unitPrice":-1}],"shippingAddress":"addr"}`, "unitPrice"},
		"no address":     {`{"items":[{"skuCode":"SKU001","quantity":1,"unitPrice":10}]}`, "shippingAddress"},
		"unknown field":  {`{"items":[],"shippingAddress":"addr","coupon":"X"}`, "coupon"},
		"malformed":      {`{"items":`, "invalid request body"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			resp, body := post(t, srv, tc.body, "")
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", resp.StatusCode, body)
			}
			var errBody errorResponse
			if err := json.Unmarshal(body, &errBody); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if errBody.Error != "INVALID_REQUEST" || !strings.Contains(errBody.Message, tc.want) {
				t.Fatalf("unexpected error body: %+v", errBody)
			}
		})
	}
}

func TestCreateOrder_InsufficientStockReturns409(t *testing.T) {
	srv, _ := newTestServer(t, inventory.NewSimulator(inventory.WithStock(map[string]int{"SKU001": 1})))

	resp, body := post(t, srv, validBody, "key-1")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", resp.StatusCode, body)
	}
	var result domain.OrderResult
	_ = json.Unmarshal(body, &result)
	if result.Status != "FAILED" || !strings.Contains(result.Message, "insufficient stock for SKU SKU001") {
		t.Fatalf("unexpected result: %+v", result)
	}
	if strings.Contains(string(body), "totalAmount") {
		t.Fatalf("failure must not expose amount: %s", body)
	}
}

func TestGetOrder(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	_, body := post(t, srv, validBody, "key-1")
	var created domain.OrderResult
	_ = json.Unmarshal(body, &created)

	resp, err := srv.Client().Get(srv.URL + "/api/orders/" + created.OrderID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var got domain.OrderResult
	_ = json.NewDecoder(resp.Body).Decode(&got)
	if got.OrderID != created.OrderID || got.Status != "COMPLETED" {
		t.Fatalf("unexpected order: %+v", got)
	}

	missing, err := srv.Client().Get(srv.URL + "/api/orders/unknown")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.StatusCode)
	}
}

type stubUseCase struct {
	outcome order.CreateOrderOutcome
	err     error
}

func (s stubUseCase) CreateOrder(context.Context, order.CreateOrderCommand) (order.CreateOrderOutcome, error) {
	return s.outcome, s.err
}

func (s stubUseCase) GetOrder(string) (domain.OrderResult, error) {
	return domain.OrderResult{}, s.err
}

func TestCreateOrder_StatusMapping(t *testing.T) {
	failed := func(cause error) order.CreateOrderOutcome {
		result := domain.OrderResultFailure("order-1", cause.Error())
		result.Cause = cause
		return order.CreateOrderOutcome{Result: result, IdempotencyKey: "k"}
	}

	cases := map[string]struct {
		uc   stubUseCase
		want int
	}{
		"in progress":      {stubUseCase{err: order.ErrRequestInProgress}, http.StatusConflict},
		"store failure":    {stubUseCase{err: errors.New("db down")}, http.StatusInternalServerError},
		"unavailable":      {stubUseCase{outcome: failed(&domain.ServiceUnavailableError{Service: "payment"})}, http.StatusServiceUnavailable},
		"non retryable":    {stubUseCase{outcome: failed(&domain.NonRetryableServiceError{Service: "shipping", StatusCode: 400})}, http.StatusBadGateway},
		"payment declined": {stubUseCase{outcome: failed(&domain.BusinessError{Code: domain.BusinessCodePaymentDeclined})}, http.StatusConflict},
		"unknown cause":    {stubUseCase{outcome: failed(errors.New("persist order status"))}, http.StatusServiceUnavailable},
	}

	logger, _ := test.NewNullLogger()
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := NewHandler(tc.uc, nil, logger.WithField("component", "test")).Routes()
			req := httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(validBody))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestActiveRequests_Wait(t *testing.T) {
	active := NewActiveRequests()
	release := make(chan struct{})
	started := make(chan struct{})
	h := active.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(started)
		<-release
		w.WriteHeader(http.StatusNoContent)
	}))

	go h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	<-started
	if active.Count() != 1 {
		t.Fatalf("expected 1 active request, got %d", active.Count())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if left := active.Wait(ctx, time.Millisecond); left != 1 {
		t.Fatalf("expected wait to time out with 1 request, got %d", left)
	}

	close(release)
	if left := active.Wait(context.Background(), time.Millisecond); left != 0 {
		t.Fatalf("expected drained counter, got %d", left)
	}
}
