package downstream

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// IdempotencyKeyHeader передаётся платёжному сервису для защиты от двойного списания.
const IdempotencyKeyHeader = "Idempotency-Key"

type paymentRequest struct {
	OrderID  string          `json:"orderId"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type paymentResponse struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	Message       string `json:"message"`
}

// PaymentClient — HTTP-адаптер платёжного сервиса.
type PaymentClient struct {
	c *client
}

// NewPaymentClient создаёт адаптер оплаты. 409 означает конфликт платежа.
func NewPaymentClient(baseURL string, opts ...ClientOption) *PaymentClient {
	return &PaymentClient{c: newClient("payment", baseURL, domain.BusinessCodePaymentConflict, opts...)}
}

// Charge вызывает POST /api/payments/charge с заголовком Idempotency-Key.
func (a *PaymentClient) Charge(ctx context.Context, orderID string, amount domain.Money, idempotencyKey string) (domain.PaymentResult, error) {
	req := paymentRequest{OrderID: orderID, Amount: amount.Amount(), Currency: amount.Currency()}
	headers := map[string]string{IdempotencyKeyHeader: idempotencyKey}

	var resp paymentResponse
	if err := a.c.post(ctx, "/api/payments/charge", headers, req, &resp); err != nil {
		return domain.PaymentResult{}, err
	}
	return domain.PaymentResult{
		TransactionID: resp.TransactionID,
		Status:        domain.PaymentStatus(resp.Status),
		Message:       resp.Message,
	}, nil
}

var _ domain.PaymentPort = (*PaymentClient)(nil)
