package downstream

import (
	"context"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type shippingItem struct {
	SKUCode  string `json:"skuCode"`
	Quantity int    `json:"quantity"`
}

type shippingRequest struct {
	OrderID string         `json:"orderId"`
	Address string         `json:"address"`
	Items   []shippingItem `json:"items"`
}

type shippingResponse struct {
	TrackingNumber string `json:"trackingNumber"`
	Status         string `json:"status"`
	Message        string `json:"message"`
}

// ShippingClient — HTTP-адаптер службы доставки.
type ShippingClient struct {
	c *client
}

// NewShippingClient создаёт адаптер доставки. Бизнес-конфликтов у доставки нет,
// поэтому 409 считается обычной клиентской ошибкой.
func NewShippingClient(baseURL string, opts ...ClientOption) *ShippingClient {
	return &ShippingClient{c: newClient("shipping", baseURL, "", opts...)}
}

// CreateShipment вызывает POST /api/shipping/create.
func (a *ShippingClient) CreateShipment(ctx context.Context, orderID, address string, items []domain.OrderLine) (domain.ShippingResult, error) {
	req := shippingRequest{OrderID: orderID, Address: address, Items: make([]shippingItem, 0, len(items))}
	for _, item := range items {
		req.Items = append(req.Items, shippingItem{SKUCode: item.SKU, Quantity: item.Quantity})
	}

	var resp shippingResponse
	if err := a.c.post(ctx, "/api/shipping/create", nil, req, &resp); err != nil {
		return domain.ShippingResult{}, err
	}
	status := domain.ShippingStatus(resp.Status)
	if status == "" {
		status = domain.ShippingStatusCreated
	}
	return domain.ShippingResult{TrackingNumber: resp.TrackingNumber, Status: status, Message: resp.Message}, nil
}

var _ domain.ShippingPort = (*ShippingClient)(nil)
