package downstream

import (
	"context"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type inventoryRequest struct {
	SKUCode  string `json:"skuCode"`
	Quantity int    `json:"quantity"`
}

type inventoryResponse struct {
	SKUCode      string `json:"skuCode"`
	Reserved     bool   `json:"reserved"`
	RemainingQty int    `json:"remainingQty"`
}

// InventoryClient — HTTP-адаптер склада.
type InventoryClient struct {
	c *client
}

// NewInventoryClient создаёт адаптер склада. 409 означает нехватку товара.
func NewInventoryClient(baseURL string, opts ...ClientOption) *InventoryClient {
	return &InventoryClient{c: newClient("inventory", baseURL, domain.BusinessCodeInsufficientStock, opts...)}
}

// Reserve вызывает POST /api/inventory/deduct.
func (a *InventoryClient) Reserve(ctx context.Context, sku string, qty int) (domain.InventoryReservation, error) {
	var resp inventoryResponse
	if err := a.c.post(ctx, "/api/inventory/deduct", nil, inventoryRequest{SKUCode: sku, Quantity: qty}, &resp); err != nil {
		return domain.InventoryReservation{}, err
	}
	if resp.SKUCode == "" {
		resp.SKUCode = sku
	}
	return domain.InventoryReservation{SKU: resp.SKUCode, Reserved: resp.Reserved, RemainingQuantity: resp.RemainingQty}, nil
}

var _ domain.InventoryPort = (*InventoryClient)(nil)
