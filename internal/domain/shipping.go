package domain

// ShippingStatus описывает итог создания отправления.
type ShippingStatus string

const (
	// ShippingStatusCreated — отправление создано, трек-номер известен.
	ShippingStatusCreated ShippingStatus = "CREATED"
	// ShippingStatusDeferred — трек-номер будет сообщён клиенту позже.
	ShippingStatusDeferred ShippingStatus = "DEFERRED"
)

// ShippingResult — ответ сервиса доставки.
type ShippingResult struct {
	TrackingNumber string
	Status         ShippingStatus
	Message        string
}

// DeferredShipping строит отложенный результат доставки.
func DeferredShipping(message string) ShippingResult {
	return ShippingResult{Status: ShippingStatusDeferred, Message: message}
}
