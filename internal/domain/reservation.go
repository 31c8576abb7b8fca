package domain

// InventoryReservation — ответ склада на резервирование одной позиции.
type InventoryReservation struct {
	SKU               string
	Reserved          bool
	RemainingQuantity int
}
