package domain

// PaymentStatus описывает итог списания у платёжного провайдера.
type PaymentStatus string

const (
	// PaymentStatusSuccess — деньги списаны.
	PaymentStatusSuccess PaymentStatus = "SUCCESS"
	// PaymentStatusFailed — провайдер отклонил платёж.
	PaymentStatusFailed PaymentStatus = "FAILED"
)

// PaymentResult — ответ платёжного сервиса.
type PaymentResult struct {
	TransactionID string
	Status        PaymentStatus
	Message       string
}

// Succeeded сообщает, что платёж прошёл.
func (r PaymentResult) Succeeded() bool {
	return r.Status == PaymentStatusSuccess
}
