package httptransport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/order"
)

const maxBodyBytes = 1 << 20

type createOrderRequest struct {
	Items           []orderItemRequest `json:"items" validate:"required,min=1,dive"`
	ShippingAddress string             `json:"shippingAddress" validate:"required,max=500"`
}

type orderItemRequest struct {
	SKUCode   string           `json:"skuCode" validate:"required,sku"`
	Quantity  int              `json:"quantity" validate:"required,gt=0"`
	UnitPrice *decimal.Decimal `json:"unitPrice" validate:"required,positive_amount"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" || tag == "-" {
			return f.Name
		}
		return tag
	})
	_ = v.RegisterValidation("sku", func(fl validator.FieldLevel) bool {
		return domain.ValidSKU(fl.Field().String())
	})
	// Decimal валидируется как строка: иначе validator обходит его поля как вложенную структуру.
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if amount, ok := field.Interface().(decimal.Decimal); ok {
			return amount.String()
		}
		return nil
	}, decimal.Decimal{})
	_ = v.RegisterValidation("positive_amount", func(fl validator.FieldLevel) bool {
		amount, err := decimal.NewFromString(fl.Field().String())
		return err == nil && amount.IsPositive()
	})
	return v
}

// decodeCreateOrder разбирает и проверяет тело запроса.
func decodeCreateOrder(r *http.Request, validate *validator.Validate) (createOrderRequest, error) {
	defer func() {
		_, _ = io.Copy(io.Discard, r.Body)
	}()

	var req createOrderRequest
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		return req, domain.NewValidationError(fmt.Errorf("invalid request body: %w", err))
	}
	if err := validate.Struct(req); err != nil {
		return req, domain.NewValidationError(formatValidationErrors(err))
	}
	return req, nil
}

func formatValidationErrors(err error) error {
	errs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	messages := make([]string, 0, len(errs))
	for _, fe := range errs {
		messages = append(messages, fieldPath(fe)+" "+validationMessage(fe))
	}
	return fmt.Errorf("%s", strings.Join(messages, "; "))
}

// fieldPath убирает имя корневой структуры: createOrderRequest.items[0].skuCode → items[0].skuCode.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must contain at least %s element(s)", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "gt", "positive_amount":
		return "must be positive"
	case "sku":
		return "has invalid SKU format"
	}
	return "is invalid"
}

func (req createOrderRequest) toCommand(idempotencyKey string) (order.CreateOrderCommand, error) {
	lines := make([]domain.OrderLine, 0, len(req.Items))
	for _, item := range req.Items {
		price, err := domain.MoneyOf(*item.UnitPrice)
		if err != nil {
			return order.CreateOrderCommand{}, err
		}
		lines = append(lines, domain.OrderLine{
			SKU:       item.SKUCode,
			Quantity:  item.Quantity,
			UnitPrice: price,
		})
	}
	return order.CreateOrderCommand{
		Items:           lines,
		ShippingAddress: strings.TrimSpace(req.ShippingAddress),
		IdempotencyKey:  idempotencyKey,
	}, nil
}
