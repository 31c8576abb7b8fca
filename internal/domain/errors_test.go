package domain_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"retryable 503", &domain.RetryableServiceError{Service: "payment", StatusCode: 503, Message: "down"}, true},
		{"wrapped retryable", fmt.Errorf("call: %w", &domain.RetryableServiceError{Service: "inventory"}), true},
		{"deadline", context.DeadlineExceeded, true},
		{"business", &domain.BusinessError{Code: domain.BusinessCodeInsufficientStock}, false},
		{"non retryable 400", &domain.NonRetryableServiceError{Service: "payment", StatusCode: 400}, false},
		{"validation", domain.NewValidationError(domain.ErrItemsRequired), false},
		{"open circuit", domain.ErrCallNotPermitted, false},
		{"canceled", context.Canceled, false},
		{"unavailable", &domain.ServiceUnavailableError{Service: "payment", Err: &domain.RetryableServiceError{}}, false},
		{"unknown", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := domain.IsRetryable(tc.err); got != tc.want {
				t.Fatalf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestServiceUnavailableUnwrap(t *testing.T) {
	cause := &domain.RetryableServiceError{Service: "inventory", StatusCode: 500, Message: "boom"}
	err := &domain.ServiceUnavailableError{Service: "inventory", Err: cause}

	var got *domain.RetryableServiceError
	if !errors.As(err, &got) || got != cause {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
}
