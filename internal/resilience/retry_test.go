package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

func testLogger() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger.WithField("component", "resilience-test")
}

// failingStub падает заданное число раз, затем отвечает успехом.
type failingStub struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (s *failingStub) call(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return s.err
	}
	return nil
}

func (s *failingStub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestRetry(cfg RetryConfig) (*Retry, *[]time.Duration) {
	r := NewRetry("test", cfg, testLogger(), nil)
	var delays []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return r, &delays
}

func TestRetryConfigBackoff(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, Multiplier: 2}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	for i, w := range want {
		if got := cfg.Backoff(i + 1); got != w {
			t.Fatalf("attempt %d: want %s, got %s", i+1, w, got)
		}
	}

	cfg.MaxDelay = 150 * time.Millisecond
	if got := cfg.Backoff(3); got != 150*time.Millisecond {
		t.Fatalf("expected capped delay, got %s", got)
	}
}

func TestRetrySucceedsAfterKFailures(t *testing.T) {
	for k := 0; k < 3; k++ {
		stub := &failingStub{failures: k, err: &domain.RetryableServiceError{Service: "inventory", StatusCode: 503}}
		r, delays := newTestRetry(RetryConfig{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, Multiplier: 2})

		if err := r.Do(context.Background(), stub.call); err != nil {
			t.Fatalf("k=%d: unexpected error %v", k, err)
		}
		if stub.Calls() != k+1 {
			t.Fatalf("k=%d: expected %d calls, got %d", k, k+1, stub.Calls())
		}
		if len(*delays) != k {
			t.Fatalf("k=%d: expected %d waits, got %v", k, k, *delays)
		}
	}
}

func TestRetryExhaustedReturnsServiceUnavailable(t *testing.T) {
	cause := &domain.RetryableServiceError{Service: "inventory", StatusCode: 500, Message: "boom"}
	stub := &failingStub{failures: 100, err: cause}
	r, delays := newTestRetry(RetryConfig{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, Multiplier: 2})

	err := r.Do(context.Background(), stub.call)

	var unavailable *domain.ServiceUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected ServiceUnavailableError, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected last cause to be wrapped, got %v", err)
	}
	if stub.Calls() != 3 {
		t.Fatalf("expected exactly 3 calls, got %d", stub.Calls())
	}
	wantDelays := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(*delays) != len(wantDelays) || (*delays)[0] != wantDelays[0] || (*delays)[1] != wantDelays[1] {
		t.Fatalf("unexpected backoff sequence %v", *delays)
	}
}

func TestRetryDoesNotRetryBusinessErrors(t *testing.T) {
	cases := []error{
		&domain.BusinessError{Code: domain.BusinessCodeInsufficientStock, Message: "SKU001"},
		&domain.NonRetryableServiceError{Service: "payment", StatusCode: 400},
	}
	for _, cause := range cases {
		stub := &failingStub{failures: 100, err: cause}
		r, _ := newTestRetry(RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2})

		err := r.Do(context.Background(), stub.call)
		if !errors.Is(err, cause) {
			t.Fatalf("expected original error, got %v", err)
		}
		if stub.Calls() != 1 {
			t.Fatalf("expected single call for %T, got %d", cause, stub.Calls())
		}
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	stub := &failingStub{failures: 100, err: &domain.RetryableServiceError{Service: "inventory"}}
	r := NewRetry("test", RetryConfig{MaxAttempts: 5, BaseDelay: time.Second, Multiplier: 2}, testLogger(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := r.Do(ctx, stub.call)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("retry must not wait past context deadline")
	}
	if stub.Calls() != 1 {
		t.Fatalf("expected 1 call before cancellation, got %d", stub.Calls())
	}
}
