package idempotency

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T, repo domain.IdempotencyRepository) (*Service, *manualClock) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	clock := &manualClock{now: time.Date(2026, 2, 2, 12, 0, 0, 0, time.UTC)}
	svc := NewService(repo,
		WithServiceLogger(logger.WithField("component", "idempotency-service")),
		WithClock(clock.Now),
	)
	return svc, clock
}

func sampleResult() domain.OrderResult {
	createdAt := time.Date(2026, 2, 2, 12, 0, 0, 0, time.UTC)
	return domain.OrderResult{
		OrderID:        "550e8400-e29b-41d4-a716-446655440000",
		Status:         string(domain.OrderStatusCompleted),
		TotalAmount:    "3000.00",
		Currency:       "TWD",
		TrackingNumber: "TRK000001",
		Message:        domain.MessageOrderCreated,
		CreatedAt:      &createdAt,
	}
}

func TestService_MarkInProgress_FirstWriterWins(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, memory.NewIdempotencyRepository())

	const workers = 16
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := svc.MarkInProgress("key-1", "order-1")
			if err != nil {
				t.Errorf("MarkInProgress failed: %v", err)
				return
			}
			if ok {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Fatalf("expected exactly one winner, got %d", got)
	}
	if !svc.IsInProgress("key-1") {
		t.Fatal("expected key to be in progress")
	}
	if _, found, err := svc.GetExistingResult("key-1"); err != nil || found {
		t.Fatalf("in-progress key must not have a result: found=%v err=%v", found, err)
	}
}

func TestService_SaveResult_ReplaysIdentically(t *testing.T) {
	t.Parallel()

	repo := memory.NewIdempotencyRepository()
	svc, _ := newTestService(t, repo)

	if ok, err := svc.MarkInProgress("key-1", "order-1"); err != nil || !ok {
		t.Fatalf("MarkInProgress: ok=%v err=%v", ok, err)
	}
	want := sampleResult()
	if err := svc.SaveResult("key-1", want); err != nil {
		t.Fatalf("SaveResult failed: %v", err)
	}
	if svc.IsInProgress("key-1") {
		t.Fatal("completed key must not be in progress")
	}

	first, found, err := svc.GetExistingResult("key-1")
	if err != nil || !found {
		t.Fatalf("GetExistingResult: found=%v err=%v", found, err)
	}
	second, _, _ := svc.GetExistingResult("key-1")

	wantJSON, _ := json.Marshal(want)
	firstJSON, _ := json.Marshal(first)
	secondJSON, _ := json.Marshal(second)
	if !bytes.Equal(wantJSON, firstJSON) || !bytes.Equal(firstJSON, secondJSON) {
		t.Fatalf("replay differs:\nwant %s\ngot  %s\nthen %s", wantJSON, firstJSON, secondJSON)
	}

	if ok, err := svc.MarkInProgress("key-1", "order-2"); err != nil || ok {
		t.Fatalf("completed key must not be claimable: ok=%v err=%v", ok, err)
	}
}

func TestService_MarkFailed_ReplaysFailure(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, memory.NewIdempotencyRepository())
	if _, err := svc.MarkInProgress("key-1", "order-1"); err != nil {
		t.Fatalf("MarkInProgress failed: %v", err)
	}

	failure := domain.OrderResultFailure("order-1", "payment failed: PAYMENT_DECLINED: card declined")
	if err := svc.MarkFailed("key-1", failure); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	got, found, err := svc.GetExistingResult("key-1")
	if err != nil || !found {
		t.Fatalf("GetExistingResult: found=%v err=%v", found, err)
	}
	if !got.Failed() || got.Message != failure.Message || got.OrderID != "order-1" {
		t.Fatalf("unexpected replay: %+v", got)
	}
}

func TestService_ExpiredKeyCanBeReclaimed(t *testing.T) {
	t.Parallel()

	svc, clock := newTestService(t, memory.NewIdempotencyRepository())
	if ok, _ := svc.MarkInProgress("key-1", "order-1"); !ok {
		t.Fatal("first claim must succeed")
	}
	if err := svc.SaveResult("key-1", sampleResult()); err != nil {
		t.Fatalf("SaveResult failed: %v", err)
	}

	clock.Advance(DefaultExpiry + time.Second)

	if _, found, _ := svc.GetExistingResult("key-1"); found {
		t.Fatal("expired result must not be returned")
	}
	if svc.IsInProgress("key-1") {
		t.Fatal("expired key must not be in progress")
	}
	ok, err := svc.MarkInProgress("key-1", "order-2")
	if err != nil || !ok {
		t.Fatalf("expired key must be claimable: ok=%v err=%v", ok, err)
	}
}

func TestService_SaveResult_MissingRecordIsNotAnError(t *testing.T) {
	t.Parallel()

	logger, hook := test.NewNullLogger()
	svc := NewService(memory.NewIdempotencyRepository(), WithServiceLogger(logger.WithField("component", "test")))

	if err := svc.SaveResult("unknown", sampleResult()); err != nil {
		t.Fatalf("SaveResult on missing record returned error: %v", err)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Message != "idempotency record not found while saving result" {
		t.Fatalf("expected warning entry, got %+v", entry)
	}
}

func TestService_RepositoryErrorsPropagate(t *testing.T) {
	t.Parallel()

	boom := errors.New("storage down")
	svc, _ := newTestService(t, &failingRepo{err: boom})

	if _, err := svc.MarkInProgress("key-1", "order-1"); !errors.Is(err, boom) {
		t.Fatalf("expected storage error from MarkInProgress, got %v", err)
	}
	if _, _, err := svc.GetExistingResult("key-1"); !errors.Is(err, boom) {
		t.Fatalf("expected storage error from GetExistingResult, got %v", err)
	}
	if svc.IsInProgress("key-1") {
		t.Fatal("storage error must not report in progress")
	}
	if err := svc.SaveResult("key-1", sampleResult()); !errors.Is(err, boom) {
		t.Fatalf("expected storage error from SaveResult, got %v", err)
	}
}

func TestService_WithExpiry(t *testing.T) {
	t.Parallel()

	repo := memory.NewIdempotencyRepository()
	svc := NewService(repo, WithExpiry(time.Minute))
	if svc.Expiry() != time.Minute {
		t.Fatalf("unexpected expiry: %v", svc.Expiry())
	}
	if NewService(repo, WithExpiry(-time.Second)).Expiry() != DefaultExpiry {
		t.Fatal("non-positive expiry must fall back to default")
	}
}

type failingRepo struct {
	err error
}

func (r *failingRepo) Insert(domain.IdempotencyRecord) error { return r.err }

func (r *failingRepo) Get(string, time.Time) (domain.IdempotencyRecord, error) {
	return domain.IdempotencyRecord{}, r.err
}

func (r *failingRepo) Complete(string, []byte) error { return r.err }

func (r *failingRepo) Fail(string, []byte) error { return r.err }

func (r *failingRepo) DeleteExpired(time.Time, int) (int, error) { return 0, r.err }
