package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
)

// State — состояние circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) gauge() int {
	switch s {
	case StateOpen:
		return metrics.BreakerStateOpen
	case StateHalfOpen:
		return metrics.BreakerStateHalfOpen
	default:
		return metrics.BreakerStateClosed
	}
}

// StateTransition описывает смену состояния breaker.
type StateTransition struct {
	Name string
	From State
	To   State
	At   time.Time
}

// Snapshot — статистика окна на момент запроса.
type Snapshot struct {
	Name          string
	State         State
	BufferedCalls int
	FailedCalls   int
	SlowCalls     int
	FailureRate   float64
	SlowCallRate  float64
}

type callOutcome struct {
	failed bool
	slow   bool
}

// CircuitBreaker — count-based circuit breaker со скользящим окном последних вызовов.
// Состояние защищено собственным мьютексом, разные breaker не блокируют друг друга.
type CircuitBreaker struct {
	name    string
	config  CircuitBreakerConfig
	clock   func() time.Time
	logger  *log.Entry
	metrics *metrics.ResilienceMetrics

	mu         sync.Mutex
	state      State
	generation uint64
	window     []callOutcome
	next       int
	buffered   int
	failed     int
	slow       int
	openedAt   time.Time

	halfOpenInFlight  int
	halfOpenSucceeded int

	listeners []func(StateTransition)
}

// NewCircuitBreaker создаёт breaker в состоянии CLOSED.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger *log.Entry, m *metrics.ResilienceMetrics) *CircuitBreaker {
	if logger == nil {
		logger = log.New().WithField("component", "circuit-breaker")
	}
	config = config.sanitize()
	cb := &CircuitBreaker{
		name:    name,
		config:  config,
		clock:   time.Now,
		logger:  logger.WithField("breaker", name),
		metrics: m,
		window:  make([]callOutcome, config.SlidingWindowSize),
	}
	m.SetBreakerState(name, StateClosed.gauge())
	return cb
}

// Name возвращает имя downstream.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Config возвращает применённую конфигурацию.
func (cb *CircuitBreaker) Config() CircuitBreakerConfig { return cb.config }

// OnStateChange регистрирует обработчик смены состояния. Обработчик вызывается вне мьютекса.
func (cb *CircuitBreaker) OnStateChange(fn func(StateTransition)) {
	cb.mu.Lock()
	cb.listeners = append(cb.listeners, fn)
	cb.mu.Unlock()
}

// State возвращает текущее состояние. OPEN с истёкшим ожиданием остаётся OPEN
// до первого вызова.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot возвращает статистику окна.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Name:          cb.name,
		State:         cb.state,
		BufferedCalls: cb.buffered,
		FailedCalls:   cb.failed,
		SlowCalls:     cb.slow,
		FailureRate:   cb.rate(cb.failed),
		SlowCallRate:  cb.rate(cb.slow),
	}
}

// Do выполняет fn, если breaker пропускает вызов, и учитывает исход.
// В OPEN возвращает ошибку, обёртывающую domain.ErrCallNotPermitted, не вызывая fn.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	generation, err := cb.acquire()
	if err != nil {
		return err
	}

	start := cb.clock()
	err = fn(ctx)
	cb.record(generation, err, cb.clock().Sub(start))
	return err
}

func (cb *CircuitBreaker) acquire() (uint64, error) {
	cb.mu.Lock()
	var transitions []StateTransition

	if cb.state == StateOpen && !cb.clock().Before(cb.openedAt.Add(cb.config.WaitDurationInOpenState)) {
		transitions = append(transitions, cb.transitionLocked(StateHalfOpen))
	}

	var err error
	switch cb.state {
	case StateOpen:
		err = fmt.Errorf("%w: %s", domain.ErrCallNotPermitted, cb.name)
	case StateHalfOpen:
		if cb.halfOpenInFlight+cb.halfOpenSucceeded >= cb.config.PermittedCallsInHalfOpen {
			err = fmt.Errorf("%w: %s (half-open probes exhausted)", domain.ErrCallNotPermitted, cb.name)
		} else {
			cb.halfOpenInFlight++
		}
	}
	generation := cb.generation
	cb.mu.Unlock()

	cb.notify(transitions)
	if err != nil {
		cb.metrics.RecordBreakerCall(cb.name, "not_permitted")
		cb.logger.Warn("circuit breaker rejected call")
	}
	return generation, err
}

func (cb *CircuitBreaker) record(generation uint64, callErr error, duration time.Duration) {
	// Отмена вызывающей стороной не говорит о здоровье downstream.
	ignored := errors.Is(callErr, context.Canceled)
	failed := callErr != nil && !ignored && !domain.IsBusinessOutcome(callErr)
	slow := cb.config.SlowCallDurationThreshold > 0 && duration > cb.config.SlowCallDurationThreshold

	cb.mu.Lock()
	var transitions []StateTransition

	// Вызов допущен в другом поколении состояния: его исход уже не относится к текущему окну.
	if generation != cb.generation {
		cb.mu.Unlock()
		return
	}

	switch cb.state {
	case StateHalfOpen:
		cb.halfOpenInFlight--
		switch {
		case ignored:
		case failed:
			transitions = append(transitions, cb.transitionLocked(StateOpen))
		default:
			cb.halfOpenSucceeded++
			if cb.halfOpenSucceeded >= cb.config.PermittedCallsInHalfOpen {
				transitions = append(transitions, cb.transitionLocked(StateClosed))
			}
		}
	case StateClosed:
		if !ignored {
			cb.pushLocked(callOutcome{failed: failed, slow: slow})
			if cb.shouldOpenLocked() {
				cb.logger.WithFields(log.Fields{
					"failure_rate":   cb.rate(cb.failed),
					"slow_call_rate": cb.rate(cb.slow),
					"buffered_calls": cb.buffered,
				}).Warn("circuit breaker threshold exceeded")
				transitions = append(transitions, cb.transitionLocked(StateOpen))
			}
		}
	}
	cb.mu.Unlock()

	cb.metrics.RecordBreakerCall(cb.name, outcomeLabel(ignored, failed, slow))
	cb.notify(transitions)
}

func outcomeLabel(ignored, failed, slow bool) string {
	switch {
	case ignored:
		return "ignored"
	case failed && slow:
		return "slow_failure"
	case failed:
		return "failure"
	case slow:
		return "slow_success"
	default:
		return "success"
	}
}

func (cb *CircuitBreaker) pushLocked(outcome callOutcome) {
	if cb.buffered == len(cb.window) {
		evicted := cb.window[cb.next]
		if evicted.failed {
			cb.failed--
		}
		if evicted.slow {
			cb.slow--
		}
	} else {
		cb.buffered++
	}
	cb.window[cb.next] = outcome
	cb.next = (cb.next + 1) % len(cb.window)
	if outcome.failed {
		cb.failed++
	}
	if outcome.slow {
		cb.slow++
	}
}

func (cb *CircuitBreaker) shouldOpenLocked() bool {
	if cb.buffered < cb.config.MinimumCalls {
		return false
	}
	if cb.rate(cb.failed) >= cb.config.FailureRateThreshold {
		return true
	}
	return cb.config.SlowCallRateThreshold > 0 && cb.rate(cb.slow) >= cb.config.SlowCallRateThreshold
}

func (cb *CircuitBreaker) rate(count int) float64 {
	if cb.buffered == 0 {
		return 0
	}
	return float64(count) * 100 / float64(cb.buffered)
}

func (cb *CircuitBreaker) transitionLocked(to State) StateTransition {
	from := cb.state
	cb.state = to
	cb.generation++
	cb.halfOpenInFlight = 0
	cb.halfOpenSucceeded = 0

	switch to {
	case StateOpen:
		cb.openedAt = cb.clock()
	case StateClosed:
		cb.resetWindowLocked()
	}
	return StateTransition{Name: cb.name, From: from, To: to, At: cb.clock()}
}

func (cb *CircuitBreaker) resetWindowLocked() {
	for i := range cb.window {
		cb.window[i] = callOutcome{}
	}
	cb.next, cb.buffered, cb.failed, cb.slow = 0, 0, 0, 0
}

func (cb *CircuitBreaker) notify(transitions []StateTransition) {
	if len(transitions) == 0 {
		return
	}
	cb.mu.Lock()
	listeners := append([]func(StateTransition){}, cb.listeners...)
	cb.mu.Unlock()

	for _, tr := range transitions {
		if tr.From == tr.To {
			continue
		}
		cb.metrics.SetBreakerState(cb.name, tr.To.gauge())
		cb.metrics.RecordTransition(cb.name, tr.From.String(), tr.To.String())
		cb.logger.WithFields(log.Fields{
			"from": tr.From.String(),
			"to":   tr.To.String(),
		}).Info("circuit breaker state changed")
		for _, fn := range listeners {
			fn(tr)
		}
	}
}

// TransitionToOpen принудительно открывает breaker.
func (cb *CircuitBreaker) TransitionToOpen() { cb.force(StateOpen) }

// TransitionToHalfOpen принудительно переводит breaker в HALF_OPEN.
func (cb *CircuitBreaker) TransitionToHalfOpen() { cb.force(StateHalfOpen) }

// Reset закрывает breaker и очищает окно. Это единственный административный сброс статистики.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	tr := cb.transitionLocked(StateClosed)
	cb.mu.Unlock()
	cb.notify([]StateTransition{tr})
}

func (cb *CircuitBreaker) force(to State) {
	cb.mu.Lock()
	tr := cb.transitionLocked(to)
	cb.mu.Unlock()
	cb.notify([]StateTransition{tr})
}
