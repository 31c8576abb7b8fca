package memory

import (
	"sync"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// orderRepositoryInMemory — простая in-memory реализация OrderRepository.
type orderRepositoryInMemory struct {
	mu     sync.RWMutex
	items  map[string]*domain.Order
	outbox *outboxRepositoryInMemory
}

// NewOrderRepository возвращает in-memory репозиторий для локальной разработки и тестов.
// Без outbox метод CreateWithOutbox недоступен.
func NewOrderRepository() domain.OrderRepository {
	return &orderRepositoryInMemory{
		items: make(map[string]*domain.Order),
	}
}

// NewOrderRepositoryWithOutbox связывает репозиторий заказов с outbox, чтобы
// CreateWithOutbox сохранял заказ и событие в одной критической секции.
func NewOrderRepositoryWithOutbox(outbox *outboxRepositoryInMemory) domain.OrderRepository {
	return &orderRepositoryInMemory{
		items:  make(map[string]*domain.Order),
		outbox: outbox,
	}
}

// Create сохраняет новый заказ, если ID ещё не занят.
func (r *orderRepositoryInMemory) Create(order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createLocked(order)
}

func (r *orderRepositoryInMemory) createLocked(order *domain.Order) error {
	if _, exists := r.items[order.ID]; exists {
		return domain.ErrOrderAlreadyExists
	}
	// Сохраняем копию, чтобы избежать непредсказуемых мутаций извне.
	r.items[order.ID] = order.Clone()
	return nil
}

// CreateWithOutbox атомарно сохраняет заказ и событие: либо оба, либо ничего.
func (r *orderRepositoryInMemory) CreateWithOutbox(order *domain.Order, event domain.OutboxEvent) error {
	if r.outbox == nil {
		return errOutboxNotConfigured
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.outbox.mu.Lock()
	defer r.outbox.mu.Unlock()

	if _, exists := r.items[order.ID]; exists {
		return domain.ErrOrderAlreadyExists
	}
	if err := r.outbox.enqueueLocked(event); err != nil {
		return err
	}
	r.items[order.ID] = order.Clone()
	return nil
}

// Get возвращает копию заказа или ErrOrderNotFound, если его нет.
func (r *orderRepositoryInMemory) Get(id string) (*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.items[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

// Save перезаписывает заказ, проверяя версию (optimistic locking).
// При успехе версия переданного заказа увеличивается.
func (r *orderRepositoryInMemory) Save(order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[order.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if current.Version != order.Version {
		return domain.ErrOrderVersionConflict
	}
	order.Version++
	r.items[order.ID] = order.Clone()
	return nil
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
