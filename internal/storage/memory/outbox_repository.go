package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const defaultPullLimit = 100

type deliveryState uint8

const (
	statePending deliveryState = iota
	stateSent
	stateFailed
)

type queuedMessage struct {
	msg       domain.OutboxMessage
	state     deliveryState
	queuedAt  time.Time
	settledAt time.Time
}

// OutboxRepository держит очередь outbox в памяти в порядке постановки.
type OutboxRepository struct {
	mu    sync.RWMutex
	queue []*queuedMessage
	byID  map[string]*queuedMessage
}

// NewOutboxRepository создаёт пустую очередь.
func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{byID: make(map[string]*queuedMessage)}
}

// Enqueue ставит сообщение в очередь; пустой ID заменяется на UUID.
func (r *OutboxRepository) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if err := msg.Validate(); err != nil {
		return domain.OutboxMessage{}, err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[msg.ID]; exists {
		return domain.OutboxMessage{}, fmt.Errorf("outbox message %s already queued", msg.ID)
	}
	entry := &queuedMessage{msg: msg, queuedAt: time.Now().UTC()}
	r.queue = append(r.queue, entry)
	r.byID[msg.ID] = entry
	return msg, nil
}

// PullPending отдаёт до limit самых старых неотправленных сообщений, не меняя их состояние.
func (r *OutboxRepository) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultPullLimit
	}
	return r.pending(limit), nil
}

// AllPending возвращает все неотправленные сообщения.
func (r *OutboxRepository) AllPending() []domain.OutboxMessage {
	return r.pending(0)
}

func (r *OutboxRepository) Stats(_ context.Context) (domain.OutboxStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats domain.OutboxStats
	for _, entry := range r.queue {
		if entry.state != statePending {
			continue
		}
		if stats.PendingCount == 0 {
			stats.OldestPendingAt = entry.queuedAt
		}
		stats.PendingCount++
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(_ context.Context, id string) error {
	return r.settle(id, stateSent)
}

func (r *OutboxRepository) MarkFailed(_ context.Context, id string) error {
	return r.settle(id, stateFailed)
}

// settle переводит только pending-сообщение; повторная отметка считается ошибкой.
func (r *OutboxRepository) settle(id string, state deliveryState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byID[id]
	if !ok || entry.state != statePending {
		return fmt.Errorf("outbox message %s: %w", id, domain.ErrOutboxNotPending)
	}
	entry.state = state
	entry.settledAt = time.Now().UTC()
	return nil
}

// pending собирает неотправленные сообщения; limit 0 снимает ограничение.
func (r *OutboxRepository) pending(limit int) []domain.OutboxMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.OutboxMessage, 0)
	for _, entry := range r.queue {
		if entry.state != statePending {
			continue
		}
		out = append(out, entry.msg)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
