package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type processedStoreInMemory struct {
	mu     sync.RWMutex
	events map[string]domain.ProcessedEvent
}

// NewProcessedStore создаёт in-memory реализацию ProcessedEventStore.
func NewProcessedStore() domain.ProcessedEventStore {
	return &processedStoreInMemory{events: make(map[string]domain.ProcessedEvent)}
}

func (s *processedStoreInMemory) Get(_ context.Context, id string) (domain.ProcessedEvent, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, ok := s.events[id]
	return event, ok, nil
}

func (s *processedStoreInMemory) MarkProcessed(_ context.Context, event domain.ProcessedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[event.ID]; exists {
		return nil
	}
	s.events[event.ID] = event
	return nil
}

var _ domain.ProcessedEventStore = (*processedStoreInMemory)(nil)
