package pebble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const processedKeyPrefix = "processed/"

// ProcessedStore хранит обработанные события консьюмера на диске в PebbleDB.
type ProcessedStore struct {
	mu sync.Mutex
	db *pebble.DB
}

// Open открывает (или создаёт) хранилище в каталоге dir.
func Open(dir string) (*ProcessedStore, error) {
	opts := &pebble.Options{
		MemTableSize:          64 << 20,
		L0CompactionThreshold: 4,
		L0StopWritesThreshold: 8,
	}
	db, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &ProcessedStore{db: db}, nil
}

// Close закрывает базу.
func (s *ProcessedStore) Close() error {
	return s.db.Close()
}

func processedKey(id string) []byte {
	return []byte(processedKeyPrefix + id)
}

// Get возвращает отметку об обработке события.
func (s *ProcessedStore) Get(ctx context.Context, id string) (domain.ProcessedEvent, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.ProcessedEvent{}, false, err
	}

	value, closer, err := s.db.Get(processedKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return domain.ProcessedEvent{}, false, nil
	}
	if err != nil {
		return domain.ProcessedEvent{}, false, fmt.Errorf("pebble get %s: %w", id, err)
	}
	defer closer.Close()

	var event domain.ProcessedEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return domain.ProcessedEvent{}, false, fmt.Errorf("decode processed event %s: %w", id, err)
	}
	return event, true, nil
}

// MarkProcessed сохраняет отметку; повторная отметка того же id ничего не меняет.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, event domain.ProcessedEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, found, err := s.Get(ctx, event.ID)
	if err != nil {
		return err
	}
	if found {
		return nil
	}

	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode processed event %s: %w", event.ID, err)
	}
	// Sync: отметка должна пережить рестарт, иначе событие применится повторно.
	if err := s.db.Set(processedKey(event.ID), raw, pebble.Sync); err != nil {
		return fmt.Errorf("pebble set %s: %w", event.ID, err)
	}
	return nil
}

// Count возвращает число сохранённых отметок.
func (s *ProcessedStore) Count() (int, error) {
	prefix := []byte(processedKeyPrefix)
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: []byte(processedKeyPrefix[:len(processedKeyPrefix)-1] + "0"),
	})
	if err != nil {
		return 0, fmt.Errorf("pebble iter: %w", err)
	}
	defer it.Close()

	count := 0
	for it.First(); it.Valid(); it.Next() {
		count++
	}
	return count, it.Error()
}

var _ domain.ProcessedEventStore = (*ProcessedStore)(nil)
