package consumer

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryDeduplicator keeps processed events in memory. It is meant for tests
// and single-process setups.
type MemoryDeduplicator struct {
	mu   sync.Mutex
	seen map[string]map[uuid.UUID]struct{}
}

var _ Deduplicator = (*MemoryDeduplicator)(nil)

func NewMemoryDeduplicator() *MemoryDeduplicator {
	return &MemoryDeduplicator{seen: make(map[string]map[uuid.UUID]struct{})}
}

func (m *MemoryDeduplicator) Processed(_ context.Context, consumer string, eventId uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[consumer][eventId]
	return ok, nil
}

func (m *MemoryDeduplicator) MarkProcessed(_ context.Context, consumer string, eventId uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[consumer] == nil {
		m.seen[consumer] = make(map[uuid.UUID]struct{})
	}
	m.seen[consumer][eventId] = struct{}{}
	return nil
}
