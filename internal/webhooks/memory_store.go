package webhooks

import (
	"context"
	"sync"
	"time"
)

// MemoryDedupStore is an in-memory DedupStore for tests and local
// development.
type MemoryDedupStore struct {
	mu   sync.Mutex
	seen map[string]*ProcessedEvent
}

func NewMemoryDedupStore() *MemoryDedupStore {
	return &MemoryDedupStore{seen: make(map[string]*ProcessedEvent)}
}

var _ DedupStore = (*MemoryDedupStore)(nil)

func (s *MemoryDedupStore) Insert(ctx context.Context, externalEventID, eventType string, receivedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[externalEventID]; ok {
		return ErrDuplicate
	}
	s.seen[externalEventID] = &ProcessedEvent{
		ExternalEventID: externalEventID,
		EventType:       eventType,
		ReceivedAt:      receivedAt,
	}
	return nil
}

func (s *MemoryDedupStore) Delete(ctx context.Context, externalEventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, externalEventID)
	return nil
}
