package engagements

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory engagement store for demo/development mode.
type MemoryStore struct {
	engagements map[string]*Engagement
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory engagement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		engagements: make(map[string]*Engagement),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Engagement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.engagements[e.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Engagement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.engagements[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetByOffer(ctx context.Context, offerID string) (*Engagement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.engagements {
		if e.OfferID == offerID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from, to Status, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.engagements[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != from {
		return ErrConflict
	}
	e.Status = to
	e.UpdatedAt = now
	return nil
}

func (m *MemoryStore) Activate(ctx context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.engagements[id]
	if !ok {
		return ErrNotFound
	}
	switch e.Status {
	case StatusStaged, StatusInterviewing, StatusAccepted:
		e.Status = StatusActive
		e.StartDate = &now
		e.UpdatedAt = now
		return nil
	}
	return ErrConflict
}

func (m *MemoryStore) Complete(ctx context.Context, id string, verified bool, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.engagements[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != StatusActive {
		return ErrConflict
	}
	e.Status = StatusCompleted
	e.CompletionVerified = verified
	e.EndDate = &now
	e.UpdatedAt = now
	return nil
}

func (m *MemoryStore) End(ctx context.Context, id string, to Status, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.engagements[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status.IsTerminal() {
		return ErrConflict
	}
	e.Status = to
	e.EndDate = &now
	e.UpdatedAt = now
	return nil
}
