package offers

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory offer store for demo/development mode.
// Conditional transitions are serialized by the store mutex, matching
// the row-level guarantee of the Postgres store.
type MemoryStore struct {
	offers map[string]*Offer
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory offer store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		offers: make(map[string]*Offer),
	}
}

func (m *MemoryStore) Create(ctx context.Context, offer *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range m.offers {
		if o.RequestID == offer.RequestID && o.TalentID == offer.TalentID && !o.IsTerminal() {
			return ErrDuplicateActive
		}
	}

	cp := *offer
	m.offers[offer.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	offer, ok := m.offers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *offer
	return &cp, nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from, to Status, decidedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	offer, ok := m.offers[id]
	if !ok {
		return ErrNotFound
	}
	if offer.Status != from {
		return ErrConflict
	}
	offer.Status = to
	offer.DecidedAt = &decidedAt
	offer.UpdatedAt = decidedAt
	return nil
}

func (m *MemoryStore) Counter(ctx context.Context, originalID string, decidedAt time.Time, successor *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	original, ok := m.offers[originalID]
	if !ok {
		return ErrNotFound
	}
	if original.Status != StatusPending {
		return ErrConflict
	}

	original.Status = StatusCountered
	original.DecidedAt = &decidedAt
	original.UpdatedAt = decidedAt

	cp := *successor
	m.offers[successor.ID] = &cp
	return nil
}

func (m *MemoryStore) SetEngagement(ctx context.Context, id, engagementID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	offer, ok := m.offers[id]
	if !ok {
		return ErrNotFound
	}
	offer.EngagementID = engagementID
	offer.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListByRequest(ctx context.Context, requestID string, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Offer
	for _, o := range m.offers {
		if o.RequestID == requestID {
			cp := *o
			result = append(result, &cp)
		}
	}
	sortByCreatedDesc(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByTalent(ctx context.Context, talentID string, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Offer
	for _, o := range m.offers {
		if o.TalentID == talentID {
			cp := *o
			result = append(result, &cp)
		}
	}
	sortByCreatedDesc(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Offer
	for _, o := range m.offers {
		if o.Status == StatusPending && o.ExpiresAt.Before(before) {
			cp := *o
			result = append(result, &cp)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func sortByCreatedDesc(offers []*Offer) {
	sort.Slice(offers, func(i, j int) bool {
		return offers[i].CreatedAt.After(offers[j].CreatedAt)
	})
}
