package payments

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]*EscrowPayment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]*EscrowPayment)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Create(ctx context.Context, p *EscrowPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.payments {
		if existing.EngagementID == p.EngagementID && !existing.Status.IsTerminal() {
			return ErrDuplicateActive
		}
	}
	cp := *p
	s.payments[p.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*EscrowPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetByEngagement(ctx context.Context, engagementID string) (*EscrowPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *EscrowPayment
	for _, p := range s.payments {
		if p.EngagementID != engagementID {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) SetChargeRef(ctx context.Context, id, chargeRef string, now time.Time) error {
	return s.update(id, StatusPending, func(p *EscrowPayment) {
		p.ProviderChargeRef = chargeRef
		p.UpdatedAt = now
	})
}

func (s *MemoryStore) MarkHeld(ctx context.Context, id, chargeRef string, now time.Time) error {
	return s.update(id, StatusPending, func(p *EscrowPayment) {
		p.Status = StatusHeld
		p.ProviderChargeRef = chargeRef
		t := now
		p.HeldAt = &t
		p.UpdatedAt = now
	})
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id, reason string, now time.Time) error {
	return s.update(id, StatusPending, func(p *EscrowPayment) {
		p.Status = StatusFailed
		p.FailureReason = reason
		p.UpdatedAt = now
	})
}

func (s *MemoryStore) MarkReleased(ctx context.Context, id, transferRef string, now time.Time) error {
	return s.update(id, StatusHeld, func(p *EscrowPayment) {
		p.Status = StatusReleased
		p.ProviderTransferRef = transferRef
		t := now
		p.ReleasedAt = &t
		p.UpdatedAt = now
	})
}

func (s *MemoryStore) MarkRefunded(ctx context.Context, id, refundRef string, now time.Time) error {
	return s.update(id, StatusHeld, func(p *EscrowPayment) {
		p.Status = StatusRefunded
		p.ProviderRefundRef = refundRef
		t := now
		p.RefundedAt = &t
		p.UpdatedAt = now
	})
}

func (s *MemoryStore) RevertToHeld(ctx context.Context, id string, now time.Time) error {
	return s.update(id, StatusReleased, func(p *EscrowPayment) {
		p.Status = StatusHeld
		p.ProviderTransferRef = ""
		p.ReleasedAt = nil
		p.UpdatedAt = now
	})
}

// update applies fn only when the payment is currently in from.
func (s *MemoryStore) update(id string, from Status, fn func(*EscrowPayment)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != from {
		return ErrConflict
	}
	fn(p)
	return nil
}
