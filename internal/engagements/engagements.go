// Package engagements owns the working relationship created by an
// accepted offer.
//
// An engagement is created in staged when an offer is accepted, becomes
// active once the escrow hold is confirmed, and ends in completed,
// terminated, or disputed. Fee fields (total, platform fee, provider
// amount) are always computed together from the fee calculator and never
// mutated independently, so fee + provider == total holds at all times.
package engagements

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pactline/pactline/internal/fees"
	"github.com/pactline/pactline/internal/idgen"
	"github.com/pactline/pactline/internal/offers"
)

var (
	ErrNotFound = errors.New("engagement not found")
	ErrConflict = errors.New("engagement status changed, re-fetch and retry")
)

// Status represents the state of an engagement.
type Status string

const (
	StatusStaged       Status = "staged"       // Created on accept, hold not yet confirmed
	StatusInterviewing Status = "interviewing" // Optional pre-start phase
	StatusAccepted     Status = "accepted"     // Both parties confirmed, awaiting funds
	StatusActive       Status = "active"       // Escrow hold confirmed, work underway
	StatusCompleted    Status = "completed"    // Work finished
	StatusTerminated   Status = "terminated"   // Ended early (refund, cancellation)
	StatusDisputed     Status = "disputed"     // Funds frozen pending resolution
)

// IsTerminal returns true for final engagement states.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusTerminated, StatusDisputed:
		return true
	}
	return false
}

// Engagement represents an accepted working relationship.
type Engagement struct {
	ID                  string     `json:"id"`
	OfferID             string     `json:"offerId"`
	RequestID           string     `json:"requestId"`
	CompanyID           string     `json:"companyId"`
	TalentID            string     `json:"talentId"`
	Status              Status     `json:"status"`
	TotalAmountCents    int64      `json:"totalAmountCents"`
	PlatformFeeCents    int64      `json:"platformFeeCents"`
	ProviderAmountCents int64      `json:"providerAmountCents"`
	Currency            string     `json:"currency"`
	CompletionVerified  bool       `json:"completionVerified"`
	StartDate           *time.Time `json:"startDate,omitempty"`
	EndDate             *time.Time `json:"endDate,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// Store persists engagements. Transitions are conditional updates keyed
// on the expected current status.
type Store interface {
	Create(ctx context.Context, e *Engagement) error
	Get(ctx context.Context, id string) (*Engagement, error)
	GetByOffer(ctx context.Context, offerID string) (*Engagement, error)
	// Transition moves the engagement from one status to another only if
	// the stored status still matches from. ErrConflict otherwise.
	Transition(ctx context.Context, id string, from, to Status, now time.Time) error
	// Activate moves any pre-active, non-terminal engagement to active
	// and stamps startDate. ErrConflict when already active or terminal.
	Activate(ctx context.Context, id string, now time.Time) error
	// Complete moves active to completed, recording the verification flag
	// in the same conditional update.
	Complete(ctx context.Context, id string, verified bool, now time.Time) error
	// End moves a non-terminal engagement to terminated or disputed and
	// stamps endDate.
	End(ctx context.Context, id string, to Status, now time.Time) error
}

// Service implements engagement business logic.
type Service struct {
	store Store
	calc  *fees.Calculator
}

// NewService creates a new engagement service.
func NewService(store Store, calc *fees.Calculator) *Service {
	return &Service{store: store, calc: calc}
}

// CreateFromOffer creates a staged engagement for an accepted offer,
// computing the fee split from the accepted rate. Satisfies the offer
// service's EngagementCreator collaborator.
func (s *Service) CreateFromOffer(ctx context.Context, offer *offers.Offer) (string, error) {
	split, err := s.calc.Split(offer.RateCents)
	if err != nil {
		return "", fmt.Errorf("fee split for accepted offer: %w", err)
	}

	now := time.Now()
	e := &Engagement{
		ID:                  idgen.WithPrefix("eng_"),
		OfferID:             offer.ID,
		RequestID:           offer.RequestID,
		CompanyID:           offer.CompanyID,
		TalentID:            offer.TalentID,
		Status:              StatusStaged,
		TotalAmountCents:    split.GrossCents,
		PlatformFeeCents:    split.FeeCents,
		ProviderAmountCents: split.ProviderCents,
		Currency:            offer.Currency,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := s.store.Create(ctx, e); err != nil {
		return "", err
	}
	return e.ID, nil
}

// Get returns an engagement by ID.
func (s *Service) Get(ctx context.Context, id string) (*Engagement, error) {
	return s.store.Get(ctx, id)
}

// Activate flips the engagement to active once the escrow hold is
// confirmed. Losing the race (already active or ended) returns ErrConflict.
func (s *Service) Activate(ctx context.Context, id string) error {
	if err := s.store.Activate(ctx, id, time.Now()); err != nil {
		return err
	}
	return nil
}

// Complete marks an active engagement completed, recording whether
// completion was verified. Release of escrowed funds requires the
// verified flag.
func (s *Service) Complete(ctx context.Context, id string, verified bool) (*Engagement, error) {
	if err := s.store.Complete(ctx, id, verified, time.Now()); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

// Terminate ends the engagement early (refund with a non-dispute reason).
func (s *Service) Terminate(ctx context.Context, id string) error {
	return s.store.End(ctx, id, StatusTerminated, time.Now())
}

// Dispute freezes the engagement pending resolution.
func (s *Service) Dispute(ctx context.Context, id string) error {
	return s.store.End(ctx, id, StatusDisputed, time.Now())
}

// Revert moves a staged-or-later engagement back to staged after a failed
// hold so the flow can be retried with a new payment method.
func (s *Service) Revert(ctx context.Context, id string) error {
	err := s.store.Transition(ctx, id, StatusAccepted, StatusStaged, time.Now())
	if errors.Is(err, ErrConflict) {
		// Already staged (or moved on); nothing to revert.
		return nil
	}
	return err
}

// Snapshot reports the fields the escrow coordinator needs to gate
// hold/release decisions.
func (s *Service) Snapshot(ctx context.Context, id string) (status string, completionVerified bool, amountCents int64, currency string, err error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return "", false, 0, "", err
	}
	return string(e.Status), e.CompletionVerified, e.TotalAmountCents, e.Currency, nil
}

// Payee returns the talent receiving the payout for an engagement.
func (s *Service) Payee(ctx context.Context, id string) (string, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return e.TalentID, nil
}
