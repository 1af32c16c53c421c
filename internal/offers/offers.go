// Package offers owns the offer negotiation state machine.
//
// Flow:
//  1. Company sends an offer to a talent profile for one of its requests
//  2. Talent responds: accept, decline, or counter (bounded rounds)
//  3. Accept atomically creates an Engagement and requests an escrow hold
//  4. Counter marks the offer countered and spawns a fresh pending row
//  5. Stale pending offers are expired by the sweeper or on the respond path
//
// Every transition out of pending is a single conditional store update
// keyed on the current status, so concurrent responders, cancellation,
// and the sweeper race safely: exactly one writer wins, the rest see
// ErrConflict.
package offers

import (
	"context"
	"errors"
	"time"

	"github.com/pactline/pactline/internal/fees"
	"github.com/pactline/pactline/internal/idgen"
)

var (
	ErrNotFound        = errors.New("offer not found")
	ErrConflict        = errors.New("offer status changed, re-fetch and retry")
	ErrExpired         = errors.New("offer has expired")
	ErrDuplicateActive = errors.New("an active offer already exists for this request and talent")
	ErrCounterDepth    = errors.New("maximum counter-offer rounds exceeded")
	ErrUnauthorized    = errors.New("not authorized for this offer operation")
	ErrInvalidAction   = errors.New("invalid action for this offer")
)

// Status represents the state of an offer.
type Status string

const (
	StatusPending   Status = "pending"   // Awaiting a response
	StatusAccepted  Status = "accepted"  // Accepted, engagement created
	StatusDeclined  Status = "declined"  // Declined by the recipient
	StatusCountered Status = "countered" // Superseded by a counter-offer row
	StatusExpired   Status = "expired"   // Deadline passed without a response
	StatusCancelled Status = "cancelled" // Withdrawn by the offering party
)

// DefaultExpiration is the default time before a pending offer expires.
const DefaultExpiration = 48 * time.Hour

// DefaultMaxCounterDepth bounds counter-offer rounds per thread.
const DefaultMaxCounterDepth = 5

// Offer represents a proposed engagement between a company and a talent.
type Offer struct {
	ID           string     `json:"id"`
	RequestID    string     `json:"requestId"`
	TalentID     string     `json:"talentId"`
	CompanyID    string     `json:"companyId"`
	RateCents    int64      `json:"rateCents"`
	Currency     string     `json:"currency"`
	Message      string     `json:"message,omitempty"`
	Status       Status     `json:"status"`
	ProposedBy   string     `json:"proposedBy"` // company on round 0, alternates on counters
	CounterOf    string     `json:"counterOf,omitempty"`
	CounterDepth int        `json:"counterDepth"`
	EngagementID string     `json:"engagementId,omitempty"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	DecidedAt    *time.Time `json:"decidedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the offer is in a final state.
func (o *Offer) IsTerminal() bool {
	return o.Status != StatusPending
}

// Recipient returns the party expected to respond to this offer.
func (o *Offer) Recipient() string {
	if o.ProposedBy == o.CompanyID {
		return o.TalentID
	}
	return o.CompanyID
}

// Store persists offers.
//
// Transition must be implemented as a single conditional update
// (zero affected rows means the precondition failed) so that concurrent
// writers serialize through the persistence layer.
type Store interface {
	// Create inserts a new offer. Returns ErrDuplicateActive when a
	// non-terminal offer already exists for the same (requestId, talentId).
	Create(ctx context.Context, offer *Offer) error
	Get(ctx context.Context, id string) (*Offer, error)
	// Transition moves the offer from one status to another, stamping
	// decidedAt, only if the stored status still matches from.
	// Returns ErrConflict when the precondition fails.
	Transition(ctx context.Context, id string, from, to Status, decidedAt time.Time) error
	// Counter atomically marks original countered and inserts successor.
	Counter(ctx context.Context, originalID string, decidedAt time.Time, successor *Offer) error
	// SetEngagement links the accepted offer to its engagement.
	SetEngagement(ctx context.Context, id, engagementID string) error
	ListByRequest(ctx context.Context, requestID string, limit int) ([]*Offer, error)
	ListByTalent(ctx context.Context, talentID string, limit int) ([]*Offer, error)
	// ListExpired returns pending offers whose deadline passed before the
	// given time, for the sweeper.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Offer, error)
}

// EngagementCreator creates the engagement backing an accepted offer.
type EngagementCreator interface {
	CreateFromOffer(ctx context.Context, offer *Offer) (engagementID string, err error)
}

// HoldRequester asks the escrow coordinator to place a hold for an engagement.
type HoldRequester interface {
	RequestHold(ctx context.Context, engagementID, paymentMethodRef string) error
}

// Notifier delivers fire-and-forget notifications to marketplace parties.
// Failures must never roll back an offer transition.
type Notifier interface {
	Notify(ctx context.Context, eventType string, recipientIDs []string, metadata map[string]any)
}

// EventPublisher broadcasts offer events to realtime subscribers.
type EventPublisher interface {
	Publish(eventType string, payload any)
}

// CreateRequest contains the parameters for creating an offer.
type CreateRequest struct {
	RequestID string `json:"requestId" binding:"required"`
	TalentID  string `json:"talentId" binding:"required"`
	RateCents int64  `json:"rateCents" binding:"required"`
	Currency  string `json:"currency" binding:"required"`
	Message   string `json:"message"`
}

// CounterTerms contains the fields a counter-offer may change.
type CounterTerms struct {
	RateCents int64  `json:"rateCents" binding:"required"`
	Duration  string `json:"duration"`
	Terms     string `json:"terms"`
	Reason    string `json:"reason"`
}

// RespondRequest contains the parameters for responding to an offer.
type RespondRequest struct {
	Action           string        `json:"action" binding:"required"` // accept, decline, counter
	PaymentMethodRef string        `json:"paymentMethodRef"`
	Counter          *CounterTerms `json:"counterOffer"`
}

// RespondResult is returned from Respond. EngagementID is set when the
// action was accept.
type RespondResult struct {
	Offer        *Offer `json:"offer"`
	EngagementID string `json:"engagementId,omitempty"`
}

// validateSplit checks that the rate produces a valid fee split before an
// offer (or counter) is persisted.
func validateSplit(calc *fees.Calculator, rateCents int64) error {
	if calc == nil {
		return nil
	}
	_, err := calc.Split(rateCents)
	return err
}

func generateOfferID() string {
	return idgen.WithPrefix("off_")
}
