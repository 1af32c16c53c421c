// Package payments owns the escrow payment state machine and the
// integration with the external payment provider.
//
// Flow:
//  1. Accepted offer (or explicit hold call) creates a pending payment
//     intent, persisted BEFORE the provider is called
//  2. Provider confirms the charge, synchronously or via webhook: held
//  3. Verified completion releases funds to the talent: released
//  4. While held, funds can instead be refunded to the company: refunded
//
// Progression is monotonic (pending to held to released/refunded; failed
// only from pending) and every mutation is a conditional update keyed on
// the current status, so retries, webhooks, and user actions cannot
// double-apply. Provider calls use the engagement id as the idempotency
// key so a retry after a crash or timeout never double-charges.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pactline/pactline/internal/idgen"
)

var (
	ErrNotFound        = errors.New("escrow payment not found")
	ErrConflict        = errors.New("escrow payment status changed, re-fetch and retry")
	ErrDuplicateActive = errors.New("an active escrow payment already exists for this engagement")
	ErrNotHoldable     = errors.New("engagement is not in a holdable state")
	ErrNotVerified     = errors.New("engagement completion is not verified")
	ErrCircuitOpen     = errors.New("payment provider circuit is open, try again later")
)

// ProviderError wraps a payment provider failure. Retryable failures
// (timeouts, 5xx, rate limits) are retried with backoff; terminal ones
// (card declined, invalid account) surface immediately.
type ProviderError struct {
	Op        string // charge, capture, transfer, refund
	Code      string
	Message   string
	Retryable bool
}

func (e *ProviderError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("payment provider %s failed (%s, %s): %s", e.Op, e.Code, kind, e.Message)
}

// Status represents the state of an escrow payment.
type Status string

const (
	StatusPending  Status = "pending"  // Intent persisted, charge not yet confirmed
	StatusHeld     Status = "held"     // Funds captured and held in escrow
	StatusReleased Status = "released" // Funds transferred to the talent
	StatusRefunded Status = "refunded" // Funds returned to the company
	StatusFailed   Status = "failed"   // Charge rejected before funds were held
)

// IsTerminal returns true for final payment states.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

// EscrowPayment tracks money held against an engagement (1:1).
type EscrowPayment struct {
	ID                  string     `json:"id"`
	EngagementID        string     `json:"engagementId"`
	ProviderChargeRef   string     `json:"providerChargeRef,omitempty"`
	ProviderTransferRef string     `json:"providerTransferRef,omitempty"`
	ProviderRefundRef   string     `json:"providerRefundRef,omitempty"`
	AmountCents         int64      `json:"amountCents"`
	Currency            string     `json:"currency"`
	Status              Status     `json:"status"`
	FailureReason       string     `json:"failureReason,omitempty"`
	HeldAt              *time.Time `json:"heldAt,omitempty"`
	ReleasedAt          *time.Time `json:"releasedAt,omitempty"`
	RefundedAt          *time.Time `json:"refundedAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// Store persists escrow payments. All transitions are conditional
// updates on the expected current status; zero affected rows surfaces
// ErrConflict.
type Store interface {
	// Create inserts a pending payment. Returns ErrDuplicateActive when a
	// non-terminal payment already exists for the engagement.
	Create(ctx context.Context, p *EscrowPayment) error
	Get(ctx context.Context, id string) (*EscrowPayment, error)
	// GetByEngagement returns the most recent payment for an engagement.
	GetByEngagement(ctx context.Context, engagementID string) (*EscrowPayment, error)
	// SetChargeRef records the provider charge ref on a still-pending payment.
	SetChargeRef(ctx context.Context, id, chargeRef string, now time.Time) error
	// MarkHeld moves pending to held, stamping heldAt and the charge ref.
	MarkHeld(ctx context.Context, id, chargeRef string, now time.Time) error
	// MarkFailed moves pending to failed with a reason.
	MarkFailed(ctx context.Context, id, reason string, now time.Time) error
	// MarkReleased moves held to released, stamping releasedAt and the
	// transfer ref.
	MarkReleased(ctx context.Context, id, transferRef string, now time.Time) error
	// MarkRefunded moves held to refunded, stamping refundedAt and the
	// refund ref.
	MarkRefunded(ctx context.Context, id, refundRef string, now time.Time) error
	// RevertToHeld moves released back to held after a failed transfer.
	RevertToHeld(ctx context.Context, id string, now time.Time) error
}

// ChargeResult is the provider's answer to a charge request.
type ChargeResult struct {
	Ref       string // provider-side charge reference
	Confirmed bool   // true when the provider confirmed synchronously
}

// Event is a verified webhook event from the payment provider.
type Event struct {
	ID           string
	Type         string
	ChargeRef    string
	TransferRef  string
	EngagementID string // from provider metadata, may be empty
	Raw          []byte
}

// ProviderClient abstracts the external payment provider. Implementations
// must be stateless and safe for concurrent use.
type ProviderClient interface {
	CreateCharge(ctx context.Context, idempotencyKey string, amountCents int64, currency, paymentMethodRef string) (*ChargeResult, error)
	Capture(ctx context.Context, chargeRef string) error
	Transfer(ctx context.Context, idempotencyKey string, amountCents int64, currency, destination string) (string, error)
	Refund(ctx context.Context, chargeRef string, amountCents int64) (string, error)
	// VerifyWebhook checks the signature and parses the event envelope.
	VerifyWebhook(payload []byte, signatureHeader string) (*Event, error)
}

// EngagementDirectory is the slice of the engagement service the escrow
// coordinator needs: status gating plus the transitions it drives.
type EngagementDirectory interface {
	Snapshot(ctx context.Context, id string) (status string, completionVerified bool, amountCents int64, currency string, err error)
	Payee(ctx context.Context, id string) (string, error)
	Activate(ctx context.Context, id string) error
	Terminate(ctx context.Context, id string) error
	Dispute(ctx context.Context, id string) error
	Revert(ctx context.Context, id string) error
}

// Notifier delivers fire-and-forget notifications. Failures never roll
// back a financial transition.
type Notifier interface {
	Notify(ctx context.Context, eventType string, recipientIDs []string, metadata map[string]any)
}

// EventPublisher broadcasts payment events to realtime subscribers.
type EventPublisher interface {
	Publish(eventType string, payload any)
}

// HoldRequest contains the parameters for placing a hold.
type HoldRequest struct {
	PaymentMethodRef string `json:"paymentMethodRef" binding:"required"`
}

// RefundRequest contains the parameters for refunding a hold.
type RefundRequest struct {
	Reason string `json:"reason" binding:"required"` // cancelled, mutual, dispute
}

// Refund reason codes and how they end the engagement.
const (
	RefundReasonCancelled = "cancelled"
	RefundReasonMutual    = "mutual"
	RefundReasonDispute   = "dispute"
)

func generatePaymentID() string {
	return idgen.WithPrefix("esc_")
}
