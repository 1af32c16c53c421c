// Package webhooks ingests payment provider events and folds them into
// the escrow payment state machine.
//
// Flow:
//  1. Verify the event signature against the provider's signing secret
//  2. Record the external event id exactly once; replays ack without
//     re-applying
//  3. Dispatch by event type through conditional status updates, so an
//     event arriving after the state already moved on is dropped as
//     stale rather than rewinding anything
package webhooks

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBadSignature means the payload failed signature verification.
	ErrBadSignature = errors.New("webhook signature verification failed")
	// ErrDuplicate means the external event id was already recorded.
	ErrDuplicate = errors.New("webhook event already processed")
)

// ProcessedEvent is the dedup record for a delivered provider event.
type ProcessedEvent struct {
	ExternalEventID string    `json:"externalEventId"`
	EventType       string    `json:"eventType"`
	ReceivedAt      time.Time `json:"receivedAt"`
}

// DedupStore records processed event ids. Insert is the idempotency
// gate: exactly one caller wins for a given external id.
type DedupStore interface {
	// Insert records the event id, returning ErrDuplicate when it was
	// already recorded.
	Insert(ctx context.Context, externalEventID, eventType string, receivedAt time.Time) error
	// Delete releases a recorded id so the provider's redelivery can be
	// applied after a transient processing failure.
	Delete(ctx context.Context, externalEventID string) error
}
