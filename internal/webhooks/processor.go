package webhooks

import (
	"context"
	"errors"
	"time"

	"github.com/pactline/pactline/internal/logging"
	"github.com/pactline/pactline/internal/metrics"
	"github.com/pactline/pactline/internal/payments"
	"github.com/pactline/pactline/internal/traces"
)

// Verifier checks a webhook payload's signature and parses the event.
// Satisfied by the payment provider client.
type Verifier interface {
	VerifyWebhook(payload []byte, signatureHeader string) (*payments.Event, error)
}

// Processor verifies, dedups, and applies provider events.
type Processor struct {
	verifier    Verifier
	dedup       DedupStore
	payments    payments.Store
	engagements payments.EngagementDirectory
	events      payments.EventPublisher
}

// NewProcessor builds a Processor. The event publisher attaches via
// WithEvents.
func NewProcessor(verifier Verifier, dedup DedupStore, paymentStore payments.Store, engagements payments.EngagementDirectory) *Processor {
	return &Processor{
		verifier:    verifier,
		dedup:       dedup,
		payments:    paymentStore,
		engagements: engagements,
	}
}

func (p *Processor) WithEvents(pub payments.EventPublisher) *Processor {
	p.events = pub
	return p
}

// Handle processes one raw webhook delivery. It returns nil for anything
// the provider should consider delivered (applied, replayed, stale, or
// unknown), ErrBadSignature for forged payloads, and other errors only
// for transient failures worth a provider retry.
func (p *Processor) Handle(ctx context.Context, payload []byte, signatureHeader string) error {
	ctx, span := traces.StartSpan(ctx, "webhooks.handle")
	defer span.End()
	log := logging.L(ctx)

	ev, err := p.verifier.VerifyWebhook(payload, signatureHeader)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("bad_signature").Inc()
		log.Warn("webhook signature rejected", "error", err)
		return ErrBadSignature
	}

	if err := p.dedup.Insert(ctx, ev.ID, ev.Type, time.Now()); err != nil {
		if errors.Is(err, ErrDuplicate) {
			metrics.WebhookEventsTotal.WithLabelValues("duplicate").Inc()
			log.Info("webhook replay acked", "eventId", ev.ID, "eventType", ev.Type)
			return nil
		}
		metrics.WebhookEventsTotal.WithLabelValues("error").Inc()
		return err
	}

	if err := p.apply(ctx, ev); err != nil {
		// Release the dedup claim so the provider's redelivery is not
		// acked as a replay with the event's effects never applied.
		if derr := p.dedup.Delete(ctx, ev.ID); derr != nil {
			log.Error("failed to release dedup record, redelivery will be dropped",
				"eventId", ev.ID, "error", derr)
		}
		metrics.WebhookEventsTotal.WithLabelValues("error").Inc()
		return err
	}
	return nil
}

// apply dispatches a verified, first-seen event. Conditional store
// updates make late arrivals no-ops: a conflict means the state already
// moved past what this event describes.
func (p *Processor) apply(ctx context.Context, ev *payments.Event) error {
	log := logging.L(ctx)

	if ev.EngagementID == "" {
		metrics.WebhookEventsTotal.WithLabelValues("unknown").Inc()
		log.Info("webhook without engagement metadata acked", "eventId", ev.ID, "eventType", ev.Type)
		return nil
	}

	pay, err := p.payments.GetByEngagement(ctx, ev.EngagementID)
	if err != nil {
		if errors.Is(err, payments.ErrNotFound) {
			metrics.WebhookEventsTotal.WithLabelValues("unknown").Inc()
			log.Warn("webhook for unknown payment acked", "eventId", ev.ID, "engagementId", ev.EngagementID)
			return nil
		}
		return err
	}

	now := time.Now()
	switch ev.Type {
	case "charge.succeeded":
		err = p.payments.MarkHeld(ctx, pay.ID, ev.ChargeRef, now)
		if err == nil {
			if aerr := p.engagements.Activate(ctx, ev.EngagementID); aerr != nil {
				log.Warn("payment held but engagement activation failed",
					"engagementId", ev.EngagementID, "error", aerr)
			}
			metrics.PaymentsTotal.WithLabelValues(string(payments.StatusHeld)).Inc()
			p.publish("payment.held", pay)
		}

	case "charge.failed":
		err = p.payments.MarkFailed(ctx, pay.ID, "provider_reported_failure", now)
		if err == nil {
			if rerr := p.engagements.Revert(ctx, ev.EngagementID); rerr != nil {
				log.Warn("payment failed but engagement revert failed",
					"engagementId", ev.EngagementID, "error", rerr)
			}
			metrics.PaymentsTotal.WithLabelValues(string(payments.StatusFailed)).Inc()
		}

	case "transfer.created":
		err = p.payments.MarkReleased(ctx, pay.ID, ev.TransferRef, now)
		if err == nil {
			metrics.PaymentsTotal.WithLabelValues(string(payments.StatusReleased)).Inc()
			p.publish("payment.released", pay)
		}

	case "transfer.failed", "transfer.reversed":
		err = p.payments.RevertToHeld(ctx, pay.ID, now)
		if err == nil {
			// Funds are back in escrow but a payout just bounced; this needs
			// eyes, not silent retries.
			log.Error("payout failed, payment reverted to held",
				"engagementId", ev.EngagementID, "paymentId", pay.ID, "transferRef", ev.TransferRef)
		}

	case "charge.refunded":
		err = p.payments.MarkRefunded(ctx, pay.ID, ev.ChargeRef, now)
		if err == nil {
			if terr := p.engagements.Terminate(ctx, ev.EngagementID); terr != nil {
				log.Warn("payment refunded but engagement close failed",
					"engagementId", ev.EngagementID, "error", terr)
			}
			metrics.PaymentsTotal.WithLabelValues(string(payments.StatusRefunded)).Inc()
			p.publish("payment.refunded", pay)
		}

	default:
		metrics.WebhookEventsTotal.WithLabelValues("unknown").Inc()
		log.Info("unhandled webhook type acked", "eventId", ev.ID, "eventType", ev.Type)
		return nil
	}

	switch {
	case err == nil:
		metrics.WebhookEventsTotal.WithLabelValues("processed").Inc()
		log.Info("webhook applied", "eventId", ev.ID, "eventType", ev.Type, "engagementId", ev.EngagementID)
		return nil
	case errors.Is(err, payments.ErrConflict):
		// Out-of-order delivery; the state already moved on.
		metrics.WebhookEventsTotal.WithLabelValues("stale").Inc()
		log.Info("stale webhook dropped", "eventId", ev.ID, "eventType", ev.Type,
			"engagementId", ev.EngagementID, "currentStatus", pay.Status)
		return nil
	default:
		return err
	}
}

func (p *Processor) publish(eventType string, pay *payments.EscrowPayment) {
	if p.events == nil {
		return
	}
	p.events.Publish(eventType, pay)
}
