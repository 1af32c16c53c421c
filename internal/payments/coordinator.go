package payments

import (
	"context"
	"errors"
	"time"

	"github.com/pactline/pactline/internal/circuitbreaker"
	"github.com/pactline/pactline/internal/fees"
	"github.com/pactline/pactline/internal/logging"
	"github.com/pactline/pactline/internal/metrics"
	"github.com/pactline/pactline/internal/retry"
	"github.com/pactline/pactline/internal/traces"
)

const (
	// DefaultProviderTimeout bounds a single provider call attempt.
	DefaultProviderTimeout = 10 * time.Second
	// DefaultRetryMax is the attempt budget for retryable provider errors.
	DefaultRetryMax = 3

	retryBaseDelay = 500 * time.Millisecond
)

// Engagement states that admit placing a hold. Once active or beyond,
// the hold window has passed.
var holdableStates = map[string]bool{
	"staged":       true,
	"interviewing": true,
	"accepted":     true,
}

// Coordinator drives escrow payments end to end: it persists intent
// before touching the provider, applies conditional transitions after,
// and moves the engagement in lockstep with the money.
type Coordinator struct {
	store       Store
	provider    ProviderClient
	engagements EngagementDirectory
	calc        *fees.Calculator
	breaker     *circuitbreaker.Breaker
	notifier    Notifier
	events      EventPublisher
	timeout     time.Duration
	retryMax    int
}

// NewCoordinator builds a Coordinator with default timeout and retry
// settings. Collaborators beyond the required four attach via WithX.
func NewCoordinator(store Store, provider ProviderClient, engagements EngagementDirectory, calc *fees.Calculator) *Coordinator {
	return &Coordinator{
		store:       store,
		provider:    provider,
		engagements: engagements,
		calc:        calc,
		breaker:     circuitbreaker.New(0, 0),
		timeout:     DefaultProviderTimeout,
		retryMax:    DefaultRetryMax,
	}
}

func (c *Coordinator) WithBreaker(b *circuitbreaker.Breaker) *Coordinator {
	c.breaker = b
	return c
}

func (c *Coordinator) WithNotifier(n Notifier) *Coordinator {
	c.notifier = n
	return c
}

func (c *Coordinator) WithEvents(p EventPublisher) *Coordinator {
	c.events = p
	return c
}

func (c *Coordinator) WithTimeout(d time.Duration) *Coordinator {
	if d > 0 {
		c.timeout = d
	}
	return c
}

func (c *Coordinator) WithRetryMax(n int) *Coordinator {
	if n > 0 {
		c.retryMax = n
	}
	return c
}

// RequestHold satisfies the hold hook used by the offer accept path.
func (c *Coordinator) RequestHold(ctx context.Context, engagementID, paymentMethodRef string) error {
	_, err := c.CreateHold(ctx, engagementID, paymentMethodRef)
	return err
}

// CreateHold places the full engagement amount on hold with the
// provider. The pending intent is persisted before the provider call so
// a crash mid-call leaves a reconcilable record, and the engagement id
// doubles as the idempotency key so a retried call cannot double-charge.
func (c *Coordinator) CreateHold(ctx context.Context, engagementID, paymentMethodRef string) (*EscrowPayment, error) {
	ctx, span := traces.StartSpan(ctx, "payments.hold", traces.EngagementID(engagementID))
	defer span.End()
	log := logging.L(ctx)

	status, _, amountCents, currency, err := c.engagements.Snapshot(ctx, engagementID)
	if err != nil {
		return nil, err
	}
	if !holdableStates[status] {
		return nil, ErrNotHoldable
	}

	now := time.Now()
	p := &EscrowPayment{
		ID:           generatePaymentID(),
		EngagementID: engagementID,
		AmountCents:  amountCents,
		Currency:     currency,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.store.Create(ctx, p); err != nil {
		return nil, err
	}

	var res *ChargeResult
	err = c.callProvider(ctx, "charge", func(ctx context.Context) error {
		var cerr error
		res, cerr = c.provider.CreateCharge(ctx, engagementID, amountCents, currency, paymentMethodRef)
		return cerr
	})
	if err != nil {
		return c.holdFailed(ctx, p, err)
	}

	p.ProviderChargeRef = res.Ref
	if !res.Confirmed {
		// Charge accepted but not yet confirmed; the webhook moves it to
		// held once the provider settles.
		if serr := c.store.SetChargeRef(ctx, p.ID, res.Ref, time.Now()); serr != nil && !errors.Is(serr, ErrConflict) {
			log.Warn("failed to record charge ref on pending payment", "paymentId", p.ID, "error", serr)
		}
		metrics.PaymentsTotal.WithLabelValues(string(StatusPending)).Inc()
		return c.store.Get(ctx, p.ID)
	}

	if err := c.store.MarkHeld(ctx, p.ID, res.Ref, time.Now()); err != nil {
		if errors.Is(err, ErrConflict) {
			// Webhook beat us to it.
			return c.store.Get(ctx, p.ID)
		}
		return nil, err
	}
	if err := c.engagements.Activate(ctx, engagementID); err != nil {
		log.Warn("hold placed but engagement activation failed",
			"engagementId", engagementID, "paymentId", p.ID, "error", err)
	}
	metrics.PaymentsTotal.WithLabelValues(string(StatusHeld)).Inc()
	c.publish("payment.held", p)
	c.notify(ctx, "payment.held", engagementID, p)
	log.Info("escrow hold placed", "engagementId", engagementID, "paymentId", p.ID, "amountCents", amountCents)
	return c.store.Get(ctx, p.ID)
}

// holdFailed records a terminal charge failure and rolls the engagement
// back so the flow can be retried with a different payment method.
// Retryable exhaustion leaves the payment pending: the charge may have
// gone through and the webhook will settle it either way.
func (c *Coordinator) holdFailed(ctx context.Context, p *EscrowPayment, cause error) (*EscrowPayment, error) {
	log := logging.L(ctx)
	var perr *ProviderError
	if errors.As(cause, &perr) && !perr.Retryable {
		if err := c.store.MarkFailed(ctx, p.ID, perr.Code, time.Now()); err != nil && !errors.Is(err, ErrConflict) {
			log.Warn("failed to mark payment failed", "paymentId", p.ID, "error", err)
		}
		if err := c.engagements.Revert(ctx, p.EngagementID); err != nil {
			log.Warn("failed to revert engagement after charge rejection",
				"engagementId", p.EngagementID, "error", err)
		}
		metrics.PaymentsTotal.WithLabelValues(string(StatusFailed)).Inc()
		c.notify(ctx, "payment.failed", p.EngagementID, p)
	}
	log.Warn("escrow hold failed", "engagementId", p.EngagementID, "paymentId", p.ID, "error", cause)
	return nil, cause
}

// Release transfers the talent's net share out of escrow. Requires a
// held payment and verified completion; the transfer idempotency key is
// derived from the engagement so retries cannot double-pay.
func (c *Coordinator) Release(ctx context.Context, engagementID string) (*EscrowPayment, error) {
	ctx, span := traces.StartSpan(ctx, "payments.release", traces.EngagementID(engagementID))
	defer span.End()
	log := logging.L(ctx)

	_, verified, _, _, err := c.engagements.Snapshot(ctx, engagementID)
	if err != nil {
		return nil, err
	}
	if !verified {
		return nil, ErrNotVerified
	}

	p, err := c.store.GetByEngagement(ctx, engagementID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusHeld {
		return nil, ErrConflict
	}

	payee, err := c.engagements.Payee(ctx, engagementID)
	if err != nil {
		return nil, err
	}
	split, err := c.calc.Split(p.AmountCents)
	if err != nil {
		return nil, err
	}

	// The hold is a manual-capture authorization; capture settles the
	// full amount into the platform balance before the payout. Capture is
	// idempotent at the provider, so a retried release cannot settle twice.
	err = c.callProvider(ctx, "capture", func(ctx context.Context) error {
		return c.provider.Capture(ctx, p.ProviderChargeRef)
	})
	if err != nil {
		log.Warn("escrow capture failed", "engagementId", engagementID, "paymentId", p.ID, "error", err)
		return nil, err
	}

	var transferRef string
	err = c.callProvider(ctx, "transfer", func(ctx context.Context) error {
		var terr error
		transferRef, terr = c.provider.Transfer(ctx, engagementID+":transfer", split.ProviderCents, p.Currency, payee)
		return terr
	})
	if err != nil {
		log.Warn("escrow release failed", "engagementId", engagementID, "paymentId", p.ID, "error", err)
		return nil, err
	}

	if err := c.store.MarkReleased(ctx, p.ID, transferRef, time.Now()); err != nil {
		if errors.Is(err, ErrConflict) {
			// Already released, likely via webhook. The idempotency key made
			// the second transfer a no-op at the provider.
			return c.store.Get(ctx, p.ID)
		}
		return nil, err
	}
	metrics.PaymentsTotal.WithLabelValues(string(StatusReleased)).Inc()
	c.publish("payment.released", p)
	c.notify(ctx, "payment.released", engagementID, p)
	log.Info("escrow released", "engagementId", engagementID, "paymentId", p.ID,
		"netCents", split.ProviderCents, "feeCents", split.FeeCents)
	return c.store.Get(ctx, p.ID)
}

// Refund returns held funds to the company and ends the engagement
// according to the reason: cancelled and mutual terminate it, dispute
// marks it disputed for follow-up.
func (c *Coordinator) Refund(ctx context.Context, engagementID, reason string) (*EscrowPayment, error) {
	ctx, span := traces.StartSpan(ctx, "payments.refund", traces.EngagementID(engagementID))
	defer span.End()
	log := logging.L(ctx)

	switch reason {
	case RefundReasonCancelled, RefundReasonMutual, RefundReasonDispute:
	default:
		return nil, &ProviderError{Op: "refund", Code: "invalid_reason", Message: "unknown refund reason: " + reason}
	}

	p, err := c.store.GetByEngagement(ctx, engagementID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusHeld {
		return nil, ErrConflict
	}

	var refundRef string
	err = c.callProvider(ctx, "refund", func(ctx context.Context) error {
		var rerr error
		refundRef, rerr = c.provider.Refund(ctx, p.ProviderChargeRef, p.AmountCents)
		return rerr
	})
	if err != nil {
		log.Warn("escrow refund failed", "engagementId", engagementID, "paymentId", p.ID, "error", err)
		return nil, err
	}

	if err := c.store.MarkRefunded(ctx, p.ID, refundRef, time.Now()); err != nil {
		if errors.Is(err, ErrConflict) {
			return c.store.Get(ctx, p.ID)
		}
		return nil, err
	}

	endErr := error(nil)
	if reason == RefundReasonDispute {
		endErr = c.engagements.Dispute(ctx, engagementID)
	} else {
		endErr = c.engagements.Terminate(ctx, engagementID)
	}
	if endErr != nil {
		log.Warn("refund recorded but engagement close failed",
			"engagementId", engagementID, "reason", reason, "error", endErr)
	}
	metrics.PaymentsTotal.WithLabelValues(string(StatusRefunded)).Inc()
	c.publish("payment.refunded", p)
	c.notify(ctx, "payment.refunded", engagementID, p)
	log.Info("escrow refunded", "engagementId", engagementID, "paymentId", p.ID, "reason", reason)
	return c.store.Get(ctx, p.ID)
}

// Get returns the payment for an engagement.
func (c *Coordinator) Get(ctx context.Context, engagementID string) (*EscrowPayment, error) {
	return c.store.GetByEngagement(ctx, engagementID)
}

// callProvider runs one provider operation behind the circuit breaker
// with per-attempt timeouts and backoff on retryable errors.
func (c *Coordinator) callProvider(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if !c.breaker.Allow(op) {
		metrics.ProviderCallsTotal.WithLabelValues(op, "circuit_open").Inc()
		return ErrCircuitOpen
	}

	start := time.Now()
	err := retry.Do(ctx, c.retryMax, retryBaseDelay, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		aerr := fn(attemptCtx)
		var perr *ProviderError
		if errors.As(aerr, &perr) && !perr.Retryable {
			return retry.Permanent(aerr)
		}
		return aerr
	})
	metrics.ProviderCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		c.breaker.RecordFailure(op)
		metrics.ProviderCallsTotal.WithLabelValues(op, "error").Inc()
		return err
	}
	c.breaker.RecordSuccess(op)
	metrics.ProviderCallsTotal.WithLabelValues(op, "ok").Inc()
	return nil
}

func (c *Coordinator) publish(eventType string, p *EscrowPayment) {
	if c.events == nil {
		return
	}
	c.events.Publish(eventType, p)
}

func (c *Coordinator) notify(ctx context.Context, eventType, engagementID string, p *EscrowPayment) {
	if c.notifier == nil {
		return
	}
	c.notifier.Notify(ctx, eventType, []string{engagementID}, map[string]any{
		"engagementId": engagementID,
		"paymentId":    p.ID,
		"amountCents":  p.AmountCents,
		"currency":     p.Currency,
	})
}
