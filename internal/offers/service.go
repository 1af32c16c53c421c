package offers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pactline/pactline/internal/fees"
	"github.com/pactline/pactline/internal/logging"
	"github.com/pactline/pactline/internal/metrics"
	"github.com/pactline/pactline/internal/traces"
	"github.com/pactline/pactline/internal/validation"
)

// Service implements offer lifecycle business logic.
type Service struct {
	store           Store
	calc            *fees.Calculator
	engagements     EngagementCreator
	escrow          HoldRequester
	notifier        Notifier
	events          EventPublisher
	expiration      time.Duration
	maxCounterDepth int
}

// NewService creates a new offer service.
func NewService(store Store, calc *fees.Calculator) *Service {
	return &Service{
		store:           store,
		calc:            calc,
		expiration:      DefaultExpiration,
		maxCounterDepth: DefaultMaxCounterDepth,
	}
}

// WithEngagements adds the collaborator that creates engagements on accept.
func (s *Service) WithEngagements(ec EngagementCreator) *Service {
	s.engagements = ec
	return s
}

// WithEscrow adds the collaborator that places escrow holds on accept.
func (s *Service) WithEscrow(hr HoldRequester) *Service {
	s.escrow = hr
	return s
}

// WithNotifier adds fire-and-forget notification dispatch.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithEvents adds realtime event broadcasting.
func (s *Service) WithEvents(p EventPublisher) *Service {
	s.events = p
	return s
}

// WithExpiration overrides the pending-offer lifetime.
func (s *Service) WithExpiration(d time.Duration) *Service {
	if d > 0 {
		s.expiration = d
	}
	return s
}

// WithMaxCounterDepth overrides the counter-offer round bound.
func (s *Service) WithMaxCounterDepth(n int) *Service {
	if n > 0 {
		s.maxCounterDepth = n
	}
	return s
}

// Create creates a new pending offer from a company to a talent.
func (s *Service) Create(ctx context.Context, companyID string, req CreateRequest) (*Offer, error) {
	if errs := validation.Validate(
		validation.Required("requestId", req.RequestID),
		validation.Required("talentId", req.TalentID),
		validation.PositiveAmount("rateCents", req.RateCents),
		validation.Required("currency", req.Currency),
		validation.ValidCurrency("currency", req.Currency),
		validation.MaxLength("message", req.Message, validation.MaxStringLength),
	); len(errs) > 0 {
		return nil, errs
	}
	if err := validateSplit(s.calc, req.RateCents); err != nil {
		return nil, err
	}

	now := time.Now()
	offer := &Offer{
		ID:         generateOfferID(),
		RequestID:  req.RequestID,
		TalentID:   req.TalentID,
		CompanyID:  companyID,
		RateCents:  req.RateCents,
		Currency:   strings.ToUpper(req.Currency),
		Message:    validation.SanitizeString(req.Message, validation.MaxStringLength),
		Status:     StatusPending,
		ProposedBy: companyID,
		ExpiresAt:  now.Add(s.expiration),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.store.Create(ctx, offer); err != nil {
		return nil, err
	}

	metrics.OfferTransitionsTotal.WithLabelValues(string(StatusPending)).Inc()
	s.publish("offer.created", offer)
	s.notify(ctx, "offer.created", []string{offer.TalentID}, map[string]any{
		"offerId":   offer.ID,
		"requestId": offer.RequestID,
		"rateCents": offer.RateCents,
	})
	return offer, nil
}

// Get returns an offer by ID.
func (s *Service) Get(ctx context.Context, id string) (*Offer, error) {
	return s.store.Get(ctx, id)
}

// ListByRequest returns offers for a request.
func (s *Service) ListByRequest(ctx context.Context, requestID string, limit int) ([]*Offer, error) {
	return s.store.ListByRequest(ctx, requestID, limit)
}

// ListByTalent returns offers directed at a talent.
func (s *Service) ListByTalent(ctx context.Context, talentID string, limit int) ([]*Offer, error) {
	return s.store.ListByTalent(ctx, talentID, limit)
}

// Respond handles accept, decline, and counter actions on a pending offer.
//
// The deadline is enforced here independently of the sweeper: a response
// past expiresAt fails with ErrExpired and the offer is opportunistically
// flipped to expired so state converges without waiting for the next sweep.
func (s *Service) Respond(ctx context.Context, id, actorID string, req RespondRequest) (*RespondResult, error) {
	ctx, span := traces.StartSpan(ctx, "offers.respond", traces.OfferID(id))
	defer span.End()

	offer, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if offer.IsTerminal() {
		return nil, ErrConflict
	}
	if actorID != offer.Recipient() {
		return nil, ErrUnauthorized
	}

	now := time.Now()
	if now.After(offer.ExpiresAt) {
		// Whoever notices the deadline first expires the row; a conflict
		// here just means another writer already moved it.
		if terr := s.store.Transition(ctx, offer.ID, StatusPending, StatusExpired, now); terr == nil {
			metrics.OfferTransitionsTotal.WithLabelValues(string(StatusExpired)).Inc()
			s.publish("offer.expired", offer)
		}
		return nil, ErrExpired
	}

	switch req.Action {
	case "accept":
		return s.accept(ctx, offer, req.PaymentMethodRef, now)
	case "decline":
		return s.decline(ctx, offer, now)
	case "counter":
		return s.counter(ctx, offer, actorID, req.Counter, now)
	default:
		return nil, ErrInvalidAction
	}
}

func (s *Service) accept(ctx context.Context, offer *Offer, paymentMethodRef string, now time.Time) (*RespondResult, error) {
	if err := s.store.Transition(ctx, offer.ID, StatusPending, StatusAccepted, now); err != nil {
		return nil, err
	}
	offer.Status = StatusAccepted
	offer.DecidedAt = &now
	offer.UpdatedAt = now
	metrics.OfferTransitionsTotal.WithLabelValues(string(StatusAccepted)).Inc()
	metrics.OfferDecisionDuration.Observe(now.Sub(offer.CreatedAt).Seconds())

	result := &RespondResult{Offer: offer}

	if s.engagements != nil {
		engagementID, err := s.engagements.CreateFromOffer(ctx, offer)
		if err != nil {
			// The accept already committed; surface the failure so the
			// engagement can be re-created instead of silently dropping it.
			return nil, fmt.Errorf("offer accepted but engagement creation failed: %w", err)
		}
		offer.EngagementID = engagementID
		result.EngagementID = engagementID
		if err := s.store.SetEngagement(ctx, offer.ID, engagementID); err != nil {
			logging.L(ctx).Warn("failed to link engagement to offer",
				"offerId", offer.ID, "engagementId", engagementID, "error", err)
		}

		if s.escrow != nil && paymentMethodRef != "" {
			if err := s.escrow.RequestHold(ctx, engagementID, paymentMethodRef); err != nil {
				// Hold placement is retryable through the payments API;
				// the accept itself stands.
				logging.L(ctx).Warn("escrow hold request failed after accept",
					"offerId", offer.ID, "engagementId", engagementID, "error", err)
			}
		}
	}

	s.publish("offer.accepted", offer)
	s.notify(ctx, "offer.accepted", []string{offer.CompanyID, offer.TalentID}, map[string]any{
		"offerId":      offer.ID,
		"engagementId": offer.EngagementID,
	})
	return result, nil
}

func (s *Service) decline(ctx context.Context, offer *Offer, now time.Time) (*RespondResult, error) {
	if err := s.store.Transition(ctx, offer.ID, StatusPending, StatusDeclined, now); err != nil {
		return nil, err
	}
	offer.Status = StatusDeclined
	offer.DecidedAt = &now
	offer.UpdatedAt = now
	metrics.OfferTransitionsTotal.WithLabelValues(string(StatusDeclined)).Inc()
	metrics.OfferDecisionDuration.Observe(now.Sub(offer.CreatedAt).Seconds())

	s.publish("offer.declined", offer)
	s.notify(ctx, "offer.declined", []string{offer.ProposedBy}, map[string]any{
		"offerId": offer.ID,
	})
	return &RespondResult{Offer: offer}, nil
}

func (s *Service) counter(ctx context.Context, offer *Offer, actorID string, terms *CounterTerms, now time.Time) (*RespondResult, error) {
	if terms == nil {
		return nil, ErrInvalidAction
	}
	if offer.CounterDepth+1 > s.maxCounterDepth {
		return nil, ErrCounterDepth
	}
	if errs := validation.Validate(
		validation.PositiveAmount("counterOffer.rateCents", terms.RateCents),
		validation.MaxLength("counterOffer.reason", terms.Reason, validation.MaxStringLength),
	); len(errs) > 0 {
		return nil, errs
	}
	// Counter amounts go through the same fee validation as fresh offers.
	if err := validateSplit(s.calc, terms.RateCents); err != nil {
		return nil, err
	}

	successor := &Offer{
		ID:           generateOfferID(),
		RequestID:    offer.RequestID,
		TalentID:     offer.TalentID,
		CompanyID:    offer.CompanyID,
		RateCents:    terms.RateCents,
		Currency:     offer.Currency,
		Message:      validation.SanitizeString(terms.Reason, validation.MaxStringLength),
		Status:       StatusPending,
		ProposedBy:   actorID,
		CounterOf:    offer.ID,
		CounterDepth: offer.CounterDepth + 1,
		ExpiresAt:    now.Add(s.expiration), // counter restarts the clock
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.Counter(ctx, offer.ID, now, successor); err != nil {
		return nil, err
	}
	offer.Status = StatusCountered
	offer.DecidedAt = &now
	offer.UpdatedAt = now
	metrics.OfferTransitionsTotal.WithLabelValues(string(StatusCountered)).Inc()

	s.publish("offer.countered", successor)
	s.notify(ctx, "offer.countered", []string{successor.Recipient()}, map[string]any{
		"offerId":      successor.ID,
		"counterOf":    offer.ID,
		"rateCents":    successor.RateCents,
		"counterDepth": successor.CounterDepth,
	})
	return &RespondResult{Offer: successor}, nil
}

// Cancel withdraws a pending offer. Only the party who proposed the
// current round may cancel it.
func (s *Service) Cancel(ctx context.Context, id, actorID string) (*Offer, error) {
	offer, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != offer.ProposedBy {
		return nil, ErrUnauthorized
	}

	now := time.Now()
	if err := s.store.Transition(ctx, offer.ID, StatusPending, StatusCancelled, now); err != nil {
		return nil, err
	}
	offer.Status = StatusCancelled
	offer.DecidedAt = &now
	offer.UpdatedAt = now
	metrics.OfferTransitionsTotal.WithLabelValues(string(StatusCancelled)).Inc()

	s.publish("offer.cancelled", offer)
	s.notify(ctx, "offer.cancelled", []string{offer.Recipient()}, map[string]any{
		"offerId": offer.ID,
	})
	return offer, nil
}

// ExpireDue flips pending offers whose deadline passed before now to
// expired. Returns the number of offers expired. Used by the sweeper.
func (s *Service) ExpireDue(ctx context.Context, now time.Time, batch int) (int, error) {
	due, err := s.store.ListExpired(ctx, now, batch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, offer := range due {
		if err := s.store.Transition(ctx, offer.ID, StatusPending, StatusExpired, now); err != nil {
			// A responder beat the sweeper to this offer; nothing to do.
			continue
		}
		expired++
		metrics.OfferTransitionsTotal.WithLabelValues(string(StatusExpired)).Inc()
		s.publish("offer.expired", offer)
		s.notify(ctx, "offer.expired", []string{offer.CompanyID, offer.TalentID}, map[string]any{
			"offerId": offer.ID,
		})
	}
	return expired, nil
}

func (s *Service) publish(eventType string, offer *Offer) {
	if s.events != nil {
		s.events.Publish(eventType, offer)
	}
}

func (s *Service) notify(ctx context.Context, eventType string, recipients []string, metadata map[string]any) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, eventType, recipients, metadata)
	}
}
