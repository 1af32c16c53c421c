package engagements

import (
	"context"
	"errors"
	"testing"

	"github.com/pactline/pactline/internal/fees"
	"github.com/pactline/pactline/internal/offers"
)

func newTestService(t *testing.T, ratePercent float64) (*Service, *MemoryStore) {
	t.Helper()
	calc, err := fees.NewCalculator(ratePercent)
	if err != nil {
		t.Fatalf("NewCalculator failed: %v", err)
	}
	store := NewMemoryStore()
	return NewService(store, calc), store
}

func acceptedOffer(rateCents int64) *offers.Offer {
	return &offers.Offer{
		ID:        "off_1",
		RequestID: "req_1",
		CompanyID: "co_1",
		TalentID:  "tal_1",
		RateCents: rateCents,
		Currency:  "USD",
		Status:    offers.StatusAccepted,
	}
}

func TestCreateFromOffer_FeeSplit(t *testing.T) {
	svc, _ := newTestService(t, 15)
	ctx := context.Background()

	// Scenario: $10000 accepted at 15% -> fee $1500, net $8500.
	id, err := svc.CreateFromOffer(ctx, acceptedOffer(1000000))
	if err != nil {
		t.Fatalf("CreateFromOffer failed: %v", err)
	}

	e, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if e.Status != StatusStaged {
		t.Errorf("expected staged, got %s", e.Status)
	}
	if e.TotalAmountCents != 1000000 {
		t.Errorf("expected total 1000000, got %d", e.TotalAmountCents)
	}
	if e.PlatformFeeCents != 150000 {
		t.Errorf("expected fee 150000, got %d", e.PlatformFeeCents)
	}
	if e.ProviderAmountCents != 850000 {
		t.Errorf("expected provider amount 850000, got %d", e.ProviderAmountCents)
	}
	if e.PlatformFeeCents+e.ProviderAmountCents != e.TotalAmountCents {
		t.Error("fee fields do not sum to total")
	}
}

func TestCreateFromOffer_ExactSumOnRoundingAmounts(t *testing.T) {
	svc, _ := newTestService(t, 15)
	ctx := context.Background()

	for _, cents := range []int64{1, 3333, 10, 99, 1000001} {
		offer := acceptedOffer(cents)
		offer.ID = offer.ID + "x"
		id, err := svc.CreateFromOffer(ctx, offer)
		if err != nil {
			t.Fatalf("CreateFromOffer(%d) failed: %v", cents, err)
		}
		e, _ := svc.Get(ctx, id)
		if e.PlatformFeeCents+e.ProviderAmountCents != e.TotalAmountCents {
			t.Errorf("amount %d: fee %d + provider %d != total %d",
				cents, e.PlatformFeeCents, e.ProviderAmountCents, e.TotalAmountCents)
		}
	}
}

func TestActivate_FromStaged(t *testing.T) {
	svc, _ := newTestService(t, 15)
	ctx := context.Background()
	id, _ := svc.CreateFromOffer(ctx, acceptedOffer(10000))

	if err := svc.Activate(ctx, id); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	e, _ := svc.Get(ctx, id)
	if e.Status != StatusActive {
		t.Errorf("expected active, got %s", e.Status)
	}
	if e.StartDate == nil {
		t.Error("expected startDate to be stamped")
	}

	// Second activation is a conflict (already active).
	if err := svc.Activate(ctx, id); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestComplete_RequiresActive(t *testing.T) {
	svc, _ := newTestService(t, 15)
	ctx := context.Background()
	id, _ := svc.CreateFromOffer(ctx, acceptedOffer(10000))

	if _, err := svc.Complete(ctx, id, true); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict completing staged engagement, got %v", err)
	}

	_ = svc.Activate(ctx, id)
	e, err := svc.Complete(ctx, id, false)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if e.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", e.Status)
	}
	if e.CompletionVerified {
		t.Error("expected completionVerified=false to be recorded")
	}
	if e.EndDate == nil {
		t.Error("expected endDate to be stamped")
	}
}

func TestTerminateAndDispute(t *testing.T) {
	svc, _ := newTestService(t, 15)
	ctx := context.Background()

	id, _ := svc.CreateFromOffer(ctx, acceptedOffer(10000))
	_ = svc.Activate(ctx, id)
	if err := svc.Terminate(ctx, id); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	e, _ := svc.Get(ctx, id)
	if e.Status != StatusTerminated {
		t.Errorf("expected terminated, got %s", e.Status)
	}

	// Terminal engagements cannot be disputed afterwards.
	if err := svc.Dispute(ctx, id); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	offer2 := acceptedOffer(10000)
	offer2.ID = "off_2"
	id2, _ := svc.CreateFromOffer(ctx, offer2)
	if err := svc.Dispute(ctx, id2); err != nil {
		t.Fatalf("Dispute failed: %v", err)
	}
	e2, _ := svc.Get(ctx, id2)
	if e2.Status != StatusDisputed {
		t.Errorf("expected disputed, got %s", e2.Status)
	}
}

func TestSnapshot(t *testing.T) {
	svc, _ := newTestService(t, 15)
	ctx := context.Background()
	id, _ := svc.CreateFromOffer(ctx, acceptedOffer(1000000))

	status, verified, amount, currency, err := svc.Snapshot(ctx, id)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if status != string(StatusStaged) || verified || amount != 1000000 || currency != "USD" {
		t.Errorf("unexpected snapshot: %s %v %d %s", status, verified, amount, currency)
	}

	if _, _, _, _, err := svc.Snapshot(ctx, "eng_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
