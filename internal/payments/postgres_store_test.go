//go:build integration

package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pactline/pactline/internal/testutil"
)

func TestPostgresCreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	p := &EscrowPayment{
		ID:           "esc_pg1",
		EngagementID: "eng-pg1",
		AmountCents:  250000,
		Currency:     "USD",
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.GetByEngagement(ctx, "eng-pg1")
	if err != nil {
		t.Fatalf("GetByEngagement: %v", err)
	}
	if got.ID != "esc_pg1" || got.Status != StatusPending || got.AmountCents != 250000 {
		t.Errorf("got %+v", got)
	}
	if got.HeldAt != nil || got.ProviderChargeRef != "" {
		t.Errorf("fresh payment has provider fields set: %+v", got)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestPostgresOneActivePerEngagement(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().UTC()
	first := &EscrowPayment{ID: "esc_a", EngagementID: "eng-dup", AmountCents: 1000, Currency: "USD", Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("Create first: %v", err)
	}

	second := &EscrowPayment{ID: "esc_b", EngagementID: "eng-dup", AmountCents: 1000, Currency: "USD", Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	if err := store.Create(ctx, second); !errors.Is(err, ErrDuplicateActive) {
		t.Fatalf("Create second = %v, want ErrDuplicateActive", err)
	}

	// A failed payment no longer blocks a fresh attempt.
	if err := store.MarkFailed(ctx, "esc_a", "card_declined", time.Now().UTC()); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	retry := &EscrowPayment{ID: "esc_c", EngagementID: "eng-dup", AmountCents: 1000, Currency: "USD", Status: StatusPending, CreatedAt: now.Add(time.Second), UpdatedAt: now.Add(time.Second)}
	if err := store.Create(ctx, retry); err != nil {
		t.Fatalf("Create after failure: %v", err)
	}

	latest, err := store.GetByEngagement(ctx, "eng-dup")
	if err != nil {
		t.Fatalf("GetByEngagement: %v", err)
	}
	if latest.ID != "esc_c" {
		t.Errorf("latest = %s, want esc_c", latest.ID)
	}
}

func TestPostgresLifecycleTransitions(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().UTC()
	p := &EscrowPayment{ID: "esc_lc", EngagementID: "eng-lc", AmountCents: 5000, Currency: "EUR", Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.MarkReleased(ctx, "esc_lc", "tr_x", time.Now().UTC()); !errors.Is(err, ErrConflict) {
		t.Fatalf("release from pending = %v, want ErrConflict", err)
	}
	if err := store.MarkHeld(ctx, "esc_lc", "pi_x", time.Now().UTC()); err != nil {
		t.Fatalf("MarkHeld: %v", err)
	}
	if err := store.MarkHeld(ctx, "esc_lc", "pi_x", time.Now().UTC()); !errors.Is(err, ErrConflict) {
		t.Fatalf("second MarkHeld = %v, want ErrConflict", err)
	}
	if err := store.MarkHeld(ctx, "missing", "pi_x", time.Now().UTC()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkHeld missing = %v, want ErrNotFound", err)
	}

	if err := store.MarkReleased(ctx, "esc_lc", "tr_x", time.Now().UTC()); err != nil {
		t.Fatalf("MarkReleased: %v", err)
	}
	got, _ := store.Get(ctx, "esc_lc")
	if got.Status != StatusReleased || got.ReleasedAt == nil || got.ProviderTransferRef != "tr_x" {
		t.Errorf("after release: %+v", got)
	}

	if err := store.RevertToHeld(ctx, "esc_lc", time.Now().UTC()); err != nil {
		t.Fatalf("RevertToHeld: %v", err)
	}
	got, _ = store.Get(ctx, "esc_lc")
	if got.Status != StatusHeld || got.ReleasedAt != nil || got.ProviderTransferRef != "" {
		t.Errorf("after revert: %+v", got)
	}

	if err := store.MarkRefunded(ctx, "esc_lc", "re_x", time.Now().UTC()); err != nil {
		t.Fatalf("MarkRefunded: %v", err)
	}
	got, _ = store.Get(ctx, "esc_lc")
	if got.Status != StatusRefunded || got.RefundedAt == nil || got.ProviderRefundRef != "re_x" {
		t.Errorf("after refund: %+v", got)
	}
}
