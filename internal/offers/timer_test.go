package offers

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSweeper_ExpiresStaleOffers(t *testing.T) {
	svc, store := newTestService(t)
	offer := createPending(t, svc, 10000)

	store.mu.Lock()
	store.offers[offer.ID].ExpiresAt = time.Now().Add(-time.Hour)
	store.mu.Unlock()

	sweeper := NewSweeper(svc, 10*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sweeper.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := svc.Get(ctx, offer.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status == StatusExpired {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("sweeper did not expire the stale offer in time")
}

func TestSweeper_StartStop(t *testing.T) {
	svc, _ := newTestService(t)
	sweeper := NewSweeper(svc, 10*time.Millisecond, testLogger())

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		sweeper.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for !sweeper.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !sweeper.Running() {
		t.Fatal("sweeper never reported running")
	}

	sweeper.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
	if sweeper.Running() {
		t.Error("sweeper still reports running after stop")
	}
}

func TestSweeper_LoserOfRaceSkipsSilently(t *testing.T) {
	svc, store := newTestService(t)
	offer := createPending(t, svc, 10000)
	ctx := context.Background()

	store.mu.Lock()
	store.offers[offer.ID].ExpiresAt = time.Now().Add(-time.Minute)
	store.mu.Unlock()

	// Simulate a responder winning just before the sweep applies its update.
	if err := store.Transition(ctx, offer.ID, StatusPending, StatusDeclined, time.Now()); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	expired, err := svc.ExpireDue(ctx, time.Now(), 100)
	if err != nil {
		t.Fatalf("ExpireDue failed: %v", err)
	}
	if expired != 0 {
		t.Fatalf("expected 0 expired after losing the race, got %d", expired)
	}

	got, _ := svc.Get(ctx, offer.ID)
	if got.Status != StatusDeclined {
		t.Errorf("expected declined to stand, got %s", got.Status)
	}
}
