package offers

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pactline/pactline/internal/metrics"
)

// DefaultSweepInterval is how often the sweeper scans for stale offers.
const DefaultSweepInterval = time.Minute

// sweepBatchSize bounds how many offers a single sweep attempts.
const sweepBatchSize = 100

// Sweeper periodically expires pending offers past their deadline.
//
// It uses the same conditional pending-to-expired transition as the
// respond path, so a user response racing the sweep is safe: the losing
// writer's update affects zero rows and is skipped.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a new offer expiration sweeper.
func NewSweeper(service *Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in offer sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.sweep(ctx)
}

func (s *Sweeper) sweep(ctx context.Context) {
	metrics.SweepRunsTotal.Inc()

	expired, err := s.service.ExpireDue(ctx, time.Now(), sweepBatchSize)
	if err != nil {
		metrics.SweepErrorsTotal.Inc()
		s.logger.Warn("offer expiration sweep failed", "error", err)
		return
	}
	if expired > 0 {
		metrics.SweepExpiredTotal.Add(float64(expired))
		s.logger.Info("expired stale offers", "count", expired)
	}
}
