package checkin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/amberlight-labs/haven/internal/storage"
)

// Sweeper closes durable runs whose reply deadline passed. An expired run
// gets exactly one reminder message and moves to timed_out; nothing is
// written to the check-in ledger.
type Sweeper struct {
	runs     RunStore
	conv     Conversation
	interval time.Duration
	clock    Clock
	logger   *slog.Logger
}

// NewSweeper creates a sweeper polling at the given interval.
func NewSweeper(runs RunStore, conv Conversation, interval time.Duration) *Sweeper {
	return newSweeperWithClock(runs, conv, interval, realClock{})
}

func newSweeperWithClock(runs RunStore, conv Conversation, interval time.Duration, clock Clock) *Sweeper {
	return &Sweeper{
		runs:     runs,
		conv:     conv,
		interval: interval,
		clock:    clock,
		logger:   slog.Default(),
	}
}

// Run polls until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("timeout sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("timeout sweeper stopped")
			return nil
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// RunOnce expires every overdue run. Claiming before acting keeps a racing
// reply delivery from completing a run the sweeper is timing out.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	now := s.clock.Now()
	expired, err := s.runs.ExpiredRuns(now)
	if err != nil {
		return fmt.Errorf("listing expired runs: %w", err)
	}

	for _, r := range expired {
		won, err := s.runs.ClaimRun(r.ID)
		if err != nil {
			return fmt.Errorf("claiming run %s: %w", r.ID, err)
		}
		if !won {
			continue
		}
		if err := s.conv.Send(ctx, r.UserID, reminderText); err != nil {
			// Leave the run claimable so the next sweep retries the
			// reminder; an unreachable channel must not swallow it.
			s.logger.Error("sending timeout reminder", "run_id", r.ID, "error", err)
			if relErr := s.runs.ReleaseRun(r.ID, r.AwaitedEvent); relErr != nil {
				return fmt.Errorf("releasing run %s: %w", r.ID, relErr)
			}
			continue
		}
		if err := s.runs.FinishRun(r.ID, storage.RunTimedOut, now); err != nil {
			return fmt.Errorf("closing run %s: %w", r.ID, err)
		}
		s.logger.Info("check-in timed out", "run_id", r.ID, "user_id", r.UserID)
	}
	return nil
}
