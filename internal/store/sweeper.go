package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kapu/chess-arena/internal/match"
	"github.com/kapu/chess-arena/internal/obslog"
)

const (
	defaultSweepInterval = 10 * time.Second
	defaultSweepBatch    = 50
)

// Sweeper is the background move-persistence worker. It decouples cheap
// per-move queue appends from the heavier durable writes, and it is the only
// component allowed to archive a match or delete a finished match's leftover
// fast-tier keys.
type Sweeper struct {
	fast     *FastStore
	repo     Repository
	interval time.Duration
	batch    int
}

// NewSweeper builds a sweeper; non-positive interval/batch fall back to
// defaults.
func NewSweeper(fast *FastStore, repo Repository, interval time.Duration, batch int) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	return &Sweeper{fast: fast, repo: repo, interval: interval, batch: batch}
}

// Start runs sweep cycles until ctx is cancelled.
func (w *Sweeper) Start(ctx context.Context) {
	go func() {
		if err := w.Sweep(ctx); err != nil {
			obslog.L().Warn("sweep_cycle_error", zap.Error(err))
		}
		t := time.NewTicker(w.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := w.Sweep(ctx); err != nil {
					obslog.L().Warn("sweep_cycle_error", zap.Error(err))
				}
			}
		}
	}()
}

// Sweep performs one full cycle over every non-archived durable record:
// drain the fast-tier move queue in bounded batches, then archive matches
// that have ended and have nothing left to drain. One broken match must not
// stall the rest, so per-match errors are logged and skipped.
func (w *Sweeper) Sweep(ctx context.Context) error {
	candidates, err := w.repo.ListSweepCandidates(ctx)
	if err != nil {
		return err
	}
	for _, c := range candidates {
		if err := w.sweepMatch(ctx, c); err != nil {
			obslog.L().Warn("sweep_match_error", zap.String("match_id", c.MatchID), zap.Error(err))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (w *Sweeper) sweepMatch(ctx context.Context, c SweepCandidate) error {
	drained := 0
	for {
		batch, err := w.fast.DrainMoves(ctx, c.MatchID, w.batch)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}
		if err := w.repo.AppendMoves(ctx, c.MatchID, batch); err != nil {
			return err
		}
		drained += len(batch)
	}
	if drained > 0 {
		obslog.L().Info("sweep_moves",
			zap.String("match_id", c.MatchID),
			zap.Int("count", drained),
		)
	}

	if c.Status == match.StatusInProgress || !c.Status.Terminal() {
		return nil
	}

	// Ended and fully drained: drop leftover fast-tier keys and archive so
	// this record is never re-swept.
	n, err := w.fast.QueueLen(ctx, c.MatchID)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if err := w.fast.DeleteAll(ctx, c.MatchID); err != nil {
		return err
	}
	if err := w.repo.MarkStatus(ctx, c.MatchID, StatusArchived); err != nil {
		return err
	}
	obslog.L().Info("sweep_archived", zap.String("match_id", c.MatchID))
	return nil
}
