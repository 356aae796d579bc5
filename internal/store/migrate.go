package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/kapu/chess-arena/internal/obslog"
)

// Migrator flushes a finished match from the fast tier into the durable
// tier. Persist is idempotent: a second call finds the fast-tier state
// already gone and no-ops.
type Migrator struct {
	fast *FastStore
	repo Repository
}

// NewMigrator wires the two tiers together.
func NewMigrator(fast *FastStore, repo Repository) *Migrator {
	return &Migrator{fast: fast, repo: repo}
}

// Persist reads the fast-tier state, maps it into the durable schema, writes
// the durable record and deletes the fast-tier blob. The move queue is left
// for the sweeper so no move is lost if this process dies mid-flush.
func (m *Migrator) Persist(ctx context.Context, matchID string) error {
	st, err := m.fast.LoadState(ctx, matchID)
	if err != nil {
		return err
	}
	if st == nil {
		// already migrated or never existed
		return nil
	}
	if err := m.repo.FinalizeMatch(ctx, st, BuildPGN(st)); err != nil {
		return err
	}
	if err := m.fast.DeleteState(ctx, matchID); err != nil {
		return err
	}
	obslog.L().Info("match_migrated",
		zap.String("match_id", matchID),
		zap.String("status", string(st.Status)),
		zap.Int("moves", len(st.Moves)),
	)
	return nil
}
