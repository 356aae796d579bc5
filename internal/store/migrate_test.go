package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kapu/chess-arena/internal/board"
	"github.com/kapu/chess-arena/internal/match"
)

func finishedState(matchID string) *match.State {
	st := sampleState(matchID)
	st.Moves = []match.MoveRecord{
		{SAN: "f3", UCI: "f2f3", Side: board.White, ElapsedMs: 800},
		{SAN: "e5", UCI: "e7e5", Side: board.Black, ElapsedMs: 1100},
		{SAN: "g4", UCI: "g2g4", Side: board.White, ElapsedMs: 700},
		{SAN: "Qh4#", UCI: "d8h4", Side: board.Black, ElapsedMs: 1500},
	}
	st.Status = match.StatusCheckmate
	st.Outcome = &match.Outcome{Winner: board.Black, Reason: match.ReasonCheckmate}
	st.EndedAt = time.Now().UTC()
	return st
}

func TestPersistMovesStateToDurableTier(t *testing.T) {
	fs := newTestFastStore(t)
	repo := NewMemoryRepository().(*memrepo)
	mig := NewMigrator(fs, repo)
	ctx := context.Background()

	st := finishedState("m1")
	if err := fs.SaveState(ctx, st); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	if err := mig.Persist(ctx, "m1"); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	status, ok := repo.DurableStatus("m1")
	if !ok {
		t.Fatalf("durable record missing")
	}
	if status != match.StatusCheckmate {
		t.Fatalf("expected CHECKMATE, got %s", status)
	}
	pgn := repo.DurablePGN("m1")
	if !strings.Contains(pgn, "Qh4#") || !strings.Contains(pgn, "0-1") {
		t.Fatalf("pgn incomplete:\n%s", pgn)
	}
	if got, _ := fs.LoadState(ctx, "m1"); got != nil {
		t.Fatalf("fast-tier state not cleared after migration")
	}
}

func TestPersistLeavesMoveQueueForSweeper(t *testing.T) {
	fs := newTestFastStore(t)
	repo := NewMemoryRepository().(*memrepo)
	mig := NewMigrator(fs, repo)
	ctx := context.Background()

	st := finishedState("m1")
	if err := fs.SaveState(ctx, st); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	for _, mv := range st.Moves {
		if err := fs.AppendMove(ctx, "m1", mv); err != nil {
			t.Fatalf("AppendMove: %v", err)
		}
	}
	if err := mig.Persist(ctx, "m1"); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	n, err := fs.QueueLen(ctx, "m1")
	if err != nil {
		t.Fatalf("QueueLen: %v", err)
	}
	if n != int64(len(st.Moves)) {
		t.Fatalf("migration must not touch the move queue, len=%d", n)
	}
}

func TestPersistIsIdempotent(t *testing.T) {
	fs := newTestFastStore(t)
	repo := NewMemoryRepository().(*memrepo)
	mig := NewMigrator(fs, repo)
	ctx := context.Background()

	if err := fs.SaveState(ctx, finishedState("m1")); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	if err := mig.Persist(ctx, "m1"); err != nil {
		t.Fatalf("first Persist: %v", err)
	}
	if err := mig.Persist(ctx, "m1"); err != nil {
		t.Fatalf("second Persist must no-op, got %v", err)
	}
	if err := mig.Persist(ctx, "never-existed"); err != nil {
		t.Fatalf("Persist on unknown match must no-op, got %v", err)
	}
}
