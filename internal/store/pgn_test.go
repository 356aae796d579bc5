package store

import (
	"strings"
	"testing"

	"github.com/kapu/chess-arena/internal/board"
	"github.com/kapu/chess-arena/internal/match"
)

func TestBuildPGNCheckmate(t *testing.T) {
	st := finishedState("m1")
	pgn := BuildPGN(st)

	for _, want := range []string{
		`[White "alice"]`,
		`[Black "bob"]`,
		`[Termination "checkmate"]`,
		`[Result "0-1"]`,
		"1. f3 e5 2. g4 Qh4#",
	} {
		if !strings.Contains(pgn, want) {
			t.Fatalf("pgn missing %q:\n%s", want, pgn)
		}
	}
	if !strings.HasSuffix(pgn, "0-1") {
		t.Fatalf("pgn must end with the result token:\n%s", pgn)
	}
}

func TestBuildPGNDraw(t *testing.T) {
	st := sampleState("m1")
	st.Status = match.StatusDrawn
	st.Outcome = &match.Outcome{Reason: match.ReasonDraw}
	st.Moves = []match.MoveRecord{
		{SAN: "e4", Side: board.White},
		{SAN: "e5", Side: board.Black},
	}
	pgn := BuildPGN(st)
	if !strings.Contains(pgn, `[Result "1/2-1/2"]`) {
		t.Fatalf("draw result missing:\n%s", pgn)
	}
}

func TestBuildPGNSanitizesNames(t *testing.T) {
	st := sampleState("m1")
	st.White.UserName = `al"ice`
	pgn := BuildPGN(st)
	if strings.Contains(pgn, `al"ice`) {
		t.Fatalf("quote not sanitized:\n%s", pgn)
	}
	if !strings.Contains(pgn, "al'ice") {
		t.Fatalf("sanitized name missing:\n%s", pgn)
	}
}

func TestResultToken(t *testing.T) {
	st := finishedState("m1")
	if got := ResultToken(st); got != "black" {
		t.Fatalf("ResultToken = %q, want black", got)
	}
	st.Status = match.StatusDrawn
	if got := ResultToken(st); got != "draw" {
		t.Fatalf("ResultToken = %q, want draw", got)
	}
	if got := ResultToken(&match.State{}); got != "aborted" {
		t.Fatalf("ResultToken = %q, want aborted", got)
	}
}
