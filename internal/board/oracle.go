package board

import (
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

// Side identifies one of the two competing positions.
type Side string

const (
	White Side = "white"
	Black Side = "black"
)

// Opponent returns the other side.
func (s Side) Opponent() Side {
	if s == White {
		return Black
	}
	return White
}

// TerminalKind classifies how a position ended.
type TerminalKind string

const (
	KindNone                 TerminalKind = ""
	KindCheckmate            TerminalKind = "checkmate"
	KindStalemate            TerminalKind = "stalemate"
	KindInsufficientMaterial TerminalKind = "insufficient_material"
	KindRepetition           TerminalKind = "repetition"
	KindFiftyMove            TerminalKind = "fifty_move"
)

// IsDraw reports whether the kind is a drawing condition.
func (k TerminalKind) IsDraw() bool {
	switch k {
	case KindStalemate, KindInsufficientMaterial, KindRepetition, KindFiftyMove:
		return true
	}
	return false
}

// Game wraps the move-legality library behind the small surface the match
// session needs: apply a candidate move, read the side to move, and detect
// terminal conditions. The library is treated as the authority on legality.
type Game struct {
	inner *nchess.Game
}

// NewGame returns a game at the starting position.
func NewGame() *Game {
	return &Game{inner: nchess.NewGame()}
}

// NewGameFromFEN returns a game at an arbitrary position.
func NewGameFromFEN(fen string) (*Game, error) {
	opt, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("parse fen %q: %w", fen, err)
	}
	return &Game{inner: nchess.NewGame(opt)}, nil
}

// Resume rebuilds a game by replaying stored UCI moves from the start
// position. The FEN kept alongside the stored state is presentation-only;
// replaying is the one representation that cannot drift.
func Resume(movesUCI []string) (*Game, error) {
	g := nchess.NewGame()
	for i, mv := range movesUCI {
		if err := g.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("replay move %d (%s): %w", i+1, mv, err)
		}
	}
	out := &Game{inner: g}
	out.claimRuleDraws()
	return out, nil
}

// Apply validates and applies a candidate move given in UCI form (SAN
// accepted as a fallback). On success it returns the SAN notation and the
// resulting FEN. On rejection the game is unchanged.
func (g *Game) Apply(moveStr string) (san, fen string, err error) {
	raw := strings.TrimSpace(moveStr)
	if raw == "" {
		return "", "", fmt.Errorf("empty move")
	}
	pos := g.inner.Position()

	if mv, derr := (nchess.UCINotation{}).Decode(pos, strings.ToLower(raw)); derr == nil {
		if merr := g.inner.Move(mv, nil); merr != nil {
			return "", "", merr
		}
		g.claimRuleDraws()
		return nchess.AlgebraicNotation{}.Encode(pos, mv), g.inner.FEN(), nil
	}

	if perr := g.inner.PushNotationMove(raw, nchess.AlgebraicNotation{}, nil); perr != nil {
		return "", "", perr
	}
	g.claimRuleDraws()
	moves := g.inner.Moves()
	last := moves[len(moves)-1]
	return nchess.AlgebraicNotation{}.Encode(pos, last), g.inner.FEN(), nil
}

// claimRuleDraws ends the game at threefold repetition or the fifty-move
// rule. The library only auto-applies the fivefold and 75-move variants;
// the claimable forms must be taken explicitly, and here the server claims
// them on behalf of both players.
func (g *Game) claimRuleDraws() {
	if g.inner.Outcome() != nchess.NoOutcome {
		return
	}
	for _, m := range g.inner.EligibleDraws() {
		if m == nchess.ThreefoldRepetition || m == nchess.FiftyMoveRule {
			_ = g.inner.Draw(m)
			return
		}
	}
}

// SideToMove returns whose turn it is.
func (g *Game) SideToMove() Side {
	if g.inner.Position().Turn() == nchess.White {
		return White
	}
	return Black
}

// FEN returns the current position encoding.
func (g *Game) FEN() string {
	return g.inner.FEN()
}

// Terminal reports whether the game has ended by rule and how.
func (g *Game) Terminal() (bool, TerminalKind) {
	switch g.inner.Outcome() {
	case nchess.WhiteWon, nchess.BlackWon:
		return true, KindCheckmate
	case nchess.Draw:
		return true, drawKind(g.inner.Method())
	}
	return false, KindNone
}

func drawKind(m nchess.Method) TerminalKind {
	switch m {
	case nchess.Stalemate:
		return KindStalemate
	case nchess.InsufficientMaterial:
		return KindInsufficientMaterial
	case nchess.ThreefoldRepetition, nchess.FivefoldRepetition:
		return KindRepetition
	case nchess.FiftyMoveRule, nchess.SeventyFiveMoveRule:
		return KindFiftyMove
	default:
		return KindStalemate
	}
}
