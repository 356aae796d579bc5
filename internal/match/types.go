package match

import (
	"time"

	"github.com/kapu/chess-arena/internal/board"
)

// Status represents a match lifecycle state. Every value other than
// StatusInProgress is terminal and absorbing.
type Status string

const (
	StatusInProgress   Status = "IN_PROGRESS"
	StatusResigned     Status = "RESIGNED"
	StatusDrawn        Status = "DRAWN"
	StatusCheckmate    Status = "CHECKMATE"
	StatusTimeout      Status = "TIMEOUT"
	StatusDisconnected Status = "DISCONNECTED"
	StatusAborted      Status = "ABORTED"
)

// Terminal reports whether the status admits no further mutation.
func (s Status) Terminal() bool {
	return s != StatusInProgress && s != ""
}

// Reason strings carried in game-over broadcasts and durable records.
const (
	ReasonCheckmate  = "checkmate"
	ReasonResign     = "resign"
	ReasonDraw       = "draw"
	ReasonTimeout    = "timeout"
	ReasonDisconnect = "disconnect"
	ReasonAbort      = "abort"
)

// Player binds a user identity to its fixed side. The connection handle
// backing a side lives on the Session, not here, so it can be swapped on
// reconnection without touching persisted state.
type Player struct {
	UserID   string     `json:"user_id"`
	UserName string     `json:"user_name"`
	Side     board.Side `json:"side"`
}

// MoveRecord is one append-only move log entry.
type MoveRecord struct {
	SAN       string     `json:"san"`
	UCI       string     `json:"uci"`
	Side      board.Side `json:"side"`
	ElapsedMs int64      `json:"elapsed_ms"`
	FEN       string     `json:"fen"`
}

// Outcome is set atomically with the terminal status transition.
type Outcome struct {
	Winner board.Side `json:"winner,omitempty"`
	Reason string     `json:"reason"`
}

// PendingDraw tracks the at-most-one outstanding draw offer.
type PendingDraw struct {
	OfferingSide board.Side `json:"offering_side"`
	OfferedAt    time.Time  `json:"offered_at"`
}

// State is the authoritative snapshot of one match. The in-memory copy owned
// by the Session is the single source of truth for the lifetime of the
// process; the fast tier holds a write-through replica for crash recovery.
type State struct {
	MatchID   string       `json:"match_id"`
	FEN       string       `json:"fen"`
	Moves     []MoveRecord `json:"moves"`
	WhiteMs   int64        `json:"white_ms"`
	BlackMs   int64        `json:"black_ms"`
	Turn      board.Side   `json:"turn"`
	Status    Status       `json:"status"`
	White     Player       `json:"white"`
	Black     Player       `json:"black"`
	Outcome   *Outcome     `json:"outcome,omitempty"`
	Draw      *PendingDraw `json:"draw,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	EndedAt   time.Time    `json:"ended_at,omitempty"`
}

// ClockMs returns the remaining clock for a side.
func (s *State) ClockMs(side board.Side) int64 {
	if side == board.White {
		return s.WhiteMs
	}
	return s.BlackMs
}

// SetClockMs updates the remaining clock for a side, floored at zero.
func (s *State) SetClockMs(side board.Side, ms int64) {
	if ms < 0 {
		ms = 0
	}
	if side == board.White {
		s.WhiteMs = ms
	} else {
		s.BlackMs = ms
	}
}

// PlayerFor returns the player assigned to a side.
func (s *State) PlayerFor(side board.Side) Player {
	if side == board.White {
		return s.White
	}
	return s.Black
}

// SideOf resolves a user identity to its side, or "" when the user is not a
// participant.
func (s *State) SideOf(userID string) board.Side {
	switch userID {
	case s.White.UserID:
		return board.White
	case s.Black.UserID:
		return board.Black
	}
	return ""
}

// WinnerID maps the outcome winner to the winning user identity.
func (s *State) WinnerID() string {
	if s.Outcome == nil || s.Outcome.Winner == "" {
		return ""
	}
	return s.PlayerFor(s.Outcome.Winner).UserID
}
