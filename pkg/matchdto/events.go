package matchdto

import "encoding/json"

// EventType is the closed set of wire events exchanged with clients.
// Adding a new kind means adding a constant here plus a payload struct,
// and handling it in the coordinator dispatch.
type EventType string

const (
	// inbound
	EventRequestMatch EventType = "request_match"
	EventMove         EventType = "move"
	EventResign       EventType = "resign"
	EventDrawOffer    EventType = "draw_offer"
	EventDrawAccept   EventType = "draw_accepted"
	EventDrawDecline  EventType = "draw_declined"
	EventRecoverMatch EventType = "recover_match"

	// outbound
	EventSearching         EventType = "searching"
	EventMatchInitialized  EventType = "match_initialized"
	EventMoveApplied       EventType = "move_applied"
	EventInvalidMove       EventType = "invalid_move"
	EventWrongTurn         EventType = "wrong_turn"
	EventClockUpdate       EventType = "clock_update"
	EventDrawOfferReceived EventType = "draw_offer_received"
	EventDrawWasDeclined   EventType = "draw_was_declined"
	EventGameOver          EventType = "game_over"
	EventMatchRecovered    EventType = "match_recovered"
	EventRecoveryFailed    EventType = "recovery_failed"
	EventOpponentReturned  EventType = "opponent_returned"
	EventMatchNotFound     EventType = "match_not_found"
)

// Envelope is the wire frame: a type tag plus a type-specific payload.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope. A nil payload yields an
// envelope with only the type tag.
func NewEnvelope(t EventType, payload any) (Envelope, error) {
	env := Envelope{Type: t}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return env, err
	}
	env.Payload = raw
	return env, nil
}

// MustEnvelope is NewEnvelope for payload types known to marshal.
func MustEnvelope(t EventType, payload any) Envelope {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		return Envelope{Type: t}
	}
	return env
}

// MoveRequest is the inbound move payload.
type MoveRequest struct {
	MatchID   string `json:"match_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// UCI renders the request as a UCI move string.
func (m MoveRequest) UCI() string {
	return m.From + m.To + m.Promotion
}

// MatchRef is the payload for events that only reference a match.
type MatchRef struct {
	MatchID string `json:"match_id"`
}

// MatchInitialized is sent to both players after pairing.
type MatchInitialized struct {
	MatchID      string `json:"match_id"`
	Side         string `json:"side"`
	OpponentID   string `json:"opponent_id"`
	OpponentName string `json:"opponent_name"`
	ClockMs      int64  `json:"clock_ms"`
}

// MoveApplied is broadcast to both players after an accepted move.
type MoveApplied struct {
	MatchID   string `json:"match_id"`
	SAN       string `json:"san"`
	UCI       string `json:"uci"`
	Side      string `json:"side"`
	ElapsedMs int64  `json:"elapsed_ms"`
	FEN       string `json:"fen"`
}

// ClockUpdate carries both remaining clocks in milliseconds.
type ClockUpdate struct {
	MatchID string `json:"match_id"`
	WhiteMs int64  `json:"white_ms"`
	BlackMs int64  `json:"black_ms"`
}

// Rejection explains a refused action to the offending connection only.
type Rejection struct {
	MatchID string `json:"match_id,omitempty"`
	Reason  string `json:"reason"`
}

// DrawOfferReceived notifies the opponent of a pending draw offer.
type DrawOfferReceived struct {
	MatchID      string `json:"match_id"`
	OfferingSide string `json:"offering_side"`
}

// GameOver is broadcast exactly once per match.
type GameOver struct {
	MatchID string `json:"match_id"`
	Winner  string `json:"winner,omitempty"`
	Reason  string `json:"reason"`
}

// MoveEntry is one move log entry inside a recovery snapshot.
type MoveEntry struct {
	SAN       string `json:"san"`
	UCI       string `json:"uci"`
	Side      string `json:"side"`
	ElapsedMs int64  `json:"elapsed_ms"`
	FEN       string `json:"fen"`
}

// MatchRecovered delivers the full current state so a reconnecting client
// can rebuild its view without replaying individual events.
type MatchRecovered struct {
	MatchID      string      `json:"match_id"`
	Side         string      `json:"side"`
	FEN          string      `json:"fen"`
	Moves        []MoveEntry `json:"moves"`
	WhiteMs      int64       `json:"white_ms"`
	BlackMs      int64       `json:"black_ms"`
	Turn         string      `json:"turn"`
	Status       string      `json:"status"`
	OpponentID   string      `json:"opponent_id"`
	OpponentName string      `json:"opponent_name"`
}
