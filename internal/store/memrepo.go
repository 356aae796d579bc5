package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/kapu/chess-arena/internal/match"
)

// memrepo is an in-memory Repository used in tests and for DB-less
// development runs when no DATABASE_URL is configured.
type memrepo struct {
	mu sync.RWMutex

	records map[string]*memRecord
	order   []string
}

type memRecord struct {
	state  match.State
	pgn    string
	status match.Status
	moves  []match.MoveRecord
}

// NewMemoryRepository returns an empty in-memory durable tier.
func NewMemoryRepository() Repository {
	return &memrepo{records: make(map[string]*memRecord)}
}

func (m *memrepo) CreateMatch(ctx context.Context, st *match.State) error {
	if st == nil {
		return fmt.Errorf("nil match state")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[st.MatchID]; exists {
		return nil
	}
	m.records[st.MatchID] = &memRecord{state: *st, status: st.Status}
	m.order = append(m.order, st.MatchID)
	return nil
}

func (m *memrepo) FinalizeMatch(ctx context.Context, st *match.State, pgn string) error {
	if st == nil {
		return fmt.Errorf("nil match state")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[st.MatchID]
	if !ok {
		rec = &memRecord{}
		m.records[st.MatchID] = rec
		m.order = append(m.order, st.MatchID)
	}
	rec.state = *st
	rec.pgn = pgn
	rec.status = st.Status
	return nil
}

func (m *memrepo) AppendMoves(ctx context.Context, matchID string, moves []match.MoveRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[matchID]
	if !ok {
		return fmt.Errorf("unknown match %s", matchID)
	}
	rec.moves = append(rec.moves, moves...)
	return nil
}

func (m *memrepo) MarkStatus(ctx context.Context, matchID string, status match.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[matchID]
	if !ok {
		return fmt.Errorf("unknown match %s", matchID)
	}
	rec.status = status
	return nil
}

func (m *memrepo) ListSweepCandidates(ctx context.Context) ([]SweepCandidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SweepCandidate
	for _, id := range m.order {
		rec := m.records[id]
		if rec.status == StatusArchived {
			continue
		}
		out = append(out, SweepCandidate{MatchID: id, Status: rec.status})
	}
	return out, nil
}

func (m *memrepo) Close() error { return nil }

// DurableStatus exposes the recorded status for assertions.
func (m *memrepo) DurableStatus(matchID string) (match.Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[matchID]
	if !ok {
		return "", false
	}
	return rec.status, true
}

// DurableMoves exposes the swept move list for assertions.
func (m *memrepo) DurableMoves(matchID string) []match.MoveRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[matchID]
	if !ok {
		return nil
	}
	out := make([]match.MoveRecord, len(rec.moves))
	copy(out, rec.moves)
	return out
}

// DurablePGN exposes the stored PGN for assertions.
func (m *memrepo) DurablePGN(matchID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[matchID]
	if !ok {
		return ""
	}
	return rec.pgn
}
