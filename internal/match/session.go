package match

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kapu/chess-arena/internal/board"
	"github.com/kapu/chess-arena/internal/obslog"
	"github.com/kapu/chess-arena/internal/transport"
	"github.com/kapu/chess-arena/pkg/matchdto"
)

// FastTier is the slice of the fast store a session writes through to.
type FastTier interface {
	SaveState(ctx context.Context, st *State) error
	DeleteState(ctx context.Context, matchID string) error
	MergeClocks(ctx context.Context, matchID string, whiteMs, blackMs int64, updatedAt time.Time) error
	AppendMove(ctx context.Context, matchID string, mv MoveRecord) error
}

// Archive is the durable-tier surface a session needs during play.
type Archive interface {
	CreateMatch(ctx context.Context, st *State) error
	MarkStatus(ctx context.Context, matchID string, status Status) error
}

// Migrator flushes a finished match from the fast tier into durable storage.
type Migrator interface {
	Persist(ctx context.Context, matchID string) error
}

// SessionConfig carries everything needed to run one match.
type SessionConfig struct {
	MatchID string

	White transport.Peer
	Black transport.Peer

	Fast     FastTier
	Archive  Archive
	Migrator Migrator

	InitialClock time.Duration
	TickInterval time.Duration
	GracePeriod  time.Duration
}

// Session owns one match: both connection handles, the authoritative
// position, per-side clocks, and the termination state machine. A single
// mutex serializes every operation, so a move handler always runs to
// completion before the next event or clock tick for the same match.
type Session struct {
	mu    sync.Mutex
	state *State
	game  *board.Game
	peers map[board.Side]transport.Peer

	fast     FastTier
	archive  Archive
	migrator Migrator

	tick  time.Duration
	grace time.Duration

	turnStart time.Time
	lastTick  time.Time

	stopTick chan struct{}
	stopOnce sync.Once

	connected   map[board.Side]bool
	graceTimers map[board.Side]*time.Timer
}

// NewSession builds a session; call Init before routing events to it.
func NewSession(cfg SessionConfig) *Session {
	g := board.NewGame()
	now := time.Now()
	s := &Session{
		state: &State{
			MatchID:   cfg.MatchID,
			FEN:       g.FEN(),
			Moves:     []MoveRecord{},
			WhiteMs:   cfg.InitialClock.Milliseconds(),
			BlackMs:   cfg.InitialClock.Milliseconds(),
			Turn:      board.White,
			White:     Player{Side: board.White},
			Black:     Player{Side: board.Black},
			CreatedAt: now,
			UpdatedAt: now,
		},
		game:        g,
		peers:       map[board.Side]transport.Peer{},
		fast:        cfg.Fast,
		archive:     cfg.Archive,
		migrator:    cfg.Migrator,
		tick:        cfg.TickInterval,
		grace:       cfg.GracePeriod,
		stopTick:    make(chan struct{}),
		connected:   map[board.Side]bool{},
		graceTimers: map[board.Side]*time.Timer{},
	}
	if s.tick <= 0 {
		s.tick = time.Second
	}
	if s.grace <= 0 {
		s.grace = 30 * time.Second
	}
	if cfg.White != nil {
		s.connected[board.White] = true
		s.peers[board.White] = cfg.White
		s.state.White.UserID = strings.TrimSpace(cfg.White.UserID())
		s.state.White.UserName = strings.TrimSpace(cfg.White.UserName())
	}
	if cfg.Black != nil {
		s.connected[board.Black] = true
		s.peers[board.Black] = cfg.Black
		s.state.Black.UserID = strings.TrimSpace(cfg.Black.UserID())
		s.state.Black.UserName = strings.TrimSpace(cfg.Black.UserName())
	}
	return s
}

// ResumeSession rebuilds a live session from a fast-tier snapshot after a
// process restart. The position is replayed from the stored move list; both
// connection handles start absent, with grace timers running, so the match
// ends by disconnect unless the players come back through recovery.
func ResumeSession(cfg SessionConfig, st *State) (*Session, error) {
	if st == nil || st.Status != StatusInProgress {
		return nil, ErrRecovery
	}
	if st.White.UserID == "" || st.Black.UserID == "" {
		return nil, ErrRecovery
	}
	uci := make([]string, 0, len(st.Moves))
	for _, mv := range st.Moves {
		uci = append(uci, mv.UCI)
	}
	g, err := board.Resume(uci)
	if err != nil {
		return nil, err
	}

	s := &Session{
		state:       st,
		game:        g,
		peers:       map[board.Side]transport.Peer{},
		fast:        cfg.Fast,
		archive:     cfg.Archive,
		migrator:    cfg.Migrator,
		tick:        cfg.TickInterval,
		grace:       cfg.GracePeriod,
		stopTick:    make(chan struct{}),
		connected:   map[board.Side]bool{},
		graceTimers: map[board.Side]*time.Timer{},
	}
	if s.tick <= 0 {
		s.tick = time.Second
	}
	if s.grace <= 0 {
		s.grace = 30 * time.Second
	}

	now := time.Now()
	s.turnStart = now
	s.lastTick = now
	go s.clockLoop()
	for _, side := range []board.Side{board.White, board.Black} {
		side := side
		s.graceTimers[side] = time.AfterFunc(s.grace, func() { s.onGraceExpired(side) })
	}

	obslog.L().Info("match_resume",
		zap.String("match_id", st.MatchID),
		zap.Int("moves", len(st.Moves)),
	)
	return s, nil
}

// ID returns the match identifier.
func (s *Session) ID() string { return s.state.MatchID }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Status
}

// HasUser reports whether the given identity plays in this match.
func (s *Session) HasUser(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SideOf(userID) != ""
}

// Init validates player identities, records the initial state, notifies both
// players, and starts the clock. It is the only place the match enters
// IN_PROGRESS; on error the caller must not register the session as live.
func (s *Session) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.White.UserID == "" || s.state.Black.UserID == "" {
		return ErrInitialization
	}
	s.state.Status = StatusInProgress

	if err := s.fast.SaveState(ctx, s.state); err != nil {
		return err
	}
	if err := s.archive.CreateMatch(ctx, s.state); err != nil {
		// never leave an in-progress blob behind for a match that was
		// never registered; rehydration would resurrect it as a phantom
		s.state.Status = ""
		if derr := s.fast.DeleteState(ctx, s.state.MatchID); derr != nil {
			obslog.L().Warn("init_cleanup_failed", zap.String("match_id", s.state.MatchID), zap.Error(derr))
		}
		return err
	}

	now := time.Now()
	s.turnStart = now
	s.lastTick = now
	go s.clockLoop()

	for _, side := range []board.Side{board.White, board.Black} {
		opp := s.state.PlayerFor(side.Opponent())
		s.send(ctx, side, matchdto.MustEnvelope(matchdto.EventMatchInitialized, matchdto.MatchInitialized{
			MatchID:      s.state.MatchID,
			Side:         string(side),
			OpponentID:   opp.UserID,
			OpponentName: opp.UserName,
			ClockMs:      s.state.ClockMs(side),
		}))
	}

	obslog.L().Info("match_create",
		zap.String("match_id", s.state.MatchID),
		zap.String("white_id", s.state.White.UserID),
		zap.String("black_id", s.state.Black.UserID),
	)
	return nil
}

// MakeMove validates and applies one move from a player. Terminal matches
// ignore moves silently so stale clients cannot disturb a finished game.
func (s *Session) MakeMove(ctx context.Context, peer transport.Peer, req matchdto.MoveRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Status != StatusInProgress {
		return nil
	}
	side := s.state.SideOf(peer.UserID())
	if side == "" {
		return ErrNotParticipant
	}
	if side != s.state.Turn {
		s.send(ctx, side, matchdto.MustEnvelope(matchdto.EventWrongTurn, matchdto.Rejection{
			MatchID: s.state.MatchID, Reason: "not your turn",
		}))
		return ErrWrongTurn
	}

	san, fen, err := s.game.Apply(req.UCI())
	if err != nil {
		s.send(ctx, side, matchdto.MustEnvelope(matchdto.EventInvalidMove, matchdto.Rejection{
			MatchID: s.state.MatchID, Reason: "illegal move",
		}))
		return ErrIllegalMove
	}

	now := time.Now()
	elapsedMs := now.Sub(s.turnStart).Milliseconds()
	remaining := s.deductSinceLastTick(now, side)
	if remaining <= 0 {
		// Time ran out before the move landed; the move does not count.
		s.finishLocked(ctx, StatusTimeout, side.Opponent(), ReasonTimeout)
		return nil
	}

	record := MoveRecord{SAN: san, UCI: req.UCI(), Side: side, ElapsedMs: elapsedMs, FEN: fen}
	s.state.Moves = append(s.state.Moves, record)
	s.state.FEN = fen
	s.state.Turn = side.Opponent()
	s.state.UpdatedAt = now

	if err := s.fast.SaveState(ctx, s.state); err != nil {
		obslog.L().Warn("fast_write_failed", zap.String("match_id", s.state.MatchID), zap.Error(err))
	}
	if err := s.fast.AppendMove(ctx, s.state.MatchID, record); err != nil {
		obslog.L().Warn("move_queue_failed", zap.String("match_id", s.state.MatchID), zap.Error(err))
	}

	s.broadcast(ctx, matchdto.MustEnvelope(matchdto.EventMoveApplied, matchdto.MoveApplied{
		MatchID:   s.state.MatchID,
		SAN:       san,
		UCI:       record.UCI,
		Side:      string(side),
		ElapsedMs: elapsedMs,
		FEN:       fen,
	}))
	obslog.L().Info("match_move",
		zap.String("match_id", s.state.MatchID),
		zap.String("side", string(side)),
		zap.String("san", san),
		zap.Int64("elapsed_ms", elapsedMs),
	)

	if over, kind := s.game.Terminal(); over {
		if kind == board.KindCheckmate {
			// The winner is the side that just moved, not the side now
			// unable to move.
			s.finishLocked(ctx, StatusCheckmate, side, ReasonCheckmate)
		} else {
			s.finishLocked(ctx, StatusDrawn, "", string(kind))
		}
		return nil
	}

	s.turnStart = now
	s.lastTick = now
	return nil
}

// Resign ends the match with the opposing side as winner.
func (s *Session) Resign(ctx context.Context, peer transport.Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Status != StatusInProgress {
		return nil
	}
	side := s.state.SideOf(peer.UserID())
	if side == "" {
		return ErrNotParticipant
	}
	obslog.L().Info("match_resign", zap.String("match_id", s.state.MatchID), zap.String("side", string(side)))
	s.finishLocked(ctx, StatusResigned, side.Opponent(), ReasonResign)
	return nil
}

// OfferDraw records the at-most-one pending offer and notifies the opponent.
func (s *Session) OfferDraw(ctx context.Context, peer transport.Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Status != StatusInProgress {
		return ErrNotInProgress
	}
	side := s.state.SideOf(peer.UserID())
	if side == "" {
		return ErrNotParticipant
	}
	if s.state.Draw != nil {
		return ErrDrawPending
	}
	s.state.Draw = &PendingDraw{OfferingSide: side, OfferedAt: time.Now()}
	if err := s.fast.SaveState(ctx, s.state); err != nil {
		obslog.L().Warn("fast_write_failed", zap.String("match_id", s.state.MatchID), zap.Error(err))
	}
	s.send(ctx, side.Opponent(), matchdto.MustEnvelope(matchdto.EventDrawOfferReceived, matchdto.DrawOfferReceived{
		MatchID:      s.state.MatchID,
		OfferingSide: string(side),
	}))
	return nil
}

// RespondDraw resolves the pending offer. Accepting draws the match;
// declining clears the offer and informs the original offerer.
func (s *Session) RespondDraw(ctx context.Context, peer transport.Peer, accept bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Status != StatusInProgress {
		return ErrNotInProgress
	}
	side := s.state.SideOf(peer.UserID())
	if side == "" {
		return ErrNotParticipant
	}
	offer := s.state.Draw
	if offer == nil || offer.OfferingSide == side {
		return ErrNoDrawOffer
	}
	if accept {
		s.finishLocked(ctx, StatusDrawn, "", ReasonDraw)
		return nil
	}
	s.state.Draw = nil
	if err := s.fast.SaveState(ctx, s.state); err != nil {
		obslog.L().Warn("fast_write_failed", zap.String("match_id", s.state.MatchID), zap.Error(err))
	}
	s.send(ctx, offer.OfferingSide, matchdto.MustEnvelope(matchdto.EventDrawWasDeclined, matchdto.MatchRef{
		MatchID: s.state.MatchID,
	}))
	return nil
}

// Disconnect starts the grace-period timer for the vanished side.
// Reconnection before expiry cancels it without any state change. When the
// second side vanishes before any move was played, the match is abandoned
// rather than contested and aborts immediately with no winner.
func (s *Session) Disconnect(ctx context.Context, peer transport.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Status != StatusInProgress {
		return
	}
	side := s.state.SideOf(peer.UserID())
	if side == "" {
		return
	}
	if _, pending := s.graceTimers[side]; pending {
		return
	}
	s.connected[side] = false
	obslog.L().Info("match_disconnect",
		zap.String("match_id", s.state.MatchID),
		zap.String("side", string(side)),
		zap.Duration("grace", s.grace),
	)
	if !s.connected[side.Opponent()] && len(s.state.Moves) == 0 {
		s.finishLocked(ctx, StatusAborted, "", ReasonAbort)
		return
	}
	s.graceTimers[side] = time.AfterFunc(s.grace, func() { s.onGraceExpired(side) })
}

func (s *Session) onGraceExpired(side board.Side) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A timer that fires after termination is a guarded no-op.
	if s.state.Status != StatusInProgress {
		return
	}
	delete(s.graceTimers, side)
	if !s.connected[side.Opponent()] && len(s.state.Moves) == 0 {
		// nobody is left and nothing was played
		s.finishLocked(context.Background(), StatusAborted, "", ReasonAbort)
		return
	}
	s.finishLocked(context.Background(), StatusDisconnected, side.Opponent(), ReasonDisconnect)
}

// Reconnect swaps the connection handle backing the caller's side and
// replies with the full current state snapshot.
func (s *Session) Reconnect(ctx context.Context, peer transport.Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Status != StatusInProgress {
		return ErrRecovery
	}
	side := s.state.SideOf(peer.UserID())
	if side == "" {
		return ErrRecovery
	}
	s.peers[side] = peer
	s.connected[side] = true
	if t, ok := s.graceTimers[side]; ok {
		t.Stop()
		delete(s.graceTimers, side)
	}

	moves := make([]matchdto.MoveEntry, 0, len(s.state.Moves))
	for _, mv := range s.state.Moves {
		moves = append(moves, matchdto.MoveEntry{
			SAN: mv.SAN, UCI: mv.UCI, Side: string(mv.Side), ElapsedMs: mv.ElapsedMs, FEN: mv.FEN,
		})
	}
	opp := s.state.PlayerFor(side.Opponent())
	s.send(ctx, side, matchdto.MustEnvelope(matchdto.EventMatchRecovered, matchdto.MatchRecovered{
		MatchID:      s.state.MatchID,
		Side:         string(side),
		FEN:          s.state.FEN,
		Moves:        moves,
		WhiteMs:      s.state.WhiteMs,
		BlackMs:      s.state.BlackMs,
		Turn:         string(s.state.Turn),
		Status:       string(s.state.Status),
		OpponentID:   opp.UserID,
		OpponentName: opp.UserName,
	}))
	s.send(ctx, side.Opponent(), matchdto.MustEnvelope(matchdto.EventOpponentReturned, matchdto.MatchRef{
		MatchID: s.state.MatchID,
	}))
	obslog.L().Info("match_reconnect", zap.String("match_id", s.state.MatchID), zap.String("side", string(side)))
	return nil
}

// Destroy is idempotent cleanup. A match still in progress at destroy time
// (both connections gone, abnormal shutdown) is aborted and force-migrated.
func (s *Session) Destroy(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Status == StatusInProgress {
		s.finishLocked(ctx, StatusAborted, "", ReasonAbort)
		return
	}
	s.stopOnce.Do(func() { close(s.stopTick) })
	s.cancelGraceTimers()
}

// Halt stops the clock loop and grace timers without touching match state.
// The fast-tier snapshot stays behind, so a later Rehydrate can pick the
// match back up.
func (s *Session) Halt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stopTick) })
	s.cancelGraceTimers()
}

// clockLoop deducts elapsed time from the side to move on a fixed interval
// and broadcasts the clock pair. It shares the terminal-transition path with
// move handling, so a tick racing a move commit resolves to exactly one end.
func (s *Session) clockLoop() {
	t := time.NewTicker(s.tick)
	defer t.Stop()
	for {
		select {
		case <-s.stopTick:
			return
		case <-t.C:
			s.onTick()
		}
	}
}

func (s *Session) onTick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Status != StatusInProgress {
		return
	}
	now := time.Now()
	side := s.state.Turn
	remaining := s.deductSinceLastTick(now, side)
	if remaining <= 0 {
		s.finishLocked(context.Background(), StatusTimeout, side.Opponent(), ReasonTimeout)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.tick)
	defer cancel()
	if err := s.fast.MergeClocks(ctx, s.state.MatchID, s.state.WhiteMs, s.state.BlackMs, now); err != nil {
		obslog.L().Warn("clock_write_failed", zap.String("match_id", s.state.MatchID), zap.Error(err))
	}
	s.broadcast(ctx, matchdto.MustEnvelope(matchdto.EventClockUpdate, matchdto.ClockUpdate{
		MatchID: s.state.MatchID,
		WhiteMs: s.state.WhiteMs,
		BlackMs: s.state.BlackMs,
	}))
}

// deductSinceLastTick charges the interval since the previous deduction to
// the given side's clock, floored at zero, and returns the remainder. The
// clock-derived value is authoritative; wall-clock turn elapsed time is only
// reported in broadcasts.
func (s *Session) deductSinceLastTick(now time.Time, side board.Side) int64 {
	delta := now.Sub(s.lastTick).Milliseconds()
	if delta < 0 {
		delta = 0
	}
	s.lastTick = now
	remaining := s.state.ClockMs(side) - delta
	s.state.SetClockMs(side, remaining)
	return s.state.ClockMs(side)
}

// finishLocked is the single terminal-transition path shared by every
// trigger. The status re-check under the lock guarantees at most one
// transition ever commits; callers must hold s.mu.
func (s *Session) finishLocked(ctx context.Context, status Status, winner board.Side, reason string) {
	if s.state.Status != StatusInProgress {
		return
	}
	now := time.Now()
	s.state.Status = status
	s.state.Outcome = &Outcome{Winner: winner, Reason: reason}
	s.state.Draw = nil
	s.state.EndedAt = now
	s.state.UpdatedAt = now

	s.stopOnce.Do(func() { close(s.stopTick) })
	s.cancelGraceTimers()

	// The user-visible outcome is never withheld because a write lagged:
	// persistence failures are logged for the sweeper to reconcile.
	if err := s.fast.SaveState(ctx, s.state); err != nil {
		obslog.L().Error("final_state_write_failed", zap.String("match_id", s.state.MatchID), zap.Error(err))
	}
	if err := s.archive.MarkStatus(ctx, s.state.MatchID, status); err != nil {
		obslog.L().Error("final_status_mark_failed", zap.String("match_id", s.state.MatchID), zap.Error(err))
	}
	if err := s.migrator.Persist(ctx, s.state.MatchID); err != nil {
		obslog.L().Error("migrate_failed", zap.String("match_id", s.state.MatchID), zap.Error(err))
	}

	s.broadcast(ctx, matchdto.MustEnvelope(matchdto.EventGameOver, matchdto.GameOver{
		MatchID: s.state.MatchID,
		Winner:  string(winner),
		Reason:  reason,
	}))
	obslog.L().Info("match_over",
		zap.String("match_id", s.state.MatchID),
		zap.String("status", string(status)),
		zap.String("winner", string(winner)),
		zap.String("reason", reason),
	)
}

func (s *Session) cancelGraceTimers() {
	for side, t := range s.graceTimers {
		t.Stop()
		delete(s.graceTimers, side)
	}
}

func (s *Session) send(ctx context.Context, side board.Side, env matchdto.Envelope) {
	p := s.peers[side]
	if p == nil {
		return
	}
	if err := p.Send(ctx, env); err != nil {
		obslog.L().Debug("peer_send_failed",
			zap.String("match_id", s.state.MatchID),
			zap.String("side", string(side)),
			zap.String("event", string(env.Type)),
			zap.Error(err),
		)
	}
}

func (s *Session) broadcast(ctx context.Context, env matchdto.Envelope) {
	s.send(ctx, board.White, env)
	s.send(ctx, board.Black, env)
}
