package matchmaker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kapu/chess-arena/internal/match"
	"github.com/kapu/chess-arena/internal/obslog"
	"github.com/kapu/chess-arena/internal/transport"
	"github.com/kapu/chess-arena/pkg/matchdto"
)

// Config carries the pairing policy plus the dependencies handed to every
// new session.
type Config struct {
	Fast     match.FastTier
	Archive  match.Archive
	Migrator match.Migrator

	InitialClock time.Duration
	TickInterval time.Duration
	GracePeriod  time.Duration
}

// Coordinator owns the matchmaking queue and the live-session registry.
// It is the single writer of both structures; one mutex makes pairing atomic
// so no connection is ever placed into two simultaneous matches.
type Coordinator struct {
	mu       sync.Mutex
	queue    []transport.Peer
	sessions map[string]*match.Session

	cfg Config
}

// NewCoordinator returns an empty coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		sessions: make(map[string]*match.Session),
		cfg:      cfg,
	}
}

// HandleEvent dispatches one inbound envelope from a connection. Every event
// kind is matched here; malformed payloads and unknown matches are answered
// on the offending connection and never crash the coordinator.
func (c *Coordinator) HandleEvent(ctx context.Context, peer transport.Peer, env matchdto.Envelope) {
	switch env.Type {
	case matchdto.EventRequestMatch:
		c.RequestMatch(ctx, peer)
	case matchdto.EventMove:
		var req matchdto.MoveRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			c.sendTo(ctx, peer, matchdto.MustEnvelope(matchdto.EventInvalidMove, matchdto.Rejection{
				Reason: "malformed move payload",
			}))
			return
		}
		c.RouteMove(ctx, peer, req)
	case matchdto.EventResign:
		if ref, ok := c.matchRef(ctx, peer, env); ok {
			c.RouteResign(ctx, peer, ref.MatchID)
		}
	case matchdto.EventDrawOffer:
		if ref, ok := c.matchRef(ctx, peer, env); ok {
			c.RouteDrawOffer(ctx, peer, ref.MatchID)
		}
	case matchdto.EventDrawAccept:
		if ref, ok := c.matchRef(ctx, peer, env); ok {
			c.RouteDrawResponse(ctx, peer, ref.MatchID, true)
		}
	case matchdto.EventDrawDecline:
		if ref, ok := c.matchRef(ctx, peer, env); ok {
			c.RouteDrawResponse(ctx, peer, ref.MatchID, false)
		}
	case matchdto.EventRecoverMatch:
		if ref, ok := c.matchRef(ctx, peer, env); ok {
			c.Recover(ctx, peer, ref.MatchID)
		}
	default:
		obslog.L().Debug("unknown_event",
			zap.String("type", string(env.Type)),
			zap.String("user_id", peer.UserID()),
		)
	}
}

func (c *Coordinator) matchRef(ctx context.Context, peer transport.Peer, env matchdto.Envelope) (matchdto.MatchRef, bool) {
	var ref matchdto.MatchRef
	if err := json.Unmarshal(env.Payload, &ref); err != nil || ref.MatchID == "" {
		c.sendTo(ctx, peer, matchdto.MustEnvelope(matchdto.EventMatchNotFound, matchdto.Rejection{
			Reason: "missing or malformed match reference",
		}))
		return ref, false
	}
	return ref, true
}

// RequestMatch enqueues a connection and pairs the two oldest waiters.
// A connection that is already queued or already playing is a no-op, so
// repeated requests from an impatient client are harmless.
func (c *Coordinator) RequestMatch(ctx context.Context, peer transport.Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ownsLiveMatchLocked(peer.UserID()) {
		obslog.L().Debug("request_match_ignored",
			zap.String("user_id", peer.UserID()),
			zap.String("reason", "already playing"),
		)
		return
	}
	for _, waiting := range c.queue {
		if waiting.ID() == peer.ID() || waiting.UserID() == peer.UserID() {
			return
		}
	}

	c.queue = append(c.queue, peer)
	c.sendTo(ctx, peer, matchdto.MustEnvelope(matchdto.EventSearching, nil))
	obslog.L().Info("queue_join",
		zap.String("user_id", peer.UserID()),
		zap.Int("queue_len", len(c.queue)),
	)

	if len(c.queue) < 2 {
		return
	}

	// FIFO fairness: the two earliest waiters pair first, the first
	// dequeued takes white.
	p1, p2 := c.queue[0], c.queue[1]
	c.queue = c.queue[2:]
	c.pairLocked(ctx, p1, p2)
}

func (c *Coordinator) pairLocked(ctx context.Context, white, black transport.Peer) {
	id := uuid.NewString()
	sess := match.NewSession(match.SessionConfig{
		MatchID:      id,
		White:        white,
		Black:        black,
		Fast:         c.cfg.Fast,
		Archive:      c.cfg.Archive,
		Migrator:     c.cfg.Migrator,
		InitialClock: c.cfg.InitialClock,
		TickInterval: c.cfg.TickInterval,
		GracePeriod:  c.cfg.GracePeriod,
	})
	if err := sess.Init(ctx); err != nil {
		obslog.L().Warn("pairing_failed",
			zap.String("match_id", id),
			zap.String("white_id", white.UserID()),
			zap.String("black_id", black.UserID()),
			zap.Error(err),
		)
		c.sendTo(ctx, white, matchdto.MustEnvelope(matchdto.EventRecoveryFailed, matchdto.Rejection{Reason: "failed to create match"}))
		c.sendTo(ctx, black, matchdto.MustEnvelope(matchdto.EventRecoveryFailed, matchdto.Rejection{Reason: "failed to create match"}))
		// put connections with usable identities back at the front of the line
		for _, p := range []transport.Peer{white, black} {
			if p.UserID() != "" {
				c.queue = append(c.queue, p)
			}
		}
		return
	}
	c.sessions[id] = sess
	obslog.L().Info("match_paired",
		zap.String("match_id", id),
		zap.String("white_id", white.UserID()),
		zap.String("black_id", black.UserID()),
	)
}

// LiveStateSource enumerates fast-tier match snapshots for rehydration.
type LiveStateSource interface {
	ListLiveMatches(ctx context.Context) ([]string, error)
	LoadState(ctx context.Context, matchID string) (*match.State, error)
}

// Rehydrate rebuilds live sessions from fast-tier snapshots left by a
// previous process. Resumed matches run with both connections absent until
// the players come back through recovery; matches that cannot be resumed are
// skipped and left for the sweeper. Call before serving traffic.
func (c *Coordinator) Rehydrate(ctx context.Context, src LiveStateSource) error {
	ids, err := src.ListLiveMatches(ctx)
	if err != nil {
		return err
	}
	resumed := 0
	for _, id := range ids {
		st, err := src.LoadState(ctx, id)
		if err != nil {
			obslog.L().Warn("rehydrate_load_failed", zap.String("match_id", id), zap.Error(err))
			continue
		}
		if st == nil || st.Status != match.StatusInProgress {
			continue
		}
		sess, err := match.ResumeSession(match.SessionConfig{
			MatchID:      id,
			Fast:         c.cfg.Fast,
			Archive:      c.cfg.Archive,
			Migrator:     c.cfg.Migrator,
			TickInterval: c.cfg.TickInterval,
			GracePeriod:  c.cfg.GracePeriod,
		}, st)
		if err != nil {
			obslog.L().Warn("rehydrate_failed", zap.String("match_id", id), zap.Error(err))
			continue
		}
		c.mu.Lock()
		c.sessions[id] = sess
		c.mu.Unlock()
		resumed++
	}
	if resumed > 0 {
		obslog.L().Info("matches_rehydrated", zap.Int("count", resumed))
	}
	return nil
}

// RouteMove forwards a move to the owning session.
func (c *Coordinator) RouteMove(ctx context.Context, peer transport.Peer, req matchdto.MoveRequest) {
	sess := c.lookup(req.MatchID)
	if sess == nil {
		c.sendTo(ctx, peer, matchdto.MustEnvelope(matchdto.EventMatchNotFound, matchdto.Rejection{
			MatchID: req.MatchID, Reason: "match not found",
		}))
		return
	}
	if err := sess.MakeMove(ctx, peer, req); err != nil {
		// the session already notified the offending connection
		obslog.L().Debug("move_rejected",
			zap.String("match_id", req.MatchID),
			zap.String("user_id", peer.UserID()),
			zap.Error(err),
		)
	}
	c.pruneIfFinished(req.MatchID, sess)
}

// RouteResign forwards a resignation; an unknown match is a soft no-op.
func (c *Coordinator) RouteResign(ctx context.Context, peer transport.Peer, matchID string) {
	sess := c.lookup(matchID)
	if sess == nil {
		return
	}
	_ = sess.Resign(ctx, peer)
	c.pruneIfFinished(matchID, sess)
}

// RouteDrawOffer forwards a draw offer; an unknown match is a soft no-op.
func (c *Coordinator) RouteDrawOffer(ctx context.Context, peer transport.Peer, matchID string) {
	sess := c.lookup(matchID)
	if sess == nil {
		return
	}
	if err := sess.OfferDraw(ctx, peer); err != nil {
		obslog.L().Debug("draw_offer_rejected",
			zap.String("match_id", matchID),
			zap.String("user_id", peer.UserID()),
			zap.Error(err),
		)
	}
}

// RouteDrawResponse forwards an accept/decline of a pending draw offer.
func (c *Coordinator) RouteDrawResponse(ctx context.Context, peer transport.Peer, matchID string, accept bool) {
	sess := c.lookup(matchID)
	if sess == nil {
		return
	}
	if err := sess.RespondDraw(ctx, peer, accept); err != nil {
		obslog.L().Debug("draw_response_rejected",
			zap.String("match_id", matchID),
			zap.String("user_id", peer.UserID()),
			zap.Error(err),
		)
	}
	c.pruneIfFinished(matchID, sess)
}

// Recover reconnects a returning player to its live match.
func (c *Coordinator) Recover(ctx context.Context, peer transport.Peer, matchID string) {
	sess := c.lookup(matchID)
	if sess == nil {
		c.sendTo(ctx, peer, matchdto.MustEnvelope(matchdto.EventRecoveryFailed, matchdto.Rejection{
			MatchID: matchID, Reason: "match not found or already ended",
		}))
		return
	}
	if err := sess.Reconnect(ctx, peer); err != nil {
		c.sendTo(ctx, peer, matchdto.MustEnvelope(matchdto.EventRecoveryFailed, matchdto.Rejection{
			MatchID: matchID, Reason: err.Error(),
		}))
	}
}

// OnDisconnect removes a waiting connection from the queue, or starts the
// owning session's grace-period flow. The match itself is not deleted here;
// reconnection may still save it.
func (c *Coordinator) OnDisconnect(ctx context.Context, peer transport.Peer) {
	c.mu.Lock()
	for i, waiting := range c.queue {
		if waiting.ID() == peer.ID() {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			c.mu.Unlock()
			return
		}
	}
	var owner *match.Session
	for _, sess := range c.sessions {
		if sess.HasUser(peer.UserID()) {
			owner = sess
			break
		}
	}
	c.mu.Unlock()

	if owner != nil {
		owner.Disconnect(ctx, peer)
	}
}

// PruneFinished removes terminal sessions from the live registry.
func (c *Coordinator) PruneFinished() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, sess := range c.sessions {
		if sess.Status().Terminal() {
			delete(c.sessions, id)
			removed++
		}
	}
	return removed
}

// StartReaper prunes finished sessions on an interval until ctx is
// cancelled. Sessions can end on their own timers (timeout, disconnect), so
// routing callbacks alone cannot keep the registry tight.
func (c *Coordinator) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := c.PruneFinished(); n > 0 {
					obslog.L().Debug("sessions_pruned", zap.Int("count", n))
				}
			}
		}
	}()
}

// Shutdown destroys every live session; in-progress matches are aborted and
// force-migrated.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	sessions := make([]*match.Session, 0, len(c.sessions))
	for id, sess := range c.sessions {
		sessions = append(sessions, sess)
		delete(c.sessions, id)
	}
	c.queue = nil
	c.mu.Unlock()

	for _, sess := range sessions {
		sess.Destroy(ctx)
	}
}

// QueueLen reports how many connections are waiting to be paired.
func (c *Coordinator) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// LiveMatches reports the size of the live-session registry.
func (c *Coordinator) LiveMatches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *Coordinator) lookup(matchID string) *match.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[matchID]
}

func (c *Coordinator) ownsLiveMatchLocked(userID string) bool {
	for _, sess := range c.sessions {
		if sess.HasUser(userID) && !sess.Status().Terminal() {
			return true
		}
	}
	return false
}

func (c *Coordinator) pruneIfFinished(id string, sess *match.Session) {
	if !sess.Status().Terminal() {
		return
	}
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

func (c *Coordinator) sendTo(ctx context.Context, peer transport.Peer, env matchdto.Envelope) {
	if err := peer.Send(ctx, env); err != nil {
		obslog.L().Debug("peer_send_failed",
			zap.String("user_id", peer.UserID()),
			zap.String("event", string(env.Type)),
			zap.Error(err),
		)
	}
}
