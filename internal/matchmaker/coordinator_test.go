package matchmaker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kapu/chess-arena/internal/store"
	"github.com/kapu/chess-arena/pkg/matchdto"
)

type recordingPeer struct {
	id   string
	user string

	mu     sync.Mutex
	events []matchdto.Envelope
}

func newPeer(id, user string) *recordingPeer {
	return &recordingPeer{id: id, user: user}
}

func (p *recordingPeer) ID() string       { return p.id }
func (p *recordingPeer) UserID() string   { return p.user }
func (p *recordingPeer) UserName() string { return p.user }

func (p *recordingPeer) Send(ctx context.Context, env matchdto.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, env)
	return nil
}

func (p *recordingPeer) count(t matchdto.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (p *recordingPeer) last(t matchdto.EventType) (matchdto.Envelope, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].Type == t {
			return p.events[i], true
		}
	}
	return matchdto.Envelope{}, false
}

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	fast := store.NewFastStoreWithClient(rdb)
	repo := store.NewMemoryRepository()
	coord := NewCoordinator(Config{
		Fast:         fast,
		Archive:      repo,
		Migrator:     store.NewMigrator(fast, repo),
		InitialClock: time.Minute,
		TickInterval: time.Second,
		GracePeriod:  time.Minute,
	})
	t.Cleanup(func() { coord.Shutdown(context.Background()) })
	return coord
}

func initPayload(t *testing.T, p *recordingPeer) matchdto.MatchInitialized {
	t.Helper()
	env, ok := p.last(matchdto.EventMatchInitialized)
	if !ok {
		t.Fatalf("peer %s never received match_initialized", p.user)
	}
	var init matchdto.MatchInitialized
	if err := json.Unmarshal(env.Payload, &init); err != nil {
		t.Fatalf("decode match_initialized: %v", err)
	}
	return init
}

func TestTwoRequestsPairOneMatch(t *testing.T) {
	coord := newTestCoordinator(t)
	ctx := context.Background()
	p1 := newPeer("c1", "alice")
	p2 := newPeer("c2", "bob")

	coord.RequestMatch(ctx, p1)
	if p1.count(matchdto.EventSearching) != 1 {
		t.Fatalf("first waiter not told it is searching")
	}
	if coord.QueueLen() != 1 {
		t.Fatalf("queue len = %d, want 1", coord.QueueLen())
	}

	coord.RequestMatch(ctx, p2)
	if coord.QueueLen() != 0 {
		t.Fatalf("queue not drained after pairing, len=%d", coord.QueueLen())
	}
	if coord.LiveMatches() != 1 {
		t.Fatalf("live matches = %d, want 1", coord.LiveMatches())
	}

	i1 := initPayload(t, p1)
	i2 := initPayload(t, p2)
	if i1.MatchID != i2.MatchID {
		t.Fatalf("players placed in different matches: %q vs %q", i1.MatchID, i2.MatchID)
	}
	if i1.Side == i2.Side {
		t.Fatalf("both players got side %q", i1.Side)
	}
	if i1.Side != "white" {
		t.Fatalf("first dequeued waiter must take white, got %q", i1.Side)
	}
	if i1.OpponentID != "bob" || i2.OpponentID != "alice" {
		t.Fatalf("opponent identities wrong: %q / %q", i1.OpponentID, i2.OpponentID)
	}
}

func TestRepeatedRequestIsIdempotent(t *testing.T) {
	coord := newTestCoordinator(t)
	ctx := context.Background()
	p1 := newPeer("c1", "alice")

	coord.RequestMatch(ctx, p1)
	coord.RequestMatch(ctx, p1)
	coord.RequestMatch(ctx, p1)
	if coord.QueueLen() != 1 {
		t.Fatalf("repeated requests inflated queue to %d", coord.QueueLen())
	}
	if coord.LiveMatches() != 0 {
		t.Fatalf("single waiter must never self-pair")
	}
}

func TestPlayingUserCannotRequeue(t *testing.T) {
	coord := newTestCoordinator(t)
	ctx := context.Background()
	p1 := newPeer("c1", "alice")
	p2 := newPeer("c2", "bob")

	coord.RequestMatch(ctx, p1)
	coord.RequestMatch(ctx, p2)
	coord.RequestMatch(ctx, p1)
	if coord.QueueLen() != 0 {
		t.Fatalf("playing user re-entered queue, len=%d", coord.QueueLen())
	}
}

func TestMoveRoutedToOwningSession(t *testing.T) {
	coord := newTestCoordinator(t)
	ctx := context.Background()
	p1 := newPeer("c1", "alice")
	p2 := newPeer("c2", "bob")
	coord.RequestMatch(ctx, p1)
	coord.RequestMatch(ctx, p2)
	id := initPayload(t, p1).MatchID

	coord.HandleEvent(ctx, p1, matchdto.MustEnvelope(matchdto.EventMove, matchdto.MoveRequest{
		MatchID: id, From: "e2", To: "e4",
	}))
	for _, p := range []*recordingPeer{p1, p2} {
		if p.count(matchdto.EventMoveApplied) != 1 {
			t.Fatalf("peer %s missing move_applied", p.user)
		}
	}
}

func TestUnknownMatchReportsNotFound(t *testing.T) {
	coord := newTestCoordinator(t)
	ctx := context.Background()
	p := newPeer("c1", "alice")

	coord.RouteMove(ctx, p, matchdto.MoveRequest{MatchID: "ghost", From: "e2", To: "e4"})
	if p.count(matchdto.EventMatchNotFound) != 1 {
		t.Fatalf("stale client not told the match is gone")
	}
}

func TestMalformedMovePayloadRejected(t *testing.T) {
	coord := newTestCoordinator(t)
	p := newPeer("c1", "alice")

	coord.HandleEvent(context.Background(), p, matchdto.Envelope{
		Type:    matchdto.EventMove,
		Payload: json.RawMessage(`{"match_id":`),
	})
	if p.count(matchdto.EventInvalidMove) != 1 {
		t.Fatalf("malformed payload not answered")
	}
}

func TestResignPrunesFinishedSession(t *testing.T) {
	coord := newTestCoordinator(t)
	ctx := context.Background()
	p1 := newPeer("c1", "alice")
	p2 := newPeer("c2", "bob")
	coord.RequestMatch(ctx, p1)
	coord.RequestMatch(ctx, p2)
	id := initPayload(t, p1).MatchID

	coord.HandleEvent(ctx, p1, matchdto.MustEnvelope(matchdto.EventResign, matchdto.MatchRef{MatchID: id}))
	if p2.count(matchdto.EventGameOver) != 1 {
		t.Fatalf("opponent missing game_over")
	}
	if coord.LiveMatches() != 0 {
		t.Fatalf("finished session not pruned, live=%d", coord.LiveMatches())
	}

	// both users can queue again
	coord.RequestMatch(ctx, p1)
	coord.RequestMatch(ctx, p2)
	if coord.LiveMatches() != 1 {
		t.Fatalf("rematch after resign failed, live=%d", coord.LiveMatches())
	}
}

func TestDisconnectRemovesWaiterFromQueue(t *testing.T) {
	coord := newTestCoordinator(t)
	ctx := context.Background()
	p1 := newPeer("c1", "alice")

	coord.RequestMatch(ctx, p1)
	coord.OnDisconnect(ctx, p1)
	if coord.QueueLen() != 0 {
		t.Fatalf("vanished waiter left in queue, len=%d", coord.QueueLen())
	}
}

func TestRecoverUnknownMatchFails(t *testing.T) {
	coord := newTestCoordinator(t)
	p := newPeer("c1", "alice")

	coord.HandleEvent(context.Background(), p, matchdto.MustEnvelope(matchdto.EventRecoverMatch, matchdto.MatchRef{MatchID: "ghost"}))
	if p.count(matchdto.EventRecoveryFailed) != 1 {
		t.Fatalf("recovery against unknown match not refused")
	}
}

func TestRecoverReplacesConnection(t *testing.T) {
	coord := newTestCoordinator(t)
	ctx := context.Background()
	p1 := newPeer("c1", "alice")
	p2 := newPeer("c2", "bob")
	coord.RequestMatch(ctx, p1)
	coord.RequestMatch(ctx, p2)
	id := initPayload(t, p1).MatchID

	coord.OnDisconnect(ctx, p1)
	back := newPeer("c9", "alice")
	coord.HandleEvent(ctx, back, matchdto.MustEnvelope(matchdto.EventRecoverMatch, matchdto.MatchRef{MatchID: id}))

	env, ok := back.last(matchdto.EventMatchRecovered)
	if !ok {
		t.Fatalf("returning player did not get a snapshot")
	}
	var snap matchdto.MatchRecovered
	if err := json.Unmarshal(env.Payload, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.MatchID != id || snap.Side != "white" {
		t.Fatalf("snapshot wrong: %+v", snap)
	}
	if p2.count(matchdto.EventOpponentReturned) != 1 {
		t.Fatalf("opponent not told about the return")
	}

	// the replacement connection can move
	coord.HandleEvent(ctx, back, matchdto.MustEnvelope(matchdto.EventMove, matchdto.MoveRequest{
		MatchID: id, From: "e2", To: "e4",
	}))
	if back.count(matchdto.EventMoveApplied) != 1 {
		t.Fatalf("replacement connection cannot move")
	}
}

func TestRehydrateRestoresLiveMatch(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	fast := store.NewFastStoreWithClient(rdb)
	repo := store.NewMemoryRepository()
	ctx := context.Background()

	// one process pairs and plays a move
	first := NewCoordinator(Config{
		Fast:         fast,
		Archive:      repo,
		Migrator:     store.NewMigrator(fast, repo),
		InitialClock: time.Minute,
		TickInterval: time.Second,
		GracePeriod:  time.Minute,
	})
	p1 := newPeer("c1", "alice")
	p2 := newPeer("c2", "bob")
	first.RequestMatch(ctx, p1)
	first.RequestMatch(ctx, p2)
	id := initPayload(t, p1).MatchID
	first.HandleEvent(ctx, p1, matchdto.MustEnvelope(matchdto.EventMove, matchdto.MoveRequest{
		MatchID: id, From: "e2", To: "e4",
	}))
	// drop the in-memory registry without aborting, as a crash would
	first.mu.Lock()
	for mid, sess := range first.sessions {
		sess.Halt()
		delete(first.sessions, mid)
	}
	first.mu.Unlock()

	// a fresh process rehydrates from the fast tier
	second := NewCoordinator(Config{
		Fast:         fast,
		Archive:      repo,
		Migrator:     store.NewMigrator(fast, repo),
		InitialClock: time.Minute,
		TickInterval: time.Second,
		GracePeriod:  time.Minute,
	})
	t.Cleanup(func() { second.Shutdown(context.Background()) })
	if err := second.Rehydrate(ctx, fast); err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}
	if second.LiveMatches() != 1 {
		t.Fatalf("live matches after rehydrate = %d, want 1", second.LiveMatches())
	}

	back := newPeer("c9", "alice")
	second.HandleEvent(ctx, back, matchdto.MustEnvelope(matchdto.EventRecoverMatch, matchdto.MatchRef{MatchID: id}))
	env, ok := back.last(matchdto.EventMatchRecovered)
	if !ok {
		t.Fatalf("recovery against rehydrated match failed")
	}
	var snap matchdto.MatchRecovered
	if err := json.Unmarshal(env.Payload, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Moves) != 1 || snap.Moves[0].SAN != "e4" || snap.Turn != "black" {
		t.Fatalf("rehydrated snapshot wrong: %+v", snap)
	}
}

func TestShutdownAbortsLiveMatches(t *testing.T) {
	coord := newTestCoordinator(t)
	ctx := context.Background()
	p1 := newPeer("c1", "alice")
	p2 := newPeer("c2", "bob")
	coord.RequestMatch(ctx, p1)
	coord.RequestMatch(ctx, p2)

	coord.Shutdown(ctx)
	if coord.LiveMatches() != 0 {
		t.Fatalf("shutdown left live sessions")
	}
	if p1.count(matchdto.EventGameOver) != 1 {
		t.Fatalf("aborted match did not notify players")
	}
}
