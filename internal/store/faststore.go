package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kapu/chess-arena/internal/match"
)

// FastStore is the low-latency mutable tier holding live match state. Keys
// persist until explicit deletion; the sweeper and the migration path are
// the only deleters.
//
// Per match there are two keys: a JSON state blob and an append-only move
// queue, kept apart so high-rate moves do not rewrite the whole blob.
type FastStore struct {
	rdb *redis.Client
}

// NewFastStore connects to the Redis instance at redisURL and pings it.
func NewFastStore(redisURL string) (*FastStore, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for fast store")
	}
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &FastStore{rdb: rdb}, nil
}

// NewFastStoreWithClient wraps an existing client (tests).
func NewFastStoreWithClient(rdb *redis.Client) *FastStore {
	return &FastStore{rdb: rdb}
}

// Close releases the underlying client.
func (f *FastStore) Close() error {
	if f == nil || f.rdb == nil {
		return nil
	}
	return f.rdb.Close()
}

func stateKey(matchID string) string { return "game:" + strings.TrimSpace(matchID) + ":state" }
func queueKey(matchID string) string { return "game:" + strings.TrimSpace(matchID) + ":moves_queue" }

// SaveState writes the full state blob.
func (f *FastStore) SaveState(ctx context.Context, st *match.State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return f.rdb.Set(ctx, stateKey(st.MatchID), raw, 0).Err()
}

// LoadState returns the stored state, or nil when absent.
func (f *FastStore) LoadState(ctx context.Context, matchID string) (*match.State, error) {
	raw, err := f.rdb.Get(ctx, stateKey(matchID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st match.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// DeleteState removes only the state blob, leaving the move queue for the
// sweeper to drain.
func (f *FastStore) DeleteState(ctx context.Context, matchID string) error {
	return f.rdb.Del(ctx, stateKey(matchID)).Err()
}

// DeleteAll removes every remaining key for a match.
func (f *FastStore) DeleteAll(ctx context.Context, matchID string) error {
	return f.rdb.Del(ctx, stateKey(matchID), queueKey(matchID)).Err()
}

// Merge applies a partial update to the stored blob under optimistic
// concurrency. Absent state is a no-op returning (nil, nil).
func (f *FastStore) Merge(ctx context.Context, matchID string, apply func(*match.State)) (*match.State, error) {
	key := stateKey(matchID)
	var out *match.State
	err := f.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		var st match.State
		if err := json.Unmarshal(raw, &st); err != nil {
			return err
		}
		apply(&st)
		newRaw, err := json.Marshal(&st)
		if err != nil {
			return err
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, key, newRaw, 0)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		out = &st
		return nil
	}, key)
	return out, err
}

// MergeClocks patches only the clock fields into the replica. The session's
// in-memory clocks are authoritative; this keeps the crash-recovery copy
// close without rewriting the move list every tick.
func (f *FastStore) MergeClocks(ctx context.Context, matchID string, whiteMs, blackMs int64, updatedAt time.Time) error {
	_, err := f.Merge(ctx, matchID, func(st *match.State) {
		st.WhiteMs = whiteMs
		st.BlackMs = blackMs
		st.UpdatedAt = updatedAt
	})
	return err
}

// AppendMove pushes one move record onto the match's move queue.
func (f *FastStore) AppendMove(ctx context.Context, matchID string, mv match.MoveRecord) error {
	raw, err := json.Marshal(mv)
	if err != nil {
		return err
	}
	return f.rdb.RPush(ctx, queueKey(matchID), raw).Err()
}

// ListLiveMatches scans for every match with a fast-tier state blob.
func (f *FastStore) ListLiveMatches(ctx context.Context) ([]string, error) {
	var ids []string
	iter := f.rdb.Scan(ctx, 0, "game:*:state", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		id := strings.TrimSuffix(strings.TrimPrefix(key, "game:"), ":state")
		if id != "" && id != key {
			ids = append(ids, id)
		}
	}
	return ids, iter.Err()
}

// QueueLen reports how many moves are waiting to be swept.
func (f *FastStore) QueueLen(ctx context.Context, matchID string) (int64, error) {
	return f.rdb.LLen(ctx, queueKey(matchID)).Result()
}

// DrainMoves pops up to batch move records off the front of the queue.
func (f *FastStore) DrainMoves(ctx context.Context, matchID string, batch int) ([]match.MoveRecord, error) {
	if batch <= 0 {
		batch = 50
	}
	key := queueKey(matchID)
	raws, err := f.rdb.LRange(ctx, key, 0, int64(batch)-1).Result()
	if err != nil {
		return nil, err
	}
	if len(raws) == 0 {
		return nil, nil
	}
	if err := f.rdb.LTrim(ctx, key, int64(len(raws)), -1).Err(); err != nil {
		return nil, err
	}
	out := make([]match.MoveRecord, 0, len(raws))
	for _, raw := range raws {
		var mv match.MoveRecord
		if err := json.Unmarshal([]byte(raw), &mv); err != nil {
			return out, err
		}
		out = append(out, mv)
	}
	return out, nil
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
