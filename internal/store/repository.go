package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/kapu/chess-arena/internal/match"
)

// StatusArchived marks a durable record fully swept; the sweeper never
// revisits it. It exists only in the durable tier.
const StatusArchived match.Status = "ARCHIVED"

// SweepCandidate is a durable record the sweeper may still owe work to.
type SweepCandidate struct {
	MatchID string
	Status  match.Status
}

// Repository is the durable tier. Backed by Postgres in production and by an
// in-memory implementation when no database is configured.
//
// Expected schema:
//
//	CREATE TABLE matches (
//	    match_id    text PRIMARY KEY,
//	    white_id    text NOT NULL,
//	    white_name  text NOT NULL DEFAULT '',
//	    black_id    text NOT NULL,
//	    black_name  text NOT NULL DEFAULT '',
//	    result      text NOT NULL DEFAULT 'aborted',
//	    winner_id   text,
//	    status      text NOT NULL,
//	    reason      text NOT NULL DEFAULT '',
//	    moves_san   jsonb,
//	    pgn         text,
//	    white_ms    bigint NOT NULL DEFAULT 0,
//	    black_ms    bigint NOT NULL DEFAULT 0,
//	    started_at  timestamptz NOT NULL,
//	    ended_at    timestamptz
//	);
//
//	CREATE TABLE match_moves (
//	    id         bigserial PRIMARY KEY,
//	    match_id   text NOT NULL REFERENCES matches(match_id),
//	    san        text NOT NULL,
//	    uci        text NOT NULL DEFAULT '',
//	    side       text NOT NULL,
//	    elapsed_ms bigint NOT NULL DEFAULT 0,
//	    fen        text NOT NULL
//	);
type Repository interface {
	CreateMatch(ctx context.Context, st *match.State) error
	FinalizeMatch(ctx context.Context, st *match.State, pgn string) error
	AppendMoves(ctx context.Context, matchID string, moves []match.MoveRecord) error
	MarkStatus(ctx context.Context, matchID string, status match.Status) error
	ListSweepCandidates(ctx context.Context) ([]SweepCandidate, error)
	Close() error
}

type repository struct {
	db *sql.DB
}

// NewRepository opens a Postgres-backed durable tier.
func NewRepository(databaseURL string) (Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &repository{db: db}, nil
}

func (r *repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CreateMatch inserts the in-progress record at session init so the sweeper
// can drain moves while the match is still running. Re-creating an existing
// match is a no-op.
func (r *repository) CreateMatch(ctx context.Context, st *match.State) error {
	if st == nil {
		return fmt.Errorf("nil match state")
	}
	const q = `INSERT INTO matches (
	        match_id, white_id, white_name, black_id, black_name,
	        status, white_ms, black_ms, started_at
	    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	    ON CONFLICT (match_id) DO NOTHING`
	_, err := r.db.ExecContext(ctx, q,
		st.MatchID,
		st.White.UserID, st.White.UserName,
		st.Black.UserID, st.Black.UserName,
		string(st.Status), st.WhiteMs, st.BlackMs, st.CreatedAt,
	)
	return err
}

// FinalizeMatch upserts the terminal snapshot. Safe to call repeatedly for
// the same match; the last write wins with identical values.
func (r *repository) FinalizeMatch(ctx context.Context, st *match.State, pgn string) error {
	if st == nil {
		return fmt.Errorf("nil match state")
	}
	sans := make([]string, 0, len(st.Moves))
	for _, mv := range st.Moves {
		sans = append(sans, mv.SAN)
	}
	sanRaw, _ := json.Marshal(sans)

	reason := ""
	if st.Outcome != nil {
		reason = st.Outcome.Reason
	}
	var winner sql.NullString
	if id := st.WinnerID(); id != "" {
		winner = sql.NullString{String: id, Valid: true}
	}
	var endedAt sql.NullTime
	if !st.EndedAt.IsZero() {
		endedAt = sql.NullTime{Time: st.EndedAt, Valid: true}
	}

	const q = `INSERT INTO matches (
	        match_id, white_id, white_name, black_id, black_name,
	        result, winner_id, status, reason, moves_san, pgn,
	        white_ms, black_ms, started_at, ended_at
	    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::jsonb,$11,$12,$13,$14,$15)
	    ON CONFLICT (match_id) DO UPDATE SET
	        result=EXCLUDED.result,
	        winner_id=EXCLUDED.winner_id,
	        status=EXCLUDED.status,
	        reason=EXCLUDED.reason,
	        moves_san=EXCLUDED.moves_san,
	        pgn=EXCLUDED.pgn,
	        white_ms=EXCLUDED.white_ms,
	        black_ms=EXCLUDED.black_ms,
	        ended_at=EXCLUDED.ended_at`
	_, err := r.db.ExecContext(ctx, q,
		st.MatchID,
		st.White.UserID, st.White.UserName,
		st.Black.UserID, st.Black.UserName,
		ResultToken(st), winner, string(st.Status), reason, string(sanRaw), pgn,
		st.WhiteMs, st.BlackMs, st.CreatedAt, endedAt,
	)
	return err
}

// AppendMoves writes one drained batch into the durable move list, in order.
func (r *repository) AppendMoves(ctx context.Context, matchID string, moves []match.MoveRecord) error {
	if len(moves) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	const q = `INSERT INTO match_moves (match_id, san, uci, side, elapsed_ms, fen)
	    VALUES ($1,$2,$3,$4,$5,$6)`
	for _, mv := range moves {
		if _, err := tx.ExecContext(ctx, q, matchID, mv.SAN, mv.UCI, string(mv.Side), mv.ElapsedMs, mv.FEN); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *repository) MarkStatus(ctx context.Context, matchID string, status match.Status) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE matches SET status=$2 WHERE match_id=$1`, matchID, string(status))
	return err
}

func (r *repository) ListSweepCandidates(ctx context.Context) ([]SweepCandidate, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT match_id, status FROM matches WHERE status <> $1`, string(StatusArchived))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SweepCandidate
	for rows.Next() {
		var c SweepCandidate
		var status string
		if err := rows.Scan(&c.MatchID, &status); err != nil {
			return nil, err
		}
		c.Status = match.Status(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResultToken maps a terminal state onto the durable result enum
// {white, black, draw, aborted}.
func ResultToken(st *match.State) string {
	if st == nil || st.Outcome == nil {
		return "aborted"
	}
	switch {
	case st.Status == match.StatusDrawn:
		return "draw"
	case st.Outcome.Winner != "":
		return string(st.Outcome.Winner)
	default:
		return "aborted"
	}
}
