// Package store provides PostgreSQL-backed persistence for durable match
// records and conversation sessions (the per-sign-in exclusion lists). It
// is the core's view of the Persistence service.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Match status values mirrored in the matches table CHECK constraint.
const (
	StatusPending = "pending"
	StatusActive  = "active"
	StatusEnded   = "ended"
	StatusSkipped = "skipped"
	StatusTimeout = "timeout"
)

// MatchRecord is the durable form of a match.
type MatchRecord struct {
	ID            string
	ParticipantA  string
	ParticipantB  string
	Mode          string
	Status        string
	RoomToken     string
	MatchedTopics []string
	CreatedAt     time.Time
	StartedAt     *time.Time
	EndedAt       *time.Time
	Duration      *int // seconds, nil if the call never started
	JoinedAAt     *time.Time
	JoinedBAt     *time.Time
}

// ConversationSession is one sign-in session's worth of matching activity.
// ExcludedUserIDs accumulates one entry per completed match and is the only
// way a user avoids re-pairing with someone already seen this session.
type ConversationSession struct {
	SessionID       string
	UserID          string
	ExcludedUserIDs []string
	IsActive        bool
}

// Store manages match and session persistence in PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a Store around an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Connect opens a PostgreSQL connection, verifies it, and returns a Store.
func Connect(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres connection failed: %w", err)
	}

	return &Store{db: db}, nil
}

// DB returns the underlying database handle (for migrations).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateMatch inserts a new match row.
func (s *Store) CreateMatch(ctx context.Context, rec *MatchRecord) error {
	const query = `
		INSERT INTO matches (id, participant_a, participant_b, mode, status,
		                     room_token, matched_topics, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.ParticipantA,
		rec.ParticipantB,
		rec.Mode,
		rec.Status,
		rec.RoomToken,
		pq.Array(rec.MatchedTopics),
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert match: %w", err)
	}
	return nil
}

// CreateMatchWithExclusions inserts the match row and appends each
// participant to the other's session exclusion list in one transaction, so
// a persistence failure leaves no partial state behind.
func (s *Store) CreateMatchWithExclusions(ctx context.Context, rec *MatchRecord, sessionA, sessionB string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	const insertMatch = `
		INSERT INTO matches (id, participant_a, participant_b, mode, status,
		                     room_token, matched_topics, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	if _, err := tx.ExecContext(ctx, insertMatch,
		rec.ID, rec.ParticipantA, rec.ParticipantB, rec.Mode, rec.Status,
		rec.RoomToken, pq.Array(rec.MatchedTopics), rec.CreatedAt,
	); err != nil {
		return fmt.Errorf("store: insert match: %w", err)
	}

	const appendExclusion = `
		UPDATE conversation_sessions
		SET excluded_user_ids = array_append(excluded_user_ids, $2)
		WHERE session_id = $1
		  AND NOT ($2 = ANY (excluded_user_ids))`

	if _, err := tx.ExecContext(ctx, appendExclusion, sessionA, rec.ParticipantB); err != nil {
		return fmt.Errorf("store: append exclusion: %w", err)
	}
	if _, err := tx.ExecContext(ctx, appendExclusion, sessionB, rec.ParticipantA); err != nil {
		return fmt.Errorf("store: append exclusion: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// UpdateMatch writes the mutable lifecycle fields of a match row.
func (s *Store) UpdateMatch(ctx context.Context, rec *MatchRecord) error {
	const query = `
		UPDATE matches
		SET status = $2, started_at = $3, ended_at = $4,
		    duration_seconds = $5, joined_a_at = $6, joined_b_at = $7
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Status,
		rec.StartedAt,
		rec.EndedAt,
		rec.Duration,
		rec.JoinedAAt,
		rec.JoinedBAt,
	)
	if err != nil {
		return fmt.Errorf("store: update match: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("store: update match: no row for id %s", rec.ID)
	}
	return nil
}

// GetMatch retrieves a match row. Returns nil if not found.
func (s *Store) GetMatch(ctx context.Context, matchID string) (*MatchRecord, error) {
	const query = `
		SELECT id, participant_a, participant_b, mode, status, room_token,
		       matched_topics, created_at, started_at, ended_at,
		       duration_seconds, joined_a_at, joined_b_at
		FROM matches WHERE id = $1`

	rec := &MatchRecord{}
	err := s.db.QueryRowContext(ctx, query, matchID).Scan(
		&rec.ID, &rec.ParticipantA, &rec.ParticipantB, &rec.Mode,
		&rec.Status, &rec.RoomToken, pq.Array(&rec.MatchedTopics),
		&rec.CreatedAt, &rec.StartedAt, &rec.EndedAt, &rec.Duration,
		&rec.JoinedAAt, &rec.JoinedBAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get match: %w", err)
	}
	return rec, nil
}

// EnsureSession creates the conversation session row if it does not exist.
// Re-joining with the same session ID is a no-op.
func (s *Store) EnsureSession(ctx context.Context, sessionID, userID string) error {
	const query = `
		INSERT INTO conversation_sessions (session_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (session_id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, sessionID, userID); err != nil {
		return fmt.Errorf("store: ensure session: %w", err)
	}
	return nil
}

// FindActiveSession returns the user's most recent active conversation
// session, or nil if none exists.
func (s *Store) FindActiveSession(ctx context.Context, userID string) (*ConversationSession, error) {
	const query = `
		SELECT session_id, user_id, excluded_user_ids, is_active
		FROM conversation_sessions
		WHERE user_id = $1 AND is_active
		ORDER BY created_at DESC
		LIMIT 1`

	cs := &ConversationSession{}
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&cs.SessionID, &cs.UserID, pq.Array(&cs.ExcludedUserIDs), &cs.IsActive,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find active session: %w", err)
	}
	return cs, nil
}

// GetSession retrieves a conversation session by ID. Returns nil if not
// found.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*ConversationSession, error) {
	const query = `
		SELECT session_id, user_id, excluded_user_ids, is_active
		FROM conversation_sessions
		WHERE session_id = $1`

	cs := &ConversationSession{}
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&cs.SessionID, &cs.UserID, pq.Array(&cs.ExcludedUserIDs), &cs.IsActive,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	return cs, nil
}

// AppendExclusion adds a user ID to the session's exclusion list if not
// already present.
func (s *Store) AppendExclusion(ctx context.Context, sessionID, excludedUserID string) error {
	const query = `
		UPDATE conversation_sessions
		SET excluded_user_ids = array_append(excluded_user_ids, $2)
		WHERE session_id = $1
		  AND NOT ($2 = ANY (excluded_user_ids))`

	if _, err := s.db.ExecContext(ctx, query, sessionID, excludedUserID); err != nil {
		return fmt.Errorf("store: append exclusion: %w", err)
	}
	return nil
}

// DeactivateSession marks a conversation session inactive (sign-out).
func (s *Store) DeactivateSession(ctx context.Context, sessionID string) error {
	const query = `
		UPDATE conversation_sessions SET is_active = FALSE WHERE session_id = $1`

	if _, err := s.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("store: deactivate session: %w", err)
	}
	return nil
}

// SaveLocation records a location share against a match.
func (s *Store) SaveLocation(ctx context.Context, matchID, userID string, lat, lon float64, address string) error {
	const query = `
		INSERT INTO match_locations (match_id, user_id, lat, lon, address)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.db.ExecContext(ctx, query, matchID, userID, lat, lon, address); err != nil {
		return fmt.Errorf("store: save location: %w", err)
	}
	return nil
}
