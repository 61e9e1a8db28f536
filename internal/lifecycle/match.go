// Package lifecycle owns the match state machine: creation from a matched
// pair, activation on call start, termination (ended, skipped, or timed
// out), and the persistence side effects of each transition.
package lifecycle

import (
	"time"

	"github.com/huddle/match-core/internal/store"
)

// Match is the in-memory form of a paired session. It mirrors the durable
// store.MatchRecord plus the conversation-session IDs needed for exclusion
// bookkeeping. Once terminal it is immutable.
type Match struct {
	ID            string
	UserA         string
	UserB         string
	SessionA      string // UserA's conversation session
	SessionB      string // UserB's conversation session
	Mode          string
	Status        string
	RoomToken     string
	MatchedTopics []string
	CreatedAt     time.Time
	StartedAt     *time.Time
	EndedAt       *time.Time
	Duration      *int // seconds, nil if the call never started
	JoinedA       *time.Time
	JoinedB       *time.Time

	unreachableSince *time.Time // both participants offline since (stale-call sweep)
}

// IsParticipant reports whether the user is one of the two participants.
func (m *Match) IsParticipant(userID string) bool {
	return userID == m.UserA || userID == m.UserB
}

// Other returns the other participant's user ID, or "" for a non-participant.
func (m *Match) Other(userID string) string {
	switch userID {
	case m.UserA:
		return m.UserB
	case m.UserB:
		return m.UserA
	}
	return ""
}

// Terminal reports whether the match has reached a terminal state.
func (m *Match) Terminal() bool {
	switch m.Status {
	case store.StatusEnded, store.StatusSkipped, store.StatusTimeout:
		return true
	}
	return false
}

// record converts the match to its durable form.
func (m *Match) record() *store.MatchRecord {
	return &store.MatchRecord{
		ID:            m.ID,
		ParticipantA:  m.UserA,
		ParticipantB:  m.UserB,
		Mode:          m.Mode,
		Status:        m.Status,
		RoomToken:     m.RoomToken,
		MatchedTopics: m.MatchedTopics,
		CreatedAt:     m.CreatedAt,
		StartedAt:     m.StartedAt,
		EndedAt:       m.EndedAt,
		Duration:      m.Duration,
		JoinedAAt:     m.JoinedA,
		JoinedBAt:     m.JoinedB,
	}
}

// snapshot returns a copy safe to use outside the manager lock.
func (m *Match) snapshot() *Match {
	cp := *m
	cp.MatchedTopics = append([]string(nil), m.MatchedTopics...)
	return &cp
}
