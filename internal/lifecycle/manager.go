package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/huddle/match-core/internal/matching"
	"github.com/huddle/match-core/internal/metrics"
	"github.com/huddle/match-core/internal/protocol"
	"github.com/huddle/match-core/internal/store"
)

const (
	// PendingTimeout is how long a PENDING match may wait for its first
	// call-started signal before the sweep moves it to TIMEOUT.
	PendingTimeout = 60 * time.Second

	// StaleActiveTimeout is how long both participants of an ACTIVE match
	// may be unreachable before the sweep force-ends it. A single
	// disconnect is a connectivity blip, never a termination signal.
	StaleActiveTimeout = 5 * time.Minute

	// terminalRetention keeps terminal matches in memory so repeated
	// call-ended invocations stay idempotent no-ops instead of not-found.
	terminalRetention = 5 * time.Minute

	sweepInterval = 15 * time.Second
)

// Sentinel errors for lifecycle operations. Both are rejected before any
// state is touched.
var (
	ErrNotFound       = errors.New("lifecycle: match not found")
	ErrNotParticipant = errors.New("lifecycle: user is not a participant of this match")
)

// Persistence is the slice of the store the lifecycle depends on.
type Persistence interface {
	CreateMatchWithExclusions(ctx context.Context, rec *store.MatchRecord, sessionA, sessionB string) error
	UpdateMatch(ctx context.Context, rec *store.MatchRecord) error
	EnsureSession(ctx context.Context, sessionID, userID string) error
	GetSession(ctx context.Context, sessionID string) (*store.ConversationSession, error)
}

// Notifier delivers a payload to every reachable connection of a user.
// Unreachable users are silently skipped (best-effort fan-out).
type Notifier interface {
	Send(userID string, data []byte) int
	Connected(userID string) bool
}

// Presence mirrors call transitions into the external status record. All
// methods are fire-and-forget.
type Presence interface {
	InCall(userID, mode string)
	Online(userID string)
}

// Events publishes match lifecycle events for external consumers
// (dashboards). Best-effort; may be nil.
type Events interface {
	MatchCreated(matchID, userA, userB, mode string)
	MatchEnded(matchID, status string)
}

// Manager owns every live match and the live per-session exclusion sets.
// It implements matching.Committer: Commit is called by the matchmaker with
// its mutex held, which makes match creation atomic with respect to all
// pool mutations.
type Manager struct {
	mu         sync.Mutex
	matches    map[string]*Match              // match ID -> live or recently-terminal match
	exclusions map[string]map[string]struct{} // session ID -> excluded user IDs (live view)

	db       Persistence
	notifier Notifier
	presence Presence
	events   Events

	cancel context.CancelFunc
}

// NewManager creates a Manager. events may be nil.
func NewManager(db Persistence, notifier Notifier, presence Presence, events Events) *Manager {
	return &Manager{
		matches:    make(map[string]*Match),
		exclusions: make(map[string]map[string]struct{}),
		db:         db,
		notifier:   notifier,
		presence:   presence,
		events:     events,
	}
}

// EnsureSession creates-or-loads the durable conversation session and seeds
// the live exclusion view. It returns a snapshot of the exclusion set for
// the caller's pool entry.
func (mgr *Manager) EnsureSession(ctx context.Context, sessionID, userID string) (map[string]struct{}, error) {
	if err := mgr.db.EnsureSession(ctx, sessionID, userID); err != nil {
		return nil, err
	}

	cs, err := mgr.db.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	excluded := make(map[string]struct{})
	if cs != nil {
		for _, id := range cs.ExcludedUserIDs {
			excluded[id] = struct{}{}
		}
	}

	mgr.mu.Lock()
	live := make(map[string]struct{}, len(excluded))
	for id := range excluded {
		live[id] = struct{}{}
	}
	mgr.exclusions[sessionID] = live
	mgr.mu.Unlock()

	return excluded, nil
}

// Commit implements matching.Committer. It re-validates the pair against
// the live exclusion sets (the pool entries carry join-time snapshots that
// may have gone stale while queued), persists the match together with both
// exclusion appends, and notifies both participants with symmetric
// match-found payloads. The durable write happens before either client
// hears about the match, so a persistence failure cannot leak a
// half-created match.
func (mgr *Manager) Commit(ctx context.Context, a, b *matching.Entry) error {
	mgr.mu.Lock()
	if mgr.excludedLocked(a.SessionID, b.UserID) || mgr.excludedLocked(b.SessionID, a.UserID) {
		mgr.mu.Unlock()
		return matching.ErrPairExcluded
	}
	mgr.mu.Unlock()

	now := time.Now()
	m := &Match{
		ID:            uuid.New().String(),
		UserA:         a.UserID,
		UserB:         b.UserID,
		SessionA:      a.SessionID,
		SessionB:      b.SessionID,
		Mode:          a.Mode,
		Status:        store.StatusPending,
		RoomToken:     uuid.New().String(),
		MatchedTopics: matching.SharedTopics(a.Topics, b.Topics),
		CreatedAt:     now,
	}

	if err := mgr.db.CreateMatchWithExclusions(ctx, m.record(), a.SessionID, b.SessionID); err != nil {
		return fmt.Errorf("lifecycle: create match: %w", err)
	}

	mgr.mu.Lock()
	mgr.matches[m.ID] = m
	mgr.excludeLocked(a.SessionID, b.UserID)
	mgr.excludeLocked(b.SessionID, a.UserID)
	mgr.mu.Unlock()

	metrics.MatchesTotal.WithLabelValues("created").Inc()
	metrics.ActiveMatches.Inc()
	metrics.MatchWaitSeconds.Observe(now.Sub(a.JoinedAt).Seconds())
	metrics.MatchWaitSeconds.Observe(now.Sub(b.JoinedAt).Seconds())

	// Each side sees the other party's identity, never its own.
	mgr.notifyMatchFound(m, m.UserA, m.UserB)
	mgr.notifyMatchFound(m, m.UserB, m.UserA)

	if mgr.events != nil {
		mgr.events.MatchCreated(m.ID, m.UserA, m.UserB, m.Mode)
	}

	log.Printf("[lifecycle] match created id=%s a=%s b=%s mode=%s topics=%v",
		m.ID, m.UserA, m.UserB, m.Mode, m.MatchedTopics)
	return nil
}

// Activate handles a call-started signal from one participant. The first
// signal of either side stamps StartedAt; each side's own joined timestamp
// is stamped at most once, so repeated signals are idempotent. The status
// becomes ACTIVE from the first join: clients activate optimistically, so
// waiting for both would stall the UI.
func (mgr *Manager) Activate(ctx context.Context, matchID, userID string) error {
	mgr.mu.Lock()
	m, ok := mgr.matches[matchID]
	if !ok {
		mgr.mu.Unlock()
		return ErrNotFound
	}
	if !m.IsParticipant(userID) {
		mgr.mu.Unlock()
		return ErrNotParticipant
	}
	if m.Terminal() {
		mgr.mu.Unlock()
		return nil
	}

	now := time.Now()
	next := *m
	changed := false
	if next.StartedAt == nil {
		next.StartedAt = &now
		changed = true
	}
	if userID == next.UserA && next.JoinedA == nil {
		next.JoinedA = &now
		changed = true
	}
	if userID == next.UserB && next.JoinedB == nil {
		next.JoinedB = &now
		changed = true
	}
	if next.Status != store.StatusActive {
		next.Status = store.StatusActive
		changed = true
	}

	// Persist before committing the transition in memory; a failed write
	// leaves the match untouched so a client retry re-runs the update.
	if changed {
		if err := mgr.db.UpdateMatch(ctx, next.record()); err != nil {
			mgr.mu.Unlock()
			return fmt.Errorf("lifecycle: activate match: %w", err)
		}
		m.Status = next.Status
		m.StartedAt = next.StartedAt
		m.JoinedA = next.JoinedA
		m.JoinedB = next.JoinedB
	}
	other := m.Other(userID)
	mode := m.Mode
	mgr.mu.Unlock()

	mgr.presence.InCall(userID, mode)

	data, err := protocol.NewServerMessage(protocol.TypeCallStarted, protocol.ServerCallStartedMsg{
		MatchID: matchID,
	})
	if err == nil {
		mgr.notifier.Send(other, data)
	}

	return nil
}

// End terminates a match on behalf of one participant. The reason is taken
// as given: "skipped" records a skip, anything else a normal end. Duration
// is the wall-clock delta from StartedAt, nil if the call never started.
// Terminal matches are left untouched: clients retry, so a repeated end is
// a no-op rather than an error.
func (mgr *Manager) End(ctx context.Context, matchID, userID, reason string) error {
	status := store.StatusEnded
	if reason == protocol.ReasonSkipped {
		status = store.StatusSkipped
	}
	return mgr.terminate(ctx, matchID, userID, status, reason)
}

// terminate moves a match to a terminal state. userID == "" bypasses the
// participant check (internal sweep transitions).
func (mgr *Manager) terminate(ctx context.Context, matchID, userID, status, reason string) error {
	mgr.mu.Lock()
	m, ok := mgr.matches[matchID]
	if !ok {
		mgr.mu.Unlock()
		return ErrNotFound
	}
	if userID != "" && !m.IsParticipant(userID) {
		mgr.mu.Unlock()
		return ErrNotParticipant
	}
	if m.Terminal() {
		mgr.mu.Unlock()
		return nil
	}

	now := time.Now()
	next := *m
	next.Status = status
	next.EndedAt = &now
	if next.StartedAt != nil {
		secs := int(now.Sub(*next.StartedAt).Seconds())
		next.Duration = &secs
	}

	// Persist before committing the transition in memory; a failed write
	// leaves the match non-terminal so a client retry re-runs the update
	// instead of hitting the terminal no-op.
	if err := mgr.db.UpdateMatch(ctx, next.record()); err != nil {
		mgr.mu.Unlock()
		return fmt.Errorf("lifecycle: end match: %w", err)
	}

	m.Status = next.Status
	m.EndedAt = next.EndedAt
	m.Duration = next.Duration
	userA, userB := m.UserA, m.UserB
	duration := m.Duration
	mgr.mu.Unlock()

	metrics.MatchesTotal.WithLabelValues(status).Inc()
	metrics.ActiveMatches.Dec()
	if duration != nil {
		metrics.CallDurationSeconds.Observe(float64(*duration))
	}

	data, err := protocol.NewServerMessage(protocol.TypeCallEnded, protocol.ServerCallEndedMsg{
		MatchID: matchID,
		Reason:  reason,
	})
	if err == nil {
		// The initiator already knows; still included so every tab of both
		// participants converges.
		mgr.notifier.Send(userA, data)
		mgr.notifier.Send(userB, data)
	}

	mgr.presence.Online(userA)
	mgr.presence.Online(userB)

	if mgr.events != nil {
		mgr.events.MatchEnded(matchID, status)
	}

	log.Printf("[lifecycle] match terminated id=%s status=%s reason=%s", matchID, status, reason)
	return nil
}

// Lookup returns a snapshot of the match, or ErrNotFound.
func (mgr *Manager) Lookup(matchID string) (*Match, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	m, ok := mgr.matches[matchID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.snapshot(), nil
}

// Start launches the background sweep that times out stale matches and
// evicts long-terminal ones from memory.
func (mgr *Manager) Start(ctx context.Context) {
	ctx, mgr.cancel = context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Println("[lifecycle] sweep loop stopped")
				return
			case <-ticker.C:
				mgr.sweep(ctx)
			}
		}
	}()
}

// Stop cancels the background sweep.
func (mgr *Manager) Stop() {
	if mgr.cancel != nil {
		mgr.cancel()
	}
}

// sweep applies the timeout policy: PENDING matches nobody joined within
// PendingTimeout become TIMEOUT, and ACTIVE matches whose participants have
// all been unreachable for StaleActiveTimeout are force-ended. Terminal
// matches past their retention window are evicted.
func (mgr *Manager) sweep(ctx context.Context) {
	now := time.Now()

	type action struct {
		matchID string
		status  string
		reason  string
	}
	var actions []action

	mgr.mu.Lock()
	for id, m := range mgr.matches {
		if m.Terminal() {
			if m.EndedAt != nil && now.Sub(*m.EndedAt) > terminalRetention {
				delete(mgr.matches, id)
			}
			continue
		}

		switch m.Status {
		case store.StatusPending:
			if m.JoinedA == nil && m.JoinedB == nil && now.Sub(m.CreatedAt) > PendingTimeout {
				actions = append(actions, action{id, store.StatusTimeout, protocol.ReasonTimeout})
			}
		case store.StatusActive:
			if mgr.notifier.Connected(m.UserA) || mgr.notifier.Connected(m.UserB) {
				m.unreachableSince = nil
				continue
			}
			if m.unreachableSince == nil {
				t := now
				m.unreachableSince = &t
				continue
			}
			if now.Sub(*m.unreachableSince) > StaleActiveTimeout {
				actions = append(actions, action{id, store.StatusEnded, protocol.ReasonTimeout})
			}
		}
	}
	mgr.mu.Unlock()

	for _, a := range actions {
		if err := mgr.terminate(ctx, a.matchID, "", a.status, a.reason); err != nil {
			log.Printf("[lifecycle] sweep terminate id=%s: %v", a.matchID, err)
		}
	}
}

func (mgr *Manager) notifyMatchFound(m *Match, userID, otherID string) {
	data, err := protocol.NewServerMessage(protocol.TypeMatchFound, protocol.MatchFoundMsg{
		MatchID:            m.ID,
		RoomToken:          m.RoomToken,
		OtherParticipantID: otherID,
		Mode:               m.Mode,
		MatchedTopics:      m.MatchedTopics,
	})
	if err != nil {
		log.Printf("[lifecycle] build match_found for user=%s: %v", userID, err)
		return
	}
	mgr.notifier.Send(userID, data)
}

func (mgr *Manager) excludedLocked(sessionID, userID string) bool {
	set, ok := mgr.exclusions[sessionID]
	if !ok {
		return false
	}
	_, excluded := set[userID]
	return excluded
}

func (mgr *Manager) excludeLocked(sessionID, userID string) {
	set, ok := mgr.exclusions[sessionID]
	if !ok {
		set = make(map[string]struct{})
		mgr.exclusions[sessionID] = set
	}
	set[userID] = struct{}{}
}
