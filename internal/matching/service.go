package matching

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/huddle/match-core/internal/metrics"
)

// SweepInterval is how often the background sweep re-attempts a match for
// every queued entry. Two users who joined without a mutual match may
// become compatible once exclusion sets or pool membership change.
const SweepInterval = 2 * time.Second

// ErrPairExcluded is returned by a Committer when the live exclusion state
// disqualifies a proposed pair (the join-time snapshots had gone stale).
// The service treats it as "skip this candidate, keep both queued".
var ErrPairExcluded = errors.New("matching: pair excluded")

// Committer finalizes a proposed pair: it re-validates live exclusion
// state, persists the match, and notifies both participants. It is invoked
// with the service mutex held, so commitment is atomic with respect to
// every other pool mutation. A non-nil error other than ErrPairExcluded
// aborts the attempt and leaves both entries in the pool.
type Committer interface {
	Commit(ctx context.Context, a, b *Entry) error
}

// PositionReporter receives the pool snapshot after every sweep so queued
// clients can be told their current rank.
type PositionReporter func(entries []*Entry)

// Service is the authoritative matchmaker. One mutex serializes enqueue,
// dequeue, match attempts, and commitment, for both the event-driven join
// path and the timer-driven sweep, so "try match" is always one operation
// type regardless of trigger.
type Service struct {
	mu        sync.Mutex
	pool      *Pool
	committer Committer
	reporter  PositionReporter
	interval  time.Duration
	cancel    context.CancelFunc
}

// NewService creates a matchmaker around an empty pool.
func NewService(committer Committer) *Service {
	return &Service{
		pool:      NewPool(),
		committer: committer,
		interval:  SweepInterval,
	}
}

// SetPositionReporter registers the post-sweep position callback. Must be
// called before Start.
func (s *Service) SetPositionReporter(fn PositionReporter) {
	s.reporter = fn
}

// JoinResult describes the outcome of a join: either the entry was matched
// immediately, or it was queued at the given 0-based position.
type JoinResult struct {
	Matched  bool
	Position int
}

// Join enqueues the entry (replacing any previous entry for the same user
// and connection) and immediately attempts a match. Enqueue-then-attempt
// runs under one lock acquisition, so a concurrent join cannot interleave
// and match the same third party twice.
//
// If the match attempt fails on a dependency (persistence), the entry stays
// queued for the sweep to retry and the error is returned for reporting to
// the caller.
func (s *Service) Join(ctx context.Context, e *Entry) (JoinResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pool.Enqueue(e)
	defer s.updateQueueGauge()

	matched, err := s.tryMatchLocked(ctx, e)
	if err != nil {
		return JoinResult{Position: s.pool.Position(e.UserID, e.ConnID)}, err
	}
	if matched {
		return JoinResult{Matched: true}, nil
	}
	return JoinResult{Position: s.pool.Position(e.UserID, e.ConnID)}, nil
}

// Leave removes the entry for the given (user, connection) key. Returns
// true if an entry was removed.
func (s *Service) Leave(userID, connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.updateQueueGauge()
	return s.pool.Dequeue(userID, connID)
}

// LeaveUser removes every entry for the user (full disconnect). Effective
// immediately for all future match attempts: commitment re-validates pool
// membership under the same lock this method takes.
func (s *Service) LeaveUser(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.updateQueueGauge()
	return s.pool.DequeueUser(userID)
}

// Position returns the 0-based queue rank for the (user, connection) key,
// or -1 if it is not queued.
func (s *Service) Position(userID, connID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.Position(userID, connID)
}

// QueueSize returns the current number of waiting entries.
func (s *Service) QueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.Len()
}

// Start launches the periodic sweep. The sweep re-attempts a match for
// every entry in a point-in-time snapshot, tolerating entries that left
// the pool since the snapshot was taken.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Println("[matcher] sweep loop stopped")
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()

	log.Printf("[matcher] service started (sweep every %s)", s.interval)
}

// Stop cancels the sweep loop.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// sweep acquires the same lock as the per-event handlers and re-attempts a
// match for every snapshot entry still present in the pool.
func (s *Service) sweep(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.pool.Snapshot() {
		// Entries matched or dequeued earlier in this sweep are skipped
		// without error.
		if !s.pool.Contains(e) {
			continue
		}
		if _, err := s.tryMatchLocked(ctx, e); err != nil {
			log.Printf("[matcher] sweep match for user=%s: %v", e.UserID, err)
		}
	}

	s.updateQueueGauge()

	if s.reporter != nil {
		s.reporter(s.pool.Snapshot())
	}
}

// tryMatchLocked runs one match attempt for the seeker. Caller holds s.mu.
// Candidates rejected by the committer's live-exclusion re-validation are
// skipped and the next best candidate is tried; both entries are consumed
// from the pool only after the committer succeeds.
func (s *Service) tryMatchLocked(ctx context.Context, seeker *Entry) (bool, error) {
	if !s.pool.Contains(seeker) {
		return false, nil
	}

	snapshot := s.pool.Snapshot()
	rejected := make(map[*Entry]struct{})

	for {
		remaining := snapshot[:0:0]
		for _, c := range snapshot {
			if _, skip := rejected[c]; !skip {
				remaining = append(remaining, c)
			}
		}

		cand := FindCandidate(seeker, remaining)
		if cand == nil {
			return false, nil
		}

		err := s.committer.Commit(ctx, seeker, cand)
		if errors.Is(err, ErrPairExcluded) {
			rejected[cand] = struct{}{}
			continue
		}
		if err != nil {
			return false, err
		}

		// Commit succeeded: consume both entries. Both are guaranteed
		// present because the lock was never released.
		s.pool.Remove(seeker)
		s.pool.Remove(cand)
		return true, nil
	}
}

func (s *Service) updateQueueGauge() {
	metrics.QueueSize.Set(float64(s.pool.Len()))
}
