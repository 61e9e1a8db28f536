// Package matching implements the waiting pool of users seeking a match,
// the candidate selection algorithm, and the matchmaker service that ties
// the two together under a single lock.
package matching

import "time"

// Entry is one user's presence in the waiting pool. Entries are unique per
// (UserID, ConnID) pair: a user searching from two tabs has two entries,
// and re-joining from the same tab replaces the old entry.
type Entry struct {
	UserID    string
	SessionID string              // conversation session this search belongs to
	Mode      string              // "video" or "text"
	Topics    []string            // profile topics at join time
	Seniority string              // optional seniority label
	Excluded  map[string]struct{} // user IDs already seen this session (join-time snapshot)
	JoinedAt  time.Time
	Seq       uint64 // monotonic enqueue counter, total FIFO order
	ConnID    string // connection that initiated the search
}

// IsExcluded reports whether the given user ID is in this entry's
// join-time exclusion snapshot.
func (e *Entry) IsExcluded(userID string) bool {
	_, ok := e.Excluded[userID]
	return ok
}

type poolKey struct {
	userID string
	connID string
}

// Pool is an ordered, mutable collection of waiting entries. It performs no
// locking of its own: every method is called with the matchmaker service's
// mutex held, which is the single synchronization discipline for all pool
// access (event handlers and the periodic sweep alike).
type Pool struct {
	entries []*Entry // FIFO order, Seq ascending
	byKey   map[poolKey]*Entry
	nextSeq uint64
}

// NewPool creates an empty waiting pool.
func NewPool() *Pool {
	return &Pool{
		byKey: make(map[poolKey]*Entry),
	}
}

// Enqueue adds an entry to the back of the pool. Any existing entry for the
// same (user, connection) key is replaced, which resets its FIFO position.
func (p *Pool) Enqueue(e *Entry) {
	key := poolKey{e.UserID, e.ConnID}
	if old, ok := p.byKey[key]; ok {
		p.removeFromOrder(old)
	}

	p.nextSeq++
	e.Seq = p.nextSeq
	p.byKey[key] = e
	p.entries = append(p.entries, e)
}

// Dequeue removes the entry for the given (user, connection) key. Returns
// true if an entry was removed.
func (p *Pool) Dequeue(userID, connID string) bool {
	key := poolKey{userID, connID}
	e, ok := p.byKey[key]
	if !ok {
		return false
	}
	delete(p.byKey, key)
	p.removeFromOrder(e)
	return true
}

// DequeueUser removes every entry for the given user, regardless of
// connection (e.g. on full disconnect). Returns the number removed.
func (p *Pool) DequeueUser(userID string) int {
	removed := 0
	for key, e := range p.byKey {
		if key.userID != userID {
			continue
		}
		delete(p.byKey, key)
		p.removeFromOrder(e)
		removed++
	}
	return removed
}

// Remove removes the exact entry (pointer identity) from the pool. It is
// the check-then-act half of match commitment: a commit only consumes
// entries that are still present. Returns false if the entry already left.
func (p *Pool) Remove(e *Entry) bool {
	key := poolKey{e.UserID, e.ConnID}
	current, ok := p.byKey[key]
	if !ok || current != e {
		return false
	}
	delete(p.byKey, key)
	p.removeFromOrder(e)
	return true
}

// Contains reports whether the exact entry is still enumerable in the pool.
func (p *Pool) Contains(e *Entry) bool {
	current, ok := p.byKey[poolKey{e.UserID, e.ConnID}]
	return ok && current == e
}

// Position returns the 0-based rank of the (user, connection) entry among
// current entries, or -1 if absent.
func (p *Pool) Position(userID, connID string) int {
	key := poolKey{userID, connID}
	if _, ok := p.byKey[key]; !ok {
		return -1
	}
	for i, e := range p.entries {
		if e.UserID == userID && e.ConnID == connID {
			return i
		}
	}
	return -1
}

// Snapshot returns a point-in-time copy of the pool in FIFO order. The
// slice is safe to hold across pool mutations; the entries themselves are
// shared, so a sweep must re-check Contains before acting on one.
func (p *Pool) Snapshot() []*Entry {
	out := make([]*Entry, len(p.entries))
	copy(out, p.entries)
	return out
}

// Len returns the number of waiting entries.
func (p *Pool) Len() int {
	return len(p.entries)
}

func (p *Pool) removeFromOrder(e *Entry) {
	for i, cur := range p.entries {
		if cur == e {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return
		}
	}
}
