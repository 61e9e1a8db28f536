package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/huddle/match-core/internal/matching"
	"github.com/huddle/match-core/internal/store"
)

type fakeDB struct {
	created   []*store.MatchRecord
	updated   []*store.MatchRecord
	sessions  map[string]*store.ConversationSession
	createErr error
	updateErr error
}

func newFakeDB() *fakeDB {
	return &fakeDB{sessions: make(map[string]*store.ConversationSession)}
}

func (f *fakeDB) CreateMatchWithExclusions(ctx context.Context, rec *store.MatchRecord, sessionA, sessionB string) error {
	if f.createErr != nil {
		return f.createErr
	}
	cp := *rec
	f.created = append(f.created, &cp)
	return nil
}

func (f *fakeDB) UpdateMatch(ctx context.Context, rec *store.MatchRecord) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	cp := *rec
	f.updated = append(f.updated, &cp)
	return nil
}

func (f *fakeDB) EnsureSession(ctx context.Context, sessionID, userID string) error {
	if _, ok := f.sessions[sessionID]; !ok {
		f.sessions[sessionID] = &store.ConversationSession{
			SessionID: sessionID,
			UserID:    userID,
			IsActive:  true,
		}
	}
	return nil
}

func (f *fakeDB) GetSession(ctx context.Context, sessionID string) (*store.ConversationSession, error) {
	return f.sessions[sessionID], nil
}

type fakeNotifier struct {
	sent      map[string][][]byte
	connected map[string]bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{sent: make(map[string][][]byte), connected: make(map[string]bool)}
}

func (f *fakeNotifier) Send(userID string, data []byte) int {
	f.sent[userID] = append(f.sent[userID], data)
	return 1
}

func (f *fakeNotifier) Connected(userID string) bool {
	return f.connected[userID]
}

// lastMessage decodes the most recent payload delivered to a user.
func (f *fakeNotifier) lastMessage(t *testing.T, userID string) map[string]interface{} {
	t.Helper()
	msgs := f.sent[userID]
	if len(msgs) == 0 {
		t.Fatalf("no messages delivered to %s", userID)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(msgs[len(msgs)-1], &m); err != nil {
		t.Fatalf("decode message for %s: %v", userID, err)
	}
	return m
}

type fakePresence struct {
	statuses map[string]string
}

func newFakePresence() *fakePresence {
	return &fakePresence{statuses: make(map[string]string)}
}

func (f *fakePresence) InCall(userID, mode string) { f.statuses[userID] = "in_call" }
func (f *fakePresence) Online(userID string)       { f.statuses[userID] = "online" }

func testEntry(userID, sessionID string, topics ...string) *matching.Entry {
	return &matching.Entry{
		UserID:    userID,
		SessionID: sessionID,
		Mode:      "video",
		Topics:    topics,
		Excluded:  make(map[string]struct{}),
		JoinedAt:  time.Now(),
		ConnID:    "conn-" + userID,
	}
}

func newTestManager() (*Manager, *fakeDB, *fakeNotifier, *fakePresence) {
	db := newFakeDB()
	notifier := newFakeNotifier()
	pres := newFakePresence()
	return NewManager(db, notifier, pres, nil), db, notifier, pres
}

func commitPair(t *testing.T, mgr *Manager, db *fakeDB, a, b *matching.Entry) string {
	t.Helper()
	if err := mgr.Commit(context.Background(), a, b); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return db.created[len(db.created)-1].ID
}

func TestCommitPersistsAndNotifiesBothSides(t *testing.T) {
	mgr, db, notifier, _ := newTestManager()

	a := testEntry("alice", "sess-a", "go", "music")
	b := testEntry("bob", "sess-b", "music")
	matchID := commitPair(t, mgr, db, a, b)

	rec := db.created[0]
	if rec.Status != store.StatusPending {
		t.Errorf("created status = %q, want pending", rec.Status)
	}
	if len(rec.MatchedTopics) != 1 || rec.MatchedTopics[0] != "music" {
		t.Errorf("matched topics = %v, want [music]", rec.MatchedTopics)
	}
	if rec.RoomToken == "" {
		t.Error("room token not assigned")
	}

	// Each side sees the other party, never itself.
	got := notifier.lastMessage(t, "alice")
	if got["type"] != "match_found" || got["other_participant_id"] != "bob" {
		t.Errorf("alice payload = %v", got)
	}
	got = notifier.lastMessage(t, "bob")
	if got["other_participant_id"] != "alice" {
		t.Errorf("bob payload = %v", got)
	}

	if _, err := mgr.Lookup(matchID); err != nil {
		t.Errorf("lookup of fresh match: %v", err)
	}
}

func TestCommitRejectsLiveExcludedPair(t *testing.T) {
	mgr, db, _, _ := newTestManager()

	a := testEntry("alice", "sess-a", "go")
	b := testEntry("bob", "sess-b", "go")
	commitPair(t, mgr, db, a, b)

	// The first commit registered mutual exclusions; an identical pair must
	// be rejected even though these entries carry empty snapshots.
	err := mgr.Commit(context.Background(), testEntry("alice", "sess-a"), testEntry("bob", "sess-b"))
	if !errors.Is(err, matching.ErrPairExcluded) {
		t.Fatalf("repeat pair error = %v, want ErrPairExcluded", err)
	}
	if len(db.created) != 1 {
		t.Errorf("created %d matches, want 1", len(db.created))
	}
}

func TestCommitPersistenceFailureNotifiesNobody(t *testing.T) {
	mgr, db, notifier, _ := newTestManager()
	db.createErr = errors.New("postgres down")

	err := mgr.Commit(context.Background(), testEntry("alice", "sess-a"), testEntry("bob", "sess-b"))
	if err == nil {
		t.Fatal("expected persistence error")
	}
	if len(notifier.sent) != 0 {
		t.Errorf("clients notified about a match that was never persisted: %v", notifier.sent)
	}
}

func TestEnsureSessionSeedsExclusions(t *testing.T) {
	mgr, db, _, _ := newTestManager()
	db.sessions["sess-a"] = &store.ConversationSession{
		SessionID:       "sess-a",
		UserID:          "alice",
		ExcludedUserIDs: []string{"bob"},
		IsActive:        true,
	}

	excluded, err := mgr.EnsureSession(context.Background(), "sess-a", "alice")
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	if _, ok := excluded["bob"]; !ok {
		t.Fatal("stored exclusion missing from snapshot")
	}

	// The durable exclusion is now live, so the pair is rejected at commit.
	err = mgr.Commit(context.Background(), testEntry("alice", "sess-a"), testEntry("bob", "sess-b"))
	if !errors.Is(err, matching.ErrPairExcluded) {
		t.Fatalf("commit error = %v, want ErrPairExcluded", err)
	}
}

func TestActivateStampsOnceAndNotifiesOther(t *testing.T) {
	mgr, db, notifier, pres := newTestManager()
	matchID := commitPair(t, mgr, db, testEntry("alice", "sess-a"), testEntry("bob", "sess-b"))

	if err := mgr.Activate(context.Background(), matchID, "alice"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	m, err := mgr.Lookup(matchID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if m.Status != store.StatusActive {
		t.Errorf("status = %q, want active", m.Status)
	}
	if m.StartedAt == nil || m.JoinedA == nil {
		t.Error("activation timestamps not stamped")
	}
	started := *m.StartedAt

	// Bob gets told the call went active.
	got := notifier.lastMessage(t, "bob")
	if got["type"] != "call_started" {
		t.Errorf("bob payload = %v, want call_started", got)
	}
	if pres.statuses["alice"] != "in_call" {
		t.Errorf("alice presence = %q, want in_call", pres.statuses["alice"])
	}

	// A repeated signal from the same side changes nothing durable.
	updates := len(db.updated)
	if err := mgr.Activate(context.Background(), matchID, "alice"); err != nil {
		t.Fatalf("repeat activate: %v", err)
	}
	if len(db.updated) != updates {
		t.Error("idempotent re-activation wrote to the store")
	}
	m, _ = mgr.Lookup(matchID)
	if !m.StartedAt.Equal(started) {
		t.Error("StartedAt changed on re-activation")
	}
}

func TestActivateRejectsUnknownAndOutsiders(t *testing.T) {
	mgr, db, _, _ := newTestManager()
	matchID := commitPair(t, mgr, db, testEntry("alice", "sess-a"), testEntry("bob", "sess-b"))

	if err := mgr.Activate(context.Background(), "no-such-match", "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown match error = %v, want ErrNotFound", err)
	}
	if err := mgr.Activate(context.Background(), matchID, "mallory"); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("outsider error = %v, want ErrNotParticipant", err)
	}

	m, _ := mgr.Lookup(matchID)
	if m.Status != store.StatusPending {
		t.Errorf("status mutated by rejected operation: %q", m.Status)
	}
}

func TestEndIsIdempotentAndStampsDuration(t *testing.T) {
	mgr, db, _, pres := newTestManager()
	matchID := commitPair(t, mgr, db, testEntry("alice", "sess-a"), testEntry("bob", "sess-b"))

	if err := mgr.Activate(context.Background(), matchID, "alice"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := mgr.End(context.Background(), matchID, "bob", "ended"); err != nil {
		t.Fatalf("end: %v", err)
	}

	m, err := mgr.Lookup(matchID)
	if err != nil {
		t.Fatalf("lookup after end: %v", err)
	}
	if m.Status != store.StatusEnded {
		t.Errorf("status = %q, want ended", m.Status)
	}
	if m.Duration == nil {
		t.Error("duration not stamped for a started call")
	}
	if pres.statuses["alice"] != "online" || pres.statuses["bob"] != "online" {
		t.Errorf("presence after end = %v, want both online", pres.statuses)
	}

	// A retried end is a silent no-op.
	updates := len(db.updated)
	endedAt := *m.EndedAt
	if err := mgr.End(context.Background(), matchID, "alice", "ended"); err != nil {
		t.Fatalf("repeat end: %v", err)
	}
	if len(db.updated) != updates {
		t.Error("repeated end wrote to the store")
	}
	m, _ = mgr.Lookup(matchID)
	if !m.EndedAt.Equal(endedAt) {
		t.Error("EndedAt changed on repeated end")
	}
}

func TestSkipBeforeStartRecordsSkippedWithoutDuration(t *testing.T) {
	mgr, db, _, _ := newTestManager()
	matchID := commitPair(t, mgr, db, testEntry("alice", "sess-a"), testEntry("bob", "sess-b"))

	if err := mgr.End(context.Background(), matchID, "alice", "skipped"); err != nil {
		t.Fatalf("skip: %v", err)
	}

	m, _ := mgr.Lookup(matchID)
	if m.Status != store.StatusSkipped {
		t.Errorf("status = %q, want skipped", m.Status)
	}
	if m.Duration != nil {
		t.Errorf("duration = %v, want nil for a call that never started", *m.Duration)
	}
}

func TestEndRetriesAfterPersistenceFailure(t *testing.T) {
	mgr, db, _, _ := newTestManager()
	matchID := commitPair(t, mgr, db, testEntry("alice", "sess-a"), testEntry("bob", "sess-b"))
	if err := mgr.Activate(context.Background(), matchID, "alice"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	db.updateErr = errors.New("postgres down")
	if err := mgr.End(context.Background(), matchID, "alice", "ended"); err == nil {
		t.Fatal("expected persistence error")
	}

	// The failed write must not transition the match: otherwise a retry
	// hits the terminal no-op and the durable row stays active forever.
	m, err := mgr.Lookup(matchID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if m.Terminal() {
		t.Fatal("match terminal in memory despite failed durable write")
	}

	db.updateErr = nil
	if err := mgr.End(context.Background(), matchID, "alice", "ended"); err != nil {
		t.Fatalf("retried end: %v", err)
	}
	m, _ = mgr.Lookup(matchID)
	if m.Status != store.StatusEnded {
		t.Errorf("status after retry = %q, want ended", m.Status)
	}
	last := db.updated[len(db.updated)-1]
	if last.Status != store.StatusEnded {
		t.Errorf("durable status after retry = %q, want ended", last.Status)
	}
}

func TestActivateRetriesAfterPersistenceFailure(t *testing.T) {
	mgr, db, _, _ := newTestManager()
	matchID := commitPair(t, mgr, db, testEntry("alice", "sess-a"), testEntry("bob", "sess-b"))

	db.updateErr = errors.New("postgres down")
	if err := mgr.Activate(context.Background(), matchID, "alice"); err == nil {
		t.Fatal("expected persistence error")
	}

	m, _ := mgr.Lookup(matchID)
	if m.Status != store.StatusPending || m.StartedAt != nil {
		t.Fatalf("match mutated despite failed durable write: status=%q started=%v", m.Status, m.StartedAt)
	}

	db.updateErr = nil
	if err := mgr.Activate(context.Background(), matchID, "alice"); err != nil {
		t.Fatalf("retried activate: %v", err)
	}
	m, _ = mgr.Lookup(matchID)
	if m.Status != store.StatusActive || m.StartedAt == nil {
		t.Errorf("retry did not activate: status=%q started=%v", m.Status, m.StartedAt)
	}
	last := db.updated[len(db.updated)-1]
	if last.Status != store.StatusActive {
		t.Errorf("durable status after retry = %q, want active", last.Status)
	}
}

func TestSweepTimesOutStalePendingMatch(t *testing.T) {
	mgr, db, notifier, _ := newTestManager()
	matchID := commitPair(t, mgr, db, testEntry("alice", "sess-a"), testEntry("bob", "sess-b"))

	mgr.mu.Lock()
	mgr.matches[matchID].CreatedAt = time.Now().Add(-PendingTimeout - time.Minute)
	mgr.mu.Unlock()

	mgr.sweep(context.Background())

	m, err := mgr.Lookup(matchID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if m.Status != store.StatusTimeout {
		t.Fatalf("status = %q, want timeout", m.Status)
	}
	got := notifier.lastMessage(t, "alice")
	if got["type"] != "call_ended" || got["reason"] != "timeout" {
		t.Errorf("alice payload = %v, want call_ended/timeout", got)
	}
}

func TestSweepLeavesJoinedPendingMatchAlone(t *testing.T) {
	mgr, db, _, _ := newTestManager()
	matchID := commitPair(t, mgr, db, testEntry("alice", "sess-a"), testEntry("bob", "sess-b"))

	if err := mgr.Activate(context.Background(), matchID, "alice"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	mgr.mu.Lock()
	mgr.matches[matchID].CreatedAt = time.Now().Add(-PendingTimeout - time.Minute)
	mgr.mu.Unlock()

	mgr.sweep(context.Background())

	m, _ := mgr.Lookup(matchID)
	if m.Status != store.StatusActive {
		t.Errorf("status = %q, want active (joined matches never time out as pending)", m.Status)
	}
}

func TestSweepForceEndsLongUnreachableActiveMatch(t *testing.T) {
	mgr, db, notifier, _ := newTestManager()
	matchID := commitPair(t, mgr, db, testEntry("alice", "sess-a"), testEntry("bob", "sess-b"))
	if err := mgr.Activate(context.Background(), matchID, "alice"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	// Nobody is connected; the first sweep only starts the clock.
	mgr.sweep(context.Background())
	if m, _ := mgr.Lookup(matchID); m.Terminal() {
		t.Fatal("match ended before the unreachable window elapsed")
	}

	mgr.mu.Lock()
	past := time.Now().Add(-StaleActiveTimeout - time.Minute)
	mgr.matches[matchID].unreachableSince = &past
	mgr.mu.Unlock()

	mgr.sweep(context.Background())
	m, _ := mgr.Lookup(matchID)
	if m.Status != store.StatusEnded {
		t.Fatalf("status = %q, want ended", m.Status)
	}

	// A single reachable participant resets the clock instead.
	matchID2 := commitPair(t, mgr, db, testEntry("carol", "sess-c"), testEntry("dave", "sess-d"))
	if err := mgr.Activate(context.Background(), matchID2, "carol"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	notifier.connected["dave"] = true
	mgr.mu.Lock()
	mgr.matches[matchID2].unreachableSince = &past
	mgr.mu.Unlock()

	mgr.sweep(context.Background())
	if m, _ := mgr.Lookup(matchID2); m.Terminal() {
		t.Error("match with a reachable participant was force-ended")
	}
}

func TestSweepEvictsLongTerminalMatches(t *testing.T) {
	mgr, db, _, _ := newTestManager()
	matchID := commitPair(t, mgr, db, testEntry("alice", "sess-a"), testEntry("bob", "sess-b"))
	if err := mgr.End(context.Background(), matchID, "alice", "ended"); err != nil {
		t.Fatalf("end: %v", err)
	}

	// Within retention the match is still visible for idempotent retries.
	if _, err := mgr.Lookup(matchID); err != nil {
		t.Fatalf("lookup within retention: %v", err)
	}

	mgr.mu.Lock()
	past := time.Now().Add(-terminalRetention - time.Minute)
	mgr.matches[matchID].EndedAt = &past
	mgr.mu.Unlock()

	mgr.sweep(context.Background())
	if _, err := mgr.Lookup(matchID); !errors.Is(err, ErrNotFound) {
		t.Errorf("lookup after eviction = %v, want ErrNotFound", err)
	}
}

func TestEndRejectsOutsider(t *testing.T) {
	mgr, db, _, _ := newTestManager()
	matchID := commitPair(t, mgr, db, testEntry("alice", "sess-a"), testEntry("bob", "sess-b"))

	if err := mgr.End(context.Background(), matchID, "mallory", "ended"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("outsider end error = %v, want ErrNotParticipant", err)
	}
	m, _ := mgr.Lookup(matchID)
	if m.Terminal() {
		t.Error("rejected end terminated the match")
	}
}
