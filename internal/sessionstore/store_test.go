package sessionstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/gluk-w/shellbridge/internal/protocol"
)

const testTTL = time.Minute

type fakeChannels struct {
	closed atomic.Int32
	err    error
}

func (f *fakeChannels) Close() error {
	f.closed.Add(1)
	return f.err
}

type evictLog struct {
	mu      sync.Mutex
	reasons map[string]Reason
}

func (l *evictLog) record(rec *Record, reason Reason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reasons[rec.ID] = reason
}

func (l *evictLog) reason(id string) (Reason, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reasons[id]
	return r, ok
}

func newTestStore(t *testing.T) (*Store, *clock.Mock, *evictLog) {
	t.Helper()
	mock := clock.NewMock()
	evicted := &evictLog{reasons: make(map[string]Reason)}
	s := New(Options{TTL: testTTL, HistoryBytes: 64, Clock: mock, OnEvict: evicted.record})
	return s, mock, evicted
}

func testParams() Params {
	return Params{Host: "example.internal", Port: 22, Username: "deploy"}
}

// waitFor polls cond because mock clock timer callbacks run on their own goroutine.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestCreate_ArmsSingleTimer(t *testing.T) {
	s, mock, _ := newTestStore(t)

	rec := s.Create(testParams(), &fakeChannels{}, protocol.Snapshot{Cwd: "/srv"}, "alice")

	if rec.ID == "" {
		t.Fatal("expected non-empty session ID")
	}
	if got := rec.ExpiresAt(); !got.Equal(mock.Now().Add(testTTL)) {
		t.Errorf("ExpiresAt = %s, want now+ttl", got)
	}
	if rec.Snapshot().Cwd != "/srv" {
		t.Errorf("snapshot cwd = %q", rec.Snapshot().Cwd)
	}
	if s.PendingTimers() != 1 {
		t.Errorf("expected 1 pending timer, got %d", s.PendingTimers())
	}

	other := s.Create(testParams(), &fakeChannels{}, protocol.Snapshot{}, "alice")
	if other.ID == rec.ID {
		t.Error("session ids must not repeat")
	}
	if s.PendingTimers() != 2 {
		t.Errorf("expected 2 pending timers, got %d", s.PendingTimers())
	}
}

func TestTouch_RapidTouchesKeepOneTimer(t *testing.T) {
	s, mock, _ := newTestStore(t)
	rec := s.Create(testParams(), &fakeChannels{}, protocol.Snapshot{}, "")

	for i := 0; i < 100; i++ {
		mock.Add(10 * time.Millisecond)
		if _, err := s.Touch(rec.ID); err != nil {
			t.Fatalf("Touch %d: %v", i, err)
		}
	}

	if s.PendingTimers() != 1 {
		t.Errorf("expected exactly 1 pending timer after 100 touches, got %d", s.PendingTimers())
	}
	if got := rec.ExpiresAt(); !got.Equal(mock.Now().Add(testTTL)) {
		t.Errorf("ExpiresAt = %s, want %s", got, mock.Now().Add(testTTL))
	}
}

func TestTouch_StaleTimerDoesNotEvict(t *testing.T) {
	s, mock, evicted := newTestStore(t)
	ch := &fakeChannels{}
	rec := s.Create(testParams(), ch, protocol.Snapshot{}, "")

	mock.Add(testTTL / 2)
	if _, err := s.Touch(rec.ID); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	// Past the original deadline, before the extended one.
	mock.Add(testTTL/2 + time.Second)
	time.Sleep(20 * time.Millisecond)
	if _, ok := s.Get(rec.ID); !ok {
		t.Fatal("session evicted by the timer that Touch replaced")
	}
	if ch.closed.Load() != 0 {
		t.Error("channels closed while session still valid")
	}

	mock.Add(testTTL / 2)
	waitFor(t, func() bool { _, ok := s.Get(rec.ID); return !ok }, "eviction after extended ttl")
	waitFor(t, func() bool { _, ok := evicted.reason(rec.ID); return ok }, "evict hook")
	if r, _ := evicted.reason(rec.ID); r != ReasonExpired {
		t.Errorf("reason = %s, want %s", r, ReasonExpired)
	}
	if ch.closed.Load() != 1 {
		t.Errorf("expected channels closed once, got %d", ch.closed.Load())
	}
	if s.PendingTimers() != 0 {
		t.Errorf("expected 0 pending timers, got %d", s.PendingTimers())
	}
}

func TestTouch_UnknownAndExpired(t *testing.T) {
	s, mock, _ := newTestStore(t)

	if _, err := s.Touch("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	rec := s.Create(testParams(), &fakeChannels{}, protocol.Snapshot{}, "")
	mock.Add(testTTL + time.Second)

	// Either Touch sees the lapsed expiry itself or the timer got there
	// first; both must read as not found.
	if _, err := s.Touch(rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not-found for expired session, got %v", err)
	}
	waitFor(t, func() bool { return s.Len() == 0 }, "expired session removed")
}

func TestEvict_IdempotentAndSwallowsTeardownError(t *testing.T) {
	s, _, evicted := newTestStore(t)
	ch := &fakeChannels{err: errors.New("connection reset")}
	rec := s.Create(testParams(), ch, protocol.Snapshot{}, "")

	if !s.Evict(rec.ID, ReasonDisconnect) {
		t.Fatal("expected first Evict to remove the record")
	}
	if s.Evict(rec.ID, ReasonDisconnect) {
		t.Error("expected second Evict to be a no-op")
	}
	if ch.closed.Load() != 1 {
		t.Errorf("expected 1 close, got %d", ch.closed.Load())
	}
	if s.PendingTimers() != 0 {
		t.Errorf("expected timer cancelled, got %d pending", s.PendingTimers())
	}
	if r, _ := evicted.reason(rec.ID); r != ReasonDisconnect {
		t.Errorf("reason = %s, want disconnect", r)
	}
}

func TestSweep_RemovesRecordWithLostTimer(t *testing.T) {
	s, mock, _ := newTestStore(t)
	lost := s.Create(testParams(), &fakeChannels{}, protocol.Snapshot{}, "")
	kept := s.Create(testParams(), &fakeChannels{}, protocol.Snapshot{}, "")

	// Simulate a mis-cancelled timer so only the sweep can catch it.
	s.mu.Lock()
	s.stopLocked(lost)
	s.mu.Unlock()

	mock.Add(testTTL / 2)
	s.Touch(kept.ID)
	mock.Add(testTTL/2 + time.Second)

	if n := s.Sweep(); n != 1 {
		t.Fatalf("Sweep evicted %d, want 1", n)
	}
	if _, ok := s.Get(lost.ID); ok {
		t.Error("expired record survived sweep")
	}
	if _, ok := s.Get(kept.ID); !ok {
		t.Error("valid record removed by sweep")
	}
	if n := s.Sweep(); n != 0 {
		t.Errorf("second Sweep evicted %d, want 0", n)
	}
}

func TestSweep_KeepsAttachedSession(t *testing.T) {
	s, mock, _ := newTestStore(t)
	live := s.Create(testParams(), &fakeChannels{}, protocol.Snapshot{}, "")
	paused := s.Create(testParams(), &fakeChannels{}, protocol.Snapshot{}, "")
	s.SetOwner(live.ID, "conn-1")
	s.SetOwner(paused.ID, "conn-2")
	s.Pause(paused.ID, nil)

	// Both timers have fired but their callbacks have not run yet.
	s.mu.Lock()
	s.stopLocked(live)
	s.stopLocked(paused)
	s.mu.Unlock()
	mock.Add(testTTL + time.Second)

	if n := s.Sweep(); n != 1 {
		t.Fatalf("Sweep evicted %d, want 1", n)
	}
	if _, ok := s.Get(live.ID); !ok {
		t.Fatal("sweep evicted an attached session")
	}
	if _, ok := s.Get(paused.ID); ok {
		t.Error("paused session survived sweep")
	}
	if !live.ExpiresAt().After(mock.Now()) || s.PendingTimers() != 1 {
		t.Errorf("attached session not re-armed: expires %s, timers %d", live.ExpiresAt(), s.PendingTimers())
	}

	// Touch applies the same rule.
	s.mu.Lock()
	s.stopLocked(live)
	s.mu.Unlock()
	mock.Add(testTTL + time.Second)
	if _, err := s.Touch(live.ID); err != nil {
		t.Errorf("Touch on attached session = %v", err)
	}
	if s.PendingTimers() != 1 {
		t.Errorf("expected 1 pending timer, got %d", s.PendingTimers())
	}
}

func TestRun_SweepsOnTicker(t *testing.T) {
	s, mock, _ := newTestStore(t)
	rec := s.Create(testParams(), &fakeChannels{}, protocol.Snapshot{}, "")
	s.mu.Lock()
	s.stopLocked(rec)
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, 10*time.Second)

	for i := 0; i < 200 && s.Len() > 0; i++ {
		mock.Add(10 * time.Second)
		time.Sleep(2 * time.Millisecond)
	}
	if s.Len() != 0 {
		t.Error("expected sweeper to evict the record")
	}
}

func TestExpire_AttachedSessionRearms(t *testing.T) {
	s, mock, _ := newTestStore(t)
	rec := s.Create(testParams(), &fakeChannels{}, protocol.Snapshot{}, "")
	if err := s.SetOwner(rec.ID, "conn-1"); err != nil {
		t.Fatalf("SetOwner: %v", err)
	}

	mock.Add(testTTL + time.Second)
	waitFor(t, func() bool { return rec.ExpiresAt().After(mock.Now()) }, "timer re-armed")
	if _, ok := s.Get(rec.ID); !ok {
		t.Fatal("attached session evicted")
	}
	if s.PendingTimers() != 1 {
		t.Errorf("expected 1 pending timer, got %d", s.PendingTimers())
	}

	// Once paused, the TTL applies.
	if err := s.Pause(rec.ID, &protocol.Snapshot{Cwd: "/tmp"}); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !rec.Paused() || rec.Snapshot().Cwd != "/tmp" {
		t.Error("pause did not record state")
	}
	mock.Add(testTTL + time.Second)
	waitFor(t, func() bool { _, ok := s.Get(rec.ID); return !ok }, "paused session evicted")
}

func TestOwnership(t *testing.T) {
	s, _, _ := newTestStore(t)
	rec := s.Create(testParams(), &fakeChannels{}, protocol.Snapshot{}, "")

	s.SetOwner(rec.ID, "a")
	s.SetOwner(rec.ID, "b")
	if rec.OwnerID() != "b" {
		t.Errorf("owner = %q, want b", rec.OwnerID())
	}
	if s.ClearOwner(rec.ID, "a") {
		t.Error("stale owner must not clear the current one")
	}
	if !s.ClearOwner(rec.ID, "b") {
		t.Error("expected current owner to clear")
	}
	if rec.OwnerID() != "" {
		t.Errorf("owner = %q after clear", rec.OwnerID())
	}

	if err := s.SetOwner("missing", "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetOwner missing: %v", err)
	}
	if err := s.Resume("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resume missing: %v", err)
	}
	if err := s.SetSnapshot(rec.ID, protocol.Snapshot{Rows: 40}); err != nil || rec.Snapshot().Rows != 40 {
		t.Errorf("SetSnapshot: %v", err)
	}
	if s.PendingTimers() != 1 {
		t.Errorf("expected 1 pending timer, got %d", s.PendingTimers())
	}
}

func TestCloseAll(t *testing.T) {
	s, _, evicted := newTestStore(t)
	a := s.Create(testParams(), &fakeChannels{}, protocol.Snapshot{}, "")
	b := s.Create(testParams(), &fakeChannels{}, protocol.Snapshot{}, "")

	s.CloseAll()

	if s.Len() != 0 || s.PendingTimers() != 0 {
		t.Errorf("expected empty store, len=%d pending=%d", s.Len(), s.PendingTimers())
	}
	for _, id := range []string{a.ID, b.ID} {
		if r, _ := evicted.reason(id); r != ReasonShutdown {
			t.Errorf("reason for %s = %s, want shutdown", id, r)
		}
	}
}
