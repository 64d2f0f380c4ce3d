// Package sessionstore is the TTL-keyed registry of bridged shell sessions.
//
// Every record carries exactly one pending eviction timer. Touch stops the
// current timer and arms its replacement inside a single critical section,
// and each timer is tagged with a generation so a timer that already fired
// while being replaced cannot evict the record it used to guard. A periodic
// Sweep removes anything whose expiry has passed as a backstop.
//
// The TTL governs detached or paused sessions. When a timer fires on a
// session that still has an attached, unpaused transport, the timer is
// re-armed instead.
package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/gluk-w/shellbridge/internal/logutil"
	"github.com/gluk-w/shellbridge/internal/protocol"
)

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")
	// ErrExpired is returned when a session's TTL lapsed before it was touched.
	ErrExpired = fmt.Errorf("%w: expired", ErrNotFound)
)

// DefaultTTL is how long a detached session survives without a touch.
const DefaultTTL = 30 * time.Minute

// Reason describes why a record left the store.
type Reason string

const (
	ReasonDisconnect Reason = "disconnect"
	ReasonExpired    Reason = "expired"
	ReasonSweep      Reason = "sweep"
	ReasonShellExit  Reason = "shell_exit"
	ReasonShutdown   Reason = "shutdown"
)

// Options configures a Store.
type Options struct {
	TTL          time.Duration
	HistoryBytes int
	Clock        clock.Clock
	// OnEvict is called after a record is removed and its channels closed.
	OnEvict func(rec *Record, reason Reason)
}

// Store owns all session records for the process.
type Store struct {
	mu      sync.RWMutex
	records map[string]*Record
	pending int

	ttl          time.Duration
	historyBytes int
	clock        clock.Clock
	onEvict      func(rec *Record, reason Reason)
}

// New creates an empty Store.
func New(opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Store{
		records:      make(map[string]*Record),
		ttl:          opts.TTL,
		historyBytes: opts.HistoryBytes,
		clock:        opts.Clock,
		onEvict:      opts.OnEvict,
	}
}

// TTL returns the configured time-to-live.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Create registers a new session and arms its eviction timer.
func (s *Store) Create(params Params, channels Channels, snapshot protocol.Snapshot, principal string) *Record {
	rec := &Record{
		ID:        uuid.New().String(),
		Principal: principal,
		Params:    params,
		Channels:  channels,
		History:   NewHistory(s.historyBytes),
		CreatedAt: s.clock.Now(),
		store:     s,
		snapshot:  snapshot,
	}

	s.mu.Lock()
	s.records[rec.ID] = rec
	s.armLocked(rec)
	s.mu.Unlock()

	log.Printf("[session-store] created session %s for %s@%s:%d (ttl %s)",
		logutil.ShortID(rec.ID), logutil.SanitizeForLog(params.Username),
		logutil.SanitizeForLog(params.Host), params.Port, s.ttl)
	return rec
}

// Get returns a record without extending it.
func (s *Store) Get(id string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

// Touch revalidates a session: if it exists and has not expired, its timer
// is replaced and its expiry pushed out by the TTL.
func (s *Store) Touch(id string) (*Record, error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if s.expiredLocked(rec, s.clock.Now()) {
		s.removeLocked(rec)
		s.mu.Unlock()
		s.teardown(rec, ReasonExpired)
		return nil, ErrExpired
	}
	s.armLocked(rec)
	s.mu.Unlock()
	return rec, nil
}

// SetOwner records the transport attached to a session and touches it.
func (s *Store) SetOwner(id, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.ownerID = ownerID
	rec.paused = false
	s.armLocked(rec)
	return nil
}

// ClearOwner detaches ownerID if it is still the owner. The TTL starts
// counting from now. Reports whether the owner was cleared.
func (s *Store) ClearOwner(id, ownerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.ownerID != ownerID {
		return false
	}
	rec.ownerID = ""
	s.armLocked(rec)
	return true
}

// Pause marks the session hidden on the client, stores the snapshot, and
// restarts the TTL.
func (s *Store) Pause(id string, snapshot *protocol.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.paused = true
	if snapshot != nil {
		rec.snapshot = *snapshot
	}
	s.armLocked(rec)
	return nil
}

// Resume clears the paused flag.
func (s *Store) Resume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.paused {
		rec.paused = false
		s.armLocked(rec)
	}
	return nil
}

// SetSnapshot replaces the stored UI snapshot.
func (s *Store) SetSnapshot(id string, snapshot protocol.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.snapshot = snapshot
	return nil
}

// Evict removes a session, stops its timer and closes its channels.
// Evicting an unknown id is a no-op. Reports whether a record was removed.
func (s *Store) Evict(id string, reason Reason) bool {
	s.mu.Lock()
	rec, ok := s.records[id]
	if ok {
		s.removeLocked(rec)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.teardown(rec, reason)
	return true
}

// Sweep evicts every record whose expiry has passed and returns the count.
func (s *Store) Sweep() int {
	now := s.clock.Now()
	var expired []*Record

	s.mu.Lock()
	for _, rec := range s.records {
		if s.expiredLocked(rec, now) {
			s.removeLocked(rec)
			expired = append(expired, rec)
		}
	}
	s.mu.Unlock()

	for _, rec := range expired {
		s.teardown(rec, ReasonSweep)
	}
	if len(expired) > 0 {
		log.Printf("[session-store] sweep evicted %d expired session(s)", len(expired))
	}
	return len(expired)
}

// Run sweeps on every interval tick until ctx is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// CloseAll evicts every session.
func (s *Store) CloseAll() {
	s.mu.Lock()
	all := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		s.removeLocked(rec)
		all = append(all, rec)
	}
	s.mu.Unlock()

	for _, rec := range all {
		s.teardown(rec, ReasonShutdown)
	}
}

// List returns all live records.
func (s *Store) List() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out
}

// Len returns the number of live records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// PendingTimers returns the number of armed eviction timers across all
// records. It equals Len() whenever the store is consistent.
func (s *Store) PendingTimers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending
}

// armLocked replaces rec's timer with a fresh one and extends its expiry.
// Caller holds s.mu.
func (s *Store) armLocked(rec *Record) {
	s.stopLocked(rec)
	rec.timerGen++
	gen := rec.timerGen
	id := rec.ID
	rec.expiresAt = s.clock.Now().Add(s.ttl)
	rec.timer = s.clock.AfterFunc(s.ttl, func() { s.expire(id, gen) })
	s.pending++
}

// stopLocked cancels rec's pending timer, if any. Caller holds s.mu.
func (s *Store) stopLocked(rec *Record) {
	if rec.timer == nil {
		return
	}
	rec.timer.Stop()
	rec.timer = nil
	s.pending--
}

// removeLocked deletes rec from the map and cancels its timer. Caller holds s.mu.
func (s *Store) removeLocked(rec *Record) {
	s.stopLocked(rec)
	delete(s.records, rec.ID)
}

// expiredLocked reports whether rec is due for eviction at now. Attached
// sessions that are not paused never expire: their timer is re-armed
// instead. Caller holds s.mu.
func (s *Store) expiredLocked(rec *Record, now time.Time) bool {
	if now.Before(rec.expiresAt) {
		return false
	}
	if rec.ownerID != "" && !rec.paused {
		s.armLocked(rec)
		return false
	}
	return true
}

// expire is the eviction timer callback.
func (s *Store) expire(id string, gen uint64) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok || rec.timerGen != gen || rec.timer == nil {
		// Evicted already, or this timer was replaced after it fired.
		s.mu.Unlock()
		return
	}
	rec.timer = nil
	s.pending--

	if !s.expiredLocked(rec, s.clock.Now()) {
		if rec.timer == nil {
			s.armLocked(rec)
		}
		s.mu.Unlock()
		return
	}
	delete(s.records, id)
	s.mu.Unlock()

	s.teardown(rec, ReasonExpired)
}

// teardown closes a removed record's channels. Errors are logged and dropped:
// from the caller's point of view the session is already gone.
func (s *Store) teardown(rec *Record, reason Reason) {
	if rec.Channels != nil {
		if err := rec.Channels.Close(); err != nil {
			log.Printf("[session-store] teardown of session %s failed (ignored): %v",
				logutil.ShortID(rec.ID), err)
		}
	}
	log.Printf("[session-store] evicted session %s (%s)", logutil.ShortID(rec.ID), reason)
	if s.onEvict != nil {
		s.onEvict(rec, reason)
	}
}
