package sessionstore

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/gluk-w/shellbridge/internal/protocol"
)

// Channels is the remote channel handle a record owns exclusively.
type Channels interface {
	Close() error
}

// Params are the connection parameters a session was opened with. Secret
// holds the sealed credential, never the plaintext.
type Params struct {
	Host     string
	Port     int
	Username string
	Secret   string
	Env      map[string]string
}

// Record is a live session tracked by a Store. Exported fields are fixed at
// creation; the rest are guarded by the owning store's mutex.
type Record struct {
	ID        string
	Principal string
	Params    Params
	Channels  Channels
	History   *History
	CreatedAt time.Time

	store     *Store
	ownerID   string
	expiresAt time.Time
	snapshot  protocol.Snapshot
	paused    bool
	timer     *clock.Timer
	timerGen  uint64
}

// OwnerID returns the id of the attached transport, or "" when detached.
func (r *Record) OwnerID() string {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.ownerID
}

// ExpiresAt returns when the record will be evicted unless touched.
func (r *Record) ExpiresAt() time.Time {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.expiresAt
}

// Snapshot returns the last-known UI snapshot.
func (r *Record) Snapshot() protocol.Snapshot {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.snapshot
}

// Paused reports whether the client signalled it went hidden.
func (r *Record) Paused() bool {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.paused
}
