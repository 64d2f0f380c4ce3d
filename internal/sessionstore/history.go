package sessionstore

import "sync"

// DefaultHistoryBytes is the default cap for a session's output history (1 MB).
const DefaultHistoryBytes = 1024 * 1024

// History is a thread-safe append-only byte log of a session's shell output,
// replayed to a client on restore. When the log exceeds its cap the oldest
// bytes are dropped and the history is marked truncated.
type History struct {
	mu        sync.Mutex
	data      []byte
	maxLen    int
	total     int64
	truncated bool
}

// NewHistory creates a history buffer holding at most maxLen bytes.
// If maxLen <= 0, DefaultHistoryBytes is used.
func NewHistory(maxLen int) *History {
	if maxLen <= 0 {
		maxLen = DefaultHistoryBytes
	}
	return &History{maxLen: maxLen}
}

// Append adds p to the end of the history.
func (h *History) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.total += int64(len(p))
	h.data = append(h.data, p...)
	if over := len(h.data) - h.maxLen; over > 0 {
		// Copy so the dropped prefix can be collected.
		kept := make([]byte, h.maxLen, h.maxLen+h.maxLen/4)
		copy(kept, h.data[over:])
		h.data = kept
		h.truncated = true
	}
}

// Snapshot returns a copy of the retained bytes and whether older output
// was dropped.
func (h *History) Snapshot() ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]byte, len(h.data))
	copy(out, h.data)
	return out, h.truncated
}

// Len returns the number of retained bytes.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.data)
}

// Total returns the number of bytes ever appended.
func (h *History) Total() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}
