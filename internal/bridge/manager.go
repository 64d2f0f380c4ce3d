// Package bridge connects client transports to remote shells.
//
// A Manager opens SSH shells on behalf of transports, registers them in the
// session store, and routes each transport's requests to the session it is
// bound to. The binding registry is keyed by transport id, so a transport is
// bound to at most one session and repeating a restore replaces the binding
// rather than adding a second one.
//
// Reattachment swaps the session owner and snapshots the history under the
// shell's output lock, so every output byte reaches the new owner exactly
// once: either inside the replay or as a live frame after it.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/shellbridge/internal/config"
	"github.com/gluk-w/shellbridge/internal/crypto"
	"github.com/gluk-w/shellbridge/internal/logutil"
	"github.com/gluk-w/shellbridge/internal/protocol"
	"github.com/gluk-w/shellbridge/internal/sessionstore"
	"github.com/gluk-w/shellbridge/internal/sshaudit"
	"github.com/gluk-w/shellbridge/internal/sshfiles"
	"github.com/gluk-w/shellbridge/internal/sshterminal"
)

// Options configures a Manager.
type Options struct {
	Store   *sessionstore.Store
	Sealer  *crypto.Sealer
	Targets *config.Targets
	Auditor *sshaudit.Auditor

	DialTimeout     time.Duration
	HostKeyCallback ssh.HostKeyCallback
	// RequirePrincipal binds restore to the principal that created the session.
	RequirePrincipal bool
	// Dial replaces DialSSH, mainly for tests.
	Dial DialFunc
}

// ConnectRequest carries the parameters of a connect message.
type ConnectRequest struct {
	Host     string
	Port     int
	Username string
	Secret   string
	Env      map[string]string
	Cols     uint16
	Rows     uint16
}

// Caller identifies who is behind a transport, for authorization and audit.
type Caller struct {
	Principal string
	SourceIP  string
}

// SessionInfo is the listing view of a live session.
type SessionInfo struct {
	ID           string    `json:"id"`
	Principal    string    `json:"principal,omitempty"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	Username     string    `json:"username"`
	Secret       string    `json:"secret,omitempty"`
	Attached     bool      `json:"attached"`
	Paused       bool      `json:"paused"`
	HistoryBytes int       `json:"history_bytes"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Manager owns the transport-to-session bindings.
type Manager struct {
	store            *sessionstore.Store
	sealer           *crypto.Sealer
	targets          *config.Targets
	auditor          *sshaudit.Auditor
	dialTimeout      time.Duration
	hostKey          ssh.HostKeyCallback
	requirePrincipal bool
	dial             DialFunc

	mu       sync.RWMutex
	bindings map[string]string   // transport id -> session id
	seen     map[string]struct{} // transports that have held a session
}

// NewManager creates a Manager. Store and Sealer are required.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Sealer == nil {
		return nil, errors.New("bridge: store and sealer are required")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.HostKeyCallback == nil {
		opts.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	if opts.Dial == nil {
		opts.Dial = DialSSH
	}
	return &Manager{
		store:            opts.Store,
		sealer:           opts.Sealer,
		targets:          opts.Targets,
		auditor:          opts.Auditor,
		dialTimeout:      opts.DialTimeout,
		hostKey:          opts.HostKeyCallback,
		requirePrincipal: opts.RequirePrincipal,
		dial:             opts.Dial,
		bindings:         make(map[string]string),
		seen:             make(map[string]struct{}),
	}, nil
}

// Connect opens a new remote shell for t, registers it and attaches t.
// On success t receives ready{session_id} followed by any output the shell
// produced before attachment. On failure t receives connect_error and the
// returned error is a *TransportError.
func (m *Manager) Connect(ctx context.Context, t Transport, req ConnectRequest, caller Caller) (*Shell, error) {
	sh, err := m.open(ctx, req, caller)
	if err != nil {
		log.Printf("[bridge] connect %s@%s:%d failed: %v", logutil.SanitizeForLog(req.Username),
			logutil.SanitizeForLog(req.Host), req.Port, err)
		m.audit(sshaudit.Entry{
			EventType: sshaudit.EventConnectFailed,
			Principal: caller.Principal,
			Host:      req.Host,
			Port:      req.Port,
			Username:  req.Username,
			SourceIP:  caller.SourceIP,
			Details:   err.Error(),
		})
		t.Send(protocol.Message{Type: protocol.TypeConnectError, Message: err.Error()})
		return nil, err
	}

	id := sh.ID()
	sh.mu.Lock()
	if sh.closed {
		sh.mu.Unlock()
		t.Send(protocol.Message{Type: protocol.TypeConnectError, Message: ErrSessionClosed.Error()})
		return nil, &TransportError{Op: "shell", Err: ErrSessionClosed}
	}
	sh.owner = t
	m.store.SetOwner(id, t.ID())
	t.Send(protocol.Message{Type: protocol.TypeReady, SessionID: id})
	if early, _ := sh.rec.History.Snapshot(); len(early) > 0 {
		t.SendData(early)
	}
	sh.mu.Unlock()
	m.bind(t, id)

	m.audit(sshaudit.Entry{
		SessionID: id,
		EventType: sshaudit.EventSessionCreated,
		Principal: caller.Principal,
		Host:      sh.rec.Params.Host,
		Port:      sh.rec.Params.Port,
		Username:  sh.rec.Params.Username,
		SourceIP:  caller.SourceIP,
	})
	return sh, nil
}

func (m *Manager) open(ctx context.Context, req ConnectRequest, caller Caller) (*Shell, error) {
	port, err := validatePort(req.Port)
	if err != nil {
		return nil, &TransportError{Op: "validate", Err: err}
	}
	if req.Host == "" || req.Username == "" {
		return nil, &TransportError{Op: "validate", Err: errors.New("host and username are required")}
	}
	for name := range req.Env {
		if err := sshterminal.ValidateEnvName(name); err != nil {
			return nil, &TransportError{Op: "validate", Err: err}
		}
	}
	addr := joinAddr(req.Host, port)
	if !m.targets.Allows(req.Host, port, req.Username) {
		return nil, &TransportError{Op: "validate", Addr: addr, Err: ErrTargetNotAllowed}
	}

	sealed, err := m.sealer.Seal(req.Secret)
	if err != nil {
		return nil, &TransportError{Op: "validate", Err: fmt.Errorf("seal secret: %w", err)}
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()
	client, err := m.dial(dialCtx, addr, clientConfig(req.Username, req.Secret, m.hostKey, m.dialTimeout))
	if err != nil {
		return nil, &TransportError{Op: "dial", Addr: addr, Err: err}
	}

	sh := newShell(client)
	sh.onClose = m.unbindSession
	term, err := sshterminal.CreateInteractiveSession(client, sshterminal.Options{
		Cols:   req.Cols,
		Rows:   req.Rows,
		Env:    req.Env,
		Output: sh,
	})
	if err != nil {
		client.Close()
		return nil, &TransportError{Op: "shell", Addr: addr, Err: err}
	}
	sh.term = term

	files, err := sshfiles.Open(client)
	if err != nil {
		term.Close()
		client.Close()
		return nil, &TransportError{Op: "sftp", Addr: addr, Err: err}
	}
	sh.files = files

	rec := m.store.Create(sessionstore.Params{
		Host:     req.Host,
		Port:     port,
		Username: req.Username,
		Secret:   sealed,
		Env:      req.Env,
	}, sh, protocol.Snapshot{Cols: req.Cols, Rows: req.Rows}, caller.Principal)
	sh.bind(rec)

	go m.watch(sh)
	go keepalive(client, sh.Done())
	return sh, nil
}

// watch evicts the session when the remote shell exits on its own.
func (m *Manager) watch(sh *Shell) {
	select {
	case <-sh.term.Done():
	case <-sh.Done():
		return
	}
	if m.store.Evict(sh.ID(), sessionstore.ReasonShellExit) {
		log.Printf("[bridge] remote shell for session %s exited", logutil.ShortID(sh.ID()))
	}
}

// Restore reattaches session id to t. On success t receives restored with
// the session's snapshot, then one history frame carrying the full output
// buffer. On failure t receives restore_failed, nothing is attached, and the
// returned error is a *RestoreError.
func (m *Manager) Restore(t Transport, id string, snapshot *protocol.Snapshot, caller Caller) error {
	fail := func(err error) error {
		log.Printf("[bridge] restore of session %s failed: %v", logutil.ShortID(id), err)
		t.Send(protocol.Message{Type: protocol.TypeRestoreFailed, SessionID: id, Reason: restoreReason(err)})
		m.audit(sshaudit.Entry{
			SessionID: id,
			EventType: sshaudit.EventRestoreFailed,
			Principal: caller.Principal,
			SourceIP:  caller.SourceIP,
			Details:   err.Error(),
		})
		return &RestoreError{SessionID: id, Err: err}
	}

	if id == "" {
		return fail(sessionstore.ErrNotFound)
	}
	// A refused caller must not extend the TTL, so check before Touch.
	if known, ok := m.store.Get(id); ok && m.requirePrincipal &&
		known.Principal != "" && known.Principal != caller.Principal {
		return fail(ErrPrincipalMismatch)
	}
	rec, err := m.store.Touch(id)
	if err != nil {
		return fail(err)
	}
	sh, ok := rec.Channels.(*Shell)
	if !ok {
		return fail(ErrSessionClosed)
	}

	sh.mu.Lock()
	if sh.closed {
		sh.mu.Unlock()
		return fail(ErrSessionClosed)
	}
	prev := sh.owner
	if err := m.store.SetOwner(id, t.ID()); err != nil {
		sh.mu.Unlock()
		return fail(err)
	}
	sh.owner = t
	if snapshot != nil {
		m.store.SetSnapshot(id, *snapshot)
	}
	current := rec.Snapshot()
	content, truncated := rec.History.Snapshot()
	t.Send(protocol.Message{Type: protocol.TypeRestored, SessionID: id, Snapshot: &current})
	t.Send(protocol.Message{Type: protocol.TypeHistory, SessionID: id, Content: content, Truncated: truncated})
	sh.mu.Unlock()

	if prev != nil && prev.ID() != t.ID() {
		m.unbind(prev.ID(), id)
		log.Printf("[bridge] session %s moved from transport %s to %s",
			logutil.ShortID(id), logutil.ShortID(prev.ID()), logutil.ShortID(t.ID()))
	}
	m.bind(t, id)

	m.audit(sshaudit.Entry{
		SessionID: id,
		EventType: sshaudit.EventSessionRestored,
		Principal: caller.Principal,
		Host:      rec.Params.Host,
		Port:      rec.Params.Port,
		Username:  rec.Params.Username,
		SourceIP:  caller.SourceIP,
	})
	return nil
}

func restoreReason(err error) string {
	switch {
	case errors.Is(err, sessionstore.ErrExpired):
		return "session expired"
	case errors.Is(err, sessionstore.ErrNotFound):
		return "session not found"
	case errors.Is(err, ErrPrincipalMismatch):
		return ErrPrincipalMismatch.Error()
	default:
		return err.Error()
	}
}

// Input forwards terminal bytes from t to its session.
// A transport whose session already went away gets a silent no-op.
func (m *Manager) Input(t Transport, p []byte) error {
	sh, err := m.owned(t)
	if err != nil {
		return m.lateWrite(t, err)
	}
	return sh.Input(p)
}

// Resize changes the PTY size of t's session and records it in the snapshot.
func (m *Manager) Resize(t Transport, cols, rows uint16) error {
	sh, err := m.owned(t)
	if err != nil {
		return m.lateWrite(t, err)
	}
	if err := sh.Resize(cols, rows); err != nil {
		return err
	}
	if rec, ok := m.store.Get(sh.ID()); ok && cols > 0 && rows > 0 {
		snap := rec.Snapshot()
		snap.Cols, snap.Rows = sshterminal.ClampSize(cols, rows)
		m.store.SetSnapshot(rec.ID, snap)
	}
	return nil
}

// List starts a directory listing for t's session.
func (m *Manager) List(t Transport, reqID, path string) error {
	sh, err := m.owned(t)
	if err != nil {
		return err
	}
	if reqID == "" {
		reqID = newReqID()
	}
	sh.List(reqID, path)
	return nil
}

// Read starts a file read for t's session.
func (m *Manager) Read(t Transport, reqID, path string) error {
	sh, err := m.owned(t)
	if err != nil {
		return err
	}
	if reqID == "" {
		reqID = newReqID()
	}
	sh.Read(reqID, path)
	return nil
}

// Pause marks t's session hidden and stores the client snapshot. The
// session's TTL starts counting.
func (m *Manager) Pause(t Transport, snapshot *protocol.Snapshot) error {
	sh, err := m.owned(t)
	if err != nil {
		return err
	}
	return m.store.Pause(sh.ID(), snapshot)
}

// Resume clears the paused mark on t's session.
func (m *Manager) Resume(t Transport) error {
	sh, err := m.owned(t)
	if err != nil {
		return err
	}
	return m.store.Resume(sh.ID())
}

// History sends the full output buffer of t's session to t.
func (m *Manager) History(t Transport) error {
	sh, err := m.owned(t)
	if err != nil {
		return err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.owner == nil || sh.owner.ID() != t.ID() || sh.rec == nil {
		return ErrNotAttached
	}
	content, truncated := sh.rec.History.Snapshot()
	return t.Send(protocol.Message{Type: protocol.TypeHistory, SessionID: sh.id, Content: content, Truncated: truncated})
}

// Disconnect ends t's session, if any. t always receives closed exactly once.
func (m *Manager) Disconnect(t Transport) {
	sh, err := m.shellFor(t)
	if err != nil {
		t.Send(protocol.Message{Type: protocol.TypeClosed})
		return
	}
	id := sh.ID()
	owner := sh.Owner()
	m.store.Evict(id, sessionstore.ReasonDisconnect)
	if owner == nil || owner.ID() != t.ID() {
		t.Send(protocol.Message{Type: protocol.TypeClosed, SessionID: id})
	}
}

// Close evicts a session by id. Its owner, if any, receives closed.
func (m *Manager) Close(id string) bool {
	return m.store.Evict(id, sessionstore.ReasonDisconnect)
}

// Detach unbinds a transport that went away. The session stays in the
// store and its TTL starts counting.
func (m *Manager) Detach(t Transport) {
	m.mu.Lock()
	id, ok := m.bindings[t.ID()]
	delete(m.bindings, t.ID())
	delete(m.seen, t.ID())
	m.mu.Unlock()
	if !ok {
		return
	}
	rec, found := m.store.Get(id)
	if !found {
		return
	}
	if sh, isShell := rec.Channels.(*Shell); isShell {
		sh.detach(t)
	}
	if m.store.ClearOwner(id, t.ID()) {
		log.Printf("[bridge] transport %s detached from session %s; expires in %s",
			logutil.ShortID(t.ID()), logutil.ShortID(id), m.store.TTL())
	}
}

// SessionID returns the session t is bound to, or "".
func (m *Manager) SessionID(t Transport) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bindings[t.ID()]
}

// Sessions lists live sessions. Secrets are masked.
func (m *Manager) Sessions() []SessionInfo {
	recs := m.store.List()
	out := make([]SessionInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, SessionInfo{
			ID:           rec.ID,
			Principal:    rec.Principal,
			Host:         rec.Params.Host,
			Port:         rec.Params.Port,
			Username:     rec.Params.Username,
			Secret:       crypto.Mask(rec.Params.Secret),
			Attached:     rec.OwnerID() != "",
			Paused:       rec.Paused(),
			HistoryBytes: rec.History.Len(),
			CreatedAt:    rec.CreatedAt,
			ExpiresAt:    rec.ExpiresAt(),
		})
	}
	return out
}

// bind points t at session id. A transport bound elsewhere is detached from
// its previous session first.
func (m *Manager) bind(t Transport, id string) {
	m.mu.Lock()
	prevID := m.bindings[t.ID()]
	m.bindings[t.ID()] = id
	m.seen[t.ID()] = struct{}{}
	m.mu.Unlock()

	if prevID == "" || prevID == id {
		return
	}
	if rec, ok := m.store.Get(prevID); ok {
		if sh, isShell := rec.Channels.(*Shell); isShell {
			sh.detach(t)
		}
		m.store.ClearOwner(prevID, t.ID())
	}
}

// unbind removes transportID's binding if it still points at id.
func (m *Manager) unbind(transportID, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bindings[transportID] == id {
		delete(m.bindings, transportID)
	}
}

// unbindSession drops every binding to a closed session.
func (m *Manager) unbindSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tid, sid := range m.bindings {
		if sid == id {
			delete(m.bindings, tid)
		}
	}
}

func (m *Manager) shellFor(t Transport) (*Shell, error) {
	m.mu.RLock()
	id, ok := m.bindings[t.ID()]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotAttached
	}
	rec, found := m.store.Get(id)
	if !found {
		return nil, ErrNotAttached
	}
	sh, isShell := rec.Channels.(*Shell)
	if !isShell {
		return nil, ErrNotAttached
	}
	return sh, nil
}

// lateWrite drops input or resize from a transport that raced with the
// teardown or hand-over of its session. A transport that never held a
// session still gets err.
func (m *Manager) lateWrite(t Transport, err error) error {
	m.mu.RLock()
	_, held := m.seen[t.ID()]
	m.mu.RUnlock()
	if held && errors.Is(err, ErrNotAttached) {
		return nil
	}
	return err
}

// owned returns t's session if t is still its owner.
func (m *Manager) owned(t Transport) (*Shell, error) {
	sh, err := m.shellFor(t)
	if err != nil {
		return nil, err
	}
	if owner := sh.Owner(); owner == nil || owner.ID() != t.ID() {
		return nil, ErrNotAttached
	}
	return sh, nil
}

func (m *Manager) audit(e sshaudit.Entry) {
	if err := m.auditor.Log(e); err != nil {
		log.Printf("[bridge] audit %s: %v", e.EventType, err)
	}
}

// AuditEvictions returns a store eviction hook that records closures in the
// audit trail.
func AuditEvictions(a *sshaudit.Auditor) func(*sessionstore.Record, sessionstore.Reason) {
	return func(rec *sessionstore.Record, reason sessionstore.Reason) {
		event := sshaudit.EventSessionClosed
		if reason == sessionstore.ReasonExpired || reason == sessionstore.ReasonSweep {
			event = sshaudit.EventSessionEvicted
		}
		err := a.Log(sshaudit.Entry{
			SessionID: rec.ID,
			EventType: event,
			Principal: rec.Principal,
			Host:      rec.Params.Host,
			Port:      rec.Params.Port,
			Username:  rec.Params.Username,
			Details:   string(reason),
		})
		if err != nil {
			log.Printf("[bridge] audit eviction of %s: %v", logutil.ShortID(rec.ID), err)
		}
	}
}
