// Package client is the Go client for the bridge WebSocket protocol.
//
// A Client drives a Machine from server events: it connects, streams
// terminal bytes, pauses when the UI is hidden, and on becoming visible
// either resumes or restores the session depending on how long it was
// hidden. Restores redial the WebSocket when the previous one dropped.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gluk-w/shellbridge/internal/protocol"
)

const (
	// DefaultRestoreTimeout bounds the restore round trip.
	DefaultRestoreTimeout = 10 * time.Second
	// DefaultRetryDelay is the base delay between automatic reconnects. The
	// n-th retry waits n times this long.
	DefaultRetryDelay = time.Second

	writeTimeout = 10 * time.Second
	readLimit    = 8 * 1024 * 1024
)

var (
	// ErrRestoreTimeout is the error recorded when restored never arrives.
	ErrRestoreTimeout = errors.New("restore timed out")
	// ErrNotConnected is returned when there is no open transport.
	ErrNotConnected = errors.New("not connected")
)

// ConnectParams are the target of a connect.
type ConnectParams struct {
	Host     string
	Port     int
	Username string
	Secret   string
	Env      map[string]string
	Cols     uint16
	Rows     uint16
}

// Handlers receive server events. All are optional and run on the socket's
// read goroutine.
type Handlers struct {
	OnState        func(from, to State)
	OnOutput       func(p []byte)
	OnHistory      func(content []byte, truncated bool)
	OnListResult   func(msg protocol.Message)
	OnReadResult   func(msg protocol.Message)
	OnChannelError func(msg protocol.Message)
	OnError        func(err error)
	// OnSend observes outbound control messages.
	OnSend func(msg protocol.Message)
}

// Options configures a Client.
type Options struct {
	URL            string
	Header         http.Header
	Clock          clock.Clock
	GraceWindow    time.Duration
	RestoreTimeout time.Duration
	MaxAttempts    int
	RetryDelay     time.Duration
	Handlers       Handlers
}

// Client is a bridge protocol client.
type Client struct {
	opts    Options
	clock   clock.Clock
	machine *Machine
	h       Handlers

	mu              sync.Mutex
	conn            *websocket.Conn
	params          ConnectParams
	restoreTimer    *clock.Timer
	retryTimer      *clock.Timer
	awaitingHistory bool
	historyRequests int
}

// New creates a Client. Nothing is dialed until Connect or Show needs it.
func New(opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = DefaultGraceWindow
	}
	if opts.RestoreTimeout <= 0 {
		opts.RestoreTimeout = DefaultRestoreTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	c := &Client{
		opts:    opts,
		clock:   opts.Clock,
		machine: NewMachine(opts.Clock, opts.MaxAttempts),
		h:       opts.Handlers,
	}
	c.machine.OnChange(func(from, to State) {
		if c.h.OnState != nil {
			c.h.OnState(from, to)
		}
	})
	return c
}

// Machine exposes the state machine for inspection.
func (c *Client) Machine() *Machine {
	return c.machine
}

// Connect opens a new session. It is a manual action: the automatic
// reconnect counter starts over.
func (c *Client) Connect(ctx context.Context, params ConnectParams) error {
	c.mu.Lock()
	c.params = params
	c.stopRetryLocked()
	c.mu.Unlock()

	if err := c.machine.Connect(); err != nil {
		return err
	}
	return c.sendConnect(ctx)
}

func (c *Client) sendConnect(ctx context.Context) error {
	c.mu.Lock()
	p := c.params
	c.mu.Unlock()

	err := c.send(ctx, protocol.Message{
		Type:     protocol.TypeConnect,
		Host:     p.Host,
		Port:     p.Port,
		Username: p.Username,
		Secret:   p.Secret,
		Env:      p.Env,
		Cols:     p.Cols,
		Rows:     p.Rows,
	})
	if err != nil {
		c.connectFailed(err)
	}
	return err
}

// connectFailed moves to error and schedules an automatic retry while the
// attempt cap allows.
func (c *Client) connectFailed(cause error) {
	retry, err := c.machine.ConnectFailed(cause)
	if err != nil {
		return
	}
	c.report(cause)
	if !retry {
		log.Printf("[client] giving up after %d failed connect attempts", c.machine.Attempts())
		return
	}
	delay := c.opts.RetryDelay * time.Duration(c.machine.Attempts())
	c.mu.Lock()
	c.stopRetryLocked()
	c.retryTimer = c.clock.AfterFunc(delay, c.retry)
	c.mu.Unlock()
}

func (c *Client) retry() {
	if err := c.machine.Retry(); err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	c.sendConnect(ctx)
}

// Write sends terminal input.
func (c *Client) Write(ctx context.Context, p []byte) error {
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageBinary, p)
}

// Resize reports new terminal dimensions.
func (c *Client) Resize(ctx context.Context, cols, rows uint16) error {
	snap := c.machine.Snapshot()
	snap.Cols, snap.Rows = cols, rows
	c.machine.SetSnapshot(snap)
	return c.send(ctx, protocol.Message{Type: protocol.TypeResize, Cols: cols, Rows: rows})
}

// List requests a directory listing and returns the request id the result
// will carry.
func (c *Client) List(ctx context.Context, path string) (string, error) {
	reqID := uuid.New().String()
	return reqID, c.send(ctx, protocol.Message{Type: protocol.TypeList, ReqID: reqID, Path: path})
}

// Read requests a file's contents and returns the request id.
func (c *Client) Read(ctx context.Context, path string) (string, error) {
	reqID := uuid.New().String()
	return reqID, c.send(ctx, protocol.Message{Type: protocol.TypeRead, ReqID: reqID, Path: path})
}

// RequestHistory asks for the full output history of the session.
func (c *Client) RequestHistory(ctx context.Context) error {
	c.mu.Lock()
	c.historyRequests++
	c.mu.Unlock()
	return c.send(ctx, protocol.Message{Type: protocol.TypeHistoryRequest})
}

// Hide records that the UI went hidden and tells the server, if the
// transport is still up.
func (c *Client) Hide(ctx context.Context, snapshot protocol.Snapshot) error {
	if err := c.machine.Hide(snapshot); err != nil {
		return err
	}
	if c.currentConn() == nil {
		return nil
	}
	if err := c.send(ctx, protocol.Message{Type: protocol.TypePause, Snapshot: &snapshot}); err != nil {
		log.Printf("[client] pause not delivered: %v", err)
	}
	return nil
}

// Show is called when the UI becomes visible again. Within the grace window
// the session resumes locally; after it, or when the transport dropped while
// hidden, a restore is sent and its outcome arrives asynchronously.
func (c *Client) Show(ctx context.Context) (Path, error) {
	path := Decide(c.machine.HiddenFor(), c.opts.GraceWindow)
	if path == PathResume && c.currentConn() == nil {
		path = PathRestore
	}

	if path == PathResume {
		if err := c.machine.Resume(); err != nil {
			return path, err
		}
		if err := c.send(ctx, protocol.Message{Type: protocol.TypeResume}); err != nil {
			log.Printf("[client] resume not delivered: %v", err)
		}
		return path, nil
	}

	id, snap, err := c.machine.BeginRestore()
	if err != nil {
		return path, err
	}
	c.mu.Lock()
	c.stopRestoreLocked()
	c.restoreTimer = c.clock.AfterFunc(c.opts.RestoreTimeout, c.restoreTimedOut)
	c.mu.Unlock()

	if err := c.send(ctx, protocol.Message{Type: protocol.TypeRestore, SessionID: id, Snapshot: &snap}); err != nil {
		c.restoreFailed(fmt.Errorf("send restore: %w", err))
		return path, err
	}
	return path, nil
}

func (c *Client) restoreTimedOut() {
	if c.machine.RestoreFailed(ErrRestoreTimeout) == nil {
		c.report(ErrRestoreTimeout)
	}
}

func (c *Client) restoreFailed(cause error) {
	c.mu.Lock()
	c.stopRestoreLocked()
	c.awaitingHistory = false
	c.mu.Unlock()
	if c.machine.RestoreFailed(cause) == nil {
		c.report(cause)
	}
}

// Disconnect ends the session on the server and locally.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.stopRetryLocked()
	c.stopRestoreLocked()
	c.mu.Unlock()
	var sendErr error
	if c.currentConn() != nil {
		sendErr = c.send(ctx, protocol.Message{Type: protocol.TypeDisconnect})
	}
	if err := c.machine.Disconnected(); err != nil {
		return err
	}
	return sendErr
}

// DropTransport closes the WebSocket without ending the session, as a
// browser does when a tab is suspended.
func (c *Client) DropTransport() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusGoingAway, "transport dropped")
	}
}

// Close stops timers and closes the WebSocket.
func (c *Client) Close() error {
	c.mu.Lock()
	c.stopRetryLocked()
	c.stopRestoreLocked()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "")
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// ensureConn returns the open WebSocket, dialing a new one if needed.
func (c *Client) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, c.opts.URL, &websocket.DialOptions{HTTPHeader: c.opts.Header})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	conn.SetReadLimit(readLimit)

	c.mu.Lock()
	if c.conn != nil {
		// Lost a race with another dial.
		existing := c.conn
		c.mu.Unlock()
		conn.CloseNow()
		return existing, nil
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return conn, nil
}

func (c *Client) send(ctx context.Context, msg protocol.Message) error {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return err
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if c.h.OnSend != nil {
		c.h.OnSend(msg)
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	ctx := context.Background()
	for {
		mt, data, err := conn.Read(ctx)
		if err != nil {
			c.transportLost(conn, err)
			return
		}
		if mt == websocket.MessageBinary {
			if c.h.OnOutput != nil {
				c.h.OnOutput(data)
			}
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.report(err)
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) transportLost(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	c.mu.Unlock()
	if !current {
		return
	}
	switch c.machine.State() {
	case StateConnecting:
		c.connectFailed(fmt.Errorf("transport lost: %w", cause))
	case StateRestoring:
		c.restoreFailed(fmt.Errorf("transport lost: %w", cause))
	}
}

func (c *Client) handle(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeReady:
		if err := c.machine.Ready(msg.SessionID); err != nil {
			c.report(err)
		}

	case protocol.TypeConnectError:
		c.connectFailed(errors.New(msg.Message))

	case protocol.TypeRestored:
		c.mu.Lock()
		c.stopRestoreLocked()
		c.mu.Unlock()
		if err := c.machine.Restored(); err != nil {
			c.report(err)
			return
		}
		if msg.Snapshot != nil {
			c.machine.SetSnapshot(*msg.Snapshot)
		}
		c.mu.Lock()
		c.awaitingHistory = true
		c.mu.Unlock()

	case protocol.TypeRestoreFailed:
		c.restoreFailed(fmt.Errorf("restore failed: %s", msg.Reason))

	case protocol.TypeHistory:
		c.mu.Lock()
		apply := c.awaitingHistory || c.historyRequests > 0
		if c.awaitingHistory {
			c.awaitingHistory = false
		} else if c.historyRequests > 0 {
			c.historyRequests--
		}
		c.mu.Unlock()
		if apply && c.h.OnHistory != nil {
			c.h.OnHistory(msg.Content, msg.Truncated)
		}

	case protocol.TypeListResult:
		if c.h.OnListResult != nil {
			c.h.OnListResult(msg)
		}
	case protocol.TypeReadResult:
		if c.h.OnReadResult != nil {
			c.h.OnReadResult(msg)
		}
	case protocol.TypeChannelError:
		if c.h.OnChannelError != nil {
			c.h.OnChannelError(msg)
		}

	case protocol.TypeClosed:
		c.mu.Lock()
		c.stopRetryLocked()
		c.mu.Unlock()
		c.machine.Disconnected()

	case protocol.TypeError:
		c.report(errors.New(msg.Message))
	}
}

func (c *Client) report(err error) {
	if c.h.OnError != nil {
		c.h.OnError(err)
	}
}

func (c *Client) stopRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Client) stopRestoreLocked() {
	if c.restoreTimer != nil {
		c.restoreTimer.Stop()
		c.restoreTimer = nil
	}
}
