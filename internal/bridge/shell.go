package bridge

import (
	"errors"
	"io"
	"log"
	"net"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/shellbridge/internal/logutil"
	"github.com/gluk-w/shellbridge/internal/protocol"
	"github.com/gluk-w/shellbridge/internal/sessionstore"
	"github.com/gluk-w/shellbridge/internal/sshfiles"
	"github.com/gluk-w/shellbridge/internal/sshterminal"
)

// Shell owns the remote side of one session: the SSH connection, its PTY
// shell and its SFTP channel. It is the Channels handle of a store record.
//
// mu serializes the output pump with attach, detach and history replay, so
// each output chunk is appended to history and forwarded to the owner in one
// step.
type Shell struct {
	id      string
	client  *ssh.Client
	term    *sshterminal.TerminalSession
	files   *sshfiles.Channel
	onClose func(id string)

	mu       sync.Mutex
	rec      *sessionstore.Record
	pending  []byte
	owner    Transport
	inflight map[string]struct{}
	closed   bool

	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
}

func newShell(client *ssh.Client) *Shell {
	return &Shell{
		client:   client,
		inflight: make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

// ID returns the session id, or "" before the shell is registered.
func (s *Shell) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Write is the output pump. It receives merged stdout and stderr.
func (s *Shell) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return len(p), nil
	}
	if s.rec == nil {
		s.pending = append(s.pending, p...)
		return len(p), nil
	}
	s.rec.History.Append(p)
	if s.owner != nil {
		chunk := make([]byte, len(p))
		copy(chunk, p)
		if err := s.owner.SendData(chunk); err != nil {
			log.Printf("[bridge] forward output for session %s: %v", logutil.ShortID(s.id), err)
		}
	}
	return len(p), nil
}

// bind attaches the store record once it exists and flushes output that
// arrived before registration into its history.
func (s *Shell) bind(rec *sessionstore.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = rec.ID
	s.rec = rec
	if len(s.pending) > 0 {
		rec.History.Append(s.pending)
		s.pending = nil
	}
}

// Input forwards client keystrokes to the shell. It is a no-op once the
// shell is gone.
func (s *Shell) Input(p []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || s.term == nil {
		return nil
	}
	if _, err := s.term.Stdin.Write(p); err != nil {
		return &ChannelError{Op: "write", Err: err}
	}
	return nil
}

// Resize changes the PTY size. It is a no-op once the shell is gone.
func (s *Shell) Resize(cols, rows uint16) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || s.term == nil || cols == 0 || rows == 0 {
		return nil
	}
	if err := s.term.Resize(cols, rows); err != nil {
		return &ChannelError{Op: "resize", Err: err}
	}
	return nil
}

// Owner returns the attached transport, or nil.
func (s *Shell) Owner() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// detach clears t as owner if it still is. Reports whether it was.
func (s *Shell) detach(t Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner == nil || s.owner.ID() != t.ID() {
		return false
	}
	s.owner = nil
	return true
}

// List answers a list request asynchronously. The result is delivered once,
// to whichever transport owns the session when the listing completes.
func (s *Shell) List(reqID, path string) {
	s.request(protocol.TypeList, reqID, path, func() protocol.Message {
		entries, err := s.files.ListDirectory(path)
		if err != nil {
			return channelErrorMessage(&ChannelError{Op: "list", ReqID: reqID, Path: path, Err: err})
		}
		if entries == nil {
			entries = []protocol.FileEntry{}
		}
		return protocol.Message{Type: protocol.TypeListResult, ReqID: reqID, Path: path, Entries: entries}
	})
}

// Read answers a read request asynchronously with the same delivery rule as List.
func (s *Shell) Read(reqID, path string) {
	s.request(protocol.TypeRead, reqID, path, func() protocol.Message {
		data, err := s.files.ReadFile(path)
		if err != nil {
			return channelErrorMessage(&ChannelError{Op: "read", ReqID: reqID, Path: path, Err: err})
		}
		return protocol.Message{Type: protocol.TypeReadResult, ReqID: reqID, Path: path, Content: data}
	})
}

func (s *Shell) request(kind protocol.Type, reqID, path string, run func() protocol.Message) {
	s.mu.Lock()
	if s.closed || s.files == nil {
		owner := s.owner
		s.mu.Unlock()
		if owner != nil {
			owner.Send(channelErrorMessage(&ChannelError{Op: string(kind), ReqID: reqID, Path: path, Err: ErrSessionClosed}))
		}
		return
	}
	if _, dup := s.inflight[reqID]; dup {
		s.mu.Unlock()
		return
	}
	s.inflight[reqID] = struct{}{}
	s.mu.Unlock()

	go func() { s.deliver(reqID, run()) }()
}

func (s *Shell) deliver(reqID string, msg protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[reqID]; !ok {
		return
	}
	delete(s.inflight, reqID)
	if s.owner == nil {
		log.Printf("[bridge] dropping %s for session %s: no transport attached", msg.Type, logutil.ShortID(s.id))
		return
	}
	if err := s.owner.Send(msg); err != nil {
		log.Printf("[bridge] deliver %s for session %s: %v", msg.Type, logutil.ShortID(s.id), err)
	}
}

// Done is closed once the shell's channels are torn down.
func (s *Shell) Done() <-chan struct{} {
	return s.done
}

// Close tears down the SFTP channel, the shell and the SSH connection, then
// tells the attached transport, if any, that the session is closed. It is
// safe to call more than once; later calls return the first result.
func (s *Shell) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		owner := s.owner
		s.owner = nil
		s.inflight = make(map[string]struct{})
		id := s.id
		s.mu.Unlock()

		var errs []error
		if s.files != nil {
			errs = append(errs, ignoreEOF(s.files.Close()))
		}
		if s.term != nil {
			errs = append(errs, ignoreEOF(s.term.Close()))
		}
		if s.client != nil {
			errs = append(errs, ignoreEOF(s.client.Close()))
		}
		s.closeErr = errors.Join(errs...)
		close(s.done)
		if s.onClose != nil && id != "" {
			s.onClose(id)
		}
		if owner != nil {
			owner.Send(protocol.Message{Type: protocol.TypeClosed, SessionID: id})
		}
	})
	return s.closeErr
}

func ignoreEOF(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func channelErrorMessage(err *ChannelError) protocol.Message {
	return protocol.Message{
		Type:    protocol.TypeChannelError,
		ReqID:   err.ReqID,
		Path:    err.Path,
		Message: err.Error(),
	}
}

func newReqID() string {
	return uuid.New().String()
}
