// Package sshterminal opens interactive PTY shells over SSH connections.
//
// Stdout and stderr of the remote shell are written to a single caller
// supplied writer, so output reaches it in the order the SSH transport
// delivers it.
package sshterminal

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

// MaxInputMessageSize is the maximum size in bytes for a single terminal input
// message. Messages exceeding this limit are rejected.
const MaxInputMessageSize = 64 * 1024

// MaxResizeCols and MaxResizeRows define upper bounds for terminal resize
// requests. Larger values are clamped.
const (
	MaxResizeCols uint16 = 500
	MaxResizeRows uint16 = 500
)

const (
	defaultTerm = "xterm-256color"
	defaultCols = 80
	defaultRows = 24
)

// Options configures a new interactive shell.
type Options struct {
	Term string
	Cols uint16
	Rows uint16
	// Env is requested via SSH "env" requests before the shell starts.
	// Servers commonly refuse variables not listed in AcceptEnv; refusals
	// are logged and otherwise ignored.
	Env map[string]string
	// Output receives stdout and stderr. Writes are serialized.
	Output io.Writer
}

// TerminalSession wraps an SSH session with PTY support for interactive shell access.
type TerminalSession struct {
	Stdin   io.WriteCloser
	Session *ssh.Session

	closeOnce sync.Once
	done      chan struct{}
	exitErr   error
}

// ValidateEnvName rejects names that cannot be sent as an SSH env request.
func ValidateEnvName(name string) error {
	if name == "" {
		return fmt.Errorf("empty environment variable name")
	}
	if strings.ContainsAny(name, "= \t\r\n\x00") {
		return fmt.Errorf("invalid environment variable name %q", name)
	}
	return nil
}

// ClampSize bounds terminal dimensions to MaxResizeCols x MaxResizeRows.
func ClampSize(cols, rows uint16) (uint16, uint16) {
	if cols > MaxResizeCols {
		cols = MaxResizeCols
	}
	if rows > MaxResizeRows {
		rows = MaxResizeRows
	}
	return cols, rows
}

// serialWriter funnels stdout and stderr copies into one writer.
type serialWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *serialWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// CreateInteractiveSession opens a new SSH session with a PTY and starts the
// user's login shell.
func CreateInteractiveSession(client *ssh.Client, opts Options) (*TerminalSession, error) {
	if opts.Output == nil {
		return nil, fmt.Errorf("create terminal session: output writer is required")
	}
	for name := range opts.Env {
		if err := ValidateEnvName(name); err != nil {
			return nil, err
		}
	}
	if opts.Term == "" {
		opts.Term = defaultTerm
	}
	if opts.Cols == 0 {
		opts.Cols = defaultCols
	}
	if opts.Rows == 0 {
		opts.Rows = defaultRows
	}
	cols, rows := ClampSize(opts.Cols, opts.Rows)

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	for name, value := range opts.Env {
		if err := session.Setenv(name, value); err != nil {
			log.Printf("[sshterminal] server refused env %s: %v", name, err)
		}
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(opts.Term, int(rows), int(cols), modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	out := &serialWriter{w: opts.Output}
	session.Stdout = out
	session.Stderr = out

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	ts := &TerminalSession{
		Stdin:   stdin,
		Session: session,
		done:    make(chan struct{}),
	}
	go func() {
		ts.exitErr = session.Wait()
		close(ts.done)
	}()
	return ts, nil
}

// Resize changes the terminal dimensions of the PTY.
func (ts *TerminalSession) Resize(cols, rows uint16) error {
	cols, rows = ClampSize(cols, rows)
	return ts.Session.WindowChange(int(rows), int(cols))
}

// Done is closed when the remote shell exits and all output has been written.
func (ts *TerminalSession) Done() <-chan struct{} {
	return ts.done
}

// Err returns the shell's exit error once Done is closed.
func (ts *TerminalSession) Err() error {
	<-ts.done
	return ts.exitErr
}

// Close terminates the SSH session and releases resources.
func (ts *TerminalSession) Close() error {
	var err error
	ts.closeOnce.Do(func() {
		err = ts.Session.Close()
	})
	return err
}
