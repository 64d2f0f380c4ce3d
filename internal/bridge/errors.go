package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPort is wrapped by a TransportError for ports outside [0, 65536).
	ErrInvalidPort = errors.New("port out of range")
	// ErrTargetNotAllowed is wrapped by a TransportError for targets missing from the allowlist.
	ErrTargetNotAllowed = errors.New("target not in allowlist")
	// ErrNotAttached is returned for session operations from a transport with no session.
	ErrNotAttached = errors.New("no session attached")
	// ErrPrincipalMismatch is wrapped by a RestoreError when another principal owns the session.
	ErrPrincipalMismatch = errors.New("session belongs to another principal")
	// ErrSessionClosed is returned when the remote channels are already gone.
	ErrSessionClosed = errors.New("session closed")
)

// TransportError reports a failure to establish the remote connection or
// one of its channels. Op names the step: validate, dial, shell, or sftp.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ChannelError reports a failed file-channel request. The session survives it.
type ChannelError struct {
	Op    string
	ReqID string
	Path  string
	Err   error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// RestoreError reports why a session could not be reattached.
type RestoreError struct {
	SessionID string
	Err       error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore %s: %v", e.SessionID, e.Err)
}

func (e *RestoreError) Unwrap() error { return e.Err }
