// Package protocol defines the message vocabulary spoken over the bridge
// WebSocket. Control messages are JSON text frames; terminal bytes travel as
// binary frames in both directions.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type identifies a control message.
type Type string

const (
	TypeConnect        Type = "connect"
	TypeReady          Type = "ready"
	TypeConnectError   Type = "connect_error"
	TypeResize         Type = "resize"
	TypeDisconnect     Type = "disconnect"
	TypeClosed         Type = "closed"
	TypeList           Type = "list"
	TypeListResult     Type = "list_result"
	TypeRead           Type = "read"
	TypeReadResult     Type = "read_result"
	TypeChannelError   Type = "channel_error"
	TypePause          Type = "pause"
	TypeResume         Type = "resume"
	TypeRestore        Type = "restore"
	TypeRestored       Type = "restored"
	TypeRestoreFailed  Type = "restore_failed"
	TypeHistoryRequest Type = "history_request"
	TypeHistory        Type = "history"
	TypeError          Type = "error"
)

// ErrMissingType is returned by Decode for envelopes without a type.
var ErrMissingType = errors.New("message has no type")

// Snapshot is the client's last-known UI state for a session.
type Snapshot struct {
	Cwd          string `json:"cwd,omitempty"`
	SelectedFile string `json:"selected_file,omitempty"`
	ScrollOffset int    `json:"scroll_offset,omitempty"`
	Cols         uint16 `json:"cols,omitempty"`
	Rows         uint16 `json:"rows,omitempty"`
}

// FileAttrs are the raw SFTP attributes of a directory entry.
type FileAttrs struct {
	Size  uint64 `json:"size"`
	Mode  uint32 `json:"mode"`
	UID   uint32 `json:"uid"`
	GID   uint32 `json:"gid"`
	Mtime uint32 `json:"mtime"`
}

// FileEntry is one normalized directory listing entry.
type FileEntry struct {
	Name        string    `json:"name"`
	IsDirectory bool      `json:"is_directory"`
	Attrs       FileAttrs `json:"attrs"`
}

// Message is the envelope for every control frame. Only the fields relevant
// to Type are set.
type Message struct {
	Type      Type   `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// connect
	Host     string            `json:"host,omitempty"`
	Port     int               `json:"port,omitempty"`
	Username string            `json:"username,omitempty"`
	Secret   string            `json:"secret,omitempty"`
	Env      map[string]string `json:"env,omitempty"`

	// resize
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`

	// list / read and their results
	ReqID   string      `json:"req_id,omitempty"`
	Path    string      `json:"path,omitempty"`
	Entries []FileEntry `json:"entries,omitempty"`

	// read_result / history
	Content   []byte `json:"content,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`

	// pause / restore / restored
	Snapshot *Snapshot `json:"snapshot,omitempty"`

	// connect_error / channel_error / error
	Message string `json:"message,omitempty"`
	// restore_failed
	Reason string `json:"reason,omitempty"`
}

// String renders the message for logs without the secret.
func (m Message) String() string {
	switch m.Type {
	case TypeConnect:
		return fmt.Sprintf("%s %s@%s:%d", m.Type, m.Username, m.Host, m.Port)
	case TypeList, TypeRead, TypeListResult, TypeReadResult, TypeChannelError:
		return fmt.Sprintf("%s req=%s path=%s", m.Type, m.ReqID, m.Path)
	case TypeRestore, TypeRestored, TypeReady:
		return fmt.Sprintf("%s session=%s", m.Type, m.SessionID)
	default:
		return string(m.Type)
	}
}

// Encode marshals a control message.
func Encode(m Message) ([]byte, error) {
	if m.Type == "" {
		return nil, ErrMissingType
	}
	return json.Marshal(m)
}

// Decode unmarshals a control message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" {
		return Message{}, ErrMissingType
	}
	return m, nil
}
