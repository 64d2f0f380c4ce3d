// Package sshfiles is the file-listing sub-channel of a bridged session. It
// runs over the SFTP subsystem of the same SSH connection as the shell.
package sshfiles

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/shellbridge/internal/logutil"
	"github.com/gluk-w/shellbridge/internal/protocol"
)

// MaxReadSize caps how many bytes ReadFile returns.
const MaxReadSize = 4 * 1024 * 1024

const (
	modeTypeMask = 0o170000
	modeDir      = 0o040000
)

// ErrTooLarge is wrapped by ReadFile errors for files over MaxReadSize.
var ErrTooLarge = errors.New("file too large")

// Channel is an open SFTP sub-channel.
type Channel struct {
	client *sftp.Client
}

// Open starts the sftp subsystem on client.
func Open(client *ssh.Client) (*Channel, error) {
	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("open sftp subsystem: %w", err)
	}
	return &Channel{client: sc}, nil
}

// IsDirectory reports whether raw POSIX mode bits describe a directory.
func IsDirectory(mode uint32) bool {
	return mode&modeTypeMask == modeDir
}

// Entry normalizes a listing entry. Attributes come from the raw SFTP stat
// when available, falling back to os.FileInfo.
func Entry(fi os.FileInfo) protocol.FileEntry {
	entry := protocol.FileEntry{Name: fi.Name()}
	if st, ok := fi.Sys().(*sftp.FileStat); ok {
		entry.Attrs = protocol.FileAttrs{
			Size:  st.Size,
			Mode:  st.Mode,
			UID:   st.UID,
			GID:   st.GID,
			Mtime: st.Mtime,
		}
		entry.IsDirectory = IsDirectory(st.Mode)
		return entry
	}
	entry.Attrs = protocol.FileAttrs{
		Size:  uint64(fi.Size()),
		Mode:  uint32(fi.Mode().Perm()),
		Mtime: uint32(fi.ModTime().Unix()),
	}
	if fi.IsDir() {
		entry.Attrs.Mode |= modeDir
	}
	entry.IsDirectory = fi.IsDir()
	return entry
}

// ListDirectory returns the entries of path, directories first, then by name.
// An empty path lists the remote working directory.
func (c *Channel) ListDirectory(path string) ([]protocol.FileEntry, error) {
	start := time.Now()
	if path == "" {
		wd, err := c.client.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		path = wd
	}

	infos, err := c.client.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}

	entries := make([]protocol.FileEntry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, Entry(fi))
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDirectory != entries[j].IsDirectory {
			return entries[i].IsDirectory
		}
		return entries[i].Name < entries[j].Name
	})

	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		log.Printf("[sshfiles] SLOW list (%s): %s", elapsed, logutil.SanitizeForLog(path))
	}
	return entries, nil
}

// ReadFile returns the contents of path, refusing files over MaxReadSize.
func (c *Channel) ReadFile(path string) ([]byte, error) {
	f, err := c.client.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("read %s: is a directory", path)
	}
	if fi.Size() > MaxReadSize {
		return nil, fmt.Errorf("read %s: %w (%d bytes)", path, ErrTooLarge, fi.Size())
	}

	data, err := io.ReadAll(io.LimitReader(f, MaxReadSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) > MaxReadSize {
		return nil, fmt.Errorf("read %s: %w", path, ErrTooLarge)
	}
	return data, nil
}

// Close shuts down the sftp subsystem.
func (c *Channel) Close() error {
	return c.client.Close()
}
