// Package sshtest runs an in-process SSH server for tests: password auth,
// a PTY echo shell, env and window-change capture, and an "sftp" subsystem
// served by pkg/sftp against the local filesystem.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	gossh "golang.org/x/crypto/ssh"
)

const (
	User     = "tester"
	Password = "correct horse"
)

// Options adjusts server behavior.
type Options struct {
	// Banner is written to the shell channel as soon as the shell starts.
	Banner string
	// RejectSFTP refuses the sftp subsystem request.
	RejectSFTP bool
	// RejectShell refuses the shell request.
	RejectShell bool
}

// Server is a running test SSH server.
type Server struct {
	Host string
	Port int

	opts     Options
	listener net.Listener

	mu      sync.Mutex
	accepts int
	env     map[string]string
	cols    uint32
	rows    uint32
	shells  []gossh.Channel
}

// Start launches a server on 127.0.0.1 and registers cleanup with t.
func Start(t testing.TB, opts Options) *Server {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := gossh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("create host signer: %v", err)
	}

	cfg := &gossh.ServerConfig{
		PasswordCallback: func(conn gossh.ConnMetadata, pw []byte) (*gossh.Permissions, error) {
			if conn.User() == User && string(pw) == Password {
				return &gossh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		},
	}
	cfg.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, portStr, _ := net.SplitHostPort(listener.Addr().String())
	port, _ := strconv.Atoi(portStr)

	s := &Server{
		Host:     host,
		Port:     port,
		opts:     opts,
		listener: listener,
		env:      make(map[string]string),
	}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.accepts++
			s.mu.Unlock()
			go s.handleConn(conn, cfg)
		}
	}()

	t.Cleanup(s.Close)
	return s
}

// Close stops accepting connections and closes open shells.
func (s *Server) Close() {
	s.listener.Close()
	s.mu.Lock()
	shells := s.shells
	s.shells = nil
	s.mu.Unlock()
	for _, ch := range shells {
		ch.Close()
	}
}

// Accepts returns how many TCP connections the server accepted.
func (s *Server) Accepts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepts
}

// Env returns the value of an env request received by any session.
func (s *Server) Env(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.env[name]
}

// WindowSize returns the most recent PTY dimensions.
func (s *Server) WindowSize() (cols, rows uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// ExitShells ends every running shell with status 0.
func (s *Server) ExitShells() {
	s.mu.Lock()
	shells := s.shells
	s.shells = nil
	s.mu.Unlock()
	for _, ch := range shells {
		ch.SendRequest("exit-status", false, gossh.Marshal(struct{ Status uint32 }{0}))
		ch.Close()
	}
}

// ClientConfig returns a client config that authenticates as User.
func ClientConfig() *gossh.ClientConfig {
	return &gossh.ClientConfig{
		User:            User,
		Auth:            []gossh.AuthMethod{gossh.Password(Password)},
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
}

// Dial connects to the server and registers cleanup with t.
func (s *Server) Dial(t testing.TB) *gossh.Client {
	t.Helper()
	client, err := gossh.Dial("tcp", net.JoinHostPort(s.Host, strconv.Itoa(s.Port)), ClientConfig())
	if err != nil {
		t.Fatalf("ssh dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func (s *Server) handleConn(netConn net.Conn, cfg *gossh.ServerConfig) {
	defer netConn.Close()
	srvConn, chans, reqs, err := gossh.NewServerConn(netConn, cfg)
	if err != nil {
		return
	}
	defer srvConn.Close()
	go gossh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(gossh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *Server) handleSession(ch gossh.Channel, reqs <-chan *gossh.Request) {
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			s.recordPTY(req.Payload)
			reply(req, true)

		case "env":
			var kv struct{ Name, Value string }
			if err := gossh.Unmarshal(req.Payload, &kv); err == nil {
				s.mu.Lock()
				s.env[kv.Name] = kv.Value
				s.mu.Unlock()
			}
			reply(req, true)

		case "window-change":
			if len(req.Payload) >= 8 {
				s.mu.Lock()
				s.cols = binary.BigEndian.Uint32(req.Payload[0:4])
				s.rows = binary.BigEndian.Uint32(req.Payload[4:8])
				s.mu.Unlock()
			}
			reply(req, true)

		case "shell":
			if s.opts.RejectShell {
				reply(req, false)
				continue
			}
			reply(req, true)
			s.mu.Lock()
			s.shells = append(s.shells, ch)
			s.mu.Unlock()
			go s.echo(ch)

		case "subsystem":
			var sub struct{ Name string }
			gossh.Unmarshal(req.Payload, &sub)
			if sub.Name != "sftp" || s.opts.RejectSFTP {
				reply(req, false)
				continue
			}
			reply(req, true)
			go serveSFTP(ch)

		default:
			reply(req, false)
		}
	}
}

func (s *Server) recordPTY(payload []byte) {
	var pty struct {
		Term     string
		Cols     uint32
		Rows     uint32
		Width    uint32
		Height   uint32
		Modelist string
	}
	if err := gossh.Unmarshal(payload, &pty); err != nil {
		return
	}
	s.mu.Lock()
	s.cols, s.rows = pty.Cols, pty.Rows
	s.mu.Unlock()
}

// echo writes every input chunk back. Input containing "stderr" is echoed
// on the extended data stream instead.
func (s *Server) echo(ch gossh.Channel) {
	if s.opts.Banner != "" {
		ch.Write([]byte(s.opts.Banner))
	}
	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if strings.Contains(string(chunk), "stderr") {
				ch.Stderr().Write(chunk)
			} else {
				ch.Write(chunk)
			}
		}
		if err != nil {
			return
		}
	}
}

func serveSFTP(ch gossh.Channel) {
	defer ch.Close()
	server, err := sftp.NewServer(ch)
	if err != nil {
		return
	}
	if err := server.Serve(); err != nil && err != io.EOF {
		return
	}
}

func reply(req *gossh.Request, ok bool) {
	if req.WantReply {
		req.Reply(ok, nil)
	}
}
