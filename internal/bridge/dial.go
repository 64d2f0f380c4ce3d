package bridge

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultDialTimeout = 15 * time.Second
	defaultSSHPort     = 22
	keepaliveInterval  = 30 * time.Second
)

// DialFunc opens an authenticated SSH client connection to addr.
type DialFunc func(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error)

// DialSSH dials addr over TCP honoring ctx and performs the SSH handshake.
func DialSSH(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: cfg.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	netConn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// HostKeyCallback returns a known_hosts verifier for path, or accepts any
// host key when path is empty.
func HostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		log.Printf("[bridge] no known_hosts file configured; remote host keys are not verified")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", path, err)
	}
	return cb, nil
}

// clientConfig authenticates with the secret as a password, and answers
// keyboard-interactive prompts with it too.
func clientConfig(username, secret string, hostKey ssh.HostKeyCallback, timeout time.Duration) *ssh.ClientConfig {
	answer := func(user, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range answers {
			answers[i] = secret
		}
		return answers, nil
	}
	return &ssh.ClientConfig{
		User: username,
		Auth: []ssh.AuthMethod{
			ssh.Password(secret),
			ssh.KeyboardInteractive(answer),
		},
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}
}

func validatePort(port int) (int, error) {
	if port < 0 || port >= 65536 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	if port == 0 {
		return defaultSSHPort, nil
	}
	return port, nil
}

func joinAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// keepalive pings the server until done is closed.
func keepalive(client *ssh.Client, done <-chan struct{}) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				return
			}
		}
	}
}
