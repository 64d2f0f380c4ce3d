package sshterminal

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/shellbridge/internal/sshtest"
)

// syncBuffer is a bytes.Buffer safe for the concurrent writes of the output pump.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestCreateInteractiveSession_EchoAndEnv(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Banner: "welcome\r\n"})
	client := srv.Dial(t)

	out := &syncBuffer{}
	ts, err := CreateInteractiveSession(client, Options{
		Cols:   120,
		Rows:   40,
		Env:    map[string]string{"LANG": "C.UTF-8"},
		Output: out,
	})
	if err != nil {
		t.Fatalf("CreateInteractiveSession: %v", err)
	}
	defer ts.Close()

	if _, err := ts.Stdin.Write([]byte("ls\n")); err != nil {
		t.Fatalf("write stdin: %v", err)
	}
	waitFor(t, func() bool { return strings.Contains(out.String(), "ls\n") }, "echoed input")
	if !strings.HasPrefix(out.String(), "welcome") {
		t.Errorf("expected banner first, got %q", out.String())
	}

	if got := srv.Env("LANG"); got != "C.UTF-8" {
		t.Errorf("env LANG = %q", got)
	}
	if cols, rows := srv.WindowSize(); cols != 120 || rows != 40 {
		t.Errorf("pty size = %dx%d, want 120x40", cols, rows)
	}
}

func TestCreateInteractiveSession_StderrMerged(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})
	client := srv.Dial(t)

	out := &syncBuffer{}
	ts, err := CreateInteractiveSession(client, Options{Output: out})
	if err != nil {
		t.Fatalf("CreateInteractiveSession: %v", err)
	}
	defer ts.Close()

	ts.Stdin.Write([]byte("to stderr\n"))
	waitFor(t, func() bool { return strings.Contains(out.String(), "to stderr") }, "stderr output")
}

func TestResize_Clamps(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})
	client := srv.Dial(t)

	ts, err := CreateInteractiveSession(client, Options{Output: &syncBuffer{}})
	if err != nil {
		t.Fatalf("CreateInteractiveSession: %v", err)
	}
	defer ts.Close()

	if cols, rows := srv.WindowSize(); cols != defaultCols || rows != defaultRows {
		t.Errorf("default size = %dx%d", cols, rows)
	}
	if err := ts.Resize(9999, 30); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	waitFor(t, func() bool {
		cols, rows := srv.WindowSize()
		return cols == uint32(MaxResizeCols) && rows == 30
	}, "clamped window-change")
}

func TestDone_ClosesOnShellExit(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})
	client := srv.Dial(t)

	ts, err := CreateInteractiveSession(client, Options{Output: &syncBuffer{}})
	if err != nil {
		t.Fatalf("CreateInteractiveSession: %v", err)
	}
	defer ts.Close()

	waitFor(t, func() bool {
		srv.ExitShells()
		select {
		case <-ts.Done():
			return true
		default:
			return false
		}
	}, "shell exit")
	if err := ts.Err(); err != nil {
		t.Errorf("exit error = %v, want nil for status 0", err)
	}
}

func TestCreateInteractiveSession_Validation(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})
	client := srv.Dial(t)

	if _, err := CreateInteractiveSession(client, Options{}); err == nil {
		t.Error("expected error without output writer")
	}
	_, err := CreateInteractiveSession(client, Options{
		Output: &syncBuffer{},
		Env:    map[string]string{"BAD NAME": "x"},
	})
	if err == nil {
		t.Error("expected error for invalid env name")
	}
}

func TestCreateInteractiveSession_ShellRejected(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{RejectShell: true})
	client := srv.Dial(t)

	if _, err := CreateInteractiveSession(client, Options{Output: &syncBuffer{}}); err == nil {
		t.Fatal("expected error when the server refuses the shell")
	}
}

func TestClampSize(t *testing.T) {
	tests := []struct {
		cols, rows         uint16
		wantCols, wantRows uint16
	}{
		{80, 24, 80, 24},
		{500, 500, 500, 500},
		{501, 10, 500, 10},
		{10, 65535, 10, 500},
	}
	for _, tt := range tests {
		c, r := ClampSize(tt.cols, tt.rows)
		if c != tt.wantCols || r != tt.wantRows {
			t.Errorf("ClampSize(%d, %d) = (%d, %d), want (%d, %d)", tt.cols, tt.rows, c, r, tt.wantCols, tt.wantRows)
		}
	}
}

func TestValidateEnvName(t *testing.T) {
	for _, name := range []string{"LANG", "LC_ALL", "MY_VAR1"} {
		if err := ValidateEnvName(name); err != nil {
			t.Errorf("ValidateEnvName(%q) = %v", name, err)
		}
	}
	for _, name := range []string{"", "A=B", "WITH SPACE", "NL\n"} {
		if err := ValidateEnvName(name); err == nil {
			t.Errorf("ValidateEnvName(%q) accepted", name)
		}
	}
}
