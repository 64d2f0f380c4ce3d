package logging

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInit_ReadTailAndClear(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "bridge.log")

	Init(path, dir)
	defer log.SetOutput(os.Stderr)

	if Path() != path {
		t.Fatalf("Path() = %q, want %q", Path(), path)
	}

	for i := 0; i < 5; i++ {
		log.Printf("line-%d", i)
	}

	tail, err := ReadTail(2)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	lines := strings.Split(tail, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), tail)
	}
	if !strings.HasSuffix(lines[1], "line-4") {
		t.Errorf("last line = %q, want suffix line-4", lines[1])
	}

	if err := Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	tail, err = ReadTail(10)
	if err != nil {
		t.Fatalf("ReadTail after clear: %v", err)
	}
	if tail != "" {
		t.Errorf("expected empty log after clear, got %q", tail)
	}
}

func TestInit_DefaultPath(t *testing.T) {
	dir := t.TempDir()
	Init("", dir)
	defer log.SetOutput(os.Stderr)

	want := filepath.Join(dir, "shellbridge.log")
	if Path() != want {
		t.Errorf("Path() = %q, want %q", Path(), want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("expected log file to exist: %v", err)
	}
}
