package client

import "time"

// DefaultGraceWindow is how long the UI may stay hidden and still resume
// without a restore round trip. It is independent of the server TTL.
const DefaultGraceWindow = 30 * time.Second

// Path is the outcome of a visibility decision.
type Path int

const (
	// PathResume returns to the live session as is.
	PathResume Path = iota
	// PathRestore asks the server to reattach and replay history.
	PathRestore
)

func (p Path) String() string {
	if p == PathResume {
		return "resume"
	}
	return "restore"
}

// Decide picks the path for a UI that was hidden for the given duration.
// Hidden for exactly the grace window still resumes.
func Decide(hidden, grace time.Duration) Path {
	if hidden <= grace {
		return PathResume
	}
	return PathRestore
}
