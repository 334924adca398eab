package app

import "time"

// Session identifies one CLI invocation in the log. Every line a session
// writes carries its ID, so the lines of concurrent invocations can be told apart.
type Session struct {
	ID      string
	Command string
}

// NewSession creates a session for command, identified by its start time.
func NewSession(command string, now time.Time) *Session {
	return &Session{
		ID:      now.UTC().Format("20060102T150405Z"),
		Command: command,
	}
}
