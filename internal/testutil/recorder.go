package testutil

import (
	"sync"
	"testing"
	"time"

	"pm-go/internal/pm"
)

// ProgressRecorder collects the updates delivered to an observer.
type ProgressRecorder struct {
	mu       sync.Mutex
	updates  []pm.Progress
	terminal chan struct{}
	once     sync.Once
}

func NewProgressRecorder() *ProgressRecorder {
	return &ProgressRecorder{terminal: make(chan struct{})}
}

// Observe is a pm.Observer.
func (r *ProgressRecorder) Observe(p pm.Progress) {
	r.mu.Lock()
	r.updates = append(r.updates, p)
	r.mu.Unlock()
	if p.Status.Terminal() {
		r.once.Do(func() { close(r.terminal) })
	}
}

// Updates returns a copy of the updates received so far.
func (r *ProgressRecorder) Updates() []pm.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pm.Progress(nil), r.updates...)
}

// WaitTerminal waits for a terminal update and returns every update received.
func (r *ProgressRecorder) WaitTerminal(t *testing.T, timeout time.Duration) []pm.Progress {
	t.Helper()
	select {
	case <-r.terminal:
	case <-time.After(timeout):
		t.Fatalf("no terminal update within %v; got %d updates", timeout, len(r.Updates()))
	}
	return r.Updates()
}

// Phases returns the distinct phases in the order first seen.
func Phases(updates []pm.Progress) []pm.Phase {
	var out []pm.Phase
	for _, u := range updates {
		if len(out) == 0 || out[len(out)-1] != u.Phase {
			out = append(out, u.Phase)
		}
	}
	return out
}
