package testutil

import (
	"fmt"
	"sync"

	"pm-go/internal/pm"
)

// SharedGuard is an in-memory pm.ProcessGuard. Orchestrators given the same
// SharedGuard behave like processes sharing one lock file.
type SharedGuard struct {
	mu   sync.Mutex
	held bool
}

var _ pm.ProcessGuard = (*SharedGuard)(nil)

func NewSharedGuard() *SharedGuard {
	return &SharedGuard{}
}

func (g *SharedGuard) TryAcquire() (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		return nil, fmt.Errorf("%w: held by another process", pm.ErrAlreadyRunning)
	}
	g.held = true
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.held = false
			g.mu.Unlock()
		})
	}, nil
}

// Held reports whether some orchestrator holds the guard.
func (g *SharedGuard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}
