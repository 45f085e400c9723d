package console

import (
	"sync"
	"time"
)

// CommandGate is a sliding-window admission check scoped to one connection:
// at most max commands within any window.
type CommandGate struct {
	window time.Duration
	max    int
	now    func() time.Time

	mu     sync.Mutex
	stamps []time.Time
}

// NewCommandGate creates a gate. A nil clock uses time.Now.
func NewCommandGate(window time.Duration, max int, now func() time.Time) *CommandGate {
	if now == nil {
		now = time.Now
	}
	return &CommandGate{window: window, max: max, now: now}
}

// Admit prunes timestamps older than now-window, denies when max remain and
// otherwise records now and admits.
func (g *CommandGate) Admit() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	cutoff := now.Add(-g.window)
	keep := 0
	for _, ts := range g.stamps {
		if !ts.Before(cutoff) {
			g.stamps[keep] = ts
			keep++
		}
	}
	g.stamps = g.stamps[:keep]

	if len(g.stamps) >= g.max {
		return false
	}
	g.stamps = append(g.stamps, now)
	return true
}
