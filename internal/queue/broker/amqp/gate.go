package amqp

import (
	"context"
	"sync"
)

// gate holds publishers while the broker asks us to stop sending.
// It is paused while any reason is active.
type gate struct {
	mu      sync.Mutex
	reasons map[string]bool
	resume  chan struct{}
}

func newGate() *gate {
	return &gate{reasons: make(map[string]bool)}
}

func (g *gate) set(reason string, active bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	wasPaused := len(g.reasons) > 0
	if active {
		g.reasons[reason] = true
	} else {
		delete(g.reasons, reason)
	}

	switch paused := len(g.reasons) > 0; {
	case paused && !wasPaused:
		g.resume = make(chan struct{})
	case !paused && wasPaused:
		close(g.resume)
		g.resume = nil
	}
}

// release clears every reason.
func (g *gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.reasons) == 0 {
		return
	}
	clear(g.reasons)
	close(g.resume)
	g.resume = nil
}

// wait returns once the gate is open or ctx ends.
func (g *gate) wait(ctx context.Context) error {
	g.mu.Lock()
	resume := g.resume
	g.mu.Unlock()
	if resume == nil {
		return nil
	}

	select {
	case <-resume:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
