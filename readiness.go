package authstate

import (
	"context"
	"sync"
)

// ReadinessGate is a one-shot signal resolved with the first published state.
// There is no reset, one gate lives as long as its coordinator.
type ReadinessGate struct {
	mu        sync.Mutex
	done      chan struct{}
	fired     bool
	state     CurrentUserState
	observers []func(CurrentUserState)
}

// NewReadinessGate returns an unresolved gate.
func NewReadinessGate() *ReadinessGate {
	return &ReadinessGate{done: make(chan struct{})}
}

// resolve fires the gate. Only the first call has any effect, it reports
// whether this call fired the gate.
func (g *ReadinessGate) resolve(state CurrentUserState) bool {
	g.mu.Lock()
	if g.fired {
		g.mu.Unlock()
		return false
	}
	g.fired = true
	g.state = state
	observers := g.observers
	g.observers = nil
	close(g.done)
	g.mu.Unlock()

	for _, fn := range observers {
		fn(state)
	}
	return true
}

// Fired reports whether the gate has been resolved.
func (g *ReadinessGate) Fired() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fired
}

// Done is closed once the gate fires.
func (g *ReadinessGate) Done() <-chan struct{} {
	return g.done
}

// State returns the resolved value and whether the gate fired.
func (g *ReadinessGate) State() (CurrentUserState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state, g.fired
}

// Wait blocks until the gate fires or ctx is done.
func (g *ReadinessGate) Wait(ctx context.Context) (CurrentUserState, error) {
	select {
	case <-g.done:
		state, _ := g.State()
		return state, nil
	case <-ctx.Done():
		return None(), ctx.Err()
	}
}

// OnReady registers fn to run with the resolved value. If the gate already
// fired fn runs immediately on the caller goroutine.
func (g *ReadinessGate) OnReady(fn func(CurrentUserState)) {
	if fn == nil {
		return
	}

	g.mu.Lock()
	if g.fired {
		state := g.state
		g.mu.Unlock()
		fn(state)
		return
	}
	g.observers = append(g.observers, fn)
	g.mu.Unlock()
}
