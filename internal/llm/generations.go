package llm

import (
	"context"
	"sync"
)

// State is the phase of a live generation.
type State string

// Generation states. StateIdle is reported when a handle is removed.
const (
	StatePrepare   State = "prepare"
	StateStreaming State = "streaming"
	StateToolCall  State = "toolcall"
	StateIdle      State = "idle"
)

type generation struct {
	state  State
	token  uint64
	cancel context.CancelFunc
}

// Generations tracks at most one live generation per session id.
// Removing a session's handle is the signal that its generation has
// finished or been stopped; the engine and the tool loop check their
// token on every step and stand down once it is no longer current.
type Generations struct {
	mu       sync.Mutex
	gens     map[string]*generation
	next     uint64
	onChange func(id string, state State)
}

// NewGenerations creates an empty tracker. onChange, if non-nil, is
// called after every state change, outside the lock.
func NewGenerations(onChange func(id string, state State)) *Generations {
	return &Generations{
		gens:     make(map[string]*generation),
		onChange: onChange,
	}
}

func (g *Generations) notify(id string, state State) {
	if g.onChange != nil {
		g.onChange(id, state)
	}
}

// install replaces id's handle, cancelling the previous one. Caller
// must hold g.mu.
func (g *Generations) install(id string, state State, cancel context.CancelFunc) uint64 {
	if prev, ok := g.gens[id]; ok && prev.cancel != nil {
		prev.cancel()
	}
	g.next++
	g.gens[id] = &generation{state: state, token: g.next, cancel: cancel}
	return g.next
}

// Prepare marks id as about to start a request, replacing any live
// generation for it.
func (g *Generations) Prepare(id string) uint64 {
	g.mu.Lock()
	token := g.install(id, StatePrepare, nil)
	g.mu.Unlock()
	g.notify(id, StatePrepare)
	return token
}

// Begin starts streaming for id. The returned context is cancelled
// when the handle is deleted or replaced. The token identifies this
// generation for Current and Release.
func (g *Generations) Begin(parent context.Context, id string) (context.Context, uint64) {
	ctx, cancel := context.WithCancel(parent)
	g.mu.Lock()
	token := g.install(id, StateStreaming, cancel)
	g.mu.Unlock()
	g.notify(id, StateStreaming)
	return ctx, token
}

// Attach moves the prepared handle owned by token into streaming and
// returns a context that is cancelled when the handle is deleted or
// replaced. It reports false, with a cancelled context, when token no
// longer owns the handle.
func (g *Generations) Attach(parent context.Context, id string, token uint64) (context.Context, bool) {
	ctx, cancel := context.WithCancel(parent)
	if !g.transition(id, token, StateStreaming, cancel) {
		cancel()
		return ctx, false
	}
	return ctx, true
}

// SetToolCall marks the handle owned by token as running tool calls.
// It reports false when the generation was stopped or replaced.
func (g *Generations) SetToolCall(id string, token uint64) bool {
	return g.transition(id, token, StateToolCall, nil)
}

// Reprepare marks the handle owned by token as preparing the next
// request of the same turn, keeping it stoppable between cycles.
func (g *Generations) Reprepare(id string, token uint64) bool {
	return g.transition(id, token, StatePrepare, nil)
}

// transition changes the state of the handle owned by token. A non-nil
// cancel replaces, and cancels, the handle's previous one.
func (g *Generations) transition(id string, token uint64, state State, cancel context.CancelFunc) bool {
	g.mu.Lock()
	gen, ok := g.gens[id]
	if !ok || gen.token != token {
		g.mu.Unlock()
		return false
	}
	gen.state = state
	var prev context.CancelFunc
	if cancel != nil {
		prev, gen.cancel = gen.cancel, cancel
	}
	g.mu.Unlock()
	if prev != nil {
		prev()
	}
	g.notify(id, state)
	return true
}

// Delete removes id's handle and cancels its context. It reports
// whether a handle existed.
func (g *Generations) Delete(id string) bool {
	g.mu.Lock()
	gen, ok := g.gens[id]
	if ok {
		delete(g.gens, id)
	}
	g.mu.Unlock()
	if !ok {
		return false
	}
	if gen.cancel != nil {
		gen.cancel()
	}
	g.notify(id, StateIdle)
	return true
}

// Release removes id's handle only if token still owns it.
func (g *Generations) Release(id string, token uint64) bool {
	g.mu.Lock()
	gen, ok := g.gens[id]
	if !ok || gen.token != token {
		g.mu.Unlock()
		return false
	}
	delete(g.gens, id)
	g.mu.Unlock()
	if gen.cancel != nil {
		gen.cancel()
	}
	g.notify(id, StateIdle)
	return true
}

// Current reports whether token still owns id's handle.
func (g *Generations) Current(id string, token uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	gen, ok := g.gens[id]
	return ok && gen.token == token
}

// Active reports whether id has a live generation.
func (g *Generations) Active(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.gens[id]
	return ok
}

// State returns id's current state, or StateIdle.
func (g *Generations) State(id string) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	if gen, ok := g.gens[id]; ok {
		return gen.state
	}
	return StateIdle
}

// Snapshot returns the state of every live generation.
func (g *Generations) Snapshot() map[string]State {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]State, len(g.gens))
	for id, gen := range g.gens {
		out[id] = gen.state
	}
	return out
}
