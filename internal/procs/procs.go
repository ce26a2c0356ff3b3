// Package procs is the registry of named remote procedures the host
// publishes to its UI. Each MCP session contributes one entry point per
// supported (capability, action) pair; entries are grouped by owner so a
// session's whole surface can be swapped or revoked in one step.
package procs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownProcedure is returned when invoking a name that was never
// registered or has been revoked.
var ErrUnknownProcedure = errors.New("unknown remote procedure")

// Func is the body of a published procedure.
type Func func(ctx context.Context, params json.RawMessage) (any, error)

// Entry is one procedure to publish.
type Entry struct {
	Name string
	Fn   Func
}

type registered struct {
	owner string
	fn    Func
}

// Registry maps procedure names to their implementations. It is safe
// for concurrent use. The zero value is not usable; call New.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registered
	owners  map[string][]string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]registered),
		owners:  make(map[string][]string),
	}
}

// Register publishes a single procedure under owner. An existing entry
// with the same name is replaced.
func (r *Registry) Register(owner, name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(name)
	r.entries[name] = registered{owner: owner, fn: fn}
	r.owners[owner] = append(r.owners[owner], name)
}

// Replace atomically revokes every procedure owned by owner and
// publishes entries in their place. Callers never observe a mix of old
// and new entries for the same owner.
func (r *Registry) Replace(owner string, entries []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.owners[owner] {
		delete(r.entries, name)
	}
	delete(r.owners, owner)

	for _, e := range entries {
		r.removeLocked(e.Name)
		r.entries[e.Name] = registered{owner: owner, fn: e.Fn}
		r.owners[owner] = append(r.owners[owner], e.Name)
	}
}

// Revoke removes a single procedure. Reports whether it existed.
func (r *Registry) Revoke(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(name)
}

// RevokeOwner removes every procedure published by owner and returns
// how many were removed.
func (r *Registry) RevokeOwner(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := r.owners[owner]
	for _, name := range names {
		delete(r.entries, name)
	}
	delete(r.owners, owner)
	return len(names)
}

// RevokeAll removes every procedure and returns how many were removed.
func (r *Registry) RevokeAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.entries)
	r.entries = make(map[string]registered)
	r.owners = make(map[string][]string)
	return n
}

// Invoke calls the named procedure. Unknown names fail immediately with
// an error wrapping ErrUnknownProcedure. The lock is not held while the
// procedure runs, so a concurrent Revoke does not wait on in-flight calls.
func (r *Registry) Invoke(ctx context.Context, name string, params json.RawMessage) (any, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcedure, name)
	}
	return e.fn(ctx, params)
}

// Has reports whether name is currently published.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Names returns all published procedure names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Len returns the number of published procedures.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// removeLocked deletes name from both indexes. Caller must hold r.mu.
func (r *Registry) removeLocked(name string) bool {
	e, ok := r.entries[name]
	if !ok {
		return false
	}
	delete(r.entries, name)
	names := r.owners[e.owner]
	for i, n := range names {
		if n == name {
			names = append(names[:i], names[i+1:]...)
			break
		}
	}
	if len(names) == 0 {
		delete(r.owners, e.owner)
	} else {
		r.owners[e.owner] = names
	}
	return true
}
