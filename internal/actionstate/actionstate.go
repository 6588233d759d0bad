// Package actionstate implements the per-resource action-state registry
// (spec.md §4.1): a process-wide map from (kind, id) to a fixed-shape record
// of busy flags, with non-blocking busy detection and linearizable updates
// per id. It is grounded on the teacher's stack-lock pattern in
// internal/update/update_orchestrator.go (acquireStackLock/releaseStackLock),
// generalized from a single named lock per stack to an arbitrary mutator
// applied to a typed flags struct per (kind, id).
package actionstate

import "sync"

// Flags is any of domain.ServerActionState / domain.DeploymentActionState:
// a comparable struct of booleans with a Busy() method.
type Flags interface {
	Busy() bool
}

// Registry holds one flags entry per (kind, id), guarded by one mutex.
// A single mutex is sufficient per spec.md §4.1 ("single global lock is
// permissible and simpler"); entries are addressed by a composite key so
// the same registry serves every resource kind.
type Registry[F Flags] struct {
	mu      sync.Mutex
	entries map[string]F
	zero    F
}

// New creates an empty registry. zero is the default (all-false) flags
// value returned for ids with no entry yet.
func New[F Flags](zero F) *Registry[F] {
	return &Registry[F]{entries: make(map[string]F), zero: zero}
}

// Busy reports whether any flag is set for id. Returns false for unknown
// ids without creating an entry.
func (r *Registry[F]) Busy(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return false
	}
	return entry.Busy()
}

// Get returns a defensive copy of the current flags for id.
func (r *Registry[F]) Get(id string) F {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return r.zero
	}
	return entry
}

// Update atomically reads-or-inserts the default entry for id, applies
// mutate, and writes the result back. mutate must not block: the registry
// lock is held for its duration. This is the registry's only mutation path,
// so updates are linearizable per id as required by spec.md §4.1.
func (r *Registry[F]) Update(id string, mutate func(F) F) F {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		entry = r.zero
	}
	entry = mutate(entry)
	r.entries[id] = entry
	return entry
}

// TryAcquire atomically checks busy and, if clear, applies setBusy(true);
// it reports whether the acquisition succeeded. This is the non-blocking
// admission check the dispatcher performs before it opens an update:
// reject rather than queue a second action.
func (r *Registry[F]) TryAcquire(id string, isSet func(F) bool, setTrue func(F) F) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		entry = r.zero
	}
	if isSet(entry) {
		return false
	}
	r.entries[id] = setTrue(entry)
	return true
}

// Release clears a single flag unconditionally. Callers invoke this via a
// deferred guard so the flag clears on every exit path, including panics
// recovered further up the call stack (spec.md §4.3 step 7).
func (r *Registry[F]) Release(id string, setFalse func(F) F) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		entry = r.zero
	}
	r.entries[id] = setFalse(entry)
}

// Guard does not acquire anything; it returns a func that releases the flag
// via setFalse, to be deferred right after a successful TryAcquire.
// Usage:
//
//	if !reg.TryAcquire(id, isSet, setTrue) { return apperr.Busy(...) }
//	defer Guard(reg, id, setFalse)()
func Guard[F Flags](r *Registry[F], id string, setFalse func(F) F) func() {
	return func() { r.Release(id, setFalse) }
}
