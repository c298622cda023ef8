package registry

import (
	"errors"
	"sync"

	"github.com/cellarforge/engine/internal/shared/id"
)

// Registry is the set of all live managed processes. Safe under concurrent
// mutation from worker goroutines and the UI cancel handler; the lock is
// held only across in-memory mutation, never across a blocking call.
type Registry struct {
	mu    sync.Mutex
	procs map[id.ProcessID]*Process
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{procs: make(map[id.ProcessID]*Process)}
}

// Register adds a running process.
func (r *Registry) Register(p *Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[p.ID] = p
}

// Unregister removes a process. Idempotent: removing an absent process is a
// no-op.
func (r *Registry) Unregister(p *Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, p.ID)
}

// Contains reports whether the process is currently registered.
func (r *Registry) Contains(p *Process) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.procs[p.ID]
	return ok
}

// Len returns the number of live processes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// Snapshot returns the current members. The returned slice is detached; the
// registry may change immediately after.
func (r *Registry) Snapshot() []*Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Process, 0, len(r.procs))
	for _, p := range r.procs {
		out = append(out, p)
	}
	return out
}

// TerminateAll snapshots the current members and terminates each
// independently. Individual failures are collected, not fatal, so one hung
// process cannot block the others.
func (r *Registry) TerminateAll(terminate func(*Process) error) error {
	var errs []error
	for _, p := range r.Snapshot() {
		if err := terminate(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
