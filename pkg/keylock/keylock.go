// Package keylock provides named mutexes with ordered multi-key acquisition.
// The ledger serializes writers per (scope, medication) key with it; workflow
// services use it for per-entity critical sections.
package keylock

import (
	"sort"
	"sync"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Registry hands out mutexes by name. Locks are created on first use and
// reclaimed once no goroutine holds or waits on them.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*entry)}
}

// Lock acquires the named lock, blocking until it is available.
func (r *Registry) Lock(key string) {
	r.mu.Lock()
	e, ok := r.locks[key]
	if !ok {
		e = &entry{}
		r.locks[key] = e
	}
	e.refs++
	r.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the named lock. It panics if the lock is not held.
func (r *Registry) Unlock(key string) {
	r.mu.Lock()
	e, ok := r.locks[key]
	if !ok {
		r.mu.Unlock()
		panic("keylock: unlock of unknown key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(r.locks, key)
	}
	r.mu.Unlock()

	e.mu.Unlock()
}

// LockAll acquires every key in one fixed global order (sorted ascending,
// duplicates collapsed) so that overlapping batches cannot deadlock.
// It returns the release function; keys are released in reverse order.
func (r *Registry) LockAll(keys []string) func() {
	uniq := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		uniq = append(uniq, k)
	}
	sort.Strings(uniq)

	for _, k := range uniq {
		r.Lock(k)
	}
	return func() {
		for i := len(uniq) - 1; i >= 0; i-- {
			r.Unlock(uniq[i])
		}
	}
}
