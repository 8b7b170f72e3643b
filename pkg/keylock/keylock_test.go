package keylock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockSerializesAccess(t *testing.T) {
	r := NewRegistry()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Lock("k")
			counter++
			r.Unlock("k")
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, counter)
}

func TestLocksReclaimedWhenIdle(t *testing.T) {
	r := NewRegistry()

	r.Lock("a")
	r.Lock("b")
	r.Unlock("b")
	r.Unlock("a")

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Empty(t, r.locks)
}

func TestUnlockUnknownKeyPanics(t *testing.T) {
	r := NewRegistry()
	require.Panics(t, func() { r.Unlock("never-locked") })
}

func TestLockAllDeduplicates(t *testing.T) {
	r := NewRegistry()

	release := r.LockAll([]string{"x", "y", "x", "y", "x"})
	// A duplicate key must be held once, otherwise release would double-unlock.
	release()

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Empty(t, r.locks)
}

func TestLockAllOppositeOrdersDoNotDeadlock(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			release := r.LockAll([]string{"central/a", "site/s1/a"})
			release()
		}()
		go func() {
			defer wg.Done()
			release := r.LockAll([]string{"site/s1/a", "central/a"})
			release()
		}()
	}
	wg.Wait()
}
