// Package memory provides in-memory implementations of the ledger store and
// the workflow repositories. They back the test suites and the STORE=memory
// development mode of the API binary with the same semantics as postgres.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openpharma/stockflow/internal/domain/stock"
)

// LedgerStore keeps movements and levels in process. ApplyBatch is atomic
// under the store mutex; the ledger above it provides per-key serialization.
type LedgerStore struct {
	mu        sync.RWMutex
	movements []stock.Movement
	levels    map[string]stock.Level
	seq       int64
}

// NewLedgerStore creates an empty store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{levels: make(map[string]stock.Level)}
}

// Level returns the cached level for one key, zero-quantity if never written.
func (s *LedgerStore) Level(_ context.Context, scope stock.Scope, medicationID string) (stock.Level, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if lvl, ok := s.levels[scope.Key(medicationID)]; ok {
		return lvl, nil
	}
	return stock.Level{Scope: scope, MedicationID: medicationID}, nil
}

// Levels returns every cached level in a scope, sorted by medication id.
func (s *LedgerStore) Levels(_ context.Context, scope stock.Scope) ([]stock.Level, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []stock.Level
	for _, lvl := range s.levels {
		if lvl.Scope == scope {
			out = append(out, lvl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MedicationID < out[j].MedicationID })
	return out, nil
}

// AllLevels returns every cached level across all scopes.
func (s *LedgerStore) AllLevels(_ context.Context) ([]stock.Level, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]stock.Level, 0, len(s.levels))
	for _, lvl := range s.levels {
		out = append(out, lvl)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Scope.Key(out[i].MedicationID) < out[j].Scope.Key(out[j].MedicationID)
	})
	return out, nil
}

// ApplyBatch appends movements and overwrites levels in one critical section.
// The optimistic guard is checked here too, so tests exercise the same
// conflict semantics the postgres store enforces.
func (s *LedgerStore) ApplyBatch(_ context.Context, movements []stock.Movement, levels []stock.LevelWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, lw := range levels {
		var current int64
		if lvl, ok := s.levels[lw.Scope.Key(lw.MedicationID)]; ok {
			current = lvl.Quantity
		}
		if current != lw.Previous {
			return fmt.Errorf("level %s: expected quantity %d, found %d: %w",
				lw.Scope.Key(lw.MedicationID), lw.Previous, current, stock.ErrConflict)
		}
	}
	for _, m := range movements {
		s.seq++
		m.Sequence = s.seq
		s.movements = append(s.movements, m)
	}
	for _, lw := range levels {
		s.levels[lw.Scope.Key(lw.MedicationID)] = lw.Level
	}
	return nil
}

// Movements lists movements matching the filter, newest first.
func (s *LedgerStore) Movements(_ context.Context, f stock.Filter) ([]stock.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []stock.Movement
	for _, m := range s.movements {
		if f.Matches(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Sequence > out[j].Sequence
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// SetThresholds upserts min/max bounds, preserving the cached quantity.
func (s *LedgerStore) SetThresholds(_ context.Context, scope stock.Scope, medicationID string, minStock, maxStock int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := scope.Key(medicationID)
	lvl, ok := s.levels[key]
	if !ok {
		lvl = stock.Level{Scope: scope, MedicationID: medicationID}
	}
	lvl.MinStock = minStock
	lvl.MaxStock = maxStock
	lvl.UpdatedAt = time.Now().UTC()
	s.levels[key] = lvl
	return nil
}
