// Package ledger implements the append-only stock ledger: the single point
// through which every stock quantity changes, enforcing the non-negative
// invariant and maintaining the cached per-key balances.
package ledger

import (
	"context"

	"github.com/openpharma/stockflow/internal/domain/stock"
)

// Store is the persistence port for the ledger. Implementations must make
// ApplyBatch atomic: either every movement row and level update lands, or
// none do. The postgres store backs production; the memory store backs tests
// and local development.
type Store interface {
	// Level returns the cached level for one key. A key never written returns
	// a zero-quantity level carrying the scope and medication id.
	Level(ctx context.Context, scope stock.Scope, medicationID string) (stock.Level, error)

	// Levels returns every cached level in a scope.
	Levels(ctx context.Context, scope stock.Scope) ([]stock.Level, error)

	// AllLevels returns every cached level across all scopes.
	AllLevels(ctx context.Context) ([]stock.Level, error)

	// ApplyBatch atomically appends movements (assigning each a sequence) and
	// overwrites the given cached levels. Each write carries the quantity the
	// caller read before computing it; stores shared between processes must
	// reject the batch with Conflict if any stored quantity no longer matches.
	ApplyBatch(ctx context.Context, movements []stock.Movement, levels []stock.LevelWrite) error

	// Movements lists movements matching the filter, newest first.
	Movements(ctx context.Context, f stock.Filter) ([]stock.Movement, error)

	// SetThresholds upserts min/max bounds for one key, preserving quantity.
	SetThresholds(ctx context.Context, scope stock.Scope, medicationID string, minStock, maxStock int64) error
}
