package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpharma/stockflow/internal/domain/stock"
	"github.com/openpharma/stockflow/internal/infrastructure/memory"
	"github.com/openpharma/stockflow/internal/ledger"
)

func TestSynchronizeNoDriftIsNoop(t *testing.T) {
	led := newLedger(t)
	ctx := context.Background()
	seed(t, led, stock.Central, "med-1", 10)
	_, err := led.Append(ctx, entry(stock.Central, "med-1", stock.MovementOut, 3))
	require.NoError(t, err)

	report, err := led.Synchronize(ctx, stock.Central)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Adjustments)
	assert.Empty(t, report.Details)

	balance, _ := led.Balance(ctx, stock.Central, "med-1")
	assert.Equal(t, int64(7), balance)
}

func TestSynchronizeHealsDrift(t *testing.T) {
	store := memory.NewLedgerStore()
	led := ledger.New(store, nil)
	ctx := context.Background()

	_, err := led.Append(ctx, entry(stock.Central, "med-1", stock.MovementIn, 10))
	require.NoError(t, err)

	// Simulate an operator correcting the cached level after a physical count
	// without going through the ledger: cache says 42, movements sum to 10.
	require.NoError(t, store.ApplyBatch(ctx, nil, []stock.LevelWrite{{
		Level: stock.Level{
			Scope:        stock.Central,
			MedicationID: "med-1",
			Quantity:     42,
			UpdatedAt:    time.Now().UTC(),
		},
		Previous: 10,
	}}))

	report, err := led.Synchronize(ctx, stock.Central)
	require.NoError(t, err)
	require.Equal(t, 1, report.Adjustments)
	require.Len(t, report.Details, 1)

	detail := report.Details[0]
	assert.Equal(t, "med-1", detail.MedicationID)
	assert.Equal(t, int64(42), detail.Cached)
	assert.Equal(t, int64(10), detail.Replayed)
	assert.Equal(t, int64(32), detail.Delta)
	assert.NotEmpty(t, detail.MovementID)

	// Movement sum, cache and Balance all agree afterwards.
	movs, err := led.ListMovements(ctx, stock.Filter{MedicationID: "med-1"})
	require.NoError(t, err)
	var sum int64
	for _, m := range movs {
		sum += m.Quantity
	}
	assert.Equal(t, int64(42), sum)

	balance, _ := led.Balance(ctx, stock.Central, "med-1")
	assert.Equal(t, int64(42), balance)

	// The healing movement is an auditable ADJUSTMENT row.
	adj, err := led.ListMovements(ctx, stock.Filter{Type: stock.MovementAdjustment})
	require.NoError(t, err)
	require.Len(t, adj, 1)
	assert.Equal(t, stock.RefAdjustment, adj[0].Reference.Type)
}

func TestSynchronizeIsIdempotent(t *testing.T) {
	store := memory.NewLedgerStore()
	led := ledger.New(store, nil)
	ctx := context.Background()

	_, err := led.Append(ctx, entry(stock.Central, "med-1", stock.MovementIn, 10))
	require.NoError(t, err)
	require.NoError(t, store.ApplyBatch(ctx, nil, []stock.LevelWrite{{
		Level: stock.Level{
			Scope:        stock.Central,
			MedicationID: "med-1",
			Quantity:     4,
			UpdatedAt:    time.Now().UTC(),
		},
		Previous: 10,
	}}))

	first, err := led.Synchronize(ctx, stock.Central)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Adjustments)

	second, err := led.Synchronize(ctx, stock.Central)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Adjustments, "an immediate second run must adjust nothing")
}

func TestSynchronizeScopedToOneScope(t *testing.T) {
	store := memory.NewLedgerStore()
	led := ledger.New(store, nil)
	ctx := context.Background()

	_, err := led.Append(ctx, entry(stock.SiteScope("s1"), "med-1", stock.MovementIn, 5))
	require.NoError(t, err)
	require.NoError(t, store.ApplyBatch(ctx, nil, []stock.LevelWrite{{
		Level: stock.Level{
			Scope:        stock.SiteScope("s1"),
			MedicationID: "med-1",
			Quantity:     9,
			UpdatedAt:    time.Now().UTC(),
		},
		Previous: 5,
	}}))

	// Reconciling central must not touch the drifted site key.
	report, err := led.Synchronize(ctx, stock.Central)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Adjustments)

	report, err = led.Synchronize(ctx, stock.SiteScope("s1"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Adjustments)
}
