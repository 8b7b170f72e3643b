package ledger_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpharma/stockflow/internal/domain/stock"
	"github.com/openpharma/stockflow/internal/infrastructure/memory"
	"github.com/openpharma/stockflow/internal/ledger"
)

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	return ledger.New(memory.NewLedgerStore(), nil)
}

func entry(scope stock.Scope, med string, typ stock.MovementType, qty int64) ledger.Entry {
	return ledger.Entry{
		Scope:        scope,
		MedicationID: med,
		Type:         typ,
		Quantity:     qty,
		Reference:    stock.Reference{Type: stock.RefAdjustment, ID: "test-ref"},
		CreatedBy:    "tester",
	}
}

func seed(t *testing.T, led *ledger.Ledger, scope stock.Scope, med string, qty int64) {
	t.Helper()
	_, err := led.Append(context.Background(), entry(scope, med, stock.MovementIn, qty))
	require.NoError(t, err)
}

func TestAppendCreditsBalance(t *testing.T) {
	led := newLedger(t)
	ctx := context.Background()

	mov, err := led.Append(ctx, entry(stock.Central, "med-1", stock.MovementIn, 10))
	require.NoError(t, err)
	assert.Equal(t, int64(10), mov.Quantity)
	assert.NotEmpty(t, mov.ID)
	assert.False(t, mov.CreatedAt.IsZero())

	balance, err := led.Balance(ctx, stock.Central, "med-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)
}

func TestOutboundStoredAsNegative(t *testing.T) {
	led := newLedger(t)
	ctx := context.Background()
	seed(t, led, stock.Central, "med-1", 10)

	mov, err := led.Append(ctx, entry(stock.Central, "med-1", stock.MovementOut, 4))
	require.NoError(t, err)
	assert.Equal(t, int64(-4), mov.Quantity)

	balance, err := led.Balance(ctx, stock.Central, "med-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), balance)
}

func TestAppendRejectsNegativeBalance(t *testing.T) {
	led := newLedger(t)
	ctx := context.Background()
	seed(t, led, stock.Central, "med-1", 5)

	_, err := led.Append(ctx, entry(stock.Central, "med-1", stock.MovementOut, 6))
	require.ErrorIs(t, err, stock.ErrInsufficientStock)

	var shortage *stock.InsufficientStockError
	require.ErrorAs(t, err, &shortage)
	assert.Equal(t, int64(6), shortage.Requested)
	assert.Equal(t, int64(5), shortage.Available)

	// Nothing was applied.
	balance, err := led.Balance(ctx, stock.Central, "med-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)
}

func TestBalanceUnknownKeyIsZero(t *testing.T) {
	led := newLedger(t)
	balance, err := led.Balance(context.Background(), stock.SiteScope("nowhere"), "nothing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestScopesAreIndependent(t *testing.T) {
	led := newLedger(t)
	ctx := context.Background()
	seed(t, led, stock.Central, "med-1", 10)
	seed(t, led, stock.SiteScope("s1"), "med-1", 3)

	// Site balance does not cover a central debit and vice versa.
	_, err := led.Append(ctx, entry(stock.SiteScope("s1"), "med-1", stock.MovementOut, 5))
	require.ErrorIs(t, err, stock.ErrInsufficientStock)

	central, _ := led.Balance(ctx, stock.Central, "med-1")
	site, _ := led.Balance(ctx, stock.SiteScope("s1"), "med-1")
	assert.Equal(t, int64(10), central)
	assert.Equal(t, int64(3), site)
}

func TestAppendBatchAllOrNothing(t *testing.T) {
	led := newLedger(t)
	ctx := context.Background()
	seed(t, led, stock.Central, "med-a", 5)
	seed(t, led, stock.Central, "med-b", 10)

	// med-a is short, so med-b must not move either.
	_, err := led.AppendBatch(ctx, []ledger.Entry{
		entry(stock.Central, "med-a", stock.MovementOut, 8),
		entry(stock.Central, "med-b", stock.MovementOut, 5),
	})
	require.ErrorIs(t, err, stock.ErrInsufficientStock)

	a, _ := led.Balance(ctx, stock.Central, "med-a")
	b, _ := led.Balance(ctx, stock.Central, "med-b")
	assert.Equal(t, int64(5), a)
	assert.Equal(t, int64(10), b)

	movs, err := led.ListMovements(ctx, stock.Filter{Type: stock.MovementOut})
	require.NoError(t, err)
	assert.Empty(t, movs, "rejected batch must leave no movements behind")
}

func TestAppendBatchRunningBalanceWithinBatch(t *testing.T) {
	led := newLedger(t)
	ctx := context.Background()
	seed(t, led, stock.Central, "med-1", 5)

	// 5 - 3 - 3 would go negative even though each entry alone fits.
	_, err := led.AppendBatch(ctx, []ledger.Entry{
		entry(stock.Central, "med-1", stock.MovementOut, 3),
		entry(stock.Central, "med-1", stock.MovementOut, 3),
	})
	require.ErrorIs(t, err, stock.ErrInsufficientStock)

	// 5 - 3 + 1 - 3 = 0 is legal.
	movs, err := led.AppendBatch(ctx, []ledger.Entry{
		entry(stock.Central, "med-1", stock.MovementOut, 3),
		entry(stock.Central, "med-1", stock.MovementIn, 1),
		entry(stock.Central, "med-1", stock.MovementOut, 3),
	})
	require.NoError(t, err)
	assert.Len(t, movs, 3)

	balance, _ := led.Balance(ctx, stock.Central, "med-1")
	assert.Equal(t, int64(0), balance)
}

func TestAdjustmentCarriesSign(t *testing.T) {
	led := newLedger(t)
	ctx := context.Background()
	seed(t, led, stock.Central, "med-1", 10)

	mov, err := led.Append(ctx, entry(stock.Central, "med-1", stock.MovementAdjustment, -4))
	require.NoError(t, err)
	assert.Equal(t, int64(-4), mov.Quantity)

	balance, _ := led.Balance(ctx, stock.Central, "med-1")
	assert.Equal(t, int64(6), balance)

	// An adjustment may not drive the balance negative either.
	_, err = led.Append(ctx, entry(stock.Central, "med-1", stock.MovementAdjustment, -7))
	require.ErrorIs(t, err, stock.ErrInsufficientStock)
}

func TestAppendValidation(t *testing.T) {
	led := newLedger(t)
	ctx := context.Background()

	tests := []struct {
		name string
		e    ledger.Entry
	}{
		{"missing medication", entry(stock.Central, "", stock.MovementIn, 1)},
		{"unknown type", entry(stock.Central, "med-1", stock.MovementType("BOGUS"), 1)},
		{"zero quantity", entry(stock.Central, "med-1", stock.MovementIn, 0)},
		{"negative quantity", entry(stock.Central, "med-1", stock.MovementOut, -2)},
		{"zero adjustment", entry(stock.Central, "med-1", stock.MovementAdjustment, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := led.Append(ctx, tt.e)
			require.ErrorIs(t, err, stock.ErrInvalidInput)
		})
	}

	t.Run("missing reference", func(t *testing.T) {
		e := entry(stock.Central, "med-1", stock.MovementIn, 1)
		e.Reference = stock.Reference{}
		_, err := led.Append(ctx, e)
		require.ErrorIs(t, err, stock.ErrInvalidInput)
	})

	t.Run("empty batch", func(t *testing.T) {
		_, err := led.AppendBatch(ctx, nil)
		require.ErrorIs(t, err, stock.ErrInvalidInput)
	})
}

func TestConcurrentDebitsNeverOversell(t *testing.T) {
	led := newLedger(t)
	ctx := context.Background()
	seed(t, led, stock.Central, "med-1", 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := led.Append(ctx, entry(stock.Central, "med-1", stock.MovementOut, 3))
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, stock.ErrInsufficientStock)
			}
		}()
	}
	wg.Wait()

	// 100 units cover exactly 33 debits of 3.
	assert.Equal(t, 33, succeeded)
	balance, _ := led.Balance(ctx, stock.Central, "med-1")
	assert.Equal(t, int64(1), balance)
}

func TestStaleWriteRejectedByStore(t *testing.T) {
	// Two ledgers over one store model two API replicas sharing a database.
	// Their key locks are process-local, so the store's optimistic guard is
	// the only thing standing between them and a double-spend.
	store := memory.NewLedgerStore()
	ledA := ledger.New(store, nil)
	ledB := ledger.New(store, nil)
	ctx := context.Background()

	_, err := ledA.Append(ctx, entry(stock.Central, "med-1", stock.MovementIn, 10))
	require.NoError(t, err)

	// Replica B writes the key, invalidating the balance A read at seed time.
	_, err = ledB.Append(ctx, entry(stock.Central, "med-1", stock.MovementOut, 4))
	require.NoError(t, err)

	// A stale write carries the outdated observed quantity and must not land.
	stale := stock.LevelWrite{
		Level: stock.Level{
			Scope:        stock.Central,
			MedicationID: "med-1",
			Quantity:     3,
		},
		Previous: 10,
	}
	err = store.ApplyBatch(ctx, nil, []stock.LevelWrite{stale})
	require.ErrorIs(t, err, stock.ErrConflict)

	// The conflicting batch left nothing behind.
	balance, err := ledA.Balance(ctx, stock.Central, "med-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), balance)
}

func TestConcurrentMixedBatchesConverge(t *testing.T) {
	led := newLedger(t)
	ctx := context.Background()
	seed(t, led, stock.Central, "med-1", 1000)

	// Transfers move stock central -> site while prescriptions debit the site.
	// Whatever interleaving happens, no balance may dip below zero and the
	// total never exceeds what was credited.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			led.AppendBatch(ctx, []ledger.Entry{
				entry(stock.Central, "med-1", stock.MovementTransferOut, 10),
				entry(stock.SiteScope("s1"), "med-1", stock.MovementTransferIn, 10),
			})
		}()
		go func() {
			defer wg.Done()
			led.Append(ctx, entry(stock.SiteScope("s1"), "med-1", stock.MovementOut, 7))
		}()
	}
	wg.Wait()

	central, _ := led.Balance(ctx, stock.Central, "med-1")
	site, _ := led.Balance(ctx, stock.SiteScope("s1"), "med-1")
	assert.GreaterOrEqual(t, central, int64(0))
	assert.GreaterOrEqual(t, site, int64(0))
	assert.LessOrEqual(t, central+site, int64(1000))

	// The ledger must still replay to the cached balances.
	for _, scope := range []stock.Scope{stock.Central, stock.SiteScope("s1")} {
		movs, err := led.ListMovements(ctx, stock.Filter{MedicationID: "med-1", Scope: &scope})
		require.NoError(t, err)
		var sum int64
		for _, m := range movs {
			sum += m.Quantity
		}
		balance, _ := led.Balance(ctx, scope, "med-1")
		assert.Equal(t, balance, sum, "scope %s", scope)
	}
}

func TestListMovementsNewestFirstAndFiltered(t *testing.T) {
	led := newLedger(t)
	ctx := context.Background()

	seed(t, led, stock.Central, "med-1", 10)
	seed(t, led, stock.Central, "med-2", 20)
	_, err := led.Append(ctx, ledger.Entry{
		Scope:        stock.Central,
		MedicationID: "med-1",
		Type:         stock.MovementOut,
		Quantity:     2,
		Reference:    stock.Reference{Type: stock.RefPrescription, ID: "p1"},
		CreatedBy:    "tester",
	})
	require.NoError(t, err)

	all, err := led.ListMovements(ctx, stock.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, stock.MovementOut, all[0].Type, "newest first")

	byMed, err := led.ListMovements(ctx, stock.Filter{MedicationID: "med-1"})
	require.NoError(t, err)
	assert.Len(t, byMed, 2)

	byRef, err := led.ListMovements(ctx, stock.Filter{ReferenceType: stock.RefPrescription})
	require.NoError(t, err)
	require.Len(t, byRef, 1)
	assert.Equal(t, "p1", byRef[0].Reference.ID)
}

func TestSummarize(t *testing.T) {
	led := newLedger(t)
	ctx := context.Background()

	seed(t, led, stock.Central, "med-1", 10)
	seed(t, led, stock.Central, "med-1", 5)
	_, err := led.Append(ctx, entry(stock.Central, "med-1", stock.MovementOut, 4))
	require.NoError(t, err)
	_, err = led.Append(ctx, entry(stock.Central, "med-1", stock.MovementAdjustment, -1))
	require.NoError(t, err)

	sum, err := led.Summarize(ctx, stock.Filter{MedicationID: "med-1"})
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Total)
	assert.Equal(t, int64(15), sum.TotalIn)
	assert.Equal(t, int64(5), sum.TotalOut)
	assert.Equal(t, 1, sum.AdjustmentCount)
}

func TestSetThresholds(t *testing.T) {
	led := newLedger(t)
	ctx := context.Background()

	require.NoError(t, led.SetThresholds(ctx, stock.SiteScope("s1"), "med-1", 5, 50))

	err := led.SetThresholds(ctx, stock.SiteScope("s1"), "med-1", -1, 0)
	require.ErrorIs(t, err, stock.ErrInvalidInput)

	err = led.SetThresholds(ctx, stock.SiteScope("s1"), "med-1", 10, 5)
	require.ErrorIs(t, err, stock.ErrInvalidInput)

	err = led.SetThresholds(ctx, stock.SiteScope("s1"), "", 1, 2)
	require.ErrorIs(t, err, stock.ErrInvalidInput)
}
