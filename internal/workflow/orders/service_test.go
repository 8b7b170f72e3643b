package orders_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpharma/stockflow/internal/catalog"
	"github.com/openpharma/stockflow/internal/domain/order"
	"github.com/openpharma/stockflow/internal/domain/stock"
	"github.com/openpharma/stockflow/internal/infrastructure/memory"
	"github.com/openpharma/stockflow/internal/ledger"
	"github.com/openpharma/stockflow/internal/workflow/orders"
)

func newService(t *testing.T) (*orders.Service, *ledger.Ledger) {
	t.Helper()
	led := ledger.New(memory.NewLedgerStore(), nil)
	meds := catalog.NewStaticDirectory().
		PutMedication(catalog.Medication{ID: "amoxicillin", Name: "Amoxicillin 500mg", Unit: "capsule", Status: catalog.MedicationActive}).
		PutMedication(catalog.Medication{ID: "ibuprofen", Name: "Ibuprofen 400mg", Unit: "tablet", Status: catalog.MedicationActive}).
		PutMedication(catalog.Medication{ID: "laudanum", Name: "Laudanum", Unit: "ml", Status: catalog.MedicationDiscontinued})
	return orders.NewService(memory.NewOrderRepository(), led, meds, nil), led
}

func createOrder(t *testing.T, svc *orders.Service, items ...order.Item) *order.Order {
	t.Helper()
	o, err := svc.Create(context.Background(), orders.CreateRequest{
		SupplierID: "supplier-1",
		Items:      items,
	}, "buyer")
	require.NoError(t, err)
	return o
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, orders.CreateRequest{Items: []order.Item{{MedicationID: "amoxicillin", Quantity: 1}}}, "buyer")
	require.ErrorIs(t, err, stock.ErrInvalidInput, "missing supplier")

	_, err = svc.Create(ctx, orders.CreateRequest{SupplierID: "supplier-1"}, "buyer")
	require.ErrorIs(t, err, stock.ErrInvalidInput, "no items")

	_, err = svc.Create(ctx, orders.CreateRequest{
		SupplierID: "supplier-1",
		Items:      []order.Item{{MedicationID: "amoxicillin", Quantity: 0}},
	}, "buyer")
	require.ErrorIs(t, err, stock.ErrInvalidInput, "non-positive quantity")

	_, err = svc.Create(ctx, orders.CreateRequest{
		SupplierID: "supplier-1",
		Items:      []order.Item{{MedicationID: "unobtainium", Quantity: 1}},
	}, "buyer")
	require.ErrorIs(t, err, stock.ErrInvalidInput, "unknown medication")

	_, err = svc.Create(ctx, orders.CreateRequest{
		SupplierID: "supplier-1",
		Items:      []order.Item{{MedicationID: "laudanum", Quantity: 1}},
	}, "buyer")
	require.ErrorIs(t, err, stock.ErrInvalidInput, "discontinued medication")
}

func TestLifecycleCreditsCentralOnce(t *testing.T) {
	svc, led := newService(t)
	ctx := context.Background()

	o := createOrder(t, svc,
		order.Item{MedicationID: "amoxicillin", Quantity: 100},
		order.Item{MedicationID: "ibuprofen", Quantity: 50},
	)
	assert.Equal(t, order.StatusPending, o.Status)

	// Nothing is credited before delivery.
	balance, _ := led.Balance(ctx, stock.Central, "amoxicillin")
	assert.Equal(t, int64(0), balance)

	_, err := svc.Approve(ctx, o.ID)
	require.NoError(t, err)
	_, err = svc.MarkInTransit(ctx, o.ID)
	require.NoError(t, err)

	res, err := svc.Deliver(ctx, o.ID, "receiver")
	require.NoError(t, err)
	assert.Equal(t, order.StatusDelivered, res.Order.Status)
	assert.NotNil(t, res.Order.DeliveredAt)
	assert.Equal(t, 2, res.ItemsProcessed)
	assert.Equal(t, 2, res.MovementsCreated)

	balance, _ = led.Balance(ctx, stock.Central, "amoxicillin")
	assert.Equal(t, int64(100), balance)
	balance, _ = led.Balance(ctx, stock.Central, "ibuprofen")
	assert.Equal(t, int64(50), balance)

	movs, err := led.ListMovements(ctx, stock.Filter{ReferenceType: stock.RefOrder})
	require.NoError(t, err)
	require.Len(t, movs, 2)
	assert.Equal(t, o.ID, movs[0].Reference.ID)
	assert.Equal(t, "receiver", movs[0].CreatedBy)
}

func TestDeliverTwiceFails(t *testing.T) {
	svc, led := newService(t)
	ctx := context.Background()

	o := createOrder(t, svc, order.Item{MedicationID: "amoxicillin", Quantity: 10})
	_, err := svc.Approve(ctx, o.ID)
	require.NoError(t, err)
	_, err = svc.MarkInTransit(ctx, o.ID)
	require.NoError(t, err)
	_, err = svc.Deliver(ctx, o.ID, "receiver")
	require.NoError(t, err)

	_, err = svc.Deliver(ctx, o.ID, "receiver")
	require.ErrorIs(t, err, stock.ErrInvalidTransition)

	balance, _ := led.Balance(ctx, stock.Central, "amoxicillin")
	assert.Equal(t, int64(10), balance, "stock credited exactly once")
}

func TestConcurrentDeliveryIsExactlyOnce(t *testing.T) {
	svc, led := newService(t)
	ctx := context.Background()

	o := createOrder(t, svc, order.Item{MedicationID: "amoxicillin", Quantity: 10})
	_, err := svc.Approve(ctx, o.ID)
	require.NoError(t, err)
	_, err = svc.MarkInTransit(ctx, o.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Deliver(ctx, o.ID, "receiver")
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, stock.ErrInvalidTransition)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	balance, _ := led.Balance(ctx, stock.Central, "amoxicillin")
	assert.Equal(t, int64(10), balance)
}

func TestTransitionRules(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	t.Run("deliver from pending", func(t *testing.T) {
		o := createOrder(t, svc, order.Item{MedicationID: "amoxicillin", Quantity: 1})
		_, err := svc.Deliver(ctx, o.ID, "receiver")
		require.ErrorIs(t, err, stock.ErrInvalidTransition)
	})

	t.Run("approve twice", func(t *testing.T) {
		o := createOrder(t, svc, order.Item{MedicationID: "amoxicillin", Quantity: 1})
		_, err := svc.Approve(ctx, o.ID)
		require.NoError(t, err)
		_, err = svc.Approve(ctx, o.ID)
		require.ErrorIs(t, err, stock.ErrInvalidTransition)
	})

	t.Run("cancel pending and approved", func(t *testing.T) {
		o := createOrder(t, svc, order.Item{MedicationID: "amoxicillin", Quantity: 1})
		got, err := svc.Cancel(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, order.StatusCancelled, got.Status)

		o = createOrder(t, svc, order.Item{MedicationID: "amoxicillin", Quantity: 1})
		_, err = svc.Approve(ctx, o.ID)
		require.NoError(t, err)
		_, err = svc.Cancel(ctx, o.ID)
		require.NoError(t, err)
	})

	t.Run("cancel in transit", func(t *testing.T) {
		o := createOrder(t, svc, order.Item{MedicationID: "amoxicillin", Quantity: 1})
		_, err := svc.Approve(ctx, o.ID)
		require.NoError(t, err)
		_, err = svc.MarkInTransit(ctx, o.ID)
		require.NoError(t, err)
		_, err = svc.Cancel(ctx, o.ID)
		require.ErrorIs(t, err, stock.ErrInvalidTransition)
	})

	t.Run("unknown order", func(t *testing.T) {
		_, err := svc.Approve(ctx, "missing")
		require.ErrorIs(t, err, stock.ErrNotFound)
	})
}

func TestListFilters(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	a := createOrder(t, svc, order.Item{MedicationID: "amoxicillin", Quantity: 1})
	createOrder(t, svc, order.Item{MedicationID: "ibuprofen", Quantity: 1})
	_, err := svc.Approve(ctx, a.ID)
	require.NoError(t, err)

	all, err := svc.List(ctx, order.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	approved, err := svc.List(ctx, order.ListFilter{Status: order.StatusApproved})
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.Equal(t, a.ID, approved[0].ID)
}
