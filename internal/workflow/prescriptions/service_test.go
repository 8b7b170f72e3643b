package prescriptions_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpharma/stockflow/internal/catalog"
	"github.com/openpharma/stockflow/internal/domain/prescription"
	"github.com/openpharma/stockflow/internal/domain/stock"
	"github.com/openpharma/stockflow/internal/infrastructure/memory"
	"github.com/openpharma/stockflow/internal/ledger"
	"github.com/openpharma/stockflow/internal/query"
	"github.com/openpharma/stockflow/internal/workflow/prescriptions"
)

var patient = prescription.Patient{ID: "pat-1", FirstName: "Ada", LastName: "Martin"}

func newService(t *testing.T) (*prescriptions.Service, *ledger.Ledger) {
	t.Helper()
	led := ledger.New(memory.NewLedgerStore(), nil)
	dir := catalog.NewStaticDirectory().
		PutMedication(catalog.Medication{ID: "med-a", Name: "Med A", Unit: "tablet", Status: catalog.MedicationActive}).
		PutSite(catalog.Site{ID: "site-1", Name: "North Clinic", Active: true})
	return prescriptions.NewService(memory.NewPrescriptionRepository(), led, dir, dir, nil), led
}

func stockSite(t *testing.T, led *ledger.Ledger, med string, qty int64) {
	t.Helper()
	_, err := led.Append(context.Background(), ledger.Entry{
		Scope:        stock.SiteScope("site-1"),
		MedicationID: med,
		Type:         stock.MovementIn,
		Quantity:     qty,
		Reference:    stock.Reference{Type: stock.RefAdjustment, ID: "seed"},
		CreatedBy:    "seed",
	})
	require.NoError(t, err)
}

func createRx(t *testing.T, svc *prescriptions.Service, qty int64) *prescriptions.CreateResult {
	t.Helper()
	res, err := svc.Create(context.Background(), prescriptions.CreateRequest{
		SiteID:  "site-1",
		Patient: patient,
		Items:   []prescription.Item{{MedicationID: "med-a", Quantity: qty, Dosage: "1x daily"}},
	}, "pharmacist")
	require.NoError(t, err)
	return res
}

func TestCreateWarnsButPersistsWhenShort(t *testing.T) {
	svc, led := newService(t)
	stockSite(t, led, "med-a", 3)

	res := createRx(t, svc, 5)
	assert.Equal(t, prescription.StatusPending, res.Prescription.Status)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "med-a", res.Warnings[0].MedicationID)
	assert.Equal(t, int64(5), res.Warnings[0].Requested)
	assert.Equal(t, int64(3), res.Warnings[0].Available)

	// The warning is advisory; the prescription still exists.
	got, err := svc.Get(context.Background(), res.Prescription.ID)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusPending, got.Status)
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, prescriptions.CreateRequest{
		SiteID: "site-1",
		Items:  []prescription.Item{{MedicationID: "med-a", Quantity: 1}},
	}, "pharmacist")
	require.ErrorIs(t, err, stock.ErrInvalidInput, "missing patient")

	_, err = svc.Create(ctx, prescriptions.CreateRequest{
		SiteID:  "nowhere",
		Patient: patient,
		Items:   []prescription.Item{{MedicationID: "med-a", Quantity: 1}},
	}, "pharmacist")
	require.ErrorIs(t, err, stock.ErrNotFound, "unknown site")
}

func TestPreparedDebitsSiteStock(t *testing.T) {
	svc, led := newService(t)
	ctx := context.Background()
	stockSite(t, led, "med-a", 10)

	res := createRx(t, svc, 4)
	assert.Empty(t, res.Warnings)
	id := res.Prescription.ID

	prep, err := svc.Prepare(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusPreparing, prep.Prescription.Status)
	assert.Empty(t, prep.Warnings)

	// PREPARING reserves nothing.
	b, _ := led.Balance(ctx, stock.SiteScope("site-1"), "med-a")
	assert.Equal(t, int64(10), b)

	done, err := svc.MarkPrepared(ctx, id, "pharmacist")
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusPrepared, done.Prescription.Status)
	assert.NotNil(t, done.Prescription.PreparedAt)
	assert.Equal(t, 1, done.MovementsCreated)

	b, _ = led.Balance(ctx, stock.SiteScope("site-1"), "med-a")
	assert.Equal(t, int64(6), b)

	movs, err := led.ListMovements(ctx, stock.Filter{ReferenceType: stock.RefPrescription})
	require.NoError(t, err)
	require.Len(t, movs, 1)
	assert.Equal(t, id, movs[0].Reference.ID)
	assert.Equal(t, int64(-4), movs[0].Quantity)
}

func TestInsufficientAtPreparedAllowsRetry(t *testing.T) {
	svc, led := newService(t)
	ctx := context.Background()
	stockSite(t, led, "med-a", 2)

	res := createRx(t, svc, 5)
	id := res.Prescription.ID
	_, err := svc.Prepare(ctx, id)
	require.NoError(t, err)

	_, err = svc.MarkPrepared(ctx, id, "pharmacist")
	require.ErrorIs(t, err, stock.ErrInsufficientStock)

	got, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusPreparing, got.Status, "stays PREPARING for retry")
	b, _ := led.Balance(ctx, stock.SiteScope("site-1"), "med-a")
	assert.Equal(t, int64(2), b, "nothing debited")

	stockSite(t, led, "med-a", 3)
	done, err := svc.MarkPrepared(ctx, id, "pharmacist")
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusPrepared, done.Prescription.Status)
	b, _ = led.Balance(ctx, stock.SiteScope("site-1"), "med-a")
	assert.Equal(t, int64(0), b)
}

func TestContendingPrescriptionsNeverOversell(t *testing.T) {
	svc, led := newService(t)
	ctx := context.Background()
	stockSite(t, led, "med-a", 3)

	// Two prescriptions for 2 units each against 3 units on hand. Only one
	// can be prepared; the loser keeps its PREPARING state.
	first := createRx(t, svc, 2).Prescription.ID
	second := createRx(t, svc, 2).Prescription.ID
	_, err := svc.Prepare(ctx, first)
	require.NoError(t, err)
	_, err = svc.Prepare(ctx, second)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{first, second} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = svc.MarkPrepared(ctx, id, "pharmacist")
		}(i, id)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, stock.ErrInsufficientStock)
		}
	}
	assert.Equal(t, 1, succeeded)

	b, _ := led.Balance(ctx, stock.SiteScope("site-1"), "med-a")
	assert.Equal(t, int64(1), b)
}

func TestPreparedDrainingSiteRaisesOutOfStockAlert(t *testing.T) {
	store := memory.NewLedgerStore()
	led := ledger.New(store, nil)
	dir := catalog.NewStaticDirectory().
		PutMedication(catalog.Medication{ID: "med-a", Name: "Med A", Unit: "tablet", Status: catalog.MedicationActive}).
		PutSite(catalog.Site{ID: "site-1", Name: "North Clinic", Active: true})
	svc := prescriptions.NewService(memory.NewPrescriptionRepository(), led, dir, dir, nil)
	facade := query.NewFacade(store)
	ctx := context.Background()

	stockSite(t, led, "med-a", 3)
	require.NoError(t, led.SetThresholds(ctx, stock.SiteScope("site-1"), "med-a", 1, 0))

	// Preparing the full balance drains the site to zero.
	id := createRx(t, svc, 3).Prescription.ID
	_, err := svc.Prepare(ctx, id)
	require.NoError(t, err)
	done, err := svc.MarkPrepared(ctx, id, "pharmacist")
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusPrepared, done.Prescription.Status)

	b, _ := led.Balance(ctx, stock.SiteScope("site-1"), "med-a")
	require.Equal(t, int64(0), b)

	// The read side now flags the key as out of stock at that site.
	site := stock.SiteScope("site-1")
	alerts, err := facade.GetAlerts(ctx, query.AlertFilter{Scope: &site})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "med-a", alerts[0].MedicationID)
	assert.Equal(t, site, alerts[0].Scope)
	assert.True(t, alerts[0].OutOfStock)
	assert.Equal(t, int64(0), alerts[0].Quantity)
}

func TestCancelRules(t *testing.T) {
	svc, led := newService(t)
	ctx := context.Background()
	stockSite(t, led, "med-a", 10)

	t.Run("pending", func(t *testing.T) {
		id := createRx(t, svc, 1).Prescription.ID
		got, err := svc.Cancel(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, prescription.StatusCancelled, got.Status)
	})

	t.Run("preparing", func(t *testing.T) {
		id := createRx(t, svc, 1).Prescription.ID
		_, err := svc.Prepare(ctx, id)
		require.NoError(t, err)
		_, err = svc.Cancel(ctx, id)
		require.NoError(t, err)
	})

	t.Run("prepared", func(t *testing.T) {
		id := createRx(t, svc, 1).Prescription.ID
		_, err := svc.Prepare(ctx, id)
		require.NoError(t, err)
		_, err = svc.MarkPrepared(ctx, id, "pharmacist")
		require.NoError(t, err)
		_, err = svc.Cancel(ctx, id)
		require.ErrorIs(t, err, stock.ErrInvalidTransition)
	})
}
