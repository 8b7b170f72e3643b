package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/openpharma/stockflow/internal/domain/stock"
)

// SyncAdjustment records one corrected key of a reconciliation run.
type SyncAdjustment struct {
	MedicationID string `json:"medication_id"`
	Cached       int64  `json:"cached"`
	Replayed     int64  `json:"replayed"`
	Delta        int64  `json:"delta"`
	MovementID   string `json:"movement_id"`
}

// SyncReport summarizes a reconciliation run over one scope.
type SyncReport struct {
	Scope       stock.Scope      `json:"scope"`
	Adjustments int              `json:"adjustments"`
	Details     []SyncAdjustment `json:"details,omitempty"`
	SyncedAt    time.Time        `json:"synced_at"`
}

// Synchronize replays the scope's movements in order, compares each
// medication's replayed balance to the cached level, and heals every mismatch
// by appending an ADJUSTMENT movement equal to the difference. The cached
// quantity is the reconciliation target (it is what operators correct after a
// physical count or manual fix), so after a run the movement sum, the cache
// and Balance all agree, and an immediate second run adjusts nothing.
//
// Each key is corrected under its own lock; the run may overlap normal
// traffic without racing a concurrent append on the same key.
func (l *Ledger) Synchronize(ctx context.Context, scope stock.Scope) (*SyncReport, error) {
	ctx, span := l.tracer.Start(ctx, "ledger_synchronize",
		trace.WithAttributes(attribute.String("scope", scope.String())))
	defer span.End()

	report := &SyncReport{Scope: scope, SyncedAt: time.Now().UTC()}
	runID := uuid.New().String()

	meds, err := l.scopeMedications(ctx, scope)
	if err != nil {
		return nil, err
	}

	for _, med := range meds {
		adj, err := l.reconcileKey(ctx, scope, med, runID)
		if err != nil {
			return nil, fmt.Errorf("reconcile %s at %s: %w", med, scope, err)
		}
		if adj != nil {
			report.Adjustments++
			report.Details = append(report.Details, *adj)
		}
	}

	span.SetAttributes(attribute.Int("adjustments", report.Adjustments))
	if report.Adjustments > 0 {
		l.logger.Warn("stock reconciliation corrected drift",
			zap.String("scope", scope.String()),
			zap.Int("adjustments", report.Adjustments),
		)
	}
	if l.metrics != nil {
		l.metrics.SyncAdjustments.Add(float64(report.Adjustments))
	}
	return report, nil
}

// scopeMedications returns the union of medications appearing in the scope's
// movements or levels, sorted for a deterministic run order.
func (l *Ledger) scopeMedications(ctx context.Context, scope stock.Scope) ([]string, error) {
	seen := make(map[string]struct{})

	movs, err := l.store.Movements(ctx, stock.Filter{Scope: &scope})
	if err != nil {
		return nil, err
	}
	for _, m := range movs {
		seen[m.MedicationID] = struct{}{}
	}

	levels, err := l.store.Levels(ctx, scope)
	if err != nil {
		return nil, err
	}
	for _, lvl := range levels {
		seen[lvl.MedicationID] = struct{}{}
	}

	meds := make([]string, 0, len(seen))
	for med := range seen {
		meds = append(meds, med)
	}
	sort.Strings(meds)
	return meds, nil
}

// reconcileKey re-reads one key under its lock and appends the healing
// adjustment if the replayed sum disagrees with the cache.
func (l *Ledger) reconcileKey(ctx context.Context, scope stock.Scope, med, runID string) (*SyncAdjustment, error) {
	key := scope.Key(med)
	l.locks.Lock(key)
	defer l.locks.Unlock(key)

	movs, err := l.store.Movements(ctx, stock.Filter{Scope: &scope, MedicationID: med})
	if err != nil {
		return nil, err
	}
	var replayed int64
	for _, m := range movs {
		replayed += m.Quantity
	}

	lvl, err := l.store.Level(ctx, scope, med)
	if err != nil {
		return nil, err
	}
	if replayed == lvl.Quantity {
		return nil, nil
	}

	delta := lvl.Quantity - replayed
	now := time.Now().UTC()
	mov := stock.Movement{
		ID:           uuid.New().String(),
		MedicationID: med,
		Scope:        scope,
		Type:         stock.MovementAdjustment,
		Quantity:     delta,
		Reference:    stock.Reference{Type: stock.RefAdjustment, ID: runID},
		CreatedBy:    "synchronize",
		CreatedAt:    now,
		Notes:        fmt.Sprintf("reconciliation: cached %d, replayed %d", lvl.Quantity, replayed),
	}
	lvl.UpdatedAt = now
	// The adjustment corrects the movement log; the cached quantity itself is
	// the target and stays put, so the guard is the value just read.
	write := stock.LevelWrite{Level: lvl, Previous: lvl.Quantity}
	if err := l.store.ApplyBatch(ctx, []stock.Movement{mov}, []stock.LevelWrite{write}); err != nil {
		return nil, err
	}

	return &SyncAdjustment{
		MedicationID: med,
		Cached:       lvl.Quantity,
		Replayed:     replayed,
		Delta:        delta,
		MovementID:   mov.ID,
	}, nil
}
