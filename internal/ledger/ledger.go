package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/openpharma/stockflow/internal/domain/stock"
	"github.com/openpharma/stockflow/internal/observability/metrics"
	"github.com/openpharma/stockflow/pkg/keylock"
)

// Entry is a requested ledger write. Quantity is the positive magnitude for
// IN/OUT/TRANSFER types; for ADJUSTMENT it is the signed delta itself.
type Entry struct {
	Scope        stock.Scope
	MedicationID string
	Type         stock.MovementType
	Quantity     int64
	Reference    stock.Reference
	CreatedBy    string
	Notes        string
}

// delta returns the signed quantity the entry applies to its key.
func (e Entry) delta() int64 {
	if e.Type.Outbound() {
		return -e.Quantity
	}
	return e.Quantity
}

// Ledger is the single writer of stock quantities. All mutation goes through
// Append/AppendBatch/Synchronize, which serialize per (scope, medication) key.
type Ledger struct {
	store   Store
	locks   *keylock.Registry
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics
}

// New creates a ledger over the given store.
func New(store Store, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:  store,
		locks:  keylock.NewRegistry(),
		logger: logger,
		tracer: otel.Tracer("stock-ledger"),
	}
}

// WithMetrics attaches Prometheus instrumentation.
func (l *Ledger) WithMetrics(m *metrics.Metrics) *Ledger {
	l.metrics = m
	return l
}

// Append writes one movement and updates its cached level atomically.
// Fails with InsufficientStock if the resulting balance would be negative.
func (l *Ledger) Append(ctx context.Context, e Entry) (stock.Movement, error) {
	movs, err := l.AppendBatch(ctx, []Entry{e})
	if err != nil {
		return stock.Movement{}, err
	}
	return movs[0], nil
}

// AppendBatch writes a set of movements all-or-nothing. Every entry's
// resulting balance is validated under the key locks before anything is
// committed; a single violation rejects the whole batch.
func (l *Ledger) AppendBatch(ctx context.Context, entries []Entry) ([]stock.Movement, error) {
	ctx, span := l.tracer.Start(ctx, "ledger_append_batch",
		trace.WithAttributes(attribute.Int("entries", len(entries))))
	defer span.End()

	if len(entries) == 0 {
		return nil, stock.Invalidf("empty batch")
	}
	for _, e := range entries {
		if err := validateEntry(e); err != nil {
			return nil, err
		}
	}

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Scope.Key(e.MedicationID))
	}
	release := l.locks.LockAll(keys)
	defer release()

	// Read current balances once per key, then run every entry against the
	// running balance so multi-entry batches touching one key stay correct.
	// The initial quantities double as the optimistic guard for the write.
	balances := make(map[string]stock.Level)
	initial := make(map[string]int64)
	for _, e := range entries {
		key := e.Scope.Key(e.MedicationID)
		if _, ok := balances[key]; ok {
			continue
		}
		lvl, err := l.store.Level(ctx, e.Scope, e.MedicationID)
		if err != nil {
			return nil, err
		}
		balances[key] = lvl
		initial[key] = lvl.Quantity
	}

	now := time.Now().UTC()
	movements := make([]stock.Movement, 0, len(entries))
	for _, e := range entries {
		key := e.Scope.Key(e.MedicationID)
		lvl := balances[key]
		next := lvl.Quantity + e.delta()
		if next < 0 {
			if l.metrics != nil {
				l.metrics.BatchesRejected.Inc()
			}
			span.SetAttributes(attribute.String("rejected_medication", e.MedicationID))
			return nil, &stock.InsufficientStockError{
				Scope:        e.Scope,
				MedicationID: e.MedicationID,
				Requested:    -e.delta(),
				Available:    lvl.Quantity,
			}
		}
		lvl.Quantity = next
		lvl.UpdatedAt = now
		balances[key] = lvl

		movements = append(movements, stock.Movement{
			ID:           uuid.New().String(),
			MedicationID: e.MedicationID,
			Scope:        e.Scope,
			Type:         e.Type,
			Quantity:     e.delta(),
			Reference:    e.Reference,
			CreatedBy:    e.CreatedBy,
			CreatedAt:    now,
			Notes:        e.Notes,
		})
	}

	levels := make([]stock.LevelWrite, 0, len(balances))
	for key, lvl := range balances {
		levels = append(levels, stock.LevelWrite{Level: lvl, Previous: initial[key]})
	}
	sort.Slice(levels, func(i, j int) bool {
		return levels[i].Scope.Key(levels[i].MedicationID) < levels[j].Scope.Key(levels[j].MedicationID)
	})

	if err := l.store.ApplyBatch(ctx, movements, levels); err != nil {
		return nil, err
	}

	if l.metrics != nil {
		l.metrics.MovementsAppended.Add(float64(len(movements)))
	}
	l.logger.Debug("movements appended",
		zap.Int("count", len(movements)),
		zap.String("reference_type", string(entries[0].Reference.Type)),
		zap.String("reference_id", entries[0].Reference.ID),
	)
	return movements, nil
}

// Balance returns the cached balance for one key. Reads do not block writers
// and may trail an in-flight batch by a moment.
func (l *Ledger) Balance(ctx context.Context, scope stock.Scope, medicationID string) (int64, error) {
	lvl, err := l.store.Level(ctx, scope, medicationID)
	if err != nil {
		return 0, err
	}
	return lvl.Quantity, nil
}

// SetThresholds sets the min/max bounds feeding low-stock alerts for one key.
func (l *Ledger) SetThresholds(ctx context.Context, scope stock.Scope, medicationID string, minStock, maxStock int64) error {
	if medicationID == "" {
		return stock.Invalidf("medication_id is required")
	}
	if minStock < 0 || (maxStock != 0 && maxStock < minStock) {
		return stock.Invalidf("thresholds out of range: min=%d max=%d", minStock, maxStock)
	}
	key := scope.Key(medicationID)
	l.locks.Lock(key)
	defer l.locks.Unlock(key)
	return l.store.SetThresholds(ctx, scope, medicationID, minStock, maxStock)
}

// ListMovements lists ledger rows matching the filter, newest first. A fresh
// call re-evaluates the filter against current ledger state.
func (l *Ledger) ListMovements(ctx context.Context, f stock.Filter) ([]stock.Movement, error) {
	return l.store.Movements(ctx, f)
}

// Summarize aggregates the movements matching the same filter predicate as
// ListMovements.
func (l *Ledger) Summarize(ctx context.Context, f stock.Filter) (stock.Summary, error) {
	movs, err := l.store.Movements(ctx, f)
	if err != nil {
		return stock.Summary{}, err
	}
	var s stock.Summary
	for _, m := range movs {
		s.Total++
		if m.Quantity > 0 {
			s.TotalIn += m.Quantity
		} else {
			s.TotalOut += -m.Quantity
		}
		if m.Type == stock.MovementAdjustment {
			s.AdjustmentCount++
		}
	}
	return s, nil
}

func validateEntry(e Entry) error {
	if e.MedicationID == "" {
		return stock.Invalidf("medication_id is required")
	}
	if !e.Type.Valid() {
		return stock.Invalidf("unknown movement type %q", e.Type)
	}
	if e.Type == stock.MovementAdjustment {
		if e.Quantity == 0 {
			return stock.Invalidf("adjustment quantity must be non-zero")
		}
	} else if e.Quantity <= 0 {
		return stock.Invalidf("quantity must be positive, got %d", e.Quantity)
	}
	if e.Reference.Type == "" || e.Reference.ID == "" {
		return stock.Invalidf("movement reference is required")
	}
	return nil
}
