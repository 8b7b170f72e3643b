// Package postgres provides PostgreSQL infrastructure components: the ledger
// store, the workflow repositories and the Transactional Outbox used for
// reliable event publishing.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/openpharma/stockflow/internal/domain/stock"
	"github.com/openpharma/stockflow/internal/infrastructure/redpanda"
)

// LedgerStore persists movements and cached levels. ApplyBatch runs in one
// transaction that also writes outbox entries, so movement events reach the
// broker if and only if the batch committed.
type LedgerStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewLedgerStore creates a store over the given pool.
func NewLedgerStore(pool *pgxpool.Pool, logger *zap.Logger) *LedgerStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerStore{pool: pool, logger: logger}
}

// siteParam maps a scope to the nullable site_id column.
func siteParam(s stock.Scope) *string {
	if s.IsCentral() {
		return nil
	}
	id := s.SiteID
	return &id
}

func scopeOf(siteID *string) stock.Scope {
	if siteID == nil {
		return stock.Central
	}
	return stock.SiteScope(*siteID)
}

// Level returns the cached level for one key, zero-quantity if never written.
func (s *LedgerStore) Level(ctx context.Context, scope stock.Scope, medicationID string) (stock.Level, error) {
	query := `
		SELECT quantity, min_stock, max_stock, updated_at
		FROM stock_levels
		WHERE site_id IS NOT DISTINCT FROM $1 AND medication_id = $2
	`
	lvl := stock.Level{Scope: scope, MedicationID: medicationID}
	err := s.pool.QueryRow(ctx, query, siteParam(scope), medicationID).
		Scan(&lvl.Quantity, &lvl.MinStock, &lvl.MaxStock, &lvl.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return lvl, nil
	}
	if err != nil {
		return stock.Level{}, fmt.Errorf("query level: %w", mapError(err))
	}
	return lvl, nil
}

// Levels returns every cached level in a scope.
func (s *LedgerStore) Levels(ctx context.Context, scope stock.Scope) ([]stock.Level, error) {
	query := `
		SELECT medication_id, quantity, min_stock, max_stock, updated_at
		FROM stock_levels
		WHERE site_id IS NOT DISTINCT FROM $1
		ORDER BY medication_id
	`
	rows, err := s.pool.Query(ctx, query, siteParam(scope))
	if err != nil {
		return nil, fmt.Errorf("query levels: %w", mapError(err))
	}
	defer rows.Close()

	var out []stock.Level
	for rows.Next() {
		lvl := stock.Level{Scope: scope}
		if err := rows.Scan(&lvl.MedicationID, &lvl.Quantity, &lvl.MinStock, &lvl.MaxStock, &lvl.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan level: %w", err)
		}
		out = append(out, lvl)
	}
	return out, rows.Err()
}

// AllLevels returns every cached level across all scopes.
func (s *LedgerStore) AllLevels(ctx context.Context) ([]stock.Level, error) {
	query := `
		SELECT site_id, medication_id, quantity, min_stock, max_stock, updated_at
		FROM stock_levels
		ORDER BY site_id NULLS FIRST, medication_id
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query all levels: %w", mapError(err))
	}
	defer rows.Close()

	var out []stock.Level
	for rows.Next() {
		var siteID *string
		var lvl stock.Level
		if err := rows.Scan(&siteID, &lvl.MedicationID, &lvl.Quantity, &lvl.MinStock, &lvl.MaxStock, &lvl.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan level: %w", err)
		}
		lvl.Scope = scopeOf(siteID)
		out = append(out, lvl)
	}
	return out, rows.Err()
}

// ApplyBatch appends movements, overwrites levels and writes one outbox entry
// per movement, all in a single transaction. Each row is locked and its stored
// quantity compared against the quantity the caller read; a mismatch means
// another process wrote the key since, and the whole batch fails with Conflict
// so the caller can retry against fresh balances. This keeps the non-negative
// invariant when several replicas share one database.
func (s *LedgerStore) ApplyBatch(ctx context.Context, movements []stock.Movement, levels []stock.LevelWrite) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", mapError(err))
	}
	defer tx.Rollback(ctx)

	for _, m := range movements {
		if err := s.insertMovement(ctx, tx, m); err != nil {
			return err
		}
	}
	for _, lw := range levels {
		if err := s.guardedUpsert(ctx, tx, lw); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", mapError(err))
	}
	return nil
}

// guardedUpsert locks one level row, verifies the stored quantity still equals
// the caller's observed value and writes the new quantity. Absent rows count
// as quantity zero.
func (s *LedgerStore) guardedUpsert(ctx context.Context, tx pgx.Tx, lw stock.LevelWrite) error {
	var current int64
	err := tx.QueryRow(ctx, `
		SELECT quantity FROM stock_levels
		WHERE site_id IS NOT DISTINCT FROM $1 AND medication_id = $2
		FOR UPDATE
	`, siteParam(lw.Scope), lw.MedicationID).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("lock level: %w", mapError(err))
	}
	if current != lw.Previous {
		return fmt.Errorf("level %s: expected quantity %d, found %d: %w",
			lw.Scope.Key(lw.MedicationID), lw.Previous, current, stock.ErrConflict)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO stock_levels (site_id, medication_id, quantity, min_stock, max_stock, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (scope_key) DO UPDATE
		SET quantity = EXCLUDED.quantity, updated_at = EXCLUDED.updated_at
	`, siteParam(lw.Scope), lw.MedicationID, lw.Quantity, lw.MinStock, lw.MaxStock, lw.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert level: %w", mapError(err))
	}
	return nil
}

func (s *LedgerStore) insertMovement(ctx context.Context, tx pgx.Tx, m stock.Movement) error {
	query := `
		INSERT INTO stock_movements
		(id, medication_id, site_id, movement_type, quantity, reference_type, reference_id, created_by, created_at, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING sequence
	`
	err := tx.QueryRow(ctx, query,
		m.ID, m.MedicationID, siteParam(m.Scope), m.Type, m.Quantity,
		m.Reference.Type, m.Reference.ID, m.CreatedBy, m.CreatedAt, m.Notes,
	).Scan(&m.Sequence)
	if err != nil {
		return fmt.Errorf("insert movement: %w", mapError(err))
	}

	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal movement event: %w", err)
	}
	return WriteEntry(ctx, tx, &OutboxEntry{
		AggregateID:   m.ID,
		AggregateType: "StockMovement",
		EventType:     "MovementAppended",
		Payload:       payload,
		KafkaTopic:    redpanda.TopicStockMovements,
		KafkaKey:      m.Scope.Key(m.MedicationID),
	})
}

// Movements lists movements matching the filter, newest first.
func (s *LedgerStore) Movements(ctx context.Context, f stock.Filter) ([]stock.Movement, error) {
	query := `
		SELECT id, sequence, medication_id, site_id, movement_type, quantity,
		       reference_type, reference_id, created_by, created_at, notes
		FROM stock_movements
	`
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, cond+"$"+strconv.Itoa(len(args)))
	}
	if f.MedicationID != "" {
		add("medication_id = ", f.MedicationID)
	}
	if f.Scope != nil {
		add("site_id IS NOT DISTINCT FROM ", siteParam(*f.Scope))
	}
	if f.Type != "" {
		add("movement_type = ", f.Type)
	}
	if f.ReferenceType != "" {
		add("reference_type = ", f.ReferenceType)
	}
	if f.DateFrom != nil {
		add("created_at >= ", *f.DateFrom)
	}
	if f.DateTo != nil {
		add("created_at <= ", *f.DateTo)
	}
	for i, cond := range where {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY created_at DESC, sequence DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query movements: %w", mapError(err))
	}
	defer rows.Close()

	var out []stock.Movement
	for rows.Next() {
		var m stock.Movement
		var siteID *string
		err := rows.Scan(&m.ID, &m.Sequence, &m.MedicationID, &siteID, &m.Type, &m.Quantity,
			&m.Reference.Type, &m.Reference.ID, &m.CreatedBy, &m.CreatedAt, &m.Notes)
		if err != nil {
			return nil, fmt.Errorf("scan movement: %w", err)
		}
		m.Scope = scopeOf(siteID)
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetThresholds upserts min/max bounds for one key, preserving quantity.
func (s *LedgerStore) SetThresholds(ctx context.Context, scope stock.Scope, medicationID string, minStock, maxStock int64) error {
	query := `
		INSERT INTO stock_levels (site_id, medication_id, quantity, min_stock, max_stock, updated_at)
		VALUES ($1, $2, 0, $3, $4, $5)
		ON CONFLICT (scope_key) DO UPDATE
		SET min_stock = EXCLUDED.min_stock, max_stock = EXCLUDED.max_stock, updated_at = EXCLUDED.updated_at
	`
	_, err := s.pool.Exec(ctx, query, siteParam(scope), medicationID, minStock, maxStock, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set thresholds: %w", mapError(err))
	}
	return nil
}

// mapError translates transaction conflicts into the domain's Conflict error
// so callers can retry with backoff.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03": // serialization, deadlock, lock not available
			return fmt.Errorf("%w: %s", stock.ErrConflict, pgErr.Message)
		}
	}
	return err
}
