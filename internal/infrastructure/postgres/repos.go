package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/openpharma/stockflow/internal/domain/distribution"
	"github.com/openpharma/stockflow/internal/domain/order"
	"github.com/openpharma/stockflow/internal/domain/prescription"
	"github.com/openpharma/stockflow/internal/domain/stock"
	"github.com/openpharma/stockflow/internal/infrastructure/redpanda"
)

// writeFulfillmentEvent appends a status-change event to the outbox inside the
// entity's own transaction, so the event reaches the broker if and only if the
// update commits.
func writeFulfillmentEvent(ctx context.Context, tx pgx.Tx, aggregateType, eventType string, ev redpanda.FulfillmentEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal fulfillment event: %w", err)
	}
	return WriteEntry(ctx, tx, &OutboxEntry{
		AggregateID:   ev.ID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Payload:       payload,
		KafkaTopic:    redpanda.TopicFulfillmentEvents,
		KafkaKey:      ev.ID,
	})
}

// OrderRepository persists supplier orders. Items are stored as a JSONB
// document; they are immutable after creation.
type OrderRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewOrderRepository creates a repository over the given pool.
func NewOrderRepository(pool *pgxpool.Pool, logger *zap.Logger) *OrderRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderRepository{pool: pool, logger: logger}
}

func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	query := `
		INSERT INTO orders (id, supplier_id, status, items, notes, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.pool.Exec(ctx, query,
		o.ID, o.SupplierID, o.Status, items, o.Notes, o.CreatedBy, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", mapError(err))
	}
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	query := `
		SELECT id, supplier_id, status, items, notes, created_by, created_at, updated_at, delivered_at
		FROM orders WHERE id = $1
	`
	var o order.Order
	var items []byte
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&o.ID, &o.SupplierID, &o.Status, &items, &o.Notes,
		&o.CreatedBy, &o.CreatedAt, &o.UpdatedAt, &o.DeliveredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, stock.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", mapError(err))
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshal items: %w", err)
	}
	return &o, nil
}

func (r *OrderRepository) Update(ctx context.Context, o *order.Order) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", mapError(err))
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE orders
		SET status = $2, notes = $3, updated_at = $4, delivered_at = $5
		WHERE id = $1
	`
	tag, err := tx.Exec(ctx, query, o.ID, o.Status, o.Notes, o.UpdatedAt, o.DeliveredAt)
	if err != nil {
		return fmt.Errorf("update order: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", o.ID, stock.ErrNotFound)
	}
	err = writeFulfillmentEvent(ctx, tx, "Order", "OrderStatusChanged", redpanda.FulfillmentEvent{
		Entity:     redpanda.EntityOrder,
		ID:         o.ID,
		SupplierID: o.SupplierID,
		Status:     string(o.Status),
		OccurredAt: o.UpdatedAt,
	})
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", mapError(err))
	}
	return nil
}

func (r *OrderRepository) List(ctx context.Context, f order.ListFilter) ([]*order.Order, error) {
	query := `
		SELECT id, supplier_id, status, items, notes, created_by, created_at, updated_at, delivered_at
		FROM orders
	`
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, cond+"$"+strconv.Itoa(len(args)))
	}
	if f.Status != "" {
		add("status = ", f.Status)
	}
	if f.SupplierID != "" {
		add("supplier_id = ", f.SupplierID)
	}
	for i, cond := range where {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", mapError(err))
	}
	defer rows.Close()

	var out []*order.Order
	for rows.Next() {
		var o order.Order
		var items []byte
		err := rows.Scan(&o.ID, &o.SupplierID, &o.Status, &items, &o.Notes,
			&o.CreatedBy, &o.CreatedAt, &o.UpdatedAt, &o.DeliveredAt)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		if err := json.Unmarshal(items, &o.Items); err != nil {
			return nil, fmt.Errorf("unmarshal items: %w", err)
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

// DistributionRepository persists distributions.
type DistributionRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewDistributionRepository creates a repository over the given pool.
func NewDistributionRepository(pool *pgxpool.Pool, logger *zap.Logger) *DistributionRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DistributionRepository{pool: pool, logger: logger}
}

func (r *DistributionRepository) Create(ctx context.Context, d *distribution.Distribution) error {
	items, err := json.Marshal(d.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	query := `
		INSERT INTO distributions (id, site_id, status, items, notes, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.pool.Exec(ctx, query,
		d.ID, d.SiteID, d.Status, items, d.Notes, d.CreatedBy, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert distribution: %w", mapError(err))
	}
	return nil
}

func (r *DistributionRepository) Get(ctx context.Context, id string) (*distribution.Distribution, error) {
	query := `
		SELECT id, site_id, status, items, notes, created_by, created_at, updated_at, distributed_at
		FROM distributions WHERE id = $1
	`
	var d distribution.Distribution
	var items []byte
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&d.ID, &d.SiteID, &d.Status, &items, &d.Notes,
		&d.CreatedBy, &d.CreatedAt, &d.UpdatedAt, &d.DistributedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("distribution %s: %w", id, stock.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query distribution: %w", mapError(err))
	}
	if err := json.Unmarshal(items, &d.Items); err != nil {
		return nil, fmt.Errorf("unmarshal items: %w", err)
	}
	return &d, nil
}

func (r *DistributionRepository) Update(ctx context.Context, d *distribution.Distribution) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", mapError(err))
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE distributions
		SET status = $2, notes = $3, updated_at = $4, distributed_at = $5
		WHERE id = $1
	`
	tag, err := tx.Exec(ctx, query, d.ID, d.Status, d.Notes, d.UpdatedAt, d.DistributedAt)
	if err != nil {
		return fmt.Errorf("update distribution: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("distribution %s: %w", d.ID, stock.ErrNotFound)
	}
	err = writeFulfillmentEvent(ctx, tx, "Distribution", "DistributionStatusChanged", redpanda.FulfillmentEvent{
		Entity:     redpanda.EntityDistribution,
		ID:         d.ID,
		SiteID:     d.SiteID,
		Status:     string(d.Status),
		OccurredAt: d.UpdatedAt,
	})
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", mapError(err))
	}
	return nil
}

func (r *DistributionRepository) List(ctx context.Context, f distribution.ListFilter) ([]*distribution.Distribution, error) {
	query := `
		SELECT id, site_id, status, items, notes, created_by, created_at, updated_at, distributed_at
		FROM distributions
	`
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, cond+"$"+strconv.Itoa(len(args)))
	}
	if f.Status != "" {
		add("status = ", f.Status)
	}
	if f.SiteID != "" {
		add("site_id = ", f.SiteID)
	}
	for i, cond := range where {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query distributions: %w", mapError(err))
	}
	defer rows.Close()

	var out []*distribution.Distribution
	for rows.Next() {
		var d distribution.Distribution
		var items []byte
		err := rows.Scan(&d.ID, &d.SiteID, &d.Status, &items, &d.Notes,
			&d.CreatedBy, &d.CreatedAt, &d.UpdatedAt, &d.DistributedAt)
		if err != nil {
			return nil, fmt.Errorf("scan distribution: %w", err)
		}
		if err := json.Unmarshal(items, &d.Items); err != nil {
			return nil, fmt.Errorf("unmarshal items: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// PrescriptionRepository persists prescriptions.
type PrescriptionRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPrescriptionRepository creates a repository over the given pool.
func NewPrescriptionRepository(pool *pgxpool.Pool, logger *zap.Logger) *PrescriptionRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionRepository{pool: pool, logger: logger}
}

func (r *PrescriptionRepository) Create(ctx context.Context, p *prescription.Prescription) error {
	items, err := json.Marshal(p.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	patient, err := json.Marshal(p.Patient)
	if err != nil {
		return fmt.Errorf("marshal patient: %w", err)
	}
	query := `
		INSERT INTO prescriptions (id, site_id, patient, status, items, notes, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.pool.Exec(ctx, query,
		p.ID, p.SiteID, patient, p.Status, items, p.Notes, p.CreatedBy, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert prescription: %w", mapError(err))
	}
	return nil
}

func (r *PrescriptionRepository) Get(ctx context.Context, id string) (*prescription.Prescription, error) {
	query := `
		SELECT id, site_id, patient, status, items, notes, created_by, created_at, updated_at, prepared_at
		FROM prescriptions WHERE id = $1
	`
	var p prescription.Prescription
	var items, patient []byte
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.SiteID, &patient, &p.Status, &items, &p.Notes,
		&p.CreatedBy, &p.CreatedAt, &p.UpdatedAt, &p.PreparedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("prescription %s: %w", id, stock.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query prescription: %w", mapError(err))
	}
	if err := json.Unmarshal(items, &p.Items); err != nil {
		return nil, fmt.Errorf("unmarshal items: %w", err)
	}
	if err := json.Unmarshal(patient, &p.Patient); err != nil {
		return nil, fmt.Errorf("unmarshal patient: %w", err)
	}
	return &p, nil
}

func (r *PrescriptionRepository) Update(ctx context.Context, p *prescription.Prescription) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", mapError(err))
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE prescriptions
		SET status = $2, notes = $3, updated_at = $4, prepared_at = $5
		WHERE id = $1
	`
	tag, err := tx.Exec(ctx, query, p.ID, p.Status, p.Notes, p.UpdatedAt, p.PreparedAt)
	if err != nil {
		return fmt.Errorf("update prescription: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("prescription %s: %w", p.ID, stock.ErrNotFound)
	}
	err = writeFulfillmentEvent(ctx, tx, "Prescription", "PrescriptionStatusChanged", redpanda.FulfillmentEvent{
		Entity:     redpanda.EntityPrescription,
		ID:         p.ID,
		SiteID:     p.SiteID,
		Status:     string(p.Status),
		OccurredAt: p.UpdatedAt,
	})
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", mapError(err))
	}
	return nil
}

func (r *PrescriptionRepository) List(ctx context.Context, f prescription.ListFilter) ([]*prescription.Prescription, error) {
	query := `
		SELECT id, site_id, patient, status, items, notes, created_by, created_at, updated_at, prepared_at
		FROM prescriptions
	`
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, cond+"$"+strconv.Itoa(len(args)))
	}
	if f.Status != "" {
		add("status = ", f.Status)
	}
	if f.SiteID != "" {
		add("site_id = ", f.SiteID)
	}
	for i, cond := range where {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query prescriptions: %w", mapError(err))
	}
	defer rows.Close()

	var out []*prescription.Prescription
	for rows.Next() {
		var p prescription.Prescription
		var items, patient []byte
		err := rows.Scan(&p.ID, &p.SiteID, &patient, &p.Status, &items, &p.Notes,
			&p.CreatedBy, &p.CreatedAt, &p.UpdatedAt, &p.PreparedAt)
		if err != nil {
			return nil, fmt.Errorf("scan prescription: %w", err)
		}
		if err := json.Unmarshal(items, &p.Items); err != nil {
			return nil, fmt.Errorf("unmarshal items: %w", err)
		}
		if err := json.Unmarshal(patient, &p.Patient); err != nil {
			return nil, fmt.Errorf("unmarshal patient: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
