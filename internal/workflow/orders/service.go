// Package orders implements the supplier-order workflow. Delivery is the only
// stock-mutating transition: it credits central stock through one ledger batch
// and can succeed at most once per order.
package orders

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openpharma/stockflow/internal/catalog"
	"github.com/openpharma/stockflow/internal/domain/order"
	"github.com/openpharma/stockflow/internal/domain/stock"
	"github.com/openpharma/stockflow/internal/ledger"
	"github.com/openpharma/stockflow/internal/observability/metrics"
	"github.com/openpharma/stockflow/pkg/keylock"
)

// Service orchestrates supplier orders. It is stateless; all stock authority
// stays with the ledger.
type Service struct {
	repo    order.Repository
	ledger  *ledger.Ledger
	meds    catalog.MedicationDirectory
	locks   *keylock.Registry
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewService creates the order workflow service. meds may be nil when catalog
// validation is handled upstream.
func NewService(repo order.Repository, led *ledger.Ledger, meds catalog.MedicationDirectory, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:   repo,
		ledger: led,
		meds:   meds,
		locks:  keylock.NewRegistry(),
		logger: logger,
	}
}

// WithMetrics attaches Prometheus instrumentation.
func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

// CreateRequest carries a new supplier order.
type CreateRequest struct {
	SupplierID string       `json:"supplier_id"`
	Items      []order.Item `json:"items"`
	Notes      string       `json:"notes,omitempty"`
}

// Create validates the request and persists a PENDING order. No ledger effect.
func (s *Service) Create(ctx context.Context, req CreateRequest, actor string) (*order.Order, error) {
	o, err := order.New(req.SupplierID, req.Items, req.Notes, actor)
	if err != nil {
		return nil, err
	}
	if err := s.checkMedications(ctx, req.Items); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	s.logger.Info("order created",
		zap.String("order_id", o.ID),
		zap.String("supplier_id", o.SupplierID),
		zap.Int("items", len(o.Items)),
	)
	return o, nil
}

// Get returns one order.
func (s *Service) Get(ctx context.Context, id string) (*order.Order, error) {
	return s.repo.Get(ctx, id)
}

// List returns orders matching the filter, newest first.
func (s *Service) List(ctx context.Context, f order.ListFilter) ([]*order.Order, error) {
	return s.repo.List(ctx, f)
}

// Approve moves PENDING -> APPROVED. No stock effect.
func (s *Service) Approve(ctx context.Context, id string) (*order.Order, error) {
	return s.transition(ctx, id, order.StatusApproved)
}

// MarkInTransit moves APPROVED -> IN_TRANSIT. No stock effect.
func (s *Service) MarkInTransit(ctx context.Context, id string) (*order.Order, error) {
	return s.transition(ctx, id, order.StatusInTransit)
}

// Cancel moves PENDING or APPROVED -> CANCELLED. Nothing was ever credited,
// so there is no ledger effect to undo.
func (s *Service) Cancel(ctx context.Context, id string) (*order.Order, error) {
	return s.transition(ctx, id, order.StatusCancelled)
}

// DeliveryResult is the success payload of Deliver.
type DeliveryResult struct {
	Order            *order.Order `json:"order"`
	ItemsProcessed   int          `json:"items_processed"`
	MovementsCreated int          `json:"movements_created"`
}

// Deliver finalizes an IN_TRANSIT order: one IN movement per item at central
// scope, submitted as a single all-or-nothing batch. The per-order critical
// section makes the status check and the batch atomic against a concurrent
// duplicate call, so delivery happens exactly once.
func (s *Service) Deliver(ctx context.Context, id, actor string) (*DeliveryResult, error) {
	start := time.Now()
	key := "order:" + id
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !o.Status.CanTransition(order.StatusDelivered) {
		return nil, &stock.InvalidTransitionError{
			Entity:    "order " + o.ID,
			Current:   string(o.Status),
			Requested: string(order.StatusDelivered),
		}
	}

	entries := make([]ledger.Entry, 0, len(o.Items))
	for _, it := range o.Items {
		entries = append(entries, ledger.Entry{
			Scope:        stock.Central,
			MedicationID: it.MedicationID,
			Type:         stock.MovementIn,
			Quantity:     it.Quantity,
			Reference:    stock.Reference{Type: stock.RefOrder, ID: o.ID},
			CreatedBy:    actor,
		})
	}
	movs, err := s.ledger.AppendBatch(ctx, entries)
	if err != nil {
		// Order stays IN_TRANSIT; the caller may retry.
		return nil, fmt.Errorf("deliver order %s: %w", o.ID, err)
	}

	if err := o.Transition(order.StatusDelivered); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, o); err != nil {
		return nil, fmt.Errorf("deliver order %s: %w", o.ID, err)
	}

	if s.metrics != nil {
		s.metrics.OrdersDelivered.Inc()
		s.metrics.WorkflowTransitions.WithLabelValues("order", string(order.StatusDelivered)).Inc()
		s.metrics.TransitionDuration.Observe(time.Since(start).Seconds())
	}
	s.logger.Info("order delivered",
		zap.String("order_id", o.ID),
		zap.Int("movements", len(movs)),
	)
	return &DeliveryResult{
		Order:            o,
		ItemsProcessed:   len(o.Items),
		MovementsCreated: len(movs),
	}, nil
}

// transition applies a pure status change under the order's critical section.
func (s *Service) transition(ctx context.Context, id string, next order.Status) (*order.Order, error) {
	key := "order:" + id
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.Transition(next); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, o); err != nil {
		return nil, fmt.Errorf("update order %s: %w", id, err)
	}
	if s.metrics != nil {
		s.metrics.WorkflowTransitions.WithLabelValues("order", string(next)).Inc()
	}
	s.logger.Info("order transition",
		zap.String("order_id", id),
		zap.String("status", string(next)),
	)
	return o, nil
}

// checkMedications rejects orders referencing unknown or retired medications.
func (s *Service) checkMedications(ctx context.Context, items []order.Item) error {
	if s.meds == nil {
		return nil
	}
	for _, it := range items {
		m, err := s.meds.Medication(ctx, it.MedicationID)
		if err != nil {
			return stock.Invalidf("unknown medication %s", it.MedicationID)
		}
		if m.Status != catalog.MedicationActive {
			return stock.Invalidf("medication %s is %s", it.MedicationID, m.Status)
		}
	}
	return nil
}
