// Package distributions implements the central-to-site transfer workflow.
// Marking a distribution distributed submits both legs of every item as one
// ledger batch: either every transfer lands or none do.
package distributions

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openpharma/stockflow/internal/catalog"
	"github.com/openpharma/stockflow/internal/domain/distribution"
	"github.com/openpharma/stockflow/internal/domain/stock"
	"github.com/openpharma/stockflow/internal/ledger"
	"github.com/openpharma/stockflow/internal/observability/metrics"
	"github.com/openpharma/stockflow/pkg/keylock"
)

// Service orchestrates distributions.
type Service struct {
	repo    distribution.Repository
	ledger  *ledger.Ledger
	sites   catalog.SiteDirectory
	meds    catalog.MedicationDirectory
	locks   *keylock.Registry
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewService creates the distribution workflow service. Directories may be
// nil when catalog validation is handled upstream.
func NewService(repo distribution.Repository, led *ledger.Ledger, sites catalog.SiteDirectory, meds catalog.MedicationDirectory, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:   repo,
		ledger: led,
		sites:  sites,
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

// CreateRequest carries a new distribution.
type CreateRequest struct {
	SiteID string              `json:"site_id"`
	Items  []distribution.Item `json:"items"`
	Notes  string              `json:"notes,omitempty"`
}

// Create validates the target site and items, then persists a PENDING
// distribution. No ledger effect.
func (s *Service) Create(ctx context.Context, req CreateRequest, actor string) (*distribution.Distribution, error) {
	if s.sites != nil {
		if _, err := catalog.RequireActiveSite(ctx, s.sites, req.SiteID); err != nil {
			return nil, err
		}
	}
	d, err := distribution.New(req.SiteID, req.Items, req.Notes, actor)
	if err != nil {
		return nil, err
	}
	if err := s.checkMedications(ctx, req.Items); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("create distribution: %w", err)
	}
	s.logger.Info("distribution created",
		zap.String("distribution_id", d.ID),
		zap.String("site_id", d.SiteID),
		zap.Int("items", len(d.Items)),
	)
	return d, nil
}

// Get returns one distribution.
func (s *Service) Get(ctx context.Context, id string) (*distribution.Distribution, error) {
	return s.repo.Get(ctx, id)
}

// List returns distributions matching the filter, newest first.
func (s *Service) List(ctx context.Context, f distribution.ListFilter) ([]*distribution.Distribution, error) {
	return s.repo.List(ctx, f)
}

// Result is the success payload of MarkDistributed.
type Result struct {
	Distribution     *distribution.Distribution `json:"distribution"`
	ItemsProcessed   int                        `json:"items_processed"`
	MovementsCreated int                        `json:"movements_created"`
}

// MarkDistributed executes a PENDING distribution: for every item, a
// TRANSFER_OUT at central and a TRANSFER_IN at the site, all 2xN entries in
// one batch. If central stock is short for any item the ledger rejects the
// whole batch, no transfer happens for any item and the distribution stays
// PENDING.
func (s *Service) MarkDistributed(ctx context.Context, id, actor string) (*Result, error) {
	start := time.Now()
	key := "distribution:" + id
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	d, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.Status.CanTransition(distribution.StatusDistributed) {
		return nil, &stock.InvalidTransitionError{
			Entity:    "distribution " + d.ID,
			Current:   string(d.Status),
			Requested: string(distribution.StatusDistributed),
		}
	}

	site := stock.SiteScope(d.SiteID)
	ref := stock.Reference{Type: stock.RefDistribution, ID: d.ID}
	entries := make([]ledger.Entry, 0, 2*len(d.Items))
	for _, it := range d.Items {
		entries = append(entries,
			ledger.Entry{
				Scope:        stock.Central,
				MedicationID: it.MedicationID,
				Type:         stock.MovementTransferOut,
				Quantity:     it.Quantity,
				Reference:    ref,
				CreatedBy:    actor,
			},
			ledger.Entry{
				Scope:        site,
				MedicationID: it.MedicationID,
				Type:         stock.MovementTransferIn,
				Quantity:     it.Quantity,
				Reference:    ref,
				CreatedBy:    actor,
			},
		)
	}
	movs, err := s.ledger.AppendBatch(ctx, entries)
	if err != nil {
		return nil, fmt.Errorf("distribute %s: %w", d.ID, err)
	}

	if err := d.Transition(distribution.StatusDistributed); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, d); err != nil {
		return nil, fmt.Errorf("distribute %s: %w", d.ID, err)
	}

	if s.metrics != nil {
		s.metrics.DistributionsComplete.Inc()
		s.metrics.WorkflowTransitions.WithLabelValues("distribution", string(distribution.StatusDistributed)).Inc()
		s.metrics.TransitionDuration.Observe(time.Since(start).Seconds())
	}
	s.logger.Info("distribution completed",
		zap.String("distribution_id", d.ID),
		zap.String("site_id", d.SiteID),
		zap.Int("movements", len(movs)),
	)
	return &Result{
		Distribution:     d,
		ItemsProcessed:   len(d.Items),
		MovementsCreated: len(movs),
	}, nil
}

// Cancel moves PENDING -> CANCELLED. No ledger effect.
func (s *Service) Cancel(ctx context.Context, id string) (*distribution.Distribution, error) {
	key := "distribution:" + id
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	d, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := d.Transition(distribution.StatusCancelled); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, d); err != nil {
		return nil, fmt.Errorf("cancel distribution %s: %w", id, err)
	}
	if s.metrics != nil {
		s.metrics.WorkflowTransitions.WithLabelValues("distribution", string(distribution.StatusCancelled)).Inc()
	}
	s.logger.Info("distribution cancelled", zap.String("distribution_id", id))
	return d, nil
}

func (s *Service) checkMedications(ctx context.Context, items []distribution.Item) error {
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
