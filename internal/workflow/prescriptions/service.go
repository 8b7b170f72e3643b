// Package prescriptions implements the dispensing workflow. Availability is
// re-validated inside the ledger batch when the prescription is marked
// prepared; the PREPARING state reserves nothing and only informs the UI.
package prescriptions

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openpharma/stockflow/internal/catalog"
	"github.com/openpharma/stockflow/internal/domain/prescription"
	"github.com/openpharma/stockflow/internal/domain/stock"
	"github.com/openpharma/stockflow/internal/ledger"
	"github.com/openpharma/stockflow/internal/observability/metrics"
	"github.com/openpharma/stockflow/pkg/keylock"
)

// Service orchestrates prescriptions.
type Service struct {
	repo    prescription.Repository
	ledger  *ledger.Ledger
	sites   catalog.SiteDirectory
	meds    catalog.MedicationDirectory
	locks   *keylock.Registry
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewService creates the prescription workflow service. Directories may be
// nil when catalog validation is handled upstream.
func NewService(repo prescription.Repository, led *ledger.Ledger, sites catalog.SiteDirectory, meds catalog.MedicationDirectory, logger *zap.Logger) *Service {
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

// StockWarning flags an item whose soft availability check came up short.
// Advisory only: nothing is reserved and the authoritative check happens in
// the ledger batch at preparation time.
type StockWarning struct {
	MedicationID string `json:"medication_id"`
	Requested    int64  `json:"requested"`
	Available    int64  `json:"available"`
}

// CreateRequest carries a new prescription.
type CreateRequest struct {
	SiteID  string               `json:"site_id"`
	Patient prescription.Patient `json:"patient"`
	Items   []prescription.Item  `json:"items"`
	Notes   string               `json:"notes,omitempty"`
}

// CreateResult pairs the persisted prescription with any soft-stock warnings.
type CreateResult struct {
	Prescription *prescription.Prescription `json:"prescription"`
	Warnings     []StockWarning             `json:"warnings,omitempty"`
}

// Create validates the request, persists a PENDING prescription and reports
// soft availability against the current site balances. No ledger effect.
func (s *Service) Create(ctx context.Context, req CreateRequest, actor string) (*CreateResult, error) {
	if s.sites != nil {
		if _, err := catalog.RequireActiveSite(ctx, s.sites, req.SiteID); err != nil {
			return nil, err
		}
	}
	p, err := prescription.New(req.SiteID, req.Patient, req.Items, req.Notes, actor)
	if err != nil {
		return nil, err
	}
	if err := s.checkMedications(ctx, req.Items); err != nil {
		return nil, err
	}

	warnings, err := s.softCheck(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create prescription: %w", err)
	}
	s.logger.Info("prescription created",
		zap.String("prescription_id", p.ID),
		zap.String("site_id", p.SiteID),
		zap.Int("items", len(p.Items)),
		zap.Int("stock_warnings", len(warnings)),
	)
	return &CreateResult{Prescription: p, Warnings: warnings}, nil
}

// Get returns one prescription.
func (s *Service) Get(ctx context.Context, id string) (*prescription.Prescription, error) {
	return s.repo.Get(ctx, id)
}

// List returns prescriptions matching the filter, newest first.
func (s *Service) List(ctx context.Context, f prescription.ListFilter) ([]*prescription.Prescription, error) {
	return s.repo.List(ctx, f)
}

// PrepareResult pairs the updated prescription with fresh soft warnings.
type PrepareResult struct {
	Prescription *prescription.Prescription `json:"prescription"`
	Warnings     []StockWarning             `json:"warnings,omitempty"`
}

// Prepare moves PENDING -> PREPARING and re-reports soft availability. It
// does not reserve stock; a concurrent operation can still consume it before
// MarkPrepared.
func (s *Service) Prepare(ctx context.Context, id string) (*PrepareResult, error) {
	key := "prescription:" + id
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := p.Transition(prescription.StatusPreparing); err != nil {
		return nil, err
	}
	warnings, err := s.softCheck(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("prepare prescription %s: %w", id, err)
	}
	if s.metrics != nil {
		s.metrics.WorkflowTransitions.WithLabelValues("prescription", string(prescription.StatusPreparing)).Inc()
	}
	s.logger.Info("prescription preparing",
		zap.String("prescription_id", id),
		zap.Int("stock_warnings", len(warnings)),
	)
	return &PrepareResult{Prescription: p, Warnings: warnings}, nil
}

// Result is the success payload of MarkPrepared.
type Result struct {
	Prescription     *prescription.Prescription `json:"prescription"`
	ItemsProcessed   int                        `json:"items_processed"`
	MovementsCreated int                        `json:"movements_created"`
}

// MarkPrepared finalizes a PREPARING prescription: one OUT movement per item
// at the site scope in a single batch. If another operation consumed stock
// meanwhile the whole batch is rejected with InsufficientStock and the
// prescription stays PREPARING so the pharmacist can retry.
func (s *Service) MarkPrepared(ctx context.Context, id, actor string) (*Result, error) {
	start := time.Now()
	key := "prescription:" + id
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Status.CanTransition(prescription.StatusPrepared) {
		return nil, &stock.InvalidTransitionError{
			Entity:    "prescription " + p.ID,
			Current:   string(p.Status),
			Requested: string(prescription.StatusPrepared),
		}
	}

	site := stock.SiteScope(p.SiteID)
	entries := make([]ledger.Entry, 0, len(p.Items))
	for _, it := range p.Items {
		entries = append(entries, ledger.Entry{
			Scope:        site,
			MedicationID: it.MedicationID,
			Type:         stock.MovementOut,
			Quantity:     it.Quantity,
			Reference:    stock.Reference{Type: stock.RefPrescription, ID: p.ID},
			CreatedBy:    actor,
		})
	}
	movs, err := s.ledger.AppendBatch(ctx, entries)
	if err != nil {
		return nil, fmt.Errorf("prepare prescription %s: %w", p.ID, err)
	}

	if err := p.Transition(prescription.StatusPrepared); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("prepare prescription %s: %w", p.ID, err)
	}

	if s.metrics != nil {
		s.metrics.PrescriptionsPrepared.Inc()
		s.metrics.WorkflowTransitions.WithLabelValues("prescription", string(prescription.StatusPrepared)).Inc()
		s.metrics.TransitionDuration.Observe(time.Since(start).Seconds())
	}
	s.logger.Info("prescription prepared",
		zap.String("prescription_id", p.ID),
		zap.String("site_id", p.SiteID),
		zap.Int("movements", len(movs)),
	)
	return &Result{
		Prescription:     p,
		ItemsProcessed:   len(p.Items),
		MovementsCreated: len(movs),
	}, nil
}

// Cancel moves PENDING or PREPARING -> CANCELLED. No ledger effect.
func (s *Service) Cancel(ctx context.Context, id string) (*prescription.Prescription, error) {
	key := "prescription:" + id
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := p.Transition(prescription.StatusCancelled); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("cancel prescription %s: %w", id, err)
	}
	if s.metrics != nil {
		s.metrics.WorkflowTransitions.WithLabelValues("prescription", string(prescription.StatusCancelled)).Inc()
	}
	s.logger.Info("prescription cancelled", zap.String("prescription_id", id))
	return p, nil
}

// softCheck compares requested quantities against current site balances.
// Purely advisory: it reserves nothing and may be stale by the time the
// prescription is prepared.
func (s *Service) softCheck(ctx context.Context, p *prescription.Prescription) ([]StockWarning, error) {
	site := stock.SiteScope(p.SiteID)
	var warnings []StockWarning
	for _, it := range p.Items {
		available, err := s.ledger.Balance(ctx, site, it.MedicationID)
		if err != nil {
			return nil, fmt.Errorf("balance %s at %s: %w", it.MedicationID, site, err)
		}
		if available < it.Quantity {
			warnings = append(warnings, StockWarning{
				MedicationID: it.MedicationID,
				Requested:    it.Quantity,
				Available:    available,
			})
		}
	}
	return warnings, nil
}

func (s *Service) checkMedications(ctx context.Context, items []prescription.Item) error {
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
