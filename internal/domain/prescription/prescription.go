// Package prescription models site-level dispensing. The PREPARING state is
// informational only; stock is checked and debited atomically when the
// prescription is marked prepared.
package prescription

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openpharma/stockflow/internal/domain/stock"
)

// Status is the prescription state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPreparing Status = "PREPARING"
	StatusPrepared  Status = "PREPARED"
	StatusCancelled Status = "CANCELLED"
)

var transitions = map[Status]map[Status]bool{
	StatusPending:   {StatusPreparing: true, StatusCancelled: true},
	StatusPreparing: {StatusPrepared: true, StatusCancelled: true},
}

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	return transitions[s][next]
}

// Terminal reports whether the status admits no further transition.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Patient identifies the patient a prescription is for. Opaque to the ledger.
type Patient struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Item is one prescription line. Dosage is free-form metadata the ledger
// never interprets.
type Item struct {
	MedicationID string `json:"medication_id"`
	Quantity     int64  `json:"quantity"`
	Dosage       string `json:"dosage,omitempty"`
}

// Prescription is a dispensing request against one site's stock.
type Prescription struct {
	ID         string     `json:"id"`
	SiteID     string     `json:"site_id"`
	Patient    Patient    `json:"patient"`
	Status     Status     `json:"status"`
	Items      []Item     `json:"items"`
	Notes      string     `json:"notes,omitempty"`
	CreatedBy  string     `json:"created_by"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	PreparedAt *time.Time `json:"prepared_at,omitempty"`
}

// New validates the request and returns a PENDING prescription.
func New(siteID string, patient Patient, items []Item, notes, createdBy string) (*Prescription, error) {
	if siteID == "" {
		return nil, stock.Invalidf("site_id is required")
	}
	if patient.ID == "" && patient.LastName == "" {
		return nil, stock.Invalidf("patient identity is required")
	}
	if err := ValidateItems(items); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Prescription{
		ID:        uuid.New().String(),
		SiteID:    siteID,
		Patient:   patient,
		Status:    StatusPending,
		Items:     items,
		Notes:     notes,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// ValidateItems rejects empty item lists and non-positive quantities.
func ValidateItems(items []Item) error {
	if len(items) == 0 {
		return stock.Invalidf("prescription requires at least one item")
	}
	for _, it := range items {
		if it.MedicationID == "" {
			return stock.Invalidf("item medication_id is required")
		}
		if it.Quantity <= 0 {
			return stock.Invalidf("item quantity must be positive, got %d for %s", it.Quantity, it.MedicationID)
		}
	}
	return nil
}

// Transition moves the prescription to next or fails with InvalidTransition.
func (p *Prescription) Transition(next Status) error {
	if !p.Status.CanTransition(next) {
		return &stock.InvalidTransitionError{
			Entity:    "prescription " + p.ID,
			Current:   string(p.Status),
			Requested: string(next),
		}
	}
	p.Status = next
	p.UpdatedAt = time.Now().UTC()
	if next == StatusPrepared {
		t := p.UpdatedAt
		p.PreparedAt = &t
	}
	return nil
}

// ListFilter narrows prescription listings.
type ListFilter struct {
	Status Status
	SiteID string
}

// Repository is the persistence port for prescriptions.
type Repository interface {
	Create(ctx context.Context, p *Prescription) error
	Get(ctx context.Context, id string) (*Prescription, error)
	Update(ctx context.Context, p *Prescription) error
	List(ctx context.Context, f ListFilter) ([]*Prescription, error)
}
