// Package distribution models central-to-site transfers. Marking a
// distribution distributed debits central and credits the site in one
// all-or-nothing ledger batch.
package distribution

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openpharma/stockflow/internal/domain/stock"
)

// Status is the distribution state.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusDistributed Status = "DISTRIBUTED"
	StatusCancelled   Status = "CANCELLED"
)

var transitions = map[Status]map[Status]bool{
	StatusPending: {StatusDistributed: true, StatusCancelled: true},
}

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	return transitions[s][next]
}

// Terminal reports whether the status admits no further transition.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Item is one distribution line.
type Item struct {
	MedicationID string `json:"medication_id"`
	Quantity     int64  `json:"quantity"`
}

// Distribution is a central-to-site transfer request.
type Distribution struct {
	ID            string     `json:"id"`
	SiteID        string     `json:"site_id"`
	Status        Status     `json:"status"`
	Items         []Item     `json:"items"`
	Notes         string     `json:"notes,omitempty"`
	CreatedBy     string     `json:"created_by"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	DistributedAt *time.Time `json:"distributed_at,omitempty"`
}

// New validates the request and returns a PENDING distribution.
func New(siteID string, items []Item, notes, createdBy string) (*Distribution, error) {
	if siteID == "" {
		return nil, stock.Invalidf("site_id is required")
	}
	if err := ValidateItems(items); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Distribution{
		ID:        uuid.New().String(),
		SiteID:    siteID,
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
		return stock.Invalidf("distribution requires at least one item")
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

// Transition moves the distribution to next or fails with InvalidTransition.
func (d *Distribution) Transition(next Status) error {
	if !d.Status.CanTransition(next) {
		return &stock.InvalidTransitionError{
			Entity:    "distribution " + d.ID,
			Current:   string(d.Status),
			Requested: string(next),
		}
	}
	d.Status = next
	d.UpdatedAt = time.Now().UTC()
	if next == StatusDistributed {
		t := d.UpdatedAt
		d.DistributedAt = &t
	}
	return nil
}

// ListFilter narrows distribution listings.
type ListFilter struct {
	Status Status
	SiteID string
}

// Repository is the persistence port for distributions.
type Repository interface {
	Create(ctx context.Context, d *Distribution) error
	Get(ctx context.Context, id string) (*Distribution, error)
	Update(ctx context.Context, d *Distribution) error
	List(ctx context.Context, f ListFilter) ([]*Distribution, error)
}
