// Package order models supplier orders: the forward-only state machine that
// credits central stock on delivery.
package order

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openpharma/stockflow/internal/domain/stock"
)

// Status is the supplier-order state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusInTransit Status = "IN_TRANSIT"
	StatusDelivered Status = "DELIVERED"
	StatusCancelled Status = "CANCELLED"
)

// transitions is the closed table of legal moves. Anything absent is an
// InvalidTransition.
var transitions = map[Status]map[Status]bool{
	StatusPending:   {StatusApproved: true, StatusCancelled: true},
	StatusApproved:  {StatusInTransit: true, StatusCancelled: true},
	StatusInTransit: {StatusDelivered: true},
}

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	return transitions[s][next]
}

// Terminal reports whether the status admits no further transition.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Item is one order line. Quantity is a positive unit count.
type Item struct {
	MedicationID string `json:"medication_id"`
	Quantity     int64  `json:"quantity"`
}

// Order is a supplier order. Stock is touched exactly once, at delivery,
// through the ledger; the order itself holds no quantities besides its items.
type Order struct {
	ID          string     `json:"id"`
	SupplierID  string     `json:"supplier_id"`
	Status      Status     `json:"status"`
	Items       []Item     `json:"items"`
	Notes       string     `json:"notes,omitempty"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// New validates the request and returns a PENDING order. No ledger effect.
func New(supplierID string, items []Item, notes, createdBy string) (*Order, error) {
	if supplierID == "" {
		return nil, stock.Invalidf("supplier_id is required")
	}
	if err := ValidateItems(items); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Order{
		ID:         uuid.New().String(),
		SupplierID: supplierID,
		Status:     StatusPending,
		Items:      items,
		Notes:      notes,
		CreatedBy:  createdBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// ValidateItems rejects empty item lists and non-positive quantities.
func ValidateItems(items []Item) error {
	if len(items) == 0 {
		return stock.Invalidf("order requires at least one item")
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

// Transition moves the order to next or fails with InvalidTransition.
func (o *Order) Transition(next Status) error {
	if !o.Status.CanTransition(next) {
		return &stock.InvalidTransitionError{
			Entity:    "order " + o.ID,
			Current:   string(o.Status),
			Requested: string(next),
		}
	}
	o.Status = next
	o.UpdatedAt = time.Now().UTC()
	if next == StatusDelivered {
		t := o.UpdatedAt
		o.DeliveredAt = &t
	}
	return nil
}

// ListFilter narrows order listings.
type ListFilter struct {
	Status     Status
	SupplierID string
}

// Repository is the persistence port for orders.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, o *Order) error
	List(ctx context.Context, f ListFilter) ([]*Order, error)
}
