// Package stock defines the shared vocabulary of the stock ledger: scopes,
// movements, cached levels and the filter/summary types used by the read side.
package stock

import (
	"time"
)

// Scope identifies a stock-holding context: the central warehouse or a site.
// The zero value is the central warehouse.
type Scope struct {
	SiteID string
}

// Central is the warehouse scope.
var Central = Scope{}

// SiteScope returns the scope for a given site.
func SiteScope(siteID string) Scope {
	return Scope{SiteID: siteID}
}

// IsCentral reports whether the scope is the central warehouse.
func (s Scope) IsCentral() bool { return s.SiteID == "" }

func (s Scope) String() string {
	if s.IsCentral() {
		return "central"
	}
	return "site:" + s.SiteID
}

// Key returns the serialization key for a (scope, medication) pair.
// Central keys sort before any site key, which fixes the global lock
// acquisition order used by batched ledger writes.
func (s Scope) Key(medicationID string) string {
	if s.IsCentral() {
		return "central/" + medicationID
	}
	return "site/" + s.SiteID + "/" + medicationID
}

// MovementType classifies a ledger entry.
type MovementType string

const (
	MovementIn          MovementType = "IN"
	MovementOut         MovementType = "OUT"
	MovementTransferIn  MovementType = "TRANSFER_IN"
	MovementTransferOut MovementType = "TRANSFER_OUT"
	MovementAdjustment  MovementType = "ADJUSTMENT"
)

// Valid reports whether t is a known movement type.
func (t MovementType) Valid() bool {
	switch t {
	case MovementIn, MovementOut, MovementTransferIn, MovementTransferOut, MovementAdjustment:
		return true
	}
	return false
}

// Inbound reports whether the type adds stock. ADJUSTMENT carries its own
// sign and is neither inbound nor outbound.
func (t MovementType) Inbound() bool {
	return t == MovementIn || t == MovementTransferIn
}

// Outbound reports whether the type removes stock.
func (t MovementType) Outbound() bool {
	return t == MovementOut || t == MovementTransferOut
}

// ReferenceType names the kind of entity a movement points back to.
type ReferenceType string

const (
	RefOrder        ReferenceType = "ORDER"
	RefDistribution ReferenceType = "DISTRIBUTION"
	RefPrescription ReferenceType = "PRESCRIPTION"
	RefAdjustment   ReferenceType = "ADJUSTMENT"
)

// Reference links a movement to the workflow entity that produced it.
type Reference struct {
	Type ReferenceType `json:"type"`
	ID   string        `json:"id"`
}

// Movement is one immutable row of the append-only ledger. Rows are never
// updated or deleted; the sequence gives a total order per (scope, medication).
type Movement struct {
	ID           string        `json:"id"`
	Sequence     int64         `json:"sequence"`
	MedicationID string        `json:"medication_id"`
	Scope        Scope         `json:"scope"`
	Type         MovementType  `json:"movement_type"`
	Quantity     int64         `json:"quantity"` // signed delta
	Reference    Reference     `json:"reference"`
	CreatedBy    string        `json:"created_by"`
	CreatedAt    time.Time     `json:"created_at"`
	Notes        string        `json:"notes,omitempty"`
}

// Level is the cached balance for one (scope, medication) key. It always
// equals the sum of that key's movement quantities; only the ledger writes it.
type Level struct {
	Scope        Scope     `json:"scope"`
	MedicationID string    `json:"medication_id"`
	Quantity     int64     `json:"quantity"`
	MinStock     int64     `json:"min_stock"`
	MaxStock     int64     `json:"max_stock"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// LevelWrite pairs a level update with the quantity the writer observed
// before computing it. Stores whose backing state is shared across processes
// use Previous as an optimistic guard: the write only lands if the stored
// quantity still matches, otherwise it fails with Conflict and the caller
// retries against fresh balances.
type LevelWrite struct {
	Level
	Previous int64
}

// LowStock reports whether the level is at or below its minimum threshold.
func (l Level) LowStock() bool { return l.Quantity <= l.MinStock }

// OutOfStock reports whether the level is empty.
func (l Level) OutOfStock() bool { return l.Quantity == 0 }

// Summary aggregates movements matching a filter.
type Summary struct {
	Total           int   `json:"total"`
	TotalIn         int64 `json:"total_in"`
	TotalOut        int64 `json:"total_out"`
	AdjustmentCount int   `json:"adjustment_count"`
}
