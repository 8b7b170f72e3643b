package stock

import "time"

// Filter narrows movement listings and summaries. Zero-valued fields do not
// filter; every set field narrows the result (logical AND).
type Filter struct {
	MedicationID  string
	Scope         *Scope
	Type          MovementType
	ReferenceType ReferenceType
	DateFrom      *time.Time // inclusive
	DateTo        *time.Time // inclusive
}

// WithScope returns a copy of the filter narrowed to one scope.
func (f Filter) WithScope(s Scope) Filter {
	f.Scope = &s
	return f
}

// Matches reports whether a movement satisfies every set field.
func (f Filter) Matches(m Movement) bool {
	if f.MedicationID != "" && m.MedicationID != f.MedicationID {
		return false
	}
	if f.Scope != nil && m.Scope != *f.Scope {
		return false
	}
	if f.Type != "" && m.Type != f.Type {
		return false
	}
	if f.ReferenceType != "" && m.Reference.Type != f.ReferenceType {
		return false
	}
	if f.DateFrom != nil && m.CreatedAt.Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && m.CreatedAt.After(*f.DateTo) {
		return false
	}
	return true
}
