// Package catalog gives the stock engine its view of the externally owned
// medication and site catalogs. Only the narrow lookups the workflows need
// are exposed; catalog CRUD lives elsewhere.
package catalog

import (
	"context"
	"fmt"

	"github.com/openpharma/stockflow/internal/domain/stock"
)

// MedicationStatus mirrors the catalog's lifecycle states.
type MedicationStatus string

const (
	MedicationActive       MedicationStatus = "ACTIVE"
	MedicationInactive     MedicationStatus = "INACTIVE"
	MedicationDiscontinued MedicationStatus = "DISCONTINUED"
)

// Medication is the catalog projection the engine cares about.
type Medication struct {
	ID     string           `json:"id"`
	Name   string           `json:"name"`
	Unit   string           `json:"unit"`
	Status MedicationStatus `json:"status"`
}

// Site is the catalog projection of a dispensing site.
type Site struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// MedicationDirectory looks up medications by id.
type MedicationDirectory interface {
	Medication(ctx context.Context, id string) (Medication, error)
}

// SiteDirectory looks up sites by id.
type SiteDirectory interface {
	Site(ctx context.Context, id string) (Site, error)
}

// RequireActiveSite resolves a site and rejects inactive or unknown ones
// with InvalidInput, the way workflow create operations need it.
func RequireActiveSite(ctx context.Context, dir SiteDirectory, id string) (Site, error) {
	site, err := dir.Site(ctx, id)
	if err != nil {
		return Site{}, fmt.Errorf("site lookup %s: %w", id, err)
	}
	if !site.Active {
		return Site{}, stock.Invalidf("site %s is not active", id)
	}
	return site, nil
}
