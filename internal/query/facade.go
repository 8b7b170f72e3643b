// Package query is the read side of the stock engine: summaries, per-site
// views and alerts derived from the cached levels. It never mutates anything.
package query

import (
	"context"
	"sort"

	"github.com/openpharma/stockflow/internal/domain/stock"
)

// LevelReader is the slice of the ledger store the facade needs.
type LevelReader interface {
	Levels(ctx context.Context, scope stock.Scope) ([]stock.Level, error)
	AllLevels(ctx context.Context) ([]stock.Level, error)
}

// Facade aggregates cached stock levels for display.
type Facade struct {
	levels LevelReader
}

// NewFacade creates a read facade over the ledger's level cache.
func NewFacade(levels LevelReader) *Facade {
	return &Facade{levels: levels}
}

// LevelView is a level decorated with its derived flags.
type LevelView struct {
	stock.Level
	IsLowStock   bool `json:"is_low_stock"`
	IsOutOfStock bool `json:"is_out_of_stock"`
}

func view(l stock.Level) LevelView {
	return LevelView{Level: l, IsLowStock: l.LowStock(), IsOutOfStock: l.OutOfStock()}
}

// GlobalSummary aggregates every scope's cached levels.
type GlobalSummary struct {
	TotalQuantity   int64 `json:"total_quantity"`
	CentralQuantity int64 `json:"central_quantity"`
	SiteQuantity    int64 `json:"site_quantity"`
	Medications     int   `json:"medications"`
	LowStockCount   int   `json:"low_stock_count"`
	OutOfStockCount int   `json:"out_of_stock_count"`
}

// GetGlobalSummary returns the cross-scope totals.
func (f *Facade) GetGlobalSummary(ctx context.Context) (*GlobalSummary, error) {
	levels, err := f.levels.AllLevels(ctx)
	if err != nil {
		return nil, err
	}
	sum := &GlobalSummary{}
	meds := make(map[string]struct{})
	for _, l := range levels {
		sum.TotalQuantity += l.Quantity
		if l.Scope.IsCentral() {
			sum.CentralQuantity += l.Quantity
		} else {
			sum.SiteQuantity += l.Quantity
		}
		meds[l.MedicationID] = struct{}{}
		if l.OutOfStock() {
			sum.OutOfStockCount++
		} else if l.LowStock() {
			sum.LowStockCount++
		}
	}
	sum.Medications = len(meds)
	return sum, nil
}

// GetSiteStocks returns one site's levels with derived flags, sorted by
// medication id.
func (f *Facade) GetSiteStocks(ctx context.Context, siteID string) ([]LevelView, error) {
	levels, err := f.levels.Levels(ctx, stock.SiteScope(siteID))
	if err != nil {
		return nil, err
	}
	out := make([]LevelView, 0, len(levels))
	for _, l := range levels {
		out = append(out, view(l))
	}
	return out, nil
}

// GetCentralStocks returns the warehouse levels with derived flags.
func (f *Facade) GetCentralStocks(ctx context.Context) ([]LevelView, error) {
	levels, err := f.levels.Levels(ctx, stock.Central)
	if err != nil {
		return nil, err
	}
	out := make([]LevelView, 0, len(levels))
	for _, l := range levels {
		out = append(out, view(l))
	}
	return out, nil
}

// AlertFilter narrows alert evaluation to one scope. Zero value means all
// scopes.
type AlertFilter struct {
	Scope *stock.Scope
}

// Alert flags one key that is low or out of stock.
type Alert struct {
	Scope        stock.Scope `json:"scope"`
	MedicationID string      `json:"medication_id"`
	Quantity     int64       `json:"quantity"`
	MinStock     int64       `json:"min_stock"`
	OutOfStock   bool        `json:"out_of_stock"`
}

// GetAlerts returns every key where quantity <= min_stock or quantity == 0,
// out-of-stock entries first, then by scope and medication.
func (f *Facade) GetAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error) {
	var levels []stock.Level
	var err error
	if filter.Scope != nil {
		levels, err = f.levels.Levels(ctx, *filter.Scope)
	} else {
		levels, err = f.levels.AllLevels(ctx)
	}
	if err != nil {
		return nil, err
	}

	var alerts []Alert
	for _, l := range levels {
		if !l.LowStock() && !l.OutOfStock() {
			continue
		}
		alerts = append(alerts, Alert{
			Scope:        l.Scope,
			MedicationID: l.MedicationID,
			Quantity:     l.Quantity,
			MinStock:     l.MinStock,
			OutOfStock:   l.OutOfStock(),
		})
	}
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].OutOfStock != alerts[j].OutOfStock {
			return alerts[i].OutOfStock
		}
		ki := alerts[i].Scope.Key(alerts[i].MedicationID)
		kj := alerts[j].Scope.Key(alerts[j].MedicationID)
		return ki < kj
	})
	return alerts, nil
}
