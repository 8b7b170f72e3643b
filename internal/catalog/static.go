package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/openpharma/stockflow/internal/domain/stock"
)

// StaticDirectory is an in-memory catalog used by tests and STORE=memory
// mode. It implements both directory interfaces.
type StaticDirectory struct {
	mu          sync.RWMutex
	medications map[string]Medication
	sites       map[string]Site
}

// NewStaticDirectory creates an empty directory.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		medications: make(map[string]Medication),
		sites:       make(map[string]Site),
	}
}

// PutMedication registers or replaces a medication.
func (d *StaticDirectory) PutMedication(m Medication) *StaticDirectory {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.medications[m.ID] = m
	return d
}

// PutSite registers or replaces a site.
func (d *StaticDirectory) PutSite(s Site) *StaticDirectory {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sites[s.ID] = s
	return d
}

func (d *StaticDirectory) Medication(_ context.Context, id string) (Medication, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.medications[id]
	if !ok {
		return Medication{}, fmt.Errorf("medication %s: %w", id, stock.ErrNotFound)
	}
	return m, nil
}

func (d *StaticDirectory) Site(_ context.Context, id string) (Site, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sites[id]
	if !ok {
		return Site{}, fmt.Errorf("site %s: %w", id, stock.ErrNotFound)
	}
	return s, nil
}
