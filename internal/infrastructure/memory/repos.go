package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openpharma/stockflow/internal/domain/distribution"
	"github.com/openpharma/stockflow/internal/domain/order"
	"github.com/openpharma/stockflow/internal/domain/prescription"
	"github.com/openpharma/stockflow/internal/domain/stock"
)

// OrderRepository is an in-memory order.Repository.
type OrderRepository struct {
	mu     sync.RWMutex
	orders map[string]order.Order
}

// NewOrderRepository creates an empty repository.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{orders: make(map[string]order.Order)}
}

func (r *OrderRepository) Create(_ context.Context, o *order.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[o.ID]; ok {
		return fmt.Errorf("order %s: %w", o.ID, stock.ErrConflict)
	}
	r.orders[o.ID] = *o
	return nil
}

func (r *OrderRepository) Get(_ context.Context, id string) (*order.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, stock.ErrNotFound)
	}
	cp := o
	cp.Items = append([]order.Item(nil), o.Items...)
	return &cp, nil
}

func (r *OrderRepository) Update(_ context.Context, o *order.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[o.ID]; !ok {
		return fmt.Errorf("order %s: %w", o.ID, stock.ErrNotFound)
	}
	r.orders[o.ID] = *o
	return nil
}

func (r *OrderRepository) List(_ context.Context, f order.ListFilter) ([]*order.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*order.Order
	for _, o := range r.orders {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.SupplierID != "" && o.SupplierID != f.SupplierID {
			continue
		}
		cp := o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// DistributionRepository is an in-memory distribution.Repository.
type DistributionRepository struct {
	mu            sync.RWMutex
	distributions map[string]distribution.Distribution
}

// NewDistributionRepository creates an empty repository.
func NewDistributionRepository() *DistributionRepository {
	return &DistributionRepository{distributions: make(map[string]distribution.Distribution)}
}

func (r *DistributionRepository) Create(_ context.Context, d *distribution.Distribution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.distributions[d.ID]; ok {
		return fmt.Errorf("distribution %s: %w", d.ID, stock.ErrConflict)
	}
	r.distributions[d.ID] = *d
	return nil
}

func (r *DistributionRepository) Get(_ context.Context, id string) (*distribution.Distribution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.distributions[id]
	if !ok {
		return nil, fmt.Errorf("distribution %s: %w", id, stock.ErrNotFound)
	}
	cp := d
	cp.Items = append([]distribution.Item(nil), d.Items...)
	return &cp, nil
}

func (r *DistributionRepository) Update(_ context.Context, d *distribution.Distribution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.distributions[d.ID]; !ok {
		return fmt.Errorf("distribution %s: %w", d.ID, stock.ErrNotFound)
	}
	r.distributions[d.ID] = *d
	return nil
}

func (r *DistributionRepository) List(_ context.Context, f distribution.ListFilter) ([]*distribution.Distribution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*distribution.Distribution
	for _, d := range r.distributions {
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.SiteID != "" && d.SiteID != f.SiteID {
			continue
		}
		cp := d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// PrescriptionRepository is an in-memory prescription.Repository.
type PrescriptionRepository struct {
	mu            sync.RWMutex
	prescriptions map[string]prescription.Prescription
}

// NewPrescriptionRepository creates an empty repository.
func NewPrescriptionRepository() *PrescriptionRepository {
	return &PrescriptionRepository{prescriptions: make(map[string]prescription.Prescription)}
}

func (r *PrescriptionRepository) Create(_ context.Context, p *prescription.Prescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.prescriptions[p.ID]; ok {
		return fmt.Errorf("prescription %s: %w", p.ID, stock.ErrConflict)
	}
	r.prescriptions[p.ID] = *p
	return nil
}

func (r *PrescriptionRepository) Get(_ context.Context, id string) (*prescription.Prescription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prescriptions[id]
	if !ok {
		return nil, fmt.Errorf("prescription %s: %w", id, stock.ErrNotFound)
	}
	cp := p
	cp.Items = append([]prescription.Item(nil), p.Items...)
	return &cp, nil
}

func (r *PrescriptionRepository) Update(_ context.Context, p *prescription.Prescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.prescriptions[p.ID]; !ok {
		return fmt.Errorf("prescription %s: %w", p.ID, stock.ErrNotFound)
	}
	r.prescriptions[p.ID] = *p
	return nil
}

func (r *PrescriptionRepository) List(_ context.Context, f prescription.ListFilter) ([]*prescription.Prescription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*prescription.Prescription
	for _, p := range r.prescriptions {
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.SiteID != "" && p.SiteID != f.SiteID {
			continue
		}
		cp := p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
