package plans

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry is an in-memory Catalog whose contents can be swapped atomically,
// e.g. when the plans file changes.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*Plan
	byPrice  map[string]*Plan
	ordered  []*Plan
	fallback *Plan
}

// NewRegistry builds a registry from plan definitions
func NewRegistry(all []*Plan) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(all); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace validates and installs a new plan set. On error the current set is kept.
func (r *Registry) Replace(all []*Plan) error {
	byID := make(map[string]*Plan, len(all))
	byPrice := make(map[string]*Plan, len(all))
	ordered := make([]*Plan, 0, len(all))

	for _, p := range all {
		if err := p.Validate(); err != nil {
			return err
		}
		if _, dup := byID[p.ID]; dup {
			return fmt.Errorf("duplicate plan id %q", p.ID)
		}
		cp := *p
		byID[p.ID] = &cp
		if p.PriceRef != "" {
			if other, dup := byPrice[p.PriceRef]; dup {
				return fmt.Errorf("plans %q and %q share price ref %q", other.ID, p.ID, p.PriceRef)
			}
			byPrice[p.PriceRef] = &cp
		}
		ordered = append(ordered, &cp)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	fallback, err := MostRestrictive(ordered)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.byID, r.byPrice, r.ordered, r.fallback = byID, byPrice, ordered, fallback
	r.mu.Unlock()
	return nil
}

// Get returns a plan by id
func (r *Registry) Get(ctx context.Context, id string) (*Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.byID[id]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
}

// ByPriceRef returns the plan sold at the given provider price
func (r *Registry) ByPriceRef(ctx context.Context, priceRef string) (*Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.byPrice[priceRef]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: price %s", ErrPlanNotFound, priceRef)
}

// Resolve returns the plan, falling back to the most restrictive active plan.
// Retired (inactive) plans still resolve for the keys that reference them.
func (r *Registry) Resolve(ctx context.Context, id string) (*Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.byID[id]; ok {
		return p, nil
	}
	return r.fallback, nil
}

// List returns all plans ordered by id
func (r *Registry) List(ctx context.Context) ([]*Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Plan, len(r.ordered))
	copy(out, r.ordered)
	return out, nil
}
