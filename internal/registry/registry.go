package registry

import (
	"sync"

	"facet/internal/config"
	"facet/pkg/errors"
)

// Dimension is the runtime record of one registered filter dimension.
// Spec is immutable after registration except for Enabled, which the
// lifecycle controller toggles through SetEnabled.
type Dimension struct {
	Name         string
	SourceTable  string
	SourceColumn string
	MasterTable  string
	Enabled      bool
	RefreshMS    int
	ValueFilter  string
}

func FromSpec(spec config.DimensionSpec) Dimension {
	return Dimension{
		Name:         spec.Name,
		SourceTable:  spec.SourceTable,
		SourceColumn: spec.SourceColumn,
		MasterTable:  spec.MasterTable,
		Enabled:      spec.IsEnabled(),
		RefreshMS:    spec.RefreshIntervalMS,
		ValueFilter:  spec.ValueFilter,
	}
}

// Registry is the in-memory catalog of dimensions. List preserves
// registration order so startup sync and fan-out are deterministic.
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]*Dimension
	order []string
}

func NewRegistry() *Registry {
	return &Registry{
		byKey: make(map[string]*Dimension),
	}
}

func (r *Registry) Add(dim Dimension) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byKey[dim.Name]; exists {
		return errors.ErrDuplicateDimension.WithDetail("dimension", dim.Name)
	}

	stored := dim
	r.byKey[dim.Name] = &stored
	r.order = append(r.order, dim.Name)
	return nil
}

func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byKey[name]; !ok {
		return errors.ErrUnknownDimension.WithDetail("dimension", name)
	}
	delete(r.byKey, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

func (r *Registry) Get(name string) (Dimension, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dim, ok := r.byKey[name]
	if !ok {
		return Dimension{}, errors.ErrUnknownDimension.WithDetail("dimension", name)
	}
	return *dim, nil
}

func (r *Registry) List() []Dimension {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Dimension, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.byKey[name])
	}
	return out
}

func (r *Registry) ListEnabled() []Dimension {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Dimension, 0, len(r.order))
	for _, name := range r.order {
		if dim := r.byKey[name]; dim.Enabled {
			out = append(out, *dim)
		}
	}
	return out
}

func (r *Registry) SetEnabled(name string, enabled bool) (Dimension, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dim, ok := r.byKey[name]
	if !ok {
		return Dimension{}, errors.ErrUnknownDimension.WithDetail("dimension", name)
	}
	dim.Enabled = enabled
	return *dim, nil
}

func (r *Registry) SetRefreshInterval(name string, ms int) (Dimension, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dim, ok := r.byKey[name]
	if !ok {
		return Dimension{}, errors.ErrUnknownDimension.WithDetail("dimension", name)
	}
	dim.RefreshMS = ms
	return *dim, nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}
