package ops

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Category groups operations for listing only; lookup is by name.
type Category string

const (
	Basic         Category = "basic"
	Advanced      Category = "advanced"
	Morphological Category = "morphological"
	Segmentation  Category = "segmentation"
	Color         Category = "color"
	Frequency     Category = "frequency"
	Restoration   Category = "restoration"
)

// Categories lists every category in presentation order.
var Categories = []Category{Basic, Advanced, Morphological, Segmentation, Color, Frequency, Restoration}

func (c Category) valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

func (c Category) rank() int {
	for i, known := range Categories {
		if c == known {
			return i
		}
	}
	return len(Categories)
}

var (
	ErrDuplicateOperation = errors.New("operation already registered")
	ErrRegistryFrozen     = errors.New("registry is frozen")
)

// Entry is one row of the registry listing.
type Entry struct {
	Name     string   `json:"name"`
	Category Category `json:"category"`
}

// Registry maps operation names to operations. It is populated at start-up and
// frozen before it is shared; lookups are safe from many goroutines.
type Registry struct {
	mu     sync.RWMutex
	ops    map[string]*Operation
	frozen bool
}

// NewRegistry returns an empty, unfrozen registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]*Operation)}
}

// Register adds op. Names are unique across all categories.
func (r *Registry) Register(op *Operation) error {
	if op == nil || op.Name == "" {
		return errors.New("operation must have a name")
	}
	if !op.Category.valid() {
		return fmt.Errorf("operation %s: unknown category %q", op.Name, op.Category)
	}
	if op.apply == nil || op.decode == nil {
		return fmt.Errorf("operation %s: missing implementation", op.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("register %s: %w", op.Name, ErrRegistryFrozen)
	}
	if existing, ok := r.ops[op.Name]; ok {
		return fmt.Errorf("%s (category %s): %w", op.Name, existing.Category, ErrDuplicateOperation)
	}
	r.ops[op.Name] = op
	return nil
}

// MustRegister registers every op and panics on the first failure. Only for start-up tables.
func (r *Registry) MustRegister(ops ...*Operation) {
	for _, op := range ops {
		if err := r.Register(op); err != nil {
			panic(err)
		}
	}
}

// Freeze rejects any further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns the operation registered under name.
func (r *Registry) Lookup(name string) (*Operation, error) {
	r.mu.RLock()
	op, ok := r.ops[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownOperationError{Name: name}
	}
	return op, nil
}

// Len reports how many operations are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ops)
}

// List returns every operation ordered by category, then name.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.ops))
	for name, op := range r.ops {
		entries = append(entries, Entry{Name: name, Category: op.Category})
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		ri, rj := entries[i].Category.rank(), entries[j].Category.rank()
		if ri != rj {
			return ri < rj
		}
		return entries[i].Name < entries[j].Name
	})
	return entries
}

// ByCategory groups operation names by category. Categories without operations are omitted.
func (r *Registry) ByCategory() map[Category][]string {
	grouped := make(map[Category][]string)
	for _, e := range r.List() {
		grouped[e.Category] = append(grouped[e.Category], e.Name)
	}
	return grouped
}

// Operations returns the registered operations in List order.
func (r *Registry) Operations() []*Operation {
	entries := r.List()
	out := make([]*Operation, 0, len(entries))
	r.mu.RLock()
	for _, e := range entries {
		out = append(out, r.ops[e.Name])
	}
	r.mu.RUnlock()
	return out
}

// Default returns a frozen registry holding every builtin operation.
func Default() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r)
	r.Freeze()
	return r
}

// RegisterBuiltins adds every builtin operation to r.
func RegisterBuiltins(r *Registry) {
	r.MustRegister(basicOperations()...)
	r.MustRegister(advancedOperations()...)
	r.MustRegister(morphologyOperations()...)
	r.MustRegister(segmentationOperations()...)
	r.MustRegister(colorOperations()...)
	r.MustRegister(frequencyOperations()...)
	r.MustRegister(restorationOperations()...)
}
