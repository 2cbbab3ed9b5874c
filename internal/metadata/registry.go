package metadata

import (
	"fmt"
	"sort"

	"github.com/arwahdevops/schemasync/internal/naming"
)

// Registry is an immutable snapshot of every built entity. A metadata change
// produces a new Registry through Rebuild; an existing one is never edited.
type Registry struct {
	strategy naming.Strategy
	entities []*EntityMetadata
	byName   map[string]*EntityMetadata
}

// NewRegistry builds every declaration with the given strategy. Entity names
// and table names must both be unique across the registry.
func NewRegistry(decls []Declaration, strategy naming.Strategy) (*Registry, error) {
	if strategy == nil {
		strategy = naming.DefaultStrategy{}
	}
	r := &Registry{
		strategy: strategy,
		entities: make([]*EntityMetadata, 0, len(decls)),
		byName:   make(map[string]*EntityMetadata, len(decls)),
	}
	tables := make(map[string]string, len(decls))
	for _, d := range decls {
		e, err := NewEntityMetadata(d, strategy)
		if err != nil {
			return nil, err
		}
		if _, dup := r.byName[e.Name()]; dup {
			return nil, fmt.Errorf("entity %q is declared more than once", e.Name())
		}
		if other, dup := tables[e.Table()]; dup {
			return nil, fmt.Errorf("entities %q and %q both map to table %q", other, e.Name(), e.Table())
		}
		tables[e.Table()] = e.Name()
		r.byName[e.Name()] = e
		r.entities = append(r.entities, e)
	}
	sort.SliceStable(r.entities, func(a, b int) bool { return r.entities[a].Table() < r.entities[b].Table() })
	return r, nil
}

// Rebuild returns a fresh registry for the new declarations using the same
// naming strategy. The receiver is left untouched, so a failed rebuild keeps
// the previous snapshot usable.
func (r *Registry) Rebuild(decls []Declaration) (*Registry, error) {
	return NewRegistry(decls, r.strategy)
}

// Entities returns the built entities ordered by table name.
func (r *Registry) Entities() []*EntityMetadata {
	out := make([]*EntityMetadata, len(r.entities))
	copy(out, r.entities)
	return out
}

// Find looks an entity up by name.
func (r *Registry) Find(name string) (*EntityMetadata, bool) {
	e, ok := r.byName[name]
	return e, ok
}

func (r *Registry) Strategy() naming.Strategy { return r.strategy }

func (r *Registry) Len() int { return len(r.entities) }
