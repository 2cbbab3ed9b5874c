package metadata

import (
	"fmt"
	"sort"
	"strings"

	"github.com/arwahdevops/schemasync/internal/naming"
)

// EntityRef identifies the entity owning an index. It is a lookup key, not an
// owning pointer: an IndexMetadata never keeps its entity alive.
type EntityRef struct {
	Name  string
	Table string
}

// IndexMetadata describes one declared index. Its name is either the
// explicit name from the declaration or the one derived by Build.
type IndexMetadata struct {
	entity       EntityRef
	explicitName string
	columnNames  []string
	isUnique     bool
	name         string
}

// NewIndexMetadata validates a declaration and builds its name.
func NewIndexMetadata(entity EntityRef, decl IndexDeclaration, strategy naming.Strategy) (*IndexMetadata, error) {
	if len(decl.Columns) == 0 {
		return nil, fmt.Errorf("index %q on entity %q declares no columns", decl.Name, entity.Name)
	}
	cols := make([]string, len(decl.Columns))
	for i, c := range decl.Columns {
		c = strings.TrimSpace(c)
		if c == "" {
			return nil, fmt.Errorf("index %q on entity %q has an empty column name at position %d", decl.Name, entity.Name, i)
		}
		cols[i] = c
	}

	explicitName := strings.TrimSpace(decl.Name)
	if len(explicitName) > naming.MaxIdentifierLength {
		return nil, fmt.Errorf("index name %q on entity %q is %d bytes; the limit is %d",
			explicitName, entity.Name, len(explicitName), naming.MaxIdentifierLength)
	}

	idx := &IndexMetadata{
		entity:       entity,
		explicitName: explicitName,
		columnNames:  cols,
		isUnique:     decl.Unique,
	}
	idx.Build(strategy)
	return idx, nil
}

// Build recomputes the index name. Explicit names always win; otherwise the
// strategy derives one from the table, the ordered columns and uniqueness.
// Calling it again with unchanged inputs yields the same name.
func (i *IndexMetadata) Build(strategy naming.Strategy) {
	if i.explicitName != "" {
		i.name = i.explicitName
		return
	}
	i.name = strategy.GenerateIndexName(i.entity.Table, i.columnNames, i.isUnique)
}

func (i *IndexMetadata) Name() string { return i.name }
func (i *IndexMetadata) IsUnique() bool { return i.isUnique }
func (i *IndexMetadata) Entity() EntityRef { return i.entity }

// HasExplicitName reports whether the name came from the declaration.
func (i *IndexMetadata) HasExplicitName() bool { return i.explicitName != "" }

// ColumnNames returns a copy of the ordered column list.
func (i *IndexMetadata) ColumnNames() []string {
	out := make([]string, len(i.columnNames))
	copy(out, i.columnNames)
	return out
}

// EntityMetadata is one mapped record type and the indices declared on it.
type EntityMetadata struct {
	ref     EntityRef
	indices []*IndexMetadata
}

// NewEntityMetadata builds every index of the declaration and rejects
// duplicate index names within the entity.
func NewEntityMetadata(decl Declaration, strategy naming.Strategy) (*EntityMetadata, error) {
	name := strings.TrimSpace(decl.Name)
	if name == "" {
		return nil, fmt.Errorf("entity declaration without a name")
	}
	table := strings.TrimSpace(decl.Table)
	if table == "" {
		return nil, fmt.Errorf("entity %q declares no table", name)
	}

	ref := EntityRef{Name: name, Table: table}
	e := &EntityMetadata{ref: ref, indices: make([]*IndexMetadata, 0, len(decl.Indices))}
	seen := make(map[string]int, len(decl.Indices))
	for pos, idxDecl := range decl.Indices {
		idx, err := NewIndexMetadata(ref, idxDecl, strategy)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[idx.Name()]; dup {
			return nil, fmt.Errorf("entity %q: indices #%d and #%d both resolve to name %q", name, prev, pos, idx.Name())
		}
		seen[idx.Name()] = pos
		e.indices = append(e.indices, idx)
	}
	sort.SliceStable(e.indices, func(a, b int) bool { return e.indices[a].Name() < e.indices[b].Name() })
	return e, nil
}

func (e *EntityMetadata) Name() string { return e.ref.Name }
func (e *EntityMetadata) Table() string { return e.ref.Table }
func (e *EntityMetadata) Ref() EntityRef { return e.ref }

// Indices returns the entity's indices sorted by name.
func (e *EntityMetadata) Indices() []*IndexMetadata {
	out := make([]*IndexMetadata, len(e.indices))
	copy(out, e.indices)
	return out
}

// FindIndex returns the index with the given resolved name, or nil.
func (e *EntityMetadata) FindIndex(name string) *IndexMetadata {
	for _, idx := range e.indices {
		if idx.Name() == name {
			return idx
		}
	}
	return nil
}
