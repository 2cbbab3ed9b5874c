package sync

import (
	"time"

	"github.com/arwahdevops/schemasync/internal/metadata"
)

// IndexDefinition is the comparable shape of one index, used for both the
// declared side and the introspected side of a diff.
type IndexDefinition struct {
	Name        string   `json:"name"`
	IsUnique    bool     `json:"is_unique"`
	ColumnNames []string `json:"column_names"` // key order
}

// TableSchema is a snapshot of a table's live indices. It is produced fresh by
// every LoadTableSchema call and never cached.
type TableSchema struct {
	Name    string            `json:"name"`
	Indices []IndexDefinition `json:"indices"`
	// CaseInsensitiveColumns is set for backends (mysql, sqlite) that resolve
	// column identifiers case-insensitively and report the table's spelling.
	CaseInsensitiveColumns bool `json:"case_insensitive_columns"`
}

// FindIndex returns the live index with the given name.
func (t *TableSchema) FindIndex(name string) (IndexDefinition, bool) {
	if t == nil {
		return IndexDefinition{}, false
	}
	for _, idx := range t.Indices {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexDefinition{}, false
}

// definitionFromMetadata converts a built IndexMetadata into the diffable shape.
func definitionFromMetadata(idx *metadata.IndexMetadata) IndexDefinition {
	return IndexDefinition{
		Name:        idx.Name(),
		IsUnique:    idx.IsUnique(),
		ColumnNames: idx.ColumnNames(),
	}
}

// declaredDefinitions returns the entity's indices in name order.
func declaredDefinitions(entity *metadata.EntityMetadata) []IndexDefinition {
	indices := entity.Indices()
	defs := make([]IndexDefinition, 0, len(indices))
	for _, idx := range indices {
		defs = append(defs, definitionFromMetadata(idx))
	}
	return defs
}

// OperationKind distinguishes the two DDL operations the synchronizer emits.
type OperationKind string

const (
	OperationDrop   OperationKind = "drop"
	OperationCreate OperationKind = "create"
)

// DDLOperation is one planned create or drop.
type DDLOperation struct {
	Kind  OperationKind   `json:"kind"`
	Table string          `json:"table"`
	Index IndexDefinition `json:"index"`
}

// TablePlan is the diff of one table. Drops always run before Creates.
type TablePlan struct {
	Table       string         `json:"table"`
	TableExists bool           `json:"table_exists"`
	DropFirst   bool           `json:"drop_first"`
	Drops       []DDLOperation `json:"drops"`
	Creates     []DDLOperation `json:"creates"`
	Recreates   []string       `json:"recreates"` // names present in both Drops and Creates
	Unchanged   []string       `json:"unchanged"`
	Unmanaged   []string       `json:"unmanaged"` // live indices left alone by pattern
}

// Empty reports whether the plan has nothing to execute.
func (p TablePlan) Empty() bool {
	return len(p.Drops) == 0 && len(p.Creates) == 0
}

// Operations returns drops followed by creates.
func (p TablePlan) Operations() []DDLOperation {
	ops := make([]DDLOperation, 0, len(p.Drops)+len(p.Creates))
	ops = append(ops, p.Drops...)
	ops = append(ops, p.Creates...)
	return ops
}

// TableReport is the outcome of one entity's pass.
type TableReport struct {
	Entity   string         `json:"entity"`
	Table    string         `json:"table"`
	Plan     TablePlan      `json:"plan"`
	Executed []DDLOperation `json:"executed"`
	Skipped  []DDLOperation `json:"skipped,omitempty"`
	Duration time.Duration  `json:"duration"`
	// Err is the primary failure of the pass, nil on success.
	Err error `json:"-"`
	// ReleaseErr is reported separately and never replaces Err.
	ReleaseErr error `json:"-"`
}

// Succeeded reports whether the table pass finished without a primary error.
func (r TableReport) Succeeded() bool { return r.Err == nil }

// RunReport aggregates one synchronize invocation.
type RunReport struct {
	RunID     string        `json:"run_id"`
	DropFirst bool          `json:"drop_first"`
	DryRun    bool          `json:"dry_run"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Tables    []TableReport `json:"tables"`
}

// Failed returns the reports whose pass ended with a primary error.
func (r *RunReport) Failed() []TableReport {
	var failed []TableReport
	for _, t := range r.Tables {
		if t.Err != nil {
			failed = append(failed, t)
		}
	}
	return failed
}

// ExecutedCount returns the number of DDL statements that were applied.
func (r *RunReport) ExecutedCount() int {
	n := 0
	for _, t := range r.Tables {
		n += len(t.Executed)
	}
	return n
}
