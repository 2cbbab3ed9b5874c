package sync

import (
	"context"

	"github.com/arwahdevops/schemasync/internal/metadata"
)

// QueryRunner is a scoped database session. It is owned by one caller and
// must be released exactly once.
type QueryRunner interface {
	// Dialect returns "mysql", "postgres" or "sqlite".
	Dialect() string

	// LoadTableSchema returns the table's live indices, or nil when the table
	// does not exist. Failures are *IntrospectionError.
	LoadTableSchema(ctx context.Context, table string) (*TableSchema, error)

	// CreateIndex and DropIndex fail with *DDLExecutionError.
	CreateIndex(ctx context.Context, table string, index IndexDefinition) error
	DropIndex(ctx context.Context, table, indexName string) error

	// RunInTransaction calls fn with a runner bound to one transaction that
	// commits when fn returns nil. The inner runner must not be released.
	RunInTransaction(ctx context.Context, fn func(tx QueryRunner) error) error

	Release() error
}

// QueryRunnerFactory hands out a fresh session per unit of work.
type QueryRunnerFactory func(ctx context.Context) (QueryRunner, error)

// SynchronizerInterface is the surface the admin server and main depend on.
type SynchronizerInterface interface {
	Synchronize(ctx context.Context, dropFirst bool) (*RunReport, error)
	Plan(ctx context.Context) (*RunReport, error)
	Reload(registry *metadata.Registry)
	ReloadAndSynchronize(ctx context.Context, registry *metadata.Registry, dropFirst bool) (*RunReport, error)
	Registry() *metadata.Registry
}
