package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/arwahdevops/schemasync/internal/config"
)

// fakeDatabase is an in-memory catalog shared by every fakeRunner it hands out.
type fakeDatabase struct {
	mu      sync.Mutex
	dialect string
	tables  map[string]map[string]IndexDefinition

	statements []string // "create <table>.<index>" / "drop <table>.<index>"

	introspectErr map[string]error
	createErr     map[string]error // by index name
	dropErr       map[string]error
	factoryErr    error
	releaseErr    error
	commitErr     error

	acquired int
	released int
}

func newFakeDatabase(dialect string, tables ...string) *fakeDatabase {
	db := &fakeDatabase{
		dialect:       dialect,
		tables:        make(map[string]map[string]IndexDefinition),
		introspectErr: make(map[string]error),
		createErr:     make(map[string]error),
		dropErr:       make(map[string]error),
	}
	for _, t := range tables {
		db.tables[t] = make(map[string]IndexDefinition)
	}
	return db
}

func (db *fakeDatabase) factory() QueryRunnerFactory {
	return func(ctx context.Context) (QueryRunner, error) {
		db.mu.Lock()
		defer db.mu.Unlock()
		if db.factoryErr != nil {
			return nil, db.factoryErr
		}
		db.acquired++
		return &fakeRunner{db: db}, nil
	}
}

func (db *fakeDatabase) seed(table string, idx IndexDefinition) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.tables[table] == nil {
		db.tables[table] = make(map[string]IndexDefinition)
	}
	db.tables[table][idx.Name] = idx
}

func (db *fakeDatabase) index(table, name string) (IndexDefinition, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	idx, ok := db.tables[table][name]
	return idx, ok
}

func (db *fakeDatabase) indexNames(table string) []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	var names []string
	for n := range db.tables[table] {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (db *fakeDatabase) takeStatements() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	s := db.statements
	db.statements = nil
	return s
}

func (db *fakeDatabase) snapshot() map[string]map[string]IndexDefinition {
	cp := make(map[string]map[string]IndexDefinition, len(db.tables))
	for t, idx := range db.tables {
		inner := make(map[string]IndexDefinition, len(idx))
		for k, v := range idx {
			inner[k] = v
		}
		cp[t] = inner
	}
	return cp
}

type fakeRunner struct {
	db       *fakeDatabase
	inTx     bool
	released bool
}

func (r *fakeRunner) Dialect() string { return r.db.dialect }

func (r *fakeRunner) LoadTableSchema(ctx context.Context, table string) (*TableSchema, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.introspectErr[table]; err != nil {
		return nil, &IntrospectionError{Table: table, Op: "fake", Err: err}
	}
	idx, ok := r.db.tables[table]
	if !ok {
		return nil, nil
	}
	schema := &TableSchema{Name: table, CaseInsensitiveColumns: caseInsensitiveColumns(r.db.dialect)}
	for _, d := range idx {
		d.ColumnNames = append([]string(nil), d.ColumnNames...)
		schema.Indices = append(schema.Indices, d)
	}
	sort.Slice(schema.Indices, func(i, j int) bool { return schema.Indices[i].Name < schema.Indices[j].Name })
	return schema, nil
}

func (r *fakeRunner) CreateIndex(ctx context.Context, table string, index IndexDefinition) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	stmt := fmt.Sprintf("create %s.%s", table, index.Name)
	if err := r.db.createErr[index.Name]; err != nil {
		return &DDLExecutionError{Op: OperationCreate, Table: table, Index: index.Name, Statement: stmt, Err: err}
	}
	t, ok := r.db.tables[table]
	if !ok {
		return &DDLExecutionError{Op: OperationCreate, Table: table, Index: index.Name, Statement: stmt, Err: errors.New("no such table")}
	}
	if _, exists := t[index.Name]; exists {
		return &DDLExecutionError{Op: OperationCreate, Table: table, Index: index.Name, Statement: stmt, Err: errors.New("index already exists")}
	}
	index.ColumnNames = append([]string(nil), index.ColumnNames...)
	t[index.Name] = index
	r.db.statements = append(r.db.statements, stmt)
	return nil
}

func (r *fakeRunner) DropIndex(ctx context.Context, table, indexName string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	stmt := fmt.Sprintf("drop %s.%s", table, indexName)
	if err := r.db.dropErr[indexName]; err != nil {
		return &DDLExecutionError{Op: OperationDrop, Table: table, Index: indexName, Statement: stmt, Err: err}
	}
	if _, exists := r.db.tables[table][indexName]; !exists {
		return &DDLExecutionError{Op: OperationDrop, Table: table, Index: indexName, Statement: stmt, Err: errors.New("no such index: " + indexName)}
	}
	delete(r.db.tables[table], indexName)
	r.db.statements = append(r.db.statements, stmt)
	return nil
}

func (r *fakeRunner) RunInTransaction(ctx context.Context, fn func(tx QueryRunner) error) error {
	r.db.mu.Lock()
	before := r.db.snapshot()
	stmtCount := len(r.db.statements)
	r.db.mu.Unlock()

	err := fn(&fakeRunner{db: r.db, inTx: true})
	if err == nil {
		err = r.db.commitErr
	}
	// mysql commits each DDL statement implicitly; nothing rolls back.
	if err != nil && config.SupportsTransactionalDDL(r.db.dialect) {
		r.db.mu.Lock()
		r.db.tables = before
		r.db.statements = r.db.statements[:stmtCount]
		r.db.mu.Unlock()
	}
	return err
}

func (r *fakeRunner) Release() error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.released {
		return ErrRunnerReleased
	}
	r.released = true
	r.db.released++
	return r.db.releaseErr
}
