package sync

import (
	"fmt"
	"sync"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver"
)

// ddlValidator checks a rendered statement before it reaches the backend.
type ddlValidator interface {
	ValidateCreate(stmt, table string, idx IndexDefinition) error
	ValidateDrop(stmt, table, indexName string) error
}

// noopValidator is used for dialects without a grammar to check against.
type noopValidator struct{}

func (noopValidator) ValidateCreate(string, string, IndexDefinition) error { return nil }
func (noopValidator) ValidateDrop(string, string, string) error { return nil }

// mysqlDDLValidator parses MySQL index DDL and confirms the AST says what the
// planner intended: one statement, the right kind, index, table and columns.
type mysqlDDLValidator struct {
	mu     sync.Mutex // parser.Parser is not safe for concurrent use
	parser *parser.Parser
}

func newMySQLDDLValidator() *mysqlDDLValidator {
	return &mysqlDDLValidator{parser: parser.New()}
}

func (v *mysqlDDLValidator) parseOne(stmt string) (ast.StmtNode, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	nodes, _, err := v.parser.Parse(stmt, "", "")
	if err != nil {
		return nil, fmt.Errorf("SQL parse error: %w", err)
	}
	if len(nodes) != 1 {
		return nil, fmt.Errorf("expected exactly one statement, got %d", len(nodes))
	}
	return nodes[0], nil
}

func (v *mysqlDDLValidator) ValidateCreate(stmt, table string, idx IndexDefinition) error {
	node, err := v.parseOne(stmt)
	if err != nil {
		return err
	}
	create, ok := node.(*ast.CreateIndexStmt)
	if !ok {
		return fmt.Errorf("expected CREATE INDEX statement, got %T", node)
	}
	if create.IndexName != idx.Name {
		return fmt.Errorf("statement creates index '%s', expected '%s'", create.IndexName, idx.Name)
	}
	if create.Table == nil || create.Table.Name.O != table {
		return fmt.Errorf("statement targets a different table than '%s'", table)
	}
	if unique := create.KeyType == ast.IndexKeyTypeUnique; unique != idx.IsUnique {
		return fmt.Errorf("statement uniqueness %t does not match declared %t", unique, idx.IsUnique)
	}
	parts := create.IndexPartSpecifications
	if len(parts) != len(idx.ColumnNames) {
		return fmt.Errorf("statement has %d key parts, expected %d", len(parts), len(idx.ColumnNames))
	}
	for i, part := range parts {
		if part.Column == nil || part.Column.Name.O != idx.ColumnNames[i] {
			return fmt.Errorf("key part %d does not match column '%s'", i, idx.ColumnNames[i])
		}
	}
	return nil
}

func (v *mysqlDDLValidator) ValidateDrop(stmt, table, indexName string) error {
	node, err := v.parseOne(stmt)
	if err != nil {
		return err
	}
	drop, ok := node.(*ast.DropIndexStmt)
	if !ok {
		return fmt.Errorf("expected DROP INDEX statement, got %T", node)
	}
	if drop.IndexName != indexName {
		return fmt.Errorf("statement drops index '%s', expected '%s'", drop.IndexName, indexName)
	}
	if drop.Table == nil || drop.Table.Name.O != table {
		return fmt.Errorf("statement targets a different table than '%s'", table)
	}
	return nil
}

func validatorForDialect(dialect string) ddlValidator {
	if dialect == "mysql" {
		return newMySQLDDLValidator()
	}
	return noopValidator{}
}
