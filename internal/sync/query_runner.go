package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/arwahdevops/schemasync/internal/db"
	"github.com/arwahdevops/schemasync/internal/utils"
)

// GormQueryRunner is a QueryRunner pinned to one pooled connection.
type GormQueryRunner struct {
	db        *gorm.DB
	conn      *sql.Conn // nil for runners bound to a transaction
	dialect   string
	logger    *zap.Logger
	validator ddlValidator
	released  bool
}

var _ QueryRunner = (*GormQueryRunner)(nil)

// NewGormQueryRunner wraps a gorm handle already bound to conn.
func NewGormQueryRunner(gdb *gorm.DB, conn *sql.Conn, dialect string, logger *zap.Logger) *GormQueryRunner {
	dialect = strings.ToLower(dialect)
	return &GormQueryRunner{
		db:        gdb,
		conn:      conn,
		dialect:   dialect,
		logger:    logger.Named("query-runner").With(zap.String("dialect", dialect)),
		validator: validatorForDialect(dialect),
	}
}

// NewGormQueryRunnerFactory returns a factory that pins a fresh connection
// from connector for every runner.
func NewGormQueryRunnerFactory(connector *db.Connector, logger *zap.Logger) QueryRunnerFactory {
	validator := validatorForDialect(connector.Dialect)
	return func(ctx context.Context) (QueryRunner, error) {
		gdb, conn, err := connector.Session(ctx)
		if err != nil {
			return nil, err
		}
		r := NewGormQueryRunner(gdb, conn, connector.Dialect, logger)
		r.validator = validator
		return r, nil
	}
}

func (r *GormQueryRunner) Dialect() string { return r.dialect }

func (r *GormQueryRunner) LoadTableSchema(ctx context.Context, table string) (*TableSchema, error) {
	if r.released {
		return nil, &IntrospectionError{Table: table, Op: "load table schema", Err: ErrRunnerReleased}
	}
	var (
		indices []IndexDefinition
		exists  bool
		err     error
	)
	switch r.dialect {
	case "mysql":
		indices, exists, err = r.loadMySQLIndexes(ctx, table)
	case "postgres":
		indices, exists, err = r.loadPostgresIndexes(ctx, table)
	case "sqlite":
		indices, exists, err = r.loadSQLiteIndexes(ctx, table)
	default:
		err = &IntrospectionError{Table: table, Op: "dispatch", Err: fmt.Errorf("unsupported dialect '%s'", r.dialect)}
	}
	if err != nil {
		var ie *IntrospectionError
		if !errors.As(err, &ie) {
			err = &IntrospectionError{Table: table, Op: "load indexes", Err: err}
		}
		return nil, err
	}
	if !exists {
		r.logger.Debug("Table does not exist.", zap.String("table", table))
		return nil, nil
	}
	return &TableSchema{Name: table, Indices: indices, CaseInsensitiveColumns: caseInsensitiveColumns(r.dialect)}, nil
}

func caseInsensitiveColumns(dialect string) bool {
	return dialect == "mysql" || dialect == "sqlite"
}

func (r *GormQueryRunner) CreateIndex(ctx context.Context, table string, index IndexDefinition) error {
	stmt, err := buildCreateIndexDDL(r.dialect, table, index)
	if err == nil {
		err = r.validator.ValidateCreate(stmt, table, index)
	}
	if err != nil {
		return &DDLExecutionError{Op: OperationCreate, Table: table, Index: index.Name, Statement: stmt, Err: err}
	}
	return r.exec(ctx, OperationCreate, table, index.Name, stmt)
}

func (r *GormQueryRunner) DropIndex(ctx context.Context, table, indexName string) error {
	stmt, err := buildDropIndexDDL(r.dialect, table, indexName)
	if err == nil {
		err = r.validator.ValidateDrop(stmt, table, indexName)
	}
	if err != nil {
		return &DDLExecutionError{Op: OperationDrop, Table: table, Index: indexName, Statement: stmt, Err: err}
	}
	return r.exec(ctx, OperationDrop, table, indexName, stmt)
}

func (r *GormQueryRunner) exec(ctx context.Context, op OperationKind, table, index, stmt string) error {
	if r.released {
		return &DDLExecutionError{Op: op, Table: table, Index: index, Statement: stmt, Err: ErrRunnerReleased}
	}
	log := r.logger.With(zap.String("table", table), zap.String("index", index))
	log.Debug("Executing DDL.", zap.String("ddl", stmt))
	if err := r.db.WithContext(ctx).Exec(stmt).Error; err != nil {
		log.Error("DDL execution failed.", zap.String("ddl", utils.TruncateForLog(stmt, 200)), zap.Error(err))
		return &DDLExecutionError{Op: op, Table: table, Index: index, Statement: stmt, Err: err}
	}
	return nil
}

func (r *GormQueryRunner) RunInTransaction(ctx context.Context, fn func(tx QueryRunner) error) error {
	if r.released {
		return ErrRunnerReleased
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormQueryRunner{
			db:        tx,
			dialect:   r.dialect,
			logger:    r.logger.With(zap.Bool("in_transaction", true)),
			validator: r.validator,
		})
	})
}

// Release returns the pinned connection to the pool. A second call fails
// with ErrRunnerReleased.
func (r *GormQueryRunner) Release() error {
	if r.released {
		return ErrRunnerReleased
	}
	r.released = true
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}
