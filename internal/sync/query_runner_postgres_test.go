package sync

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newPostgresMockRunner(t *testing.T) (*GormQueryRunner, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	require.NoError(t, err)
	return NewGormQueryRunner(gdb, nil, "postgres", zaptest.NewLogger(t)), mock
}

var pgIndexColumns = []string{"index_name", "is_unique", "column_name", "column_seq"}

func expectPostgresTableExists(mock sqlmock.Sqlmock, table string, count int) {
	mock.ExpectQuery(`(?s)SELECT COUNT\(\*\)\s+FROM pg_catalog\.pg_class t.*relkind IN \('r', 'p', 'm'\)`).
		WithArgs(table).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(count))
}

func TestGormQueryRunner_PostgresLoadTableSchema(t *testing.T) {
	runner, mock := newPostgresMockRunner(t)

	expectPostgresTableExists(mock, "person", 1)
	mock.ExpectQuery(`unnest\(ix\.indkey::int2\[\]\) WITH ORDINALITY`).
		WithArgs("person").
		WillReturnRows(sqlmock.NewRows(pgIndexColumns).
			AddRow("IDX_LOWER", false, nil, 1).
			// rows arrive out of key order on purpose
			AddRow("IDX_TEST", false, "LastName", 2).
			AddRow("IDX_TEST", false, "FirstName", 1).
			AddRow("UQ_EMAIL", true, "Email", 1))

	schema, err := runner.LoadTableSchema(context.Background(), "person")
	require.NoError(t, err)
	require.NotNil(t, schema)
	assert.Equal(t, "person", schema.Name)
	assert.False(t, schema.CaseInsensitiveColumns)
	assert.Equal(t, []IndexDefinition{
		idx("IDX_LOWER", false, expressionPlaceholder(1)),
		idx("IDX_TEST", false, "FirstName", "LastName"),
		idx("UQ_EMAIL", true, "Email"),
	}, schema.Indices)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormQueryRunner_PostgresAbsentTable(t *testing.T) {
	runner, mock := newPostgresMockRunner(t)
	expectPostgresTableExists(mock, "person", 0)

	schema, err := runner.LoadTableSchema(context.Background(), "person")
	require.NoError(t, err)
	assert.Nil(t, schema)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormQueryRunner_PostgresIntrospectionError(t *testing.T) {
	runner, mock := newPostgresMockRunner(t)
	expectPostgresTableExists(mock, "person", 1)
	mock.ExpectQuery("WITH ORDINALITY").
		WillReturnError(&pgconn.PgError{Code: "42501", Message: "permission denied for table pg_index"})

	_, err := runner.LoadTableSchema(context.Background(), "person")
	var ie *IntrospectionError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "person", ie.Table)
	assert.Equal(t, "query pg_index", ie.Op)
	var pgErr *pgconn.PgError
	assert.ErrorAs(t, err, &pgErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormQueryRunner_PostgresDDL(t *testing.T) {
	ctx := context.Background()
	runner, mock := newPostgresMockRunner(t)

	mock.ExpectExec(regexp.QuoteMeta(`CREATE INDEX "IDX_TEST" ON "person" ("FirstName", "LastName")`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`DROP INDEX "IDX_TEST"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, runner.CreateIndex(ctx, "person", idx("IDX_TEST", false, "FirstName", "LastName")))
	require.NoError(t, runner.DropIndex(ctx, "person", "IDX_TEST"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormQueryRunner_PostgresDropAbsentIndex(t *testing.T) {
	runner, mock := newPostgresMockRunner(t)
	mock.ExpectExec(regexp.QuoteMeta(`DROP INDEX "IDX_GONE"`)).
		WillReturnError(&pgconn.PgError{Code: "42704", Message: `index "IDX_GONE" does not exist`})

	err := runner.DropIndex(context.Background(), "person", "IDX_GONE")
	var de *DDLExecutionError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, `DROP INDEX "IDX_GONE"`, de.Statement)
	assert.True(t, IsIndexAbsentError(err, "postgres"))
	assert.False(t, IsIndexExistsError(err, "postgres"))
}

func TestGormQueryRunner_PostgresTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	runner, mock := newPostgresMockRunner(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DROP INDEX "IDX_TEST"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE UNIQUE INDEX "IDX_TEST" ON "person" ("FirstName")`)).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "could not create unique index \"IDX_TEST\""})
	mock.ExpectRollback()

	err := runner.RunInTransaction(ctx, func(tx QueryRunner) error {
		if err := tx.DropIndex(ctx, "person", "IDX_TEST"); err != nil {
			return err
		}
		return tx.CreateIndex(ctx, "person", idx("IDX_TEST", true, "FirstName"))
	})
	var de *DDLExecutionError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, OperationCreate, de.Op)
	assert.False(t, errors.Is(err, ErrRunnerReleased))
	assert.NoError(t, mock.ExpectationsWereMet())
}
