package sync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arwahdevops/schemasync/internal/config"
	"github.com/arwahdevops/schemasync/internal/db"
	"github.com/arwahdevops/schemasync/internal/metadata"
	"github.com/arwahdevops/schemasync/internal/metrics"
)

const personTableDDL = `CREATE TABLE "person" (
	"id" INTEGER PRIMARY KEY,
	"FirstName" TEXT NOT NULL,
	"LastName" TEXT NOT NULL,
	"Email" TEXT UNIQUE
)`

func newSQLiteConnector(t *testing.T) *db.Connector {
	t.Helper()
	conn, err := db.New("sqlite", filepath.Join(t.TempDir(), "schemasync.db"), db.Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, conn.Optimize(1, time.Hour))
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.DB.Exec(personTableDDL).Error)
	return conn
}

func acquireRunner(t *testing.T, connector *db.Connector) QueryRunner {
	t.Helper()
	runner, err := NewGormQueryRunnerFactory(connector, zaptest.NewLogger(t))(context.Background())
	require.NoError(t, err)
	return runner
}

func TestGormQueryRunner_SQLiteIntrospectionAndDDL(t *testing.T) {
	ctx := context.Background()
	runner := acquireRunner(t, newSQLiteConnector(t))
	defer func() { require.NoError(t, runner.Release()) }()

	assert.Equal(t, "sqlite", runner.Dialect())

	schema, err := runner.LoadTableSchema(ctx, "person")
	require.NoError(t, err)
	require.NotNil(t, schema)
	assert.Empty(t, schema.Indices, "primary key and UNIQUE autoindexes are not managed")

	require.NoError(t, runner.CreateIndex(ctx, "person", idx("IDX_TEST", false, "FirstName", "LastName")))
	require.NoError(t, runner.CreateIndex(ctx, "person", idx("UQ_REVERSED", true, "LastName", "FirstName")))

	schema, err = runner.LoadTableSchema(ctx, "person")
	require.NoError(t, err)
	assert.Equal(t, []IndexDefinition{
		idx("IDX_TEST", false, "FirstName", "LastName"),
		idx("UQ_REVERSED", true, "LastName", "FirstName"),
	}, schema.Indices)

	require.NoError(t, runner.DropIndex(ctx, "person", "IDX_TEST"))
	schema, err = runner.LoadTableSchema(ctx, "person")
	require.NoError(t, err)
	_, found := schema.FindIndex("IDX_TEST")
	assert.False(t, found)

	err = runner.DropIndex(ctx, "person", "IDX_TEST")
	var de *DDLExecutionError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, OperationDrop, de.Op)
	assert.Equal(t, `DROP INDEX "IDX_TEST"`, de.Statement)
	assert.True(t, IsIndexAbsentError(err, "sqlite"))

	err = runner.CreateIndex(ctx, "person", idx("UQ_REVERSED", true, "LastName", "FirstName"))
	require.ErrorAs(t, err, &de)
	assert.True(t, IsIndexExistsError(err, "sqlite"))
}

func TestGormQueryRunner_SQLiteAbsentTable(t *testing.T) {
	runner := acquireRunner(t, newSQLiteConnector(t))
	defer runner.Release()

	schema, err := runner.LoadTableSchema(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, schema)
}

func TestGormQueryRunner_SQLiteTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	runner := acquireRunner(t, newSQLiteConnector(t))
	defer runner.Release()

	errAbort := errors.New("abort")
	err := runner.RunInTransaction(ctx, func(tx QueryRunner) error {
		require.NoError(t, tx.CreateIndex(ctx, "person", idx("IDX_TEST", false, "FirstName")))
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	schema, err := runner.LoadTableSchema(ctx, "person")
	require.NoError(t, err)
	assert.Empty(t, schema.Indices)

	require.NoError(t, runner.RunInTransaction(ctx, func(tx QueryRunner) error {
		return tx.CreateIndex(ctx, "person", idx("IDX_TEST", false, "FirstName"))
	}))
	schema, err = runner.LoadTableSchema(ctx, "person")
	require.NoError(t, err)
	assert.Len(t, schema.Indices, 1)
}

func TestGormQueryRunner_ReleaseExactlyOnce(t *testing.T) {
	ctx := context.Background()
	connector := newSQLiteConnector(t)
	runner := acquireRunner(t, connector)

	stats, err := connector.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.InUse)

	require.NoError(t, runner.Release())
	assert.ErrorIs(t, runner.Release(), ErrRunnerReleased)

	stats, err = connector.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.InUse)

	_, err = runner.LoadTableSchema(ctx, "person")
	var ie *IntrospectionError
	require.ErrorAs(t, err, &ie)
	assert.ErrorIs(t, err, ErrRunnerReleased)

	err = runner.CreateIndex(ctx, "person", idx("IDX_TEST", false, "FirstName"))
	assert.ErrorIs(t, err, ErrRunnerReleased)
}

func TestSynchronizer_SQLiteEndToEnd(t *testing.T) {
	ctx := context.Background()
	connector := newSQLiteConnector(t)
	logger := zaptest.NewLogger(t)

	build := func(unique bool, cols ...string) *metadata.Registry {
		var indices []metadata.IndexDeclaration
		if len(cols) > 0 {
			indices = append(indices, metadata.IndexDeclaration{Name: "IDX_TEST", Columns: cols, Unique: unique})
		}
		return personRegistry(t, indices...)
	}
	liveIndex := func() (IndexDefinition, bool) {
		runner := acquireRunner(t, connector)
		defer runner.Release()
		schema, err := runner.LoadTableSchema(ctx, "person")
		require.NoError(t, err)
		return schema.FindIndex("IDX_TEST")
	}

	s := NewSynchronizer(build(false, "FirstName", "LastName"), NewGormQueryRunnerFactory(connector, logger),
		Options{TransactionMode: config.DDLTxAuto}, logger, metrics.NewMetricsStore())

	_, err := s.Synchronize(ctx, false)
	require.NoError(t, err)
	live, ok := liveIndex()
	require.True(t, ok)
	assert.Equal(t, idx("IDX_TEST", false, "FirstName", "LastName"), live)

	report, err := s.Synchronize(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, report.ExecutedCount())

	s.Reload(build(true, "FirstName", "LastName"))
	report, err = s.Synchronize(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.ExecutedCount())
	live, _ = liveIndex()
	assert.True(t, live.IsUnique)

	s.Reload(build(true, "LastName", "FirstName"))
	_, err = s.Synchronize(ctx, false)
	require.NoError(t, err)
	live, _ = liveIndex()
	assert.Equal(t, []string{"LastName", "FirstName"}, live.ColumnNames)

	report, err = s.Synchronize(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, report.ExecutedCount())

	s.Reload(build(false))
	_, err = s.Synchronize(ctx, false)
	require.NoError(t, err)
	_, ok = liveIndex()
	assert.False(t, ok)

	stats, err := connector.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.InUse)
}

func TestSynchronizer_SQLiteColumnCaseConverges(t *testing.T) {
	ctx := context.Background()
	connector := newSQLiteConnector(t)
	logger := zaptest.NewLogger(t)

	s := NewSynchronizer(personRegistry(t,
		metadata.IndexDeclaration{Name: "IDX_TEST", Columns: []string{"firstname", "lastname"}},
	), NewGormQueryRunnerFactory(connector, logger), Options{TransactionMode: config.DDLTxAuto}, logger, metrics.NewMetricsStore())

	report, err := s.Synchronize(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ExecutedCount())

	runner := acquireRunner(t, connector)
	schema, err := runner.LoadTableSchema(ctx, "person")
	require.NoError(t, err)
	require.NoError(t, runner.Release())
	assert.True(t, schema.CaseInsensitiveColumns)
	live, ok := schema.FindIndex("IDX_TEST")
	require.True(t, ok)
	assert.Equal(t, []string{"FirstName", "LastName"}, live.ColumnNames, "sqlite reports the table's spelling")

	for pass := 0; pass < 2; pass++ {
		report, err = s.Synchronize(ctx, false)
		require.NoError(t, err)
		assert.Zero(t, report.ExecutedCount())
		assert.Empty(t, report.Tables[0].Plan.Recreates)
		assert.Equal(t, []string{"IDX_TEST"}, report.Tables[0].Plan.Unchanged)
	}
}
