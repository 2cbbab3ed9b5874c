package sync

import (
	"errors"
	"fmt"
	"testing"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCreateIndexDDL(t *testing.T) {
	testCases := []struct {
		dialect string
		index   IndexDefinition
		want    string
	}{
		{"postgres", idx("IDX_TEST", false, "FirstName", "LastName"), `CREATE INDEX "IDX_TEST" ON "person" ("FirstName", "LastName")`},
		{"postgres", idx("UQ_TEST", true, "LastName", "FirstName"), `CREATE UNIQUE INDEX "UQ_TEST" ON "person" ("LastName", "FirstName")`},
		{"mysql", idx("IDX_TEST", false, "FirstName"), "CREATE INDEX `IDX_TEST` ON `person` (`FirstName`)"},
		{"sqlite", idx("IDX_TEST", true, "FirstName", "LastName"), `CREATE UNIQUE INDEX "IDX_TEST" ON "person" ("FirstName", "LastName")`},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%s/%s", tc.dialect, tc.index.Name), func(t *testing.T) {
			got, err := buildCreateIndexDDL(tc.dialect, "person", tc.index)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := buildCreateIndexDDL("postgres", "person", idx("IDX_EMPTY", false))
	assert.Error(t, err)
	_, err = buildCreateIndexDDL("postgres", "person", idx("", false, "a"))
	assert.Error(t, err)
}

func TestBuildDropIndexDDL(t *testing.T) {
	got, err := buildDropIndexDDL("postgres", "person", "IDX_TEST")
	require.NoError(t, err)
	assert.Equal(t, `DROP INDEX "IDX_TEST"`, got)

	got, err = buildDropIndexDDL("sqlite", "person", "IDX_TEST")
	require.NoError(t, err)
	assert.Equal(t, `DROP INDEX "IDX_TEST"`, got)

	got, err = buildDropIndexDDL("mysql", "person", "IDX_TEST")
	require.NoError(t, err)
	assert.Equal(t, "DROP INDEX `IDX_TEST` ON `person`", got)

	_, err = buildDropIndexDDL("mysql", "person", "")
	assert.Error(t, err)
}

func TestMySQLDDLValidator(t *testing.T) {
	v := newMySQLDDLValidator()
	index := idx("IDX_TEST", true, "FirstName", "LastName")

	stmt, err := buildCreateIndexDDL("mysql", "person", index)
	require.NoError(t, err)
	assert.NoError(t, v.ValidateCreate(stmt, "person", index))

	assert.ErrorContains(t, v.ValidateCreate(stmt, "person", idx("IDX_TEST", false, "FirstName", "LastName")), "uniqueness")
	assert.ErrorContains(t, v.ValidateCreate(stmt, "person", idx("IDX_TEST", true, "LastName", "FirstName")), "key part 0")
	assert.ErrorContains(t, v.ValidateCreate(stmt, "account", index), "different table")
	assert.ErrorContains(t, v.ValidateCreate(stmt, "person", idx("IDX_OTHER", true, "FirstName", "LastName")), "expected 'IDX_OTHER'")
	assert.ErrorContains(t, v.ValidateCreate("CREATE INDEX `a` ON `person` (`x`); DROP TABLE `person`", "person", idx("a", false, "x")), "exactly one statement")
	assert.ErrorContains(t, v.ValidateCreate("CREATE INDEX ON", "person", index), "parse error")

	drop, err := buildDropIndexDDL("mysql", "person", "IDX_TEST")
	require.NoError(t, err)
	assert.NoError(t, v.ValidateDrop(drop, "person", "IDX_TEST"))
	assert.ErrorContains(t, v.ValidateDrop(drop, "person", "IDX_OTHER"), "expected 'IDX_OTHER'")
	assert.ErrorContains(t, v.ValidateDrop(stmt, "person", "IDX_TEST"), "expected DROP INDEX")
}

func TestValidatorForDialect(t *testing.T) {
	assert.IsType(t, &mysqlDDLValidator{}, validatorForDialect("mysql"))
	assert.IsType(t, noopValidator{}, validatorForDialect("postgres"))
	assert.IsType(t, noopValidator{}, validatorForDialect("sqlite"))
}

func TestIsIndexAbsentError(t *testing.T) {
	testCases := []struct {
		name    string
		err     error
		dialect string
		want    bool
	}{
		{"nil", nil, "postgres", false},
		{"pg typed", &pgconn.PgError{Code: "42704", Message: `index "IDX_TEST" does not exist`}, "postgres", true},
		{"pg typed other code", &pgconn.PgError{Code: "42501"}, "postgres", false},
		{"pg sqlstate in text", errors.New(`ERROR: index "IDX_TEST" does not exist (SQLSTATE 42704)`), "postgres", true},
		{"mysql typed", &mysqldriver.MySQLError{Number: 1091}, "mysql", true},
		{"mysql typed other", &mysqldriver.MySQLError{Number: 1205}, "mysql", false},
		{"mysql text", errors.New("Error 1091: Can't DROP 'IDX_TEST'; check that column/key exists"), "mysql", true},
		{"sqlite text", errors.New("SQL logic error: no such index: IDX_TEST (1)"), "sqlite", true},
		{"wrapped", &DDLExecutionError{Op: OperationDrop, Err: &mysqldriver.MySQLError{Number: 1091}}, "mysql", true},
		{"unrelated", errors.New("connection refused"), "sqlite", false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsIndexAbsentError(tc.err, tc.dialect))
		})
	}
}

func TestIsIndexExistsError(t *testing.T) {
	assert.True(t, IsIndexExistsError(&pgconn.PgError{Code: "42P07"}, "postgres"))
	assert.True(t, IsIndexExistsError(&mysqldriver.MySQLError{Number: 1061}, "mysql"))
	assert.True(t, IsIndexExistsError(errors.New("index IDX_TEST already exists"), "sqlite"))
	assert.False(t, IsIndexExistsError(errors.New("no such index"), "sqlite"))
}

func TestErrorTypesUnwrap(t *testing.T) {
	root := errors.New("root")

	ie := &IntrospectionError{Table: "person", Op: "show index", Err: root}
	assert.ErrorIs(t, ie, root)
	assert.Contains(t, ie.Error(), "person")

	de := &DDLExecutionError{Op: OperationCreate, Table: "person", Index: "IDX_TEST", Statement: "CREATE INDEX ...", Err: root}
	assert.ErrorIs(t, de, root)
	assert.Contains(t, de.Error(), "CREATE INDEX ...")

	re := &ResourceReleaseError{Table: "person", Err: root}
	assert.ErrorIs(t, re, root)
}
