package sync

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrRunnerReleased is returned by a QueryRunner used after Release.
var ErrRunnerReleased = errors.New("query runner already released")

// IntrospectionError reports a failed read of a table's live structure. It is
// fatal for that table's pass only.
type IntrospectionError struct {
	Table string
	Op    string
	Err   error
}

func (e *IntrospectionError) Error() string {
	return fmt.Sprintf("introspection of table '%s' failed during %s: %v", e.Table, e.Op, e.Err)
}

func (e *IntrospectionError) Unwrap() error { return e.Err }

// DDLExecutionError reports a failed CREATE INDEX or DROP INDEX together with
// the statement that was sent.
type DDLExecutionError struct {
	Op        OperationKind
	Table     string
	Index     string
	Statement string
	Err       error
}

func (e *DDLExecutionError) Error() string {
	if e.Statement == "" {
		return fmt.Sprintf("%s index '%s' on table '%s' failed: %v", e.Op, e.Index, e.Table, e.Err)
	}
	return fmt.Sprintf("%s index '%s' on table '%s' failed: [%s]: %v", e.Op, e.Index, e.Table, e.Statement, e.Err)
}

func (e *DDLExecutionError) Unwrap() error { return e.Err }

// ResourceReleaseError reports a failure to hand a session back to the pool.
// It is logged and never replaces the primary error of a pass.
type ResourceReleaseError struct {
	Table string
	Err   error
}

func (e *ResourceReleaseError) Error() string {
	return fmt.Sprintf("releasing session for table '%s' failed: %v", e.Table, e.Err)
}

func (e *ResourceReleaseError) Unwrap() error { return e.Err }

// Backend error codes meaning the index a DROP targets is already gone.
const (
	pgUndefinedObject     = "42704"
	mysqlCantDropFieldKey = 1091
)

var (
	sqlStatePattern = regexp.MustCompile(`\(sqlstate\s+([a-z0-9]{5})\)`)

	indexAbsentPatterns = map[string][]*regexp.Regexp{
		"postgres": {
			regexp.MustCompile(`index ".*" does not exist`),
		},
		"mysql": {
			regexp.MustCompile(`can't drop '.*'; check that column/key exists`),
			regexp.MustCompile(`can't drop index '.*'; check that it exists`),
		},
		"sqlite": {
			regexp.MustCompile(`no such index`),
		},
	}

	indexExistsPatterns = map[string][]*regexp.Regexp{
		"postgres": {
			regexp.MustCompile(`relation ".*" already exists`),
			regexp.MustCompile(`index ".*" already exists`),
		},
		"mysql": {
			regexp.MustCompile(`duplicate key name`),
		},
		"sqlite": {
			regexp.MustCompile(`index .* already exists`),
		},
	}
)

// IsIndexAbsentError reports whether err means a dropped index did not exist.
// Callers that drop defensively treat this as non-fatal.
func IsIndexAbsentError(err error, dialect string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUndefinedObject
	}
	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlCantDropFieldKey
	}
	msg := strings.ToLower(err.Error())
	if dialect == "postgres" && extractSQLState(msg) == pgUndefinedObject {
		return true
	}
	return matchesAny(indexAbsentPatterns[dialect], msg)
}

// IsIndexExistsError reports whether err means a created index name is taken.
func IsIndexExistsError(err error, dialect string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42P07"
	}
	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1061
	}
	msg := strings.ToLower(err.Error())
	if dialect == "postgres" && extractSQLState(msg) == "42P07" {
		return true
	}
	return matchesAny(indexExistsPatterns[dialect], msg)
}

func extractSQLState(lowerMsg string) string {
	m := sqlStatePattern.FindStringSubmatch(lowerMsg)
	if len(m) > 1 {
		return strings.ToUpper(m[1])
	}
	return ""
}

func matchesAny(patterns []*regexp.Regexp, msg string) bool {
	for _, p := range patterns {
		if p.MatchString(msg) {
			return true
		}
	}
	return false
}
