package sync

import (
	"context"
	"database/sql"

	"go.uber.org/zap"
)

// Key columns in key order. INCLUDE columns (past indnkeyatts), primary keys
// and indexes owned by a constraint are not index-managed and are skipped.
const postgresIndexQuery = `
SELECT
	i.relname AS index_name,
	ix.indisunique AS is_unique,
	a.attname AS column_name,
	k.ord AS column_seq
FROM pg_catalog.pg_class t
JOIN pg_catalog.pg_namespace n ON n.oid = t.relnamespace
JOIN pg_catalog.pg_index ix ON ix.indrelid = t.oid
JOIN pg_catalog.pg_class i ON i.oid = ix.indexrelid
CROSS JOIN LATERAL unnest(ix.indkey::int2[]) WITH ORDINALITY AS k(attnum, ord)
LEFT JOIN pg_catalog.pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum AND k.attnum > 0
WHERE t.relname = ?
  AND n.nspname = current_schema()
  AND NOT ix.indisprimary
  AND k.ord <= ix.indnkeyatts
  AND NOT EXISTS (SELECT 1 FROM pg_catalog.pg_constraint c WHERE c.conindid = ix.indexrelid)
ORDER BY i.relname, k.ord`

func (r *GormQueryRunner) loadPostgresIndexes(ctx context.Context, table string) ([]IndexDefinition, bool, error) {
	log := r.logger.With(zap.String("table", table), zap.String("action", "loadPostgresIndexes"))

	var tableExists int64
	err := r.db.WithContext(ctx).Raw(`
SELECT COUNT(*)
FROM pg_catalog.pg_class t
JOIN pg_catalog.pg_namespace n ON n.oid = t.relnamespace
WHERE t.relname = ? AND n.nspname = current_schema() AND t.relkind IN ('r', 'p', 'm')`, table).
		Scan(&tableExists).Error
	if err != nil {
		return nil, false, &IntrospectionError{Table: table, Op: "check table exists", Err: err}
	}
	if tableExists == 0 {
		return nil, false, nil
	}

	var results []struct {
		IndexName  string         `gorm:"column:index_name"`
		IsUnique   bool           `gorm:"column:is_unique"`
		ColumnName sql.NullString `gorm:"column:column_name"`
		ColumnSeq  int64          `gorm:"column:column_seq"`
	}
	if err := r.db.WithContext(ctx).Raw(postgresIndexQuery, table).Scan(&results).Error; err != nil {
		return nil, false, &IntrospectionError{Table: table, Op: "query pg_index", Err: err}
	}

	rows := make([]indexColumnRow, 0, len(results))
	for _, res := range results {
		seq := int(res.ColumnSeq)
		col := res.ColumnName.String
		if !res.ColumnName.Valid {
			col = expressionPlaceholder(seq)
		}
		rows = append(rows, indexColumnRow{IndexName: res.IndexName, IsUnique: res.IsUnique, Column: col, Seq: seq})
	}

	indexes := assembleIndexes(rows)
	log.Debug("Fetched index info.", zap.Int("index_count", len(indexes)))
	return indexes, true, nil
}
