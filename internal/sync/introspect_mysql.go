package sync

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/arwahdevops/schemasync/internal/utils"
)

// mysqlPrimaryKeyName is the fixed name MySQL gives the primary key index.
const mysqlPrimaryKeyName = "PRIMARY"

func (r *GormQueryRunner) loadMySQLIndexes(ctx context.Context, table string) ([]IndexDefinition, bool, error) {
	log := r.logger.With(zap.String("table", table), zap.String("action", "loadMySQLIndexes"))

	var tableExists int64
	err := r.db.WithContext(ctx).
		Raw("SELECT COUNT(*) FROM information_schema.TABLES WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?", table).
		Scan(&tableExists).Error
	if err != nil {
		return nil, false, &IntrospectionError{Table: table, Op: "check table exists", Err: err}
	}
	if tableExists == 0 {
		return nil, false, nil
	}

	var results []struct {
		NonUnique  int            `gorm:"column:Non_unique"`
		KeyName    string         `gorm:"column:Key_name"`
		SeqInIndex int            `gorm:"column:Seq_in_index"`
		ColumnName sql.NullString `gorm:"column:Column_name"` // NULL for functional key parts
	}
	query := fmt.Sprintf("SHOW INDEX FROM %s", utils.QuoteIdentifier(table, "mysql"))
	if err := r.db.WithContext(ctx).Raw(query).Scan(&results).Error; err != nil {
		return nil, false, &IntrospectionError{Table: table, Op: "show index", Err: err}
	}

	rows := make([]indexColumnRow, 0, len(results))
	for _, res := range results {
		if res.KeyName == mysqlPrimaryKeyName {
			continue
		}
		col := res.ColumnName.String
		if !res.ColumnName.Valid || col == "" {
			col = expressionPlaceholder(res.SeqInIndex)
		}
		rows = append(rows, indexColumnRow{
			IndexName: res.KeyName,
			IsUnique:  res.NonUnique == 0,
			Column:    col,
			Seq:       res.SeqInIndex,
		})
	}

	indexes := assembleIndexes(rows)
	log.Debug("Fetched index info.", zap.Int("index_count", len(indexes)))
	return indexes, true, nil
}
