package sync

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/arwahdevops/schemasync/internal/utils"
)

// sqliteAutoindexPrefix marks indexes SQLite creates for PRIMARY KEY and
// UNIQUE table constraints.
const sqliteAutoindexPrefix = "sqlite_autoindex_"

func (r *GormQueryRunner) loadSQLiteIndexes(ctx context.Context, table string) ([]IndexDefinition, bool, error) {
	log := r.logger.With(zap.String("table", table), zap.String("action", "loadSQLiteIndexes"))

	var count int64
	err := r.db.WithContext(ctx).
		Raw("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).
		Scan(&count).Error
	if err != nil {
		return nil, false, &IntrospectionError{Table: table, Op: "check table exists", Err: err}
	}
	if count == 0 {
		return nil, false, nil
	}

	var indexList []struct {
		Seq    int    `gorm:"column:seq"`
		Name   string `gorm:"column:name"`
		Unique int    `gorm:"column:unique"`
		Origin string `gorm:"column:origin"` // c = CREATE INDEX, u = UNIQUE, pk = PRIMARY KEY
	}
	listQuery := fmt.Sprintf("PRAGMA index_list(%s)", utils.QuoteIdentifier(table, "sqlite"))
	if err := r.db.WithContext(ctx).Raw(listQuery).Scan(&indexList).Error; err != nil {
		return nil, false, &IntrospectionError{Table: table, Op: "pragma index_list", Err: err}
	}

	var rows []indexColumnRow
	for _, item := range indexList {
		if item.Origin == "pk" || strings.HasPrefix(item.Name, sqliteAutoindexPrefix) {
			continue
		}

		var cols []struct {
			SeqNo int            `gorm:"column:seqno"`
			Cid   int            `gorm:"column:cid"`
			Name  sql.NullString `gorm:"column:name"` // NULL for expressions
		}
		infoQuery := fmt.Sprintf("PRAGMA index_info(%s)", utils.QuoteIdentifier(item.Name, "sqlite"))
		if err := r.db.WithContext(ctx).Raw(infoQuery).Scan(&cols).Error; err != nil {
			return nil, false, &IntrospectionError{Table: table, Op: "pragma index_info " + item.Name, Err: err}
		}

		for _, c := range cols {
			name := c.Name.String
			if !c.Name.Valid || name == "" {
				name = expressionPlaceholder(c.SeqNo)
			}
			rows = append(rows, indexColumnRow{
				IndexName: item.Name,
				IsUnique:  item.Unique == 1,
				Column:    name,
				Seq:       c.SeqNo,
			})
		}
	}

	indexes := assembleIndexes(rows)
	log.Debug("Fetched index info.", zap.Int("index_count", len(indexes)))
	return indexes, true, nil
}
