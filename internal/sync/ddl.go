package sync

import (
	"fmt"
	"strings"

	"github.com/arwahdevops/schemasync/internal/utils"
)

// buildCreateIndexDDL renders CREATE [UNIQUE] INDEX <name> ON <table> (<cols>)
// with the columns in key order.
func buildCreateIndexDDL(dialect, table string, idx IndexDefinition) (string, error) {
	if idx.Name == "" {
		return "", fmt.Errorf("index on table '%s' has no name", table)
	}
	if len(idx.ColumnNames) == 0 {
		return "", fmt.Errorf("index '%s' on table '%s' has no columns", idx.Name, table)
	}
	var b strings.Builder
	b.WriteString("CREATE ")
	if idx.IsUnique {
		b.WriteString("UNIQUE ")
	}
	b.WriteString("INDEX ")
	b.WriteString(utils.QuoteIdentifier(idx.Name, dialect))
	b.WriteString(" ON ")
	b.WriteString(utils.QuoteIdentifier(table, dialect))
	b.WriteString(" (")
	b.WriteString(utils.QuoteIdentifierList(idx.ColumnNames, dialect))
	b.WriteString(")")
	return b.String(), nil
}

// buildDropIndexDDL renders DROP INDEX <name>. MySQL index names are scoped to
// their table, so it needs the ON clause.
func buildDropIndexDDL(dialect, table, indexName string) (string, error) {
	if indexName == "" {
		return "", fmt.Errorf("drop on table '%s' has no index name", table)
	}
	if dialect == "mysql" {
		return fmt.Sprintf("DROP INDEX %s ON %s",
			utils.QuoteIdentifier(indexName, dialect), utils.QuoteIdentifier(table, dialect)), nil
	}
	return "DROP INDEX " + utils.QuoteIdentifier(indexName, dialect), nil
}
