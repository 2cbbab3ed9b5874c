package sync

import (
	"regexp"
	"sort"
	"strings"
)

// PlanTable diffs the declared indices of one table against its live schema.
//
// A nil live schema means the table does not exist and every declared index is
// planned for creation. With dropFirst set every managed live index is dropped
// and every declared index created, regardless of whether they differ. Live
// indices whose name matches unmanaged and that are not declared are left
// alone. Output is sorted by index name.
func PlanTable(table string, declared []IndexDefinition, live *TableSchema, dropFirst bool, unmanaged *regexp.Regexp) TablePlan {
	plan := TablePlan{
		Table:       table,
		TableExists: live != nil,
		DropFirst:   dropFirst,
	}

	declaredByName := make(map[string]IndexDefinition, len(declared))
	for _, d := range declared {
		declaredByName[d.Name] = d
	}

	foldCase := live != nil && live.CaseInsensitiveColumns
	liveByName := make(map[string]IndexDefinition)
	if live != nil {
		for _, l := range live.Indices {
			if _, isDeclared := declaredByName[l.Name]; !isDeclared && unmanaged != nil && unmanaged.MatchString(l.Name) {
				plan.Unmanaged = append(plan.Unmanaged, l.Name)
				continue
			}
			liveByName[l.Name] = l
		}
	}

	if dropFirst {
		for _, name := range sortedKeys(liveByName) {
			plan.Drops = append(plan.Drops, DDLOperation{Kind: OperationDrop, Table: table, Index: liveByName[name]})
			if _, ok := declaredByName[name]; ok {
				plan.Recreates = append(plan.Recreates, name)
			}
		}
		for _, name := range sortedKeys(declaredByName) {
			plan.Creates = append(plan.Creates, DDLOperation{Kind: OperationCreate, Table: table, Index: declaredByName[name]})
		}
		sort.Strings(plan.Unmanaged)
		return plan
	}

	for _, name := range sortedKeys(liveByName) {
		l := liveByName[name]
		d, ok := declaredByName[name]
		switch {
		case !ok:
			plan.Drops = append(plan.Drops, DDLOperation{Kind: OperationDrop, Table: table, Index: l})
		case definitionChanged(d, l, foldCase):
			plan.Drops = append(plan.Drops, DDLOperation{Kind: OperationDrop, Table: table, Index: l})
			plan.Recreates = append(plan.Recreates, name)
		default:
			plan.Unchanged = append(plan.Unchanged, name)
		}
	}

	for _, name := range sortedKeys(declaredByName) {
		l, ok := liveByName[name]
		if ok && !definitionChanged(declaredByName[name], l, foldCase) {
			continue
		}
		plan.Creates = append(plan.Creates, DDLOperation{Kind: OperationCreate, Table: table, Index: declaredByName[name]})
	}

	sort.Strings(plan.Unmanaged)
	return plan
}

// definitionChanged compares uniqueness and the column lists position by
// position; (a, b) and (b, a) are different indices. With foldCase, column
// names that differ only in letter case are the same column.
func definitionChanged(declared, live IndexDefinition, foldCase bool) bool {
	if declared.IsUnique != live.IsUnique {
		return true
	}
	if len(declared.ColumnNames) != len(live.ColumnNames) {
		return true
	}
	for i := range declared.ColumnNames {
		if foldCase {
			if !strings.EqualFold(declared.ColumnNames[i], live.ColumnNames[i]) {
				return true
			}
			continue
		}
		if declared.ColumnNames[i] != live.ColumnNames[i] {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]IndexDefinition) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
