package sync

import (
	"fmt"
	"sort"
)

// indexColumnRow is one (index, key position) pair as catalogs report them.
type indexColumnRow struct {
	IndexName string
	IsUnique  bool
	Column    string
	Seq       int
}

// expressionPlaceholder stands in for key parts that are expressions rather
// than columns. It can never equal a declared column, so such an index always
// differs from any declaration with the same name.
func expressionPlaceholder(seq int) string {
	return fmt.Sprintf("<expression_at_seq_%d>", seq)
}

// assembleIndexes groups rows by index, orders each index's columns by key
// position and returns the indexes sorted by name.
func assembleIndexes(rows []indexColumnRow) []IndexDefinition {
	byName := make(map[string]*IndexDefinition)
	seqs := make(map[string][]int)
	for _, row := range rows {
		idx, ok := byName[row.IndexName]
		if !ok {
			idx = &IndexDefinition{Name: row.IndexName, IsUnique: row.IsUnique}
			byName[row.IndexName] = idx
		}
		idx.ColumnNames = append(idx.ColumnNames, row.Column)
		seqs[row.IndexName] = append(seqs[row.IndexName], row.Seq)
	}

	out := make([]IndexDefinition, 0, len(byName))
	for name, idx := range byName {
		s := seqs[name]
		sort.Sort(byKeyPosition{cols: idx.ColumnNames, seqs: s})
		out = append(out, *idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type byKeyPosition struct {
	cols []string
	seqs []int
}

func (b byKeyPosition) Len() int           { return len(b.cols) }
func (b byKeyPosition) Less(i, j int) bool { return b.seqs[i] < b.seqs[j] }
func (b byKeyPosition) Swap(i, j int) {
	b.cols[i], b.cols[j] = b.cols[j], b.cols[i]
	b.seqs[i], b.seqs[j] = b.seqs[j], b.seqs[i]
}
