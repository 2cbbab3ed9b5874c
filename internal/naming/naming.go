package naming

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// Strategy converts table/column/uniqueness information into a canonical
// database identifier. Implementations must be pure: the same inputs yield the
// same name in every process, otherwise every restart produces false diffs.
type Strategy interface {
	GenerateIndexName(tableName string, columnNames []string, isUnique bool) string
}

const (
	// indexPrefix and uniquePrefix keep derived names recognisable in the catalog.
	indexPrefix  = "IDX_"
	uniquePrefix = "UQ_"
	// hashLength keeps derived names inside the 63 byte PostgreSQL and 64 byte
	// MySQL identifier limits.
	hashLength = 26

	// MaxIdentifierLength is the longest index name, in bytes, every supported
	// backend stores unchanged. PostgreSQL truncates past 63 bytes.
	MaxIdentifierLength = 63
)

// DefaultStrategy derives names from a BLAKE3 digest of the table name, the
// ordered column list and the uniqueness flag.
type DefaultStrategy struct{}

var _ Strategy = DefaultStrategy{}

// GenerateIndexName returns e.g. "IDX_3f1c..." for a plain index and
// "UQ_9ab0..." for a unique one. Column order is part of the key, so
// (a, b) and (b, a) get different names.
func (DefaultStrategy) GenerateIndexName(tableName string, columnNames []string, isUnique bool) string {
	prefix := indexPrefix
	if isUnique {
		prefix = uniquePrefix
	}

	var key strings.Builder
	key.WriteString(tableName)
	for _, c := range columnNames {
		// NUL cannot appear in identifiers, so ("a_b") and ("a","b") never collide.
		key.WriteByte(0)
		key.WriteString(c)
	}
	if isUnique {
		key.WriteString("\x00unique")
	}

	sum := blake3.Sum256([]byte(key.String()))
	return prefix + hex.EncodeToString(sum[:])[:hashLength]
}
