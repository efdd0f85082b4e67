package localstore

import (
	"fmt"
	"regexp"
	"strings"
)

// ColumnType is the SQLite storage class of a column.
type ColumnType int

const (
	Text ColumnType = iota
	Integer
	Real
)

func (t ColumnType) sql() string {
	switch t {
	case Integer:
		return "INTEGER"
	case Real:
		return "REAL"
	default:
		return "TEXT"
	}
}

// IDColumn is the primary key column every table carries.
const IDColumn = "id"

// Column declares one non-key column of a collection table.
type Column struct {
	Name string
	Type ColumnType
}

// Table describes the physical table backing one collection. The id column
// is implicit.
type Table struct {
	Name    string
	Columns []Column

	// Indexes lists columns that get a secondary index (scope and order
	// columns, typically).
	Indexes []string
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func quote(ident string) string {
	return `"` + ident + `"`
}

func (t Table) validate() error {
	if !identRe.MatchString(t.Name) {
		return fmt.Errorf("invalid table name %q", t.Name)
	}
	seen := map[string]bool{IDColumn: true}
	for _, c := range t.Columns {
		if !identRe.MatchString(c.Name) {
			return fmt.Errorf("table %s: invalid column name %q", t.Name, c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("table %s: duplicate column %q", t.Name, c.Name)
		}
		seen[c.Name] = true
	}
	for _, idx := range t.Indexes {
		if !seen[idx] {
			return fmt.Errorf("table %s: index on unknown column %q", t.Name, idx)
		}
	}
	return nil
}

// ddl returns the idempotent CREATE statements for t.
func (t Table) ddl() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n    %s TEXT PRIMARY KEY", quote(t.Name), quote(IDColumn))
	for _, c := range t.Columns {
		fmt.Fprintf(&b, ",\n    %s %s", quote(c.Name), c.Type.sql())
	}
	b.WriteString("\n);\n")
	for _, idx := range t.Indexes {
		fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS %s ON %s (%s);\n",
			quote("idx_"+t.Name+"_"+idx), quote(t.Name), quote(idx))
	}
	return b.String()
}

// columnNames returns id followed by the declared columns.
func (t Table) columnNames() []string {
	names := make([]string, 0, len(t.Columns)+1)
	names = append(names, IDColumn)
	for _, c := range t.Columns {
		names = append(names, c.Name)
	}
	return names
}

func (t Table) columnType(name string) (ColumnType, bool) {
	if name == IDColumn {
		return Text, true
	}
	for _, c := range t.Columns {
		if c.Name == name {
			return c.Type, true
		}
	}
	return 0, false
}
