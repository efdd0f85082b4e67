package localstore

import (
	"fmt"
	"strings"
)

// Op is a comparison operator usable in a predicate.
type Op string

const (
	OpEq Op = "="
	OpNe Op = "!="
	OpLt Op = "<"
	OpLe Op = "<="
	OpGt Op = ">"
	OpGe Op = ">="
)

func (o Op) valid() bool {
	switch o {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		return true
	}
	return false
}

// Cond is a single field comparison. Conditions in a slice are ANDed.
type Cond struct {
	Field string
	Op    Op
	Value any
}

// Eq is shorthand for an equality condition.
func Eq(field string, value any) Cond {
	return Cond{Field: field, Op: OpEq, Value: value}
}

// Where builds an arbitrary comparison condition.
func Where(field string, op Op, value any) Cond {
	return Cond{Field: field, Op: op, Value: value}
}

// Query selects rows of one collection.
type Query struct {
	Where   []Cond
	OrderBy string
	Desc    bool
	Limit   int
}

// whereClause renders conds against t, rejecting unknown fields so that no
// caller-supplied name reaches the SQL text unchecked.
func whereClause(t Table, conds []Cond) (string, []any, error) {
	if len(conds) == 0 {
		return "", nil, nil
	}
	parts := make([]string, 0, len(conds))
	args := make([]any, 0, len(conds))
	for _, c := range conds {
		if _, ok := t.columnType(c.Field); !ok {
			return "", nil, fmt.Errorf("collection %s has no column %q", t.Name, c.Field)
		}
		if !c.Op.valid() {
			return "", nil, fmt.Errorf("unsupported operator %q", c.Op)
		}
		parts = append(parts, fmt.Sprintf("%s %s ?", quote(c.Field), c.Op))
		args = append(args, toSQLValue(c.Value))
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

func selectSQL(t Table, q Query) (string, []any, error) {
	where, args, err := whereClause(t, q.Where)
	if err != nil {
		return "", nil, err
	}
	cols := t.columnNames()
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quote(c)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s%s", strings.Join(quoted, ", "), quote(t.Name), where)
	if q.OrderBy != "" {
		if _, ok := t.columnType(q.OrderBy); !ok {
			return "", nil, fmt.Errorf("collection %s has no column %q to order by", t.Name, q.OrderBy)
		}
		dir := "ASC"
		if q.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&b, " ORDER BY %s %s, %s ASC", quote(q.OrderBy), dir, quote(IDColumn))
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	return b.String(), args, nil
}
