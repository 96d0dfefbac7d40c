package store

import (
	"strconv"
	"strings"
	"time"
)

// Query composes predicates, ordering and a limit for a single-table
// select. Column names are always package constants; values are bound.
type Query struct {
	preds []string
	args  []any
	order string
	limit int
}

// NewQuery returns an empty query.
func NewQuery() *Query {
	return &Query{}
}

// Where adds a raw predicate with bound arguments.
func (q *Query) Where(pred string, args ...any) *Query {
	q.preds = append(q.preds, pred)
	q.args = append(q.args, args...)
	return q
}

// Eq adds col = v.
func (q *Query) Eq(col string, v any) *Query {
	return q.Where(col+" = ?", v)
}

// EqIf adds col = v only when cond holds.
func (q *Query) EqIf(cond bool, col string, v any) *Query {
	if !cond {
		return q
	}
	return q.Eq(col, v)
}

// Str adds col = v unless v is empty.
func (q *Query) Str(col, v string) *Query {
	return q.EqIf(v != "", col, v)
}

// Since adds col >= t in milliseconds unless t is zero.
func (q *Query) Since(col string, t time.Time) *Query {
	if t.IsZero() {
		return q
	}
	return q.Where(col+" >= ?", t.UnixMilli())
}

// Before adds col < t in milliseconds unless t is zero.
func (q *Query) Before(col string, t time.Time) *Query {
	if t.IsZero() {
		return q
	}
	return q.Where(col+" < ?", t.UnixMilli())
}

// In adds col IN (vals...). An empty list is ignored.
func (q *Query) In(col string, vals ...string) *Query {
	if len(vals) == 0 {
		return q
	}
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return q.Where(col+" IN ("+placeholders(len(vals))+")", args...)
}

// OrderBy sets the ORDER BY expression.
func (q *Query) OrderBy(expr string) *Query {
	q.order = expr
	return q
}

// Limit caps the result size. Zero or negative means no limit.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// Build renders the statement for the given SELECT ... FROM prefix.
func (q *Query) Build(selectFrom string) (string, []any) {
	var b strings.Builder
	b.WriteString(selectFrom)
	where, args := q.whereClause()
	b.WriteString(where)
	if q.order != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(q.order)
	}
	if q.limit > 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(q.limit))
	}
	return b.String(), args
}

// BuildCount renders a COUNT(*) over table with the same predicates.
func (q *Query) BuildCount(table string) (string, []any) {
	where, args := q.whereClause()
	return "SELECT COUNT(*) FROM " + table + where, args
}

// BuildDelete renders a DELETE over table with the same predicates.
func (q *Query) BuildDelete(table string) (string, []any) {
	where, args := q.whereClause()
	return "DELETE FROM " + table + where, args
}

func (q *Query) whereClause() (string, []any) {
	if len(q.preds) == 0 {
		return "", nil
	}
	args := make([]any, len(q.args))
	copy(args, q.args)
	return " WHERE " + strings.Join(q.preds, " AND "), args
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
