package database

import (
	"fmt"
	"strings"
)

// Condition is one node of a parameterized SQL fragment. Conditions compose
// into SET and WHERE clauses with sequentially numbered placeholders, so a
// fragment can be appended to a larger statement at any parameter offset.
// Field names are developer-controlled identifiers; only bound parameters
// carry caller data.
type Condition interface {
	write(b *strings.Builder, args *[]any, next *int)
}

type eqCond struct {
	field string
	value any
}

func (c eqCond) write(b *strings.Builder, args *[]any, next *int) {
	fmt.Fprintf(b, "%s = $%d", c.field, *next)
	*args = append(*args, c.value)
	*next++
}

// Eq matches field = value.
func Eq(field string, value any) Condition {
	return eqCond{field: field, value: value}
}

type inCond struct {
	field  string
	values []any
}

func (c inCond) write(b *strings.Builder, args *[]any, next *int) {
	b.WriteString(c.field)
	b.WriteString(" IN (")
	for i, v := range c.values {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(b, "$%d", *next)
		*args = append(*args, v)
		*next++
	}
	b.WriteString(")")
}

// In matches field IN (values...), each element bound positionally.
func In(field string, values ...any) Condition {
	return inCond{field: field, values: values}
}

type cmpCond struct {
	field    string
	operator string
	value    any
}

func (c cmpCond) write(b *strings.Builder, args *[]any, next *int) {
	fmt.Fprintf(b, "%s %s $%d", c.field, c.operator, *next)
	*args = append(*args, c.value)
	*next++
}

// Compare matches field <operator> value, e.g. Compare("amount", ">=", 100).
func Compare(field, operator string, value any) Condition {
	return cmpCond{field: field, operator: operator, value: value}
}

type groupCond struct {
	relation string
	conds    []Condition
}

func (c groupCond) write(b *strings.Builder, args *[]any, next *int) {
	b.WriteString("(")
	for i, cond := range c.conds {
		if i > 0 {
			b.WriteString(" ")
			b.WriteString(c.relation)
			b.WriteString(" ")
		}
		cond.write(b, args, next)
	}
	b.WriteString(")")
}

// And groups conditions joined with AND, wrapped in parentheses.
func And(conds ...Condition) Condition {
	return groupCond{relation: "AND", conds: conds}
}

// Or groups conditions joined with OR, wrapped in parentheses.
func Or(conds ...Condition) Condition {
	return groupCond{relation: "OR", conds: conds}
}

// BuildClause renders conditions joined by sep, assigning placeholders
// sequentially from start. Use ", " for SET lists and " AND " for WHERE
// filters; the returned args line up with the assigned placeholder numbers.
func BuildClause(start int, sep string, conds ...Condition) (string, []any) {
	var b strings.Builder
	args := make([]any, 0, len(conds))
	next := start

	for i, cond := range conds {
		if i > 0 {
			b.WriteString(sep)
		}
		cond.write(&b, &args, &next)
	}
	return b.String(), args
}
