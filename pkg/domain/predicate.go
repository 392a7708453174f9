package domain

import "sort"

// PredicateOp is a comparison operator.
type PredicateOp string

const (
	OpEq      PredicateOp = "="
	OpNe      PredicateOp = "<>"
	OpLt      PredicateOp = "<"
	OpLe      PredicateOp = "<="
	OpGt      PredicateOp = ">"
	OpGe      PredicateOp = ">="
	OpIn      PredicateOp = "in"
	OpIsNull  PredicateOp = "is null"
	OpNotNull PredicateOp = "is not null"
)

// Predicate compares one column. Param names a named-query parameter that is
// bound to Value before execution.
type Predicate struct {
	Column string
	Op     PredicateOp
	Value  any
	Param  string
}

// Order sorts on one column.
type Order struct {
	Column string
	Desc   bool
}

// Matches evaluates the predicate against a row.
func (p Predicate) Matches(row Row) bool {
	v := row[p.Column]
	switch p.Op {
	case OpEq:
		return ValuesEqual(v, p.Value)
	case OpNe:
		return !ValuesEqual(v, p.Value)
	case OpIsNull:
		return NormalizeValue(v) == nil
	case OpNotNull:
		return NormalizeValue(v) != nil
	case OpIn:
		values, _ := p.Value.([]any)
		for _, candidate := range values {
			if ValuesEqual(v, candidate) {
				return true
			}
		}
		return false
	}
	c, ok := CompareValues(v, p.Value)
	if !ok || NormalizeValue(v) == nil {
		return false
	}
	switch p.Op {
	case OpLt:
		return c < 0
	case OpLe:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGe:
		return c >= 0
	}
	return false
}

// MatchRow reports whether every predicate matches.
func MatchRow(row Row, where []Predicate) bool {
	for _, p := range where {
		if !p.Matches(row) {
			return false
		}
	}
	return true
}

// ExpectationHolds reports whether every expected column still holds its value.
func ExpectationHolds(row Row, expect Row) bool {
	for col, want := range expect {
		if !ValuesEqual(row[col], want) {
			return false
		}
	}
	return true
}

// SortRows orders rows in place. Rows with equal keys keep their relative order.
func SortRows(rows []Row, order []Order) {
	if len(order) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, o := range order {
			c, _ := CompareValues(rows[i][o.Column], rows[j][o.Column])
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}
