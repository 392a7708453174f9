package core

import "persistcore/pkg/domain"

// Query describes what to load. Builder methods mutate and return the query;
// once handed to the server it is copied and never modified by the engine.
type Query struct {
	typeName   string
	id         any
	hasID      bool
	named      string
	params     map[string]any
	where      []domain.Predicate
	orderBy    []domain.Order
	maxRows    int
	selects    []string
	includes   []string
	mapKey     string
	useCache   bool
	ownTx      bool
	background bool
	pc         *PersistenceContext
}

// NewQuery starts a query over a logical type.
func NewQuery(typeName string) *Query {
	return &Query{typeName: typeName}
}

// Type returns the logical type queried.
func (q *Query) Type() string { return q.typeName }

// ID restricts the query to one identity.
func (q *Query) ID(id any) *Query {
	q.id = id
	q.hasID = true
	return q
}

// Where adds a predicate on a property or column.
func (q *Query) Where(property string, op domain.PredicateOp, value any) *Query {
	q.where = append(q.where, domain.Predicate{Column: property, Op: op, Value: value})
	return q
}

// Eq adds an equality predicate.
func (q *Query) Eq(property string, value any) *Query {
	return q.Where(property, domain.OpEq, value)
}

// In adds a membership predicate.
func (q *Query) In(property string, values ...any) *Query {
	return q.Where(property, domain.OpIn, append([]any(nil), values...))
}

// Named selects a query registered on the type's descriptor.
func (q *Query) Named(name string) *Query {
	q.named = name
	return q
}

// SetParam binds a named query parameter.
func (q *Query) SetParam(name string, value any) *Query {
	if q.params == nil {
		q.params = make(map[string]any)
	}
	q.params[name] = value
	return q
}

// OrderBy appends an ascending sort.
func (q *Query) OrderBy(property string) *Query {
	q.orderBy = append(q.orderBy, domain.Order{Column: property})
	return q
}

// OrderByDesc appends a descending sort.
func (q *Query) OrderByDesc(property string) *Query {
	q.orderBy = append(q.orderBy, domain.Order{Column: property, Desc: true})
	return q
}

// MaxRows limits the number of rows returned.
func (q *Query) MaxRows(n int) *Query {
	q.maxRows = n
	return q
}

// Select loads only the named properties (identity is always loaded). The
// resulting beans are partially loaded.
func (q *Query) Select(properties ...string) *Query {
	q.selects = append(q.selects, properties...)
	return q
}

// Include fetches associations eagerly. Nested paths use dots ("owner.accounts").
func (q *Query) Include(paths ...string) *Query {
	q.includes = append(q.includes, paths...)
	return q
}

// MapKey names the property keying FindMap results.
func (q *Query) MapKey(property string) *Query {
	q.mapKey = property
	return q
}

// UseCache enables the shared result cache.
func (q *Query) UseCache(on bool) *Query {
	q.useCache = on
	return q
}

// UseOwnTransaction runs the query in its own implicit transaction even when
// an ambient transaction is active.
func (q *Query) UseOwnTransaction() *Query {
	q.ownTx = true
	return q
}

// WithPersistenceContext loads into pc instead of the transaction's context.
func (q *Query) WithPersistenceContext(pc *PersistenceContext) *Query {
	q.pc = pc
	return q
}

func (q *Query) clone() *Query {
	c := *q
	c.where = append([]domain.Predicate(nil), q.where...)
	c.orderBy = append([]domain.Order(nil), q.orderBy...)
	c.selects = append([]string(nil), q.selects...)
	c.includes = append([]string(nil), q.includes...)
	if q.params != nil {
		c.params = make(map[string]any, len(q.params))
		for k, v := range q.params {
			c.params[k] = v
		}
	}
	return &c
}
