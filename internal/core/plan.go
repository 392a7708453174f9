package core

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"persistcore/internal/meta"
	"persistcore/pkg/domain"
)

// planHash fingerprints the statement shape of a tuned query: everything
// except bind values.
func planHash(q *Query, shape domain.ResultShape) uint64 {
	d := xxhash.New()
	w := func(parts ...string) {
		for _, p := range parts {
			_, _ = d.WriteString(p)
			_, _ = d.WriteString("\x00")
		}
	}
	w("type", q.typeName, "shape", shape.String(), "map", q.mapKey, "named", q.named)
	if q.hasID {
		w("id")
	}
	w("select")
	w(q.selects...)
	w("include")
	w(q.includes...)
	w("where")
	for _, p := range q.where {
		arity := 1
		if values, ok := p.Value.([]any); ok && p.Op == domain.OpIn {
			arity = len(values)
		}
		w(p.Column, string(p.Op), p.Param, strconv.Itoa(arity))
	}
	w("order")
	for _, o := range q.orderBy {
		w(o.Column, strconv.FormatBool(o.Desc))
	}
	w("limit", strconv.FormatBool(q.maxRows > 0))
	return d.Sum64()
}

// writePlanHash fingerprints a persist statement by type, operation and the
// column sets it writes and checks. Statements with equal hashes batch alike.
func writePlanHash(desc *meta.Descriptor, op domain.PersistOp, values, expect domain.Row) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(desc.Name + "\x00" + string(op))
	for _, cols := range [][]string{sortedColumns(values), sortedColumns(expect)} {
		_, _ = d.WriteString("\x00")
		for _, c := range cols {
			_, _ = d.WriteString(c + "\x01")
		}
	}
	return d.Sum64()
}

func sortedColumns(row domain.Row) []string {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// bindHash fingerprints the bind values of a query.
func bindHash(id domain.Identity, where []domain.Predicate, maxRows int) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(id.Key())
	for _, p := range where {
		_, _ = d.WriteString("\x00")
		if values, ok := p.Value.([]any); ok {
			for _, v := range values {
				_, _ = fmt.Fprintf(d, "%v\x01", domain.NormalizeValue(v))
			}
			continue
		}
		_, _ = fmt.Fprintf(d, "%v", domain.NormalizeValue(p.Value))
	}
	_, _ = fmt.Fprintf(d, "\x00%d", maxRows)
	return d.Sum64()
}

type queryPlan struct {
	hash     uint64
	typeName string
	uses     atomic.Int64
}

// planRegistry remembers every plan executed by the server and offers new
// ones to executors that can prepare them.
type planRegistry struct {
	plans    sync.Map // uint64 -> *queryPlan
	preparer domain.Preparer
	logger   Logger
}

func newPlanRegistry(exec domain.Executor, logger Logger) *planRegistry {
	r := &planRegistry{logger: logger}
	if p, ok := exec.(domain.Preparer); ok {
		r.preparer = p
	}
	return r
}

func (r *planRegistry) use(ctx context.Context, hash uint64, typeName string, stmt domain.QueryStatement) *queryPlan {
	if v, ok := r.plans.Load(hash); ok {
		plan := v.(*queryPlan)
		plan.uses.Add(1)
		return plan
	}
	v, loaded := r.plans.LoadOrStore(hash, &queryPlan{hash: hash, typeName: typeName})
	plan := v.(*queryPlan)
	plan.uses.Add(1)
	if !loaded && r.preparer != nil {
		if err := r.preparer.Prepare(ctx, hash, stmt); err != nil {
			r.logger.Warn("prepare query plan failed", "type", typeName, "plan", hash, "error", err)
		}
	}
	return plan
}

// Len returns the number of distinct plans seen.
func (r *planRegistry) Len() int {
	n := 0
	r.plans.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
