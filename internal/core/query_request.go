package core

import (
	"context"
	"fmt"
	"reflect"

	"persistcore/internal/meta"
	"persistcore/pkg/domain"
)

// queryRequest executes one Query: it binds a transaction and persistence
// context, probes the shared cache, dispatches to the executor and loads the
// rows as beans.
type queryRequest struct {
	server      *Server
	query       *Query
	desc        *meta.Descriptor
	shape       domain.ResultShape
	id          domain.Identity
	selects     []string
	mapKey      *meta.Property
	tx          *Transaction
	createdHere bool
	pc          *PersistenceContext
	planHash    uint64
	bindHash    uint64
	stmt        domain.QueryStatement
}

func (s *Server) newQueryRequest(q *Query, shape domain.ResultShape) (*queryRequest, error) {
	if q == nil {
		return nil, domain.ConfigError{Reason: "nil query"}
	}
	desc, err := s.catalog.Describe(q.typeName)
	if err != nil {
		return nil, err
	}
	qc := q.clone()
	if qc.named != "" {
		nq, ok := desc.NamedQueries[qc.named]
		if !ok {
			return nil, domain.ConfigError{Type: desc.Name, Reason: "unknown named query " + qc.named}
		}
		qc.where = append(append([]domain.Predicate(nil), nq.Where...), qc.where...)
		if len(qc.orderBy) == 0 {
			qc.orderBy = append([]domain.Order(nil), nq.OrderBy...)
		}
	}
	if s.tuner != nil {
		s.tuner(qc)
	}
	r := &queryRequest{server: s, query: qc, desc: desc, shape: shape}
	r.planHash = planHash(qc, shape)

	where, err := r.bindPredicates(qc.where)
	if err != nil {
		return nil, err
	}
	order := make([]domain.Order, 0, len(qc.orderBy))
	for _, o := range qc.orderBy {
		p, ok := desc.Property(o.Column)
		if !ok || p.Kind == meta.KindOneToMany {
			return nil, domain.ConfigError{Type: desc.Name, Reason: "unknown order property " + o.Column}
		}
		order = append(order, domain.Order{Column: p.Column, Desc: o.Desc})
	}
	if len(qc.selects) > 0 {
		r.selects = desc.IDPropertyNames()
		for _, name := range qc.selects {
			p, ok := desc.Property(name)
			if !ok || p.Kind == meta.KindOneToMany {
				return nil, domain.ConfigError{Type: desc.Name, Reason: "unknown select property " + name}
			}
			if !p.ID {
				r.selects = append(r.selects, p.Name)
			}
		}
	}
	if shape == domain.ShapeMap {
		p, ok := desc.Property(qc.mapKey)
		if qc.mapKey == "" || !ok || p.Kind == meta.KindOneToMany {
			return nil, domain.ConfigError{Type: desc.Name, Reason: "map key property required"}
		}
		r.mapKey = p
	}
	var keys []string
	if qc.hasID {
		id, err := desc.NormalizeID(qc.id)
		if err != nil {
			return nil, err
		}
		r.id = id
		keys = []string{id.Key()}
	}
	r.stmt = domain.QueryStatement{
		PlanHash: r.planHash,
		Table:    desc.Table,
		Keys:     keys,
		Where:    where,
		OrderBy:  order,
		MaxRows:  qc.maxRows,
	}
	r.bindHash = bindHash(r.id, where, qc.maxRows)
	return r, nil
}

// bindPredicates resolves property names to columns and binds named
// parameters.
func (r *queryRequest) bindPredicates(preds []domain.Predicate) ([]domain.Predicate, error) {
	out := make([]domain.Predicate, 0, len(preds))
	for _, p := range preds {
		prop, ok := r.desc.Property(p.Column)
		if !ok || prop.Kind == meta.KindOneToMany {
			return nil, domain.ConfigError{Type: r.desc.Name, Reason: "unknown property " + p.Column}
		}
		if p.Param != "" {
			v, ok := r.query.params[p.Param]
			if !ok {
				return nil, domain.ConfigError{Type: r.desc.Name, Reason: "missing parameter " + p.Param}
			}
			p.Value = v
		}
		p.Column = prop.Column
		if p.Op == domain.OpIn {
			p.Value = asList(p.Value)
		}
		if prop.Kind == meta.KindManyToOne {
			p.Value = r.foreignKey(prop, p.Value)
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *queryRequest) foreignKey(prop *meta.Property, v any) any {
	target, err := r.server.catalog.ForType(prop.Target)
	if err != nil {
		return v
	}
	toKey := func(x any) any {
		rv := reflect.ValueOf(x)
		if rv.Kind() == reflect.Pointer && !rv.IsNil() && rv.Elem().Type() == target.Type() {
			return target.IdentityOf(x).Scalar()
		}
		return x
	}
	if list, ok := v.([]any); ok {
		out := make([]any, len(list))
		for i, x := range list {
			out[i] = toKey(x)
		}
		return out
	}
	return toKey(v)
}

func asList(v any) []any {
	if list, ok := v.([]any); ok {
		return list
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{v}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// bind resolves the transaction: the supplied one, else the ambient one,
// else a new implicit read-only transaction owned by this request.
func (r *queryRequest) bind(ctx context.Context, tx *Transaction) error {
	if tx != nil {
		if err := tx.checkActive(); err != nil {
			return err
		}
		r.tx = tx
	} else if !r.query.ownTx {
		r.tx = AmbientTransaction(ctx)
	}
	if r.tx == nil {
		created, err := r.server.newTransaction(ctx, txConfig{readOnly: true, label: "query:" + r.desc.Name})
		if err != nil {
			return err
		}
		r.tx = created
		r.createdHere = true
	}
	r.pc = r.query.pc
	if r.pc == nil {
		r.pc = r.tx.pc
	}
	return nil
}

// cleanup ends a transaction created by the request unless a background
// worker owns it.
func (r *queryRequest) cleanup(ctx context.Context) {
	if r.createdHere && !r.query.background {
		_ = r.tx.Rollback(ctx)
	}
}

// run executes the request. With load false only the row count is produced.
func (r *queryRequest) run(ctx context.Context, load bool) ([]any, int, error) {
	rows, err := r.rows(ctx)
	if err != nil {
		return nil, 0, err
	}
	if !load {
		return nil, len(rows), nil
	}
	l := &loader{server: r.server, tx: r.tx, pc: r.pc}
	beans, err := l.loadRows(r.desc, rows, r.selects)
	if err != nil {
		return nil, 0, err
	}
	if err := r.resolveIncludes(ctx, l, beans); err != nil {
		return nil, 0, err
	}
	return beans, len(beans), nil
}

func (r *queryRequest) resolveIncludes(ctx context.Context, l *loader, beans []any) error {
	for _, path := range r.query.includes {
		if err := l.include(ctx, r.desc, beans, path); err != nil {
			return err
		}
	}
	return nil
}

// contextHit returns the instance already held by the persistence context
// for a find by identity. Deleted instances are reported as absent. Finds
// with further predicates always reach the executor.
func (r *queryRequest) contextHit() (bean any, hit, absent bool) {
	if !r.query.hasID || len(r.selects) > 0 || len(r.query.where) > 0 {
		return nil, false, false
	}
	existing, ok := r.pc.Get(r.desc.Name, r.id)
	if !ok {
		return nil, false, false
	}
	st := domain.StateOf(existing)
	switch {
	case st == nil:
		return existing, true, false
	case st.IsDeleted():
		return nil, false, true
	case st.IsLoaded() && !st.IsPartial():
		return existing, true, false
	}
	return nil, false, false
}

func (r *queryRequest) cacheable() bool {
	return r.query.useCache && r.server.cache != nil && !r.tx.HasPendingChanges(r.desc.DependentTables)
}

func (r *queryRequest) rows(ctx context.Context) ([]domain.Row, error) {
	if err := r.tx.Flush(ctx); err != nil {
		return nil, err
	}
	s := r.server
	s.plans.use(ctx, r.planHash, r.desc.Name, r.stmt)
	if !r.cacheable() {
		return r.fetch(ctx)
	}
	key := domain.CacheKey{Type: r.desc.Name, PlanHash: r.planHash, BindHash: r.bindHash, Shape: r.shape}
	if entry, ok := s.cache.Get(key); ok {
		if !s.tableState.ChangedSince(r.desc.DependentTables, entry.CapturedAt) {
			s.stats.cacheHits.Add(1)
			return cloneRows(entry.Rows), nil
		}
		s.cache.Remove(key)
	}
	s.stats.cacheMisses.Add(1)
	flightKey := fmt.Sprintf("%s/%x/%x/%d", key.Type, key.PlanHash, key.BindHash, key.Shape)
	v, err, shared := s.flight.Do(flightKey, func() (any, error) {
		capturedAt := s.clock.Now()
		rows, err := r.fetch(ctx)
		if err != nil {
			return nil, err
		}
		entry := domain.CacheEntry{Rows: rows, CapturedAt: capturedAt}
		s.cache.Put(key, domain.CacheEntry{Rows: cloneRows(rows), CapturedAt: capturedAt})
		return entry, nil
	})
	if shared {
		// The fetch ran on another transaction's connection. Its rows only
		// stand in for ours when no dependent table changed since it started.
		if err != nil {
			return r.fetch(ctx)
		}
		if s.tableState.ChangedSince(r.desc.DependentTables, v.(domain.CacheEntry).CapturedAt) {
			s.stats.staleFlights.Add(1)
			return r.fetch(ctx)
		}
	}
	if err != nil {
		return nil, err
	}
	return cloneRows(v.(domain.CacheEntry).Rows), nil
}

func (r *queryRequest) fetch(ctx context.Context) ([]domain.Row, error) {
	r.tx.logStatement("query", "type", r.desc.Name, "plan", r.planHash)
	rows, err := r.tx.conn.Query(ctx, r.stmt)
	if err != nil {
		return nil, domain.ExecutorError{Type: r.desc.Name, ID: r.id, Op: domain.OpSelect, Err: err}
	}
	return rows, nil
}

func cloneRows(rows []domain.Row) []domain.Row {
	out := make([]domain.Row, len(rows))
	for i, row := range rows {
		out[i] = row.Clone()
	}
	return out
}
