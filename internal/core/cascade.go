package core

import (
	"context"
	"reflect"

	"persistcore/internal/meta"
	"persistcore/pkg/domain"
)

// graphWalk persists a bean and the associations it cascades to. Each
// instance is visited once so cyclic graphs terminate.
type graphWalk struct {
	server  *Server
	tx      *Transaction
	visited map[any]struct{}
}

func newGraphWalk(s *Server, tx *Transaction) *graphWalk {
	return &graphWalk{server: s, tx: tx, visited: make(map[any]struct{})}
}

func (w *graphWalk) seen(bean any) bool {
	if _, ok := w.visited[bean]; ok {
		return true
	}
	w.visited[bean] = struct{}{}
	return false
}

// save persists cascaded parents first, then the bean, then its cascaded
// children with their back references pointing at the bean.
func (w *graphWalk) save(ctx context.Context, bean any, op domain.PersistOp) error {
	if w.seen(bean) {
		return nil
	}
	desc, err := w.server.catalog.DescribeValue(bean)
	if err != nil {
		return err
	}
	for _, p := range desc.Associations(meta.KindManyToOne) {
		if p.Cascade&meta.CascadeSave == 0 {
			continue
		}
		parent := desc.Get(bean, p)
		if isNil(parent) {
			continue
		}
		if st := domain.StateOf(parent); st != nil && st.IsReference() {
			continue
		}
		if err := w.save(ctx, parent, ""); err != nil {
			return err
		}
	}
	if err := w.tx.flushQueued(ctx, bean); err != nil {
		return err
	}
	if op == "" {
		op = w.server.saveOp(desc, bean)
	}
	if err := w.server.persist(ctx, w.tx, desc, op, bean); err != nil {
		return err
	}
	for _, p := range desc.Associations(meta.KindOneToMany) {
		if p.Cascade&meta.CascadeSave == 0 {
			continue
		}
		target, err := w.server.catalog.ForType(p.Target)
		if err != nil {
			return err
		}
		back, ok := target.Property(p.MappedBy)
		if !ok {
			return domain.ConfigError{Type: target.Name, Reason: "unknown mappedBy " + p.MappedBy}
		}
		for _, child := range elements(desc.Get(bean, p)) {
			if err := target.Set(child, back, bean); err != nil {
				return err
			}
			if err := w.save(ctx, child, ""); err != nil {
				return err
			}
		}
	}
	return nil
}

// delete removes cascaded children before the bean. Children not loaded on
// the bean are fetched by foreign key first.
func (w *graphWalk) delete(ctx context.Context, bean any) error {
	if w.seen(bean) {
		return nil
	}
	desc, err := w.server.catalog.DescribeValue(bean)
	if err != nil {
		return err
	}
	for _, p := range desc.Associations(meta.KindOneToMany) {
		if p.Cascade&meta.CascadeDelete == 0 {
			continue
		}
		children, err := w.children(ctx, desc, p, bean)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := w.delete(ctx, child); err != nil {
				return err
			}
		}
	}
	return w.server.persist(ctx, w.tx, desc, domain.OpDelete, bean)
}

func (w *graphWalk) children(ctx context.Context, desc *meta.Descriptor, p *meta.Property, bean any) ([]any, error) {
	if loaded := elements(desc.Get(bean, p)); loaded != nil {
		return loaded, nil
	}
	target, err := w.server.catalog.ForType(p.Target)
	if err != nil {
		return nil, err
	}
	back, ok := target.Property(p.MappedBy)
	if !ok {
		return nil, domain.ConfigError{Type: target.Name, Reason: "unknown mappedBy " + p.MappedBy}
	}
	if err := w.tx.Flush(ctx); err != nil {
		return nil, err
	}
	id := desc.IdentityOf(bean)
	l := &loader{server: w.server, tx: w.tx, pc: w.tx.pc}
	rows, err := l.query(ctx, target, domain.QueryStatement{
		Table: target.Table,
		Where: []domain.Predicate{{Column: back.Column, Op: domain.OpEq, Value: domain.NormalizeValue(id.Scalar())}},
	})
	if err != nil {
		return nil, err
	}
	return l.loadRows(target, rows, nil)
}

func elements(v any) []any {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Slice || rv.IsNil() {
		return nil
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

func isNil(v any) bool {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return true
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}
