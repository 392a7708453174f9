package core

import (
	"context"
	"reflect"
	"strings"

	"github.com/pkg/errors"

	"persistcore/internal/meta"
	"persistcore/pkg/domain"
)

// loader maps rows to beans through a persistence context. A bean is
// registered before its associations are resolved so that cycles terminate
// on the registered instance.
type loader struct {
	server *Server
	tx     *Transaction
	pc     *PersistenceContext
}

func (l *loader) loadRows(desc *meta.Descriptor, rows []domain.Row, selects []string) ([]any, error) {
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		bean, err := l.loadRow(desc, row, selects)
		if err != nil {
			return nil, err
		}
		out = append(out, bean)
	}
	return out, nil
}

func (l *loader) loadRow(desc *meta.Descriptor, row domain.Row, selects []string) (any, error) {
	id := desc.IdentityFromRow(row)
	if id.IsZero() {
		return nil, errors.Errorf("row of %s has no identity", desc.Name)
	}
	if existing, ok := l.pc.Get(desc.Name, id); ok {
		st := domain.StateOf(existing)
		if st == nil || st.IsDeleted() || (st.IsLoaded() && !st.IsPartial()) {
			return existing, nil
		}
		return existing, l.populate(desc, existing, row, selects, st)
	}
	bean := desc.New()
	l.pc.Add(desc.Name, id, bean, false)
	return bean, l.populate(desc, bean, row, selects, domain.StateOf(bean))
}

func (l *loader) populate(desc *meta.Descriptor, bean any, row domain.Row, selects []string, st *domain.EntityState) error {
	props := desc.ColumnProperties()
	if selects != nil {
		props = props[:0:0]
		for _, name := range selects {
			if p, ok := desc.Property(name); ok && p.Kind != meta.KindOneToMany {
				props = append(props, p)
			}
		}
	}
	for _, p := range props {
		value := row[p.Column]
		if p.Kind == meta.KindManyToOne {
			ref, err := l.reference(p, value)
			if err != nil {
				return err
			}
			value = ref
		}
		if err := desc.Set(bean, p, value); err != nil {
			return err
		}
	}
	if st == nil {
		return nil
	}
	var loaded []string
	if selects != nil {
		loaded = mergeLoaded(st, props)
		if len(loaded) >= len(desc.ColumnProperties()) {
			loaded = nil
		}
	}
	st.MarkLoaded(loaded, desc.Values(bean, loaded, l.server.catalog))
	return nil
}

func mergeLoaded(st *domain.EntityState, props []*meta.Property) []string {
	set := make(map[string]struct{})
	if st.IsPartial() || st.IsReference() {
		for _, name := range st.LoadedProperties() {
			set[name] = struct{}{}
		}
	}
	for _, p := range props {
		set[p.Name] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	return out
}

// reference returns the instance for a foreign key, creating an
// identity-only placeholder when the target is not in the context yet.
func (l *loader) reference(p *meta.Property, fk any) (any, error) {
	fk = domain.NormalizeValue(fk)
	if fk == nil {
		return nil, nil
	}
	target, err := l.server.catalog.ForType(p.Target)
	if err != nil {
		return nil, err
	}
	id := domain.ScalarID(fk)
	if existing, ok := l.pc.Get(target.Name, id); ok {
		return existing, nil
	}
	ref := target.New()
	if err := target.SetID(ref, id); err != nil {
		return nil, err
	}
	if st := domain.StateOf(ref); st != nil {
		idProps := target.IDPropertyNames()
		st.MarkReference(idProps, target.Values(ref, idProps, l.server.catalog))
	}
	l.pc.Add(target.Name, id, ref, false)
	return ref, nil
}

// include fetches one association path for beans of desc.
func (l *loader) include(ctx context.Context, desc *meta.Descriptor, beans []any, path string) error {
	if len(beans) == 0 {
		return nil
	}
	head, rest, _ := strings.Cut(path, ".")
	p, ok := desc.Property(head)
	if !ok || !p.IsAssociation() {
		return domain.ConfigError{Type: desc.Name, Reason: "unknown association " + head}
	}
	target, err := l.server.catalog.ForType(p.Target)
	if err != nil {
		return err
	}
	var next []any
	switch p.Kind {
	case meta.KindManyToOne:
		next, err = l.includeParents(ctx, desc, target, p, beans)
	case meta.KindOneToMany:
		next, err = l.includeChildren(ctx, desc, target, p, beans)
	}
	if err != nil {
		return err
	}
	if rest != "" {
		return l.include(ctx, target, next, rest)
	}
	return nil
}

func (l *loader) includeParents(ctx context.Context, desc, target *meta.Descriptor, p *meta.Property, beans []any) ([]any, error) {
	var keys []string
	var related []any
	seen := make(map[string]struct{})
	for _, b := range beans {
		ref := desc.Get(b, p)
		rv := reflect.ValueOf(ref)
		if !rv.IsValid() || rv.IsNil() {
			continue
		}
		key := target.IdentityOf(ref).Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		related = append(related, ref)
		if st := domain.StateOf(ref); st == nil || st.IsReference() || st.IsPartial() {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return related, nil
	}
	rows, err := l.query(ctx, target, domain.QueryStatement{Table: target.Table, Keys: keys})
	if err != nil {
		return nil, err
	}
	if _, err := l.loadRows(target, rows, nil); err != nil {
		return nil, err
	}
	return related, nil
}

func (l *loader) includeChildren(ctx context.Context, desc, target *meta.Descriptor, p *meta.Property, beans []any) ([]any, error) {
	back, ok := target.Property(p.MappedBy)
	if !ok || back.Kind != meta.KindManyToOne {
		return nil, domain.ConfigError{Type: target.Name, Reason: "mappedBy " + p.MappedBy + " is not a many-to-one property"}
	}
	if len(desc.IDProperties()) != 1 {
		return nil, domain.ConfigError{Type: desc.Name, Reason: "one-to-many include needs a scalar identity"}
	}
	ids := make([]any, 0, len(beans))
	for _, b := range beans {
		ids = append(ids, domain.NormalizeValue(desc.IdentityOf(b).Scalar()))
	}
	rows, err := l.query(ctx, target, domain.QueryStatement{
		Table: target.Table,
		Where: []domain.Predicate{{Column: back.Column, Op: domain.OpIn, Value: ids}},
	})
	if err != nil {
		return nil, err
	}
	children, err := l.loadRows(target, rows, nil)
	if err != nil {
		return nil, err
	}
	groups := make(map[string][]any, len(beans))
	for i, child := range children {
		key := domain.ScalarID(domain.NormalizeValue(rows[i][back.Column])).Key()
		groups[key] = append(groups[key], child)
	}
	for _, parent := range beans {
		list := reflect.MakeSlice(p.Type(), 0, len(groups[desc.IdentityOf(parent).Key()]))
		for _, child := range groups[desc.IdentityOf(parent).Key()] {
			list = reflect.Append(list, reflect.ValueOf(child))
		}
		if err := desc.Set(parent, p, list.Interface()); err != nil {
			return nil, err
		}
	}
	return children, nil
}

func (l *loader) query(ctx context.Context, desc *meta.Descriptor, stmt domain.QueryStatement) ([]domain.Row, error) {
	l.tx.logStatement("query", "type", desc.Name, "table", stmt.Table)
	rows, err := l.tx.conn.Query(ctx, stmt)
	if err != nil {
		return nil, domain.ExecutorError{Type: desc.Name, Op: domain.OpSelect, Err: err}
	}
	return rows, nil
}
