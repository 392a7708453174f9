// Package meta builds per-type persistence descriptors from struct tags.
//
// A managed type is a struct that embeds domain.EntityState. Its exported
// fields map to columns; the `orm` tag refines the mapping:
//
//	ID      string    `orm:"id"`
//	Version int64     `orm:"version"`
//	Name    string    `orm:"column=display_name"`
//	Owner   *Owner    `orm:"fk=owner_id,cascade=save"`
//	Items   []*Item   `orm:"mappedBy=Order,cascade=all"`
//	Scratch string    `orm:"-"`
package meta

import (
	"context"
	"reflect"
	"sort"

	"persistcore/pkg/domain"
)

// ConcurrencyMode is the optimistic concurrency strategy declared for a type.
type ConcurrencyMode int

const (
	// ConcurrencyNone checks identity only.
	ConcurrencyNone ConcurrencyMode = iota
	// ConcurrencyVersion compares the version property.
	ConcurrencyVersion
	// ConcurrencyAll compares every loaded column against its old value.
	ConcurrencyAll
)

func (m ConcurrencyMode) String() string {
	switch m {
	case ConcurrencyNone:
		return "NONE"
	case ConcurrencyVersion:
		return "VERSION"
	case ConcurrencyAll:
		return "ALL"
	}
	return "UNKNOWN"
}

// PropertyKind separates scalar columns from associations.
type PropertyKind int

const (
	KindScalar PropertyKind = iota
	KindManyToOne
	KindOneToMany
)

// Cascade flags declared on an association.
type Cascade uint8

const (
	CascadeSave Cascade = 1 << iota
	CascadeDelete
	CascadeAll = CascadeSave | CascadeDelete
)

// Property maps one struct field.
type Property struct {
	Name    string
	Column  string
	Kind    PropertyKind
	ID      bool
	Version bool
	Cascade Cascade
	// MappedBy names the many-to-one property on the target that points back
	// to the owner of a one-to-many association.
	MappedBy string
	// Target is the associated struct type for association properties.
	Target reflect.Type

	index []int
	typ   reflect.Type
}

// Type returns the Go type of the field.
func (p *Property) Type() reflect.Type { return p.typ }

// IsAssociation reports whether the property references another type.
func (p *Property) IsAssociation() bool { return p.Kind != KindScalar }

// NamedQuery is a reusable predicate set registered for a type. Predicates
// carrying a Param are bound from query parameters.
type NamedQuery struct {
	Where   []domain.Predicate
	OrderBy []domain.Order
}

// Controller runs before a persist request sends its statement. Returning an
// error blocks the write.
type Controller interface {
	PrePersist(ctx context.Context, change domain.PendingChange) error
}

// ControllerFunc adapts a function to Controller.
type ControllerFunc func(ctx context.Context, change domain.PendingChange) error

func (f ControllerFunc) PrePersist(ctx context.Context, change domain.PendingChange) error {
	return f(ctx, change)
}

// Listener is notified after the transaction that wrote a bean commits.
type Listener interface {
	PostCommit(ctx context.Context, change domain.EntityChange)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, change domain.EntityChange)

func (f ListenerFunc) PostCommit(ctx context.Context, change domain.EntityChange) { f(ctx, change) }

// Descriptor answers the persistence questions for one logical type.
type Descriptor struct {
	Name              string
	Table             string
	Concurrency       ConcurrencyMode
	UpdateChangesOnly bool
	DependentTables   []string
	NamedQueries      map[string]NamedQuery
	Controllers       []Controller
	Listeners         []Listener
	IDGenerator       func() any

	typ        reflect.Type
	tracked    bool
	properties []*Property
	byName     map[string]*Property
	byColumn   map[string]*Property
	ids        []*Property
	version    *Property
	extraDeps  []string
}

// Type returns the struct type described.
func (d *Descriptor) Type() reflect.Type { return d.typ }

// IsTracked reports whether beans of this type embed domain.EntityState.
func (d *Descriptor) IsTracked() bool { return d.tracked }

// Properties returns every mapped property in declaration order.
func (d *Descriptor) Properties() []*Property { return d.properties }

// IDProperties returns the identity properties in declaration order.
func (d *Descriptor) IDProperties() []*Property { return d.ids }

// IDPropertyNames returns the identity property names.
func (d *Descriptor) IDPropertyNames() []string {
	out := make([]string, len(d.ids))
	for i, p := range d.ids {
		out[i] = p.Name
	}
	return out
}

// VersionProperty returns the version property or nil.
func (d *Descriptor) VersionProperty() *Property { return d.version }

// Property resolves a property by field name or column name.
func (d *Descriptor) Property(name string) (*Property, bool) {
	if p, ok := d.byName[name]; ok {
		return p, true
	}
	p, ok := d.byColumn[name]
	return p, ok
}

// ColumnProperties returns the properties stored as columns: scalars and
// many-to-one foreign keys.
func (d *Descriptor) ColumnProperties() []*Property {
	out := make([]*Property, 0, len(d.properties))
	for _, p := range d.properties {
		if p.Kind != KindOneToMany {
			out = append(out, p)
		}
	}
	return out
}

// Associations returns association properties of the given kind.
func (d *Descriptor) Associations(kind PropertyKind) []*Property {
	var out []*Property
	for _, p := range d.properties {
		if p.Kind == kind {
			out = append(out, p)
		}
	}
	return out
}

// CascadeSave reports whether saving a bean must walk any association.
func (d *Descriptor) CascadeSave() bool {
	for _, p := range d.properties {
		if p.Cascade&CascadeSave != 0 {
			return true
		}
	}
	return false
}

// CascadeDelete reports whether deleting a bean must walk any association.
func (d *Descriptor) CascadeDelete() bool {
	for _, p := range d.properties {
		if p.Kind == KindOneToMany && p.Cascade&CascadeDelete != 0 {
			return true
		}
	}
	return false
}

// New allocates an empty bean and returns a pointer to it.
func (d *Descriptor) New() any {
	return reflect.New(d.typ).Interface()
}

func (d *Descriptor) finish() {
	deps := map[string]struct{}{d.Table: {}}
	for _, t := range d.extraDeps {
		deps[t] = struct{}{}
	}
	d.DependentTables = make([]string, 0, len(deps))
	for t := range deps {
		d.DependentTables = append(d.DependentTables, t)
	}
	sort.Strings(d.DependentTables)
}
