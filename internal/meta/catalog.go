package meta

import (
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/pkg/errors"

	"persistcore/pkg/domain"
)

var (
	entityStateType = reflect.TypeOf(domain.EntityState{})
	timeType        = reflect.TypeOf(time.Time{})
)

// Option customizes a descriptor at registration time.
type Option func(*Descriptor)

// Name overrides the logical type name (default: Go type name).
func Name(name string) Option { return func(d *Descriptor) { d.Name = name } }

// Table overrides the physical table name (default: snake_case type name).
func Table(table string) Option { return func(d *Descriptor) { d.Table = table } }

// Concurrency declares the optimistic concurrency mode.
func Concurrency(mode ConcurrencyMode) Option {
	return func(d *Descriptor) { d.Concurrency = mode }
}

// UpdateChangesOnly makes updates write only the changed columns.
func UpdateChangesOnly() Option { return func(d *Descriptor) { d.UpdateChangesOnly = true } }

// DependsOn adds tables whose modification invalidates cached queries of the type.
func DependsOn(tables ...string) Option {
	return func(d *Descriptor) { d.extraDeps = append(d.extraDeps, tables...) }
}

// WithNamedQuery registers a named query.
func WithNamedQuery(name string, q NamedQuery) Option {
	return func(d *Descriptor) {
		if d.NamedQueries == nil {
			d.NamedQueries = make(map[string]NamedQuery)
		}
		d.NamedQueries[name] = q
	}
}

// WithController adds a pre-persist controller.
func WithController(c Controller) Option {
	return func(d *Descriptor) { d.Controllers = append(d.Controllers, c) }
}

// WithListener adds a post-commit listener.
func WithListener(l Listener) Option {
	return func(d *Descriptor) { d.Listeners = append(d.Listeners, l) }
}

// WithIDGenerator supplies identity values for inserts with a zero identity.
func WithIDGenerator(fn func() any) Option {
	return func(d *Descriptor) { d.IDGenerator = fn }
}

// Catalog holds the descriptors of every registered type. It is populated
// before the server is built and read concurrently afterwards.
type Catalog struct {
	mu     sync.RWMutex
	byName map[string]*Descriptor
	byType map[reflect.Type]*Descriptor
}

// NewCatalog constructs an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		byName: make(map[string]*Descriptor),
		byType: make(map[reflect.Type]*Descriptor),
	}
}

// Register derives a descriptor from prototype, a struct value or pointer.
func (c *Catalog) Register(prototype any, opts ...Option) (*Descriptor, error) {
	typ := reflect.TypeOf(prototype)
	for typ != nil && typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ == nil || typ.Kind() != reflect.Struct {
		return nil, domain.ConfigError{Reason: "prototype must be a struct"}
	}
	d := &Descriptor{
		Name:     typ.Name(),
		typ:      typ,
		byName:   make(map[string]*Property),
		byColumn: make(map[string]*Property),
	}
	d.tracked = reflect.PointerTo(typ).Implements(reflect.TypeOf((*domain.Bean)(nil)).Elem())
	if err := d.scan(typ, nil); err != nil {
		return nil, err
	}
	d.Table = snakeCase(d.Name)
	defaultConcurrency := ConcurrencyAll
	if d.version != nil {
		defaultConcurrency = ConcurrencyVersion
	}
	d.Concurrency = defaultConcurrency
	for _, opt := range opts {
		opt(d)
	}
	if len(d.ids) == 0 {
		return nil, domain.ConfigError{Type: d.Name, Reason: "no identity property"}
	}
	if d.Concurrency == ConcurrencyVersion && d.version == nil {
		return nil, domain.ConfigError{Type: d.Name, Reason: "VERSION concurrency without a version property"}
	}
	d.finish()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byName[d.Name]; exists {
		return nil, domain.ConfigError{Type: d.Name, Reason: "type already registered"}
	}
	c.byName[d.Name] = d
	c.byType[typ] = d
	return d, nil
}

// MustRegister is Register that panics on error.
func (c *Catalog) MustRegister(prototype any, opts ...Option) *Descriptor {
	d, err := c.Register(prototype, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

// Describe returns the descriptor registered under a logical type name.
func (c *Catalog) Describe(name string) (*Descriptor, error) {
	c.mu.RLock()
	d, ok := c.byName[name]
	c.mu.RUnlock()
	if !ok {
		return nil, domain.ConfigError{Type: name, Reason: "unknown type"}
	}
	return d, nil
}

// ForType returns the descriptor for a struct type.
func (c *Catalog) ForType(typ reflect.Type) (*Descriptor, error) {
	for typ != nil && typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	c.mu.RLock()
	d, ok := c.byType[typ]
	c.mu.RUnlock()
	if !ok {
		name := "<nil>"
		if typ != nil {
			name = typ.String()
		}
		return nil, domain.ConfigError{Type: name, Reason: "type not registered"}
	}
	return d, nil
}

// DescribeValue returns the descriptor for the dynamic type of a bean.
func (c *Catalog) DescribeValue(bean any) (*Descriptor, error) {
	if bean == nil {
		return nil, domain.ConfigError{Reason: "nil bean"}
	}
	return c.ForType(reflect.TypeOf(bean))
}

// Names returns the registered type names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.byName))
	for name := range c.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Tables returns every physical table of the registered types, sorted.
func (c *Catalog) Tables() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]struct{}, len(c.byName))
	for _, d := range c.byName {
		seen[d.Table] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (d *Descriptor) scan(typ reflect.Type, parent []int) error {
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		index := append(append([]int(nil), parent...), i)
		if field.Type == entityStateType {
			continue
		}
		if field.Anonymous && field.Type.Kind() == reflect.Struct && field.Tag.Get("orm") == "" {
			if err := d.scan(field.Type, index); err != nil {
				return err
			}
			continue
		}
		if !field.IsExported() {
			continue
		}
		tag := field.Tag.Get("orm")
		if tag == "-" {
			continue
		}
		p := &Property{Name: field.Name, Column: snakeCase(field.Name), index: index, typ: field.Type}
		if err := parseTag(p, tag); err != nil {
			return errors.Wrapf(err, "type %s field %s", typ.Name(), field.Name)
		}
		classify(p)
		if p.Kind == KindManyToOne && !strings.Contains(tag, "fk=") {
			p.Column = snakeCase(field.Name) + "_id"
		}
		if p.Kind == KindOneToMany {
			p.Column = ""
			if p.MappedBy == "" {
				return domain.ConfigError{Type: typ.Name(), Reason: "one-to-many " + field.Name + " needs mappedBy"}
			}
		}
		if p.ID {
			d.ids = append(d.ids, p)
		}
		if p.Version {
			if d.version != nil {
				return domain.ConfigError{Type: typ.Name(), Reason: "more than one version property"}
			}
			d.version = p
		}
		d.properties = append(d.properties, p)
		d.byName[p.Name] = p
		if p.Column != "" {
			if _, dup := d.byColumn[p.Column]; dup {
				return domain.ConfigError{Type: typ.Name(), Reason: "duplicate column " + p.Column}
			}
			d.byColumn[p.Column] = p
		}
	}
	return nil
}

func parseTag(p *Property, tag string) error {
	if tag == "" {
		return nil
	}
	for _, part := range strings.Split(tag, ",") {
		part = strings.TrimSpace(part)
		key, value, _ := strings.Cut(part, "=")
		switch key {
		case "":
		case "id":
			p.ID = true
		case "version":
			p.Version = true
		case "column", "fk":
			p.Column = value
		case "mappedBy":
			p.MappedBy = value
		case "cascade":
			for _, mode := range strings.Split(value, "|") {
				switch mode {
				case "save":
					p.Cascade |= CascadeSave
				case "delete":
					p.Cascade |= CascadeDelete
				case "all":
					p.Cascade |= CascadeAll
				default:
					return errors.Errorf("unknown cascade mode %q", mode)
				}
			}
		default:
			return errors.Errorf("unknown orm tag option %q", key)
		}
	}
	return nil
}

func classify(p *Property) {
	t := p.typ
	switch {
	case t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct && t.Elem() != timeType:
		p.Kind = KindManyToOne
		p.Target = t.Elem()
	case t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Pointer && t.Elem().Elem().Kind() == reflect.Struct:
		p.Kind = KindOneToMany
		p.Target = t.Elem().Elem()
	}
}

func snakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
