package meta

import (
	"encoding/json"
	"reflect"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"persistcore/pkg/domain"
)

func (d *Descriptor) structValue(bean any) (reflect.Value, error) {
	v := reflect.ValueOf(bean)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return reflect.Value{}, domain.ConfigError{Type: d.Name, Reason: "bean must be a non-nil pointer"}
	}
	v = v.Elem()
	if v.Type() != d.typ {
		return reflect.Value{}, domain.ConfigError{Type: d.Name, Reason: "bean has type " + v.Type().String()}
	}
	return v, nil
}

// Get returns the raw field value of a property.
func (d *Descriptor) Get(bean any, p *Property) any {
	v, err := d.structValue(bean)
	if err != nil {
		return nil
	}
	return v.FieldByIndex(p.index).Interface()
}

// Set assigns a property, converting decoded row values (json.Number,
// int64, formatted times) to the field type.
func (d *Descriptor) Set(bean any, p *Property, value any) error {
	v, err := d.structValue(bean)
	if err != nil {
		return err
	}
	if err := assign(v.FieldByIndex(p.index), value); err != nil {
		return errors.Wrapf(err, "%s.%s", d.Name, p.Name)
	}
	return nil
}

// Coerce converts value to the property's Go type. It fails when the value
// cannot be assigned or does not survive the conversion (integer overflow).
func (p *Property) Coerce(value any) (any, error) {
	v := reflect.New(p.typ).Elem()
	if err := assign(v, value); err != nil {
		return nil, errors.Wrap(err, p.Name)
	}
	if !domain.ValuesEqual(v.Interface(), value) {
		return nil, errors.Errorf("%s: %v does not fit %s", p.Name, value, p.typ)
	}
	return v.Interface(), nil
}

// IsZero reports whether the property holds its zero value.
func (d *Descriptor) IsZero(bean any, p *Property) bool {
	v, err := d.structValue(bean)
	if err != nil {
		return true
	}
	return v.FieldByIndex(p.index).IsZero()
}

// ColumnValue returns the value stored in the property's column. Many-to-one
// properties yield the identity of the referenced bean.
func (d *Descriptor) ColumnValue(bean any, p *Property, catalog *Catalog) any {
	raw := d.Get(bean, p)
	switch p.Kind {
	case KindOneToMany:
		return nil
	case KindManyToOne:
		rv := reflect.ValueOf(raw)
		if !rv.IsValid() || rv.IsNil() {
			return nil
		}
		target, err := catalog.ForType(p.Target)
		if err != nil {
			return nil
		}
		return domain.NormalizeValue(target.IdentityOf(raw).Scalar())
	}
	return domain.NormalizeValue(raw)
}

// Values extracts the column values of the named properties (nil means every
// column property).
func (d *Descriptor) Values(bean any, props []string, catalog *Catalog) domain.Row {
	row := domain.Row{}
	if props == nil {
		for _, p := range d.ColumnProperties() {
			row[p.Column] = d.ColumnValue(bean, p, catalog)
		}
		return row
	}
	for _, name := range props {
		p, ok := d.Property(name)
		if !ok || p.Kind == KindOneToMany {
			continue
		}
		row[p.Column] = d.ColumnValue(bean, p, catalog)
	}
	return row
}

// IdentityOf reads the identity of a bean.
func (d *Descriptor) IdentityOf(bean any) domain.Identity {
	if len(d.ids) == 1 {
		return domain.ScalarID(d.Get(bean, d.ids[0]))
	}
	parts := make([]domain.IdentityPart, len(d.ids))
	for i, p := range d.ids {
		parts[i] = domain.IdentityPart{Name: p.Name, Value: d.Get(bean, p)}
	}
	return domain.CompositeID(parts...)
}

// IdentityFromRow reads the identity columns of a row.
func (d *Descriptor) IdentityFromRow(row domain.Row) domain.Identity {
	if len(d.ids) == 1 {
		return domain.ScalarID(domain.NormalizeValue(row[d.ids[0].Column]))
	}
	parts := make([]domain.IdentityPart, len(d.ids))
	for i, p := range d.ids {
		parts[i] = domain.IdentityPart{Name: p.Name, Value: domain.NormalizeValue(row[p.Column])}
	}
	return domain.CompositeID(parts...)
}

// NormalizeID converts a caller-supplied identity (scalar, Identity, or a
// map of property name to value for composites) to an Identity matching the
// form produced by IdentityOf.
func (d *Descriptor) NormalizeID(id any) (domain.Identity, error) {
	switch v := id.(type) {
	case domain.Identity:
		if len(d.ids) == 1 {
			return domain.ScalarID(domain.NormalizeValue(v.Scalar())), nil
		}
		return v, nil
	case map[string]any:
		parts := make([]domain.IdentityPart, len(d.ids))
		for i, p := range d.ids {
			value, ok := v[p.Name]
			if !ok {
				return domain.Identity{}, domain.ConfigError{Type: d.Name, Reason: "missing identity part " + p.Name}
			}
			parts[i] = domain.IdentityPart{Name: p.Name, Value: domain.NormalizeValue(value)}
		}
		return domain.CompositeID(parts...), nil
	}
	if len(d.ids) != 1 {
		return domain.Identity{}, domain.ConfigError{Type: d.Name, Reason: "composite identity required"}
	}
	return domain.ScalarID(domain.NormalizeValue(id)), nil
}

// SetID writes an identity into a bean.
func (d *Descriptor) SetID(bean any, id domain.Identity) error {
	if len(d.ids) == 1 {
		return d.Set(bean, d.ids[0], id.Scalar())
	}
	for _, part := range id.Parts() {
		p, ok := d.byName[part.Name]
		if !ok || !p.ID {
			return domain.ConfigError{Type: d.Name, Reason: "unknown identity part " + part.Name}
		}
		if err := d.Set(bean, p, part.Value); err != nil {
			return err
		}
	}
	return nil
}

func assign(field reflect.Value, value any) error {
	if value == nil {
		field.Set(reflect.Zero(field.Type()))
		return nil
	}
	if n, ok := value.(json.Number); ok {
		value = domain.NormalizeValue(n)
	}
	src := reflect.ValueOf(value)
	ft := field.Type()
	if src.Type().AssignableTo(ft) {
		field.Set(src)
		return nil
	}
	if ft.Kind() == reflect.Pointer {
		elem := reflect.New(ft.Elem())
		if err := assign(elem.Elem(), value); err != nil {
			return err
		}
		field.Set(elem)
		return nil
	}
	if ft == timeType {
		s, ok := value.(string)
		if !ok {
			return errors.Errorf("cannot assign %T to time.Time", value)
		}
		t, err := time.Parse(domain.TimeLayout, s)
		if err != nil {
			if t, err = time.Parse(time.RFC3339Nano, s); err != nil {
				return errors.Wrap(err, "parse time")
			}
		}
		field.Set(reflect.ValueOf(t))
		return nil
	}
	switch ft.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		if s, ok := value.(string); ok {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return errors.Wrapf(err, "parse %q", s)
			}
			src = reflect.ValueOf(f)
		}
		if src.CanConvert(ft) && isNumeric(src.Kind()) {
			field.Set(src.Convert(ft))
			return nil
		}
	case reflect.String:
		if src.Kind() == reflect.String {
			field.SetString(src.String())
			return nil
		}
	case reflect.Bool:
		if src.Kind() == reflect.Bool {
			field.SetBool(src.Bool())
			return nil
		}
	}
	return errors.Errorf("cannot assign %T to %s", value, ft)
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
