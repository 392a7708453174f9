package domain

import (
	"fmt"
	"reflect"
	"strings"
)

// IdentityPart is one named component of an identity value.
type IdentityPart struct {
	Name  string
	Value any
}

// Identity is the scalar or composite value identifying one row of a logical type.
type Identity struct {
	parts []IdentityPart
}

// ScalarID wraps a single identity value.
func ScalarID(v any) Identity {
	if v == nil {
		return Identity{}
	}
	if id, ok := v.(Identity); ok {
		return id
	}
	return Identity{parts: []IdentityPart{{Value: v}}}
}

// CompositeID builds an ordered composite identity.
func CompositeID(parts ...IdentityPart) Identity {
	cp := make([]IdentityPart, len(parts))
	copy(cp, parts)
	return Identity{parts: cp}
}

// IsZero reports whether the identity is absent or every component holds its zero value.
func (id Identity) IsZero() bool {
	for _, p := range id.parts {
		if p.Value == nil {
			continue
		}
		if !reflect.ValueOf(p.Value).IsZero() {
			return false
		}
	}
	return true
}

// IsComposite reports whether the identity has more than one component.
func (id Identity) IsComposite() bool { return len(id.parts) > 1 }

// Scalar returns the single identity value, or nil for composite/empty identities.
func (id Identity) Scalar() any {
	if len(id.parts) != 1 {
		return nil
	}
	return id.parts[0].Value
}

// Parts returns a copy of the identity components.
func (id Identity) Parts() []IdentityPart {
	out := make([]IdentityPart, len(id.parts))
	copy(out, id.parts)
	return out
}

// Key renders a canonical string so that equal identities loaded from different
// sources (bean fields, decoded rows) produce the same map key.
func (id Identity) Key() string {
	switch len(id.parts) {
	case 0:
		return ""
	case 1:
		return fmt.Sprint(NormalizeValue(id.parts[0].Value))
	}
	var b strings.Builder
	for i, p := range id.parts {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(p.Name)
		b.WriteByte('=')
		fmt.Fprint(&b, NormalizeValue(p.Value))
	}
	return b.String()
}

func (id Identity) String() string { return id.Key() }

// EntityKey pairs a logical type with an identity key.
type EntityKey struct {
	Type string
	ID   string
}

// KeyOf builds the entity key for a type and identity.
func KeyOf(typeName string, id Identity) EntityKey {
	return EntityKey{Type: typeName, ID: id.Key()}
}

func (k EntityKey) String() string { return k.Type + "#" + k.ID }
