package domain

import "sort"

// BeanLifecycle tracks where a managed bean is in its persistence lifecycle.
type BeanLifecycle int

const (
	// BeanNew is a bean that has never been persisted.
	BeanNew BeanLifecycle = iota
	// BeanLoaded is a bean loaded from, or written to, the data store.
	BeanLoaded
	// BeanReference is a placeholder that only carries its identity.
	BeanReference
	// BeanDeleted is a bean whose row has been deleted.
	BeanDeleted
)

func (l BeanLifecycle) String() string {
	switch l {
	case BeanNew:
		return "new"
	case BeanLoaded:
		return "loaded"
	case BeanReference:
		return "reference"
	case BeanDeleted:
		return "deleted"
	}
	return "unknown"
}

// Bean is implemented by structs that embed EntityState. Structs that do not
// are persisted as plain values without change tracking.
type Bean interface {
	BeanState() *EntityState
}

// EntityState carries the change-tracking state of a managed bean.
// The zero value is a new bean.
type EntityState struct {
	lifecycle BeanLifecycle
	// nil means every property is loaded.
	loaded map[string]struct{}
	// old column values, captured when the bean was loaded or last written.
	old Row
}

// BeanState implements Bean.
func (s *EntityState) BeanState() *EntityState { return s }

// StateOf returns the tracking state of v, or nil for plain values.
func StateOf(v any) *EntityState {
	if b, ok := v.(Bean); ok && b != nil {
		return b.BeanState()
	}
	return nil
}

func (s *EntityState) Lifecycle() BeanLifecycle { return s.lifecycle }
func (s *EntityState) IsNew() bool              { return s.lifecycle == BeanNew }
func (s *EntityState) IsLoaded() bool           { return s.lifecycle == BeanLoaded }
func (s *EntityState) IsReference() bool        { return s.lifecycle == BeanReference }
func (s *EntityState) IsDeleted() bool          { return s.lifecycle == BeanDeleted }

// IsPartial reports whether only a subset of properties was loaded.
func (s *EntityState) IsPartial() bool { return s.loaded != nil }

// LoadedProperties returns the sorted loaded property names, or nil when all are loaded.
func (s *EntityState) LoadedProperties() []string {
	if s.loaded == nil {
		return nil
	}
	out := make([]string, 0, len(s.loaded))
	for p := range s.loaded {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// IsPropertyLoaded reports whether the named property holds loaded state.
func (s *EntityState) IsPropertyLoaded(name string) bool {
	if s.loaded == nil {
		return true
	}
	_, ok := s.loaded[name]
	return ok
}

// OldValues returns a copy of the snapshot captured at load time.
func (s *EntityState) OldValues() Row { return s.old.Clone() }

// HasOldValues reports whether a snapshot exists.
func (s *EntityState) HasOldValues() bool { return s.old != nil }

// OldValue returns one snapshot value.
func (s *EntityState) OldValue(name string) (any, bool) {
	v, ok := s.old[name]
	return v, ok
}

// MarkLoaded records the bean as loaded with the given property set (nil for
// all) and snapshot.
func (s *EntityState) MarkLoaded(props []string, snapshot Row) {
	s.lifecycle = BeanLoaded
	s.old = snapshot.Clone()
	if props == nil {
		s.loaded = nil
		return
	}
	s.loaded = make(map[string]struct{}, len(props))
	for _, p := range props {
		s.loaded[p] = struct{}{}
	}
}

// MarkReference records the bean as an identity-only placeholder.
func (s *EntityState) MarkReference(idProps []string, snapshot Row) {
	s.MarkLoaded(idProps, snapshot)
	s.lifecycle = BeanReference
}

// MarkDeleted records that the bean's row was deleted.
func (s *EntityState) MarkDeleted() {
	s.lifecycle = BeanDeleted
}

// MarkNew resets the bean so that the next save inserts it.
func (s *EntityState) MarkNew() {
	s.lifecycle = BeanNew
	s.loaded = nil
	s.old = nil
}
