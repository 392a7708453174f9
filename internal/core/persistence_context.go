package core

import "persistcore/pkg/domain"

// PersistenceContext is the identity map of one transaction: at most one
// instance per (type, identity). It is used by a single goroutine at a time.
type PersistenceContext struct {
	types map[string]map[string]any
}

// NewPersistenceContext constructs an empty context.
func NewPersistenceContext() *PersistenceContext {
	return &PersistenceContext{types: make(map[string]map[string]any)}
}

// Get returns the instance registered for the identity.
func (pc *PersistenceContext) Get(typeName string, id domain.Identity) (any, bool) {
	m, ok := pc.types[typeName]
	if !ok {
		return nil, false
	}
	bean, ok := m[id.Key()]
	return bean, ok
}

// Set registers bean unconditionally.
func (pc *PersistenceContext) Set(typeName string, id domain.Identity, bean any) {
	m, ok := pc.types[typeName]
	if !ok {
		m = make(map[string]any)
		pc.types[typeName] = m
	}
	m[id.Key()] = bean
}

// Add registers bean unless an instance is already present and forceReplace
// is false. It reports whether bean was stored.
func (pc *PersistenceContext) Add(typeName string, id domain.Identity, bean any, forceReplace bool) bool {
	if !forceReplace {
		if _, exists := pc.Get(typeName, id); exists {
			return false
		}
	}
	pc.Set(typeName, id, bean)
	return true
}

// Remove drops one identity.
func (pc *PersistenceContext) Remove(typeName string, id domain.Identity) {
	if m, ok := pc.types[typeName]; ok {
		delete(m, id.Key())
	}
}

// ClearType drops every instance of a type.
func (pc *PersistenceContext) ClearType(typeName string) {
	delete(pc.types, typeName)
}

// Clear drops every instance.
func (pc *PersistenceContext) Clear() {
	pc.types = make(map[string]map[string]any)
}

// Size returns the number of registered instances.
func (pc *PersistenceContext) Size() int {
	n := 0
	for _, m := range pc.types {
		n += len(m)
	}
	return n
}

// SizeOf returns the number of registered instances of one type.
func (pc *PersistenceContext) SizeOf(typeName string) int {
	return len(pc.types[typeName])
}
