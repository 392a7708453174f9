package domain

import "time"

// ResultShape is the normalized form of a query result.
type ResultShape int

const (
	ShapeOne ResultShape = iota
	ShapeList
	ShapeSet
	ShapeMap
	ShapeCount
)

func (s ResultShape) String() string {
	switch s {
	case ShapeOne:
		return "one"
	case ShapeList:
		return "list"
	case ShapeSet:
		return "set"
	case ShapeMap:
		return "map"
	case ShapeCount:
		return "count"
	}
	return "unknown"
}

// CacheKey identifies one cached query result.
type CacheKey struct {
	Type     string
	PlanHash uint64
	BindHash uint64
	Shape    ResultShape
}

// CacheEntry is the cached row data together with the time it was captured.
// Entries are stale once a dependent table changed at or after CapturedAt.
type CacheEntry struct {
	Rows       []Row
	CapturedAt time.Time
}

// CacheStore holds query results shared across transactions. Implementations
// synchronize internally.
type CacheStore interface {
	Get(key CacheKey) (CacheEntry, bool)
	Put(key CacheKey, entry CacheEntry)
	Remove(key CacheKey)
	Len() int
}
