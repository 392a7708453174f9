package core

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"persistcore/pkg/domain"
)

// TableState records, per physical table, when rows were last inserted and
// last updated or deleted. Stamps only move forward and are only touched by
// committed transactions (local or remote).
type TableState struct {
	tables sync.Map // table name -> *tableStamp
}

type tableStamp struct {
	insert atomic.Int64
	update atomic.Int64
}

// NewTableState constructs an empty tracker.
func NewTableState() *TableState { return &TableState{} }

func (s *TableState) stamp(table string) *tableStamp {
	if v, ok := s.tables.Load(table); ok {
		return v.(*tableStamp)
	}
	v, _ := s.tables.LoadOrStore(table, &tableStamp{})
	return v.(*tableStamp)
}

func advance(v *atomic.Int64, nanos int64) {
	for {
		cur := v.Load()
		if nanos <= cur || v.CompareAndSwap(cur, nanos) {
			return
		}
	}
}

// Touch records a modification of table at the given time.
func (s *TableState) Touch(table string, inserted, updated bool, at time.Time) {
	if table == "" || (!inserted && !updated) {
		return
	}
	st := s.stamp(table)
	nanos := at.UnixNano()
	if inserted {
		advance(&st.insert, nanos)
	}
	if updated {
		advance(&st.update, nanos)
	}
}

// Apply records the table modifications of one committed transaction.
func (s *TableState) Apply(mods []domain.TableModification, at time.Time) {
	for _, m := range mods {
		s.Touch(m.Table, m.HasInserts(), m.HasUpdates(), at)
	}
}

// LastInsert returns the last insert time of table, zero when never touched.
func (s *TableState) LastInsert(table string) time.Time {
	v, ok := s.tables.Load(table)
	if !ok {
		return time.Time{}
	}
	return fromNanos(v.(*tableStamp).insert.Load())
}

// LastUpdate returns the last update/delete time of table.
func (s *TableState) LastUpdate(table string) time.Time {
	v, ok := s.tables.Load(table)
	if !ok {
		return time.Time{}
	}
	return fromNanos(v.(*tableStamp).update.Load())
}

// LastModified returns the later of the insert and update stamps.
func (s *TableState) LastModified(table string) time.Time {
	v, ok := s.tables.Load(table)
	if !ok {
		return time.Time{}
	}
	st := v.(*tableStamp)
	return fromNanos(max(st.insert.Load(), st.update.Load()))
}

// ChangedSince reports whether any of tables was modified at or after since.
func (s *TableState) ChangedSince(tables []string, since time.Time) bool {
	for _, t := range tables {
		last := s.LastModified(t)
		if !last.IsZero() && !last.Before(since) {
			return true
		}
	}
	return false
}

// Tables returns the names of every tracked table.
func (s *TableState) Tables() []string {
	var out []string
	s.tables.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
