// Package memory provides an in-memory executor used for tests and ephemeral
// environments.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"persistcore/pkg/domain"
)

// Compile-time contract assertions ensuring Store adheres to the executor interfaces.
var (
	_ domain.Executor = (*Store)(nil)
	_ domain.Conn     = (*transaction)(nil)
)

// ErrConflict is returned by Commit when a row written by the transaction was
// changed by another transaction that committed first.
var ErrConflict = errors.New("memory: concurrent modification")

type memoryState struct {
	tables map[string]map[string]domain.Row
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Tables map[string]map[string]domain.Row `json:"tables"`
}

func newMemoryState() memoryState {
	return memoryState{tables: make(map[string]map[string]domain.Row)}
}

func (s memoryState) clone() memoryState {
	out := newMemoryState()
	for table, rows := range s.tables {
		cp := make(map[string]domain.Row, len(rows))
		for key, row := range rows {
			cp[key] = row.Clone()
		}
		out.tables[table] = cp
	}
	return out
}

func (s memoryState) row(table, key string) domain.Row {
	return s.tables[table][key]
}

// Store is an in-memory executor. Transactions buffer their writes and apply
// them on commit; reads see committed rows overlaid with the transaction's
// own writes.
type Store struct {
	mu        sync.RWMutex
	state     memoryState
	isolation domain.Isolation
	commits   int
}

// Option customizes a Store.
type Option func(*Store)

// WithDefaultIsolation overrides the reported default isolation level.
func WithDefaultIsolation(iso domain.Isolation) Option {
	return func(s *Store) { s.isolation = iso }
}

// NewStore constructs an empty in-memory executor.
func NewStore(opts ...Option) *Store {
	s := &Store{state: newMemoryState(), isolation: domain.IsolationReadCommitted}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExportState clones the current committed state.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Tables: s.state.clone().tables}
}

// ImportState replaces the committed state with the snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	st := memoryState{tables: snapshot.Tables}
	if st.tables == nil {
		st = newMemoryState()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st.clone()
}

// Rows returns the committed rows of a table ordered by key.
func (s *Store) Rows(table string) []domain.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.state.tables[table]
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]domain.Row, len(keys))
	for i, k := range keys {
		out[i] = rows[k].Clone()
	}
	return out
}

// Commits returns the number of committed transactions.
func (s *Store) Commits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commits
}

// Begin implements domain.Executor.
func (s *Store) Begin(ctx context.Context, opts domain.TxOptions) (domain.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "memory: begin")
	}
	return &transaction{store: s, readOnly: opts.ReadOnly, writes: make(map[string]map[string]*pendingRow)}, nil
}

// DefaultIsolation implements domain.Executor.
func (s *Store) DefaultIsolation() domain.Isolation { return s.isolation }

// Close implements domain.Executor.
func (s *Store) Close() error { return nil }

type pendingRow struct {
	// nil once deleted
	row domain.Row
	// committed row when first written, nil when absent
	base domain.Row
}

// transaction is one unit of work against the store. It is used by a single
// goroutine.
type transaction struct {
	store    *Store
	readOnly bool
	writes   map[string]map[string]*pendingRow
	done     bool
}

func (tx *transaction) check() error {
	if tx.done {
		return errors.New("memory: transaction already ended")
	}
	return nil
}

func (tx *transaction) checkWrite() error {
	if err := tx.check(); err != nil {
		return err
	}
	if tx.readOnly {
		return errors.New("memory: write in read-only transaction")
	}
	return nil
}

func (tx *transaction) visible(table, key string) (domain.Row, bool) {
	if p, ok := tx.writes[table][key]; ok {
		return p.row, p.row != nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	row := tx.store.state.row(table, key)
	return row.Clone(), row != nil
}

func (tx *transaction) put(table, key string, row domain.Row) {
	rows, ok := tx.writes[table]
	if !ok {
		rows = make(map[string]*pendingRow)
		tx.writes[table] = rows
	}
	if p, ok := rows[key]; ok {
		p.row = row
		return
	}
	tx.store.mu.RLock()
	base := tx.store.state.row(table, key).Clone()
	tx.store.mu.RUnlock()
	rows[key] = &pendingRow{row: row, base: base}
}

// scan returns the visible rows of a table keyed by row key.
func (tx *transaction) scan(table string) map[string]domain.Row {
	out := make(map[string]domain.Row)
	tx.store.mu.RLock()
	for key, row := range tx.store.state.tables[table] {
		out[key] = row.Clone()
	}
	tx.store.mu.RUnlock()
	for key, p := range tx.writes[table] {
		if p.row == nil {
			delete(out, key)
			continue
		}
		out[key] = p.row.Clone()
	}
	return out
}

// Query implements domain.Conn.
func (tx *transaction) Query(ctx context.Context, stmt domain.QueryStatement) ([]domain.Row, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var candidates map[string]domain.Row
	if len(stmt.Keys) > 0 {
		candidates = make(map[string]domain.Row, len(stmt.Keys))
		for _, key := range stmt.Keys {
			if row, ok := tx.visible(stmt.Table, key); ok {
				candidates[key] = row.Clone()
			}
		}
	} else {
		candidates = tx.scan(stmt.Table)
	}
	keys := make([]string, 0, len(candidates))
	for k := range candidates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]domain.Row, 0, len(keys))
	for _, k := range keys {
		if row := candidates[k]; domain.MatchRow(row, stmt.Where) {
			out = append(out, row)
		}
	}
	domain.SortRows(out, stmt.OrderBy)
	if stmt.MaxRows > 0 && len(out) > stmt.MaxRows {
		out = out[:stmt.MaxRows]
	}
	return out, nil
}

// Exec implements domain.Conn.
func (tx *transaction) Exec(ctx context.Context, stmt domain.WriteStatement) (int64, error) {
	if err := tx.checkWrite(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	current, exists := tx.visible(stmt.Table, stmt.Key)
	switch stmt.Op {
	case domain.OpInsert:
		if exists {
			return 0, errors.Errorf("memory: duplicate key %s in %s", stmt.Key, stmt.Table)
		}
		tx.put(stmt.Table, stmt.Key, stmt.Values.Clone())
		return 1, nil
	case domain.OpUpdate:
		if !exists || !domain.ExpectationHolds(current, stmt.Expect) {
			return 0, nil
		}
		next := current.Clone()
		for col, v := range stmt.Values {
			next[col] = v
		}
		tx.put(stmt.Table, stmt.Key, next)
		return 1, nil
	case domain.OpDelete:
		if !exists || !domain.ExpectationHolds(current, stmt.Expect) {
			return 0, nil
		}
		tx.put(stmt.Table, stmt.Key, nil)
		return 1, nil
	}
	return 0, errors.Errorf("memory: unsupported write %s", stmt.Op)
}

// ExecBatch implements domain.Conn. Execution stops at the first error.
func (tx *transaction) ExecBatch(ctx context.Context, stmts []domain.WriteStatement) ([]int64, error) {
	counts := make([]int64, 0, len(stmts))
	for _, stmt := range stmts {
		n, err := tx.Exec(ctx, stmt)
		if err != nil {
			return counts, err
		}
		counts = append(counts, n)
	}
	return counts, nil
}

// ExecBulk implements domain.Conn.
func (tx *transaction) ExecBulk(ctx context.Context, stmt domain.BulkStatement) (int64, error) {
	if err := tx.checkWrite(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int64
	for key, row := range tx.scan(stmt.Table) {
		if !domain.MatchRow(row, stmt.Where) {
			continue
		}
		if stmt.Delete {
			tx.put(stmt.Table, key, nil)
		} else {
			for col, v := range stmt.Set {
				row[col] = v
			}
			tx.put(stmt.Table, key, row)
		}
		n++
	}
	return n, nil
}

// ExecRaw implements domain.Conn. The memory store has no SQL engine.
func (tx *transaction) ExecRaw(context.Context, domain.RawStatement) (int64, error) {
	return 0, errors.WithStack(domain.ErrUnsupported)
}

// Commit applies the buffered writes. It fails with ErrConflict when a
// written row changed since the transaction first wrote it.
func (tx *transaction) Commit(ctx context.Context) error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.done = true
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for table, rows := range tx.writes {
		for key, p := range rows {
			if !rowsEqual(s.state.row(table, key), p.base) {
				return errors.Wrapf(ErrConflict, "%s/%s", table, key)
			}
		}
	}
	for table, rows := range tx.writes {
		committed, ok := s.state.tables[table]
		if !ok {
			committed = make(map[string]domain.Row)
			s.state.tables[table] = committed
		}
		for key, p := range rows {
			if p.row == nil {
				delete(committed, key)
				continue
			}
			committed[key] = p.row
		}
	}
	s.commits++
	return nil
}

// Rollback discards the buffered writes.
func (tx *transaction) Rollback(context.Context) error {
	tx.done = true
	tx.writes = nil
	return nil
}

func rowsEqual(a, b domain.Row) bool {
	if (a == nil) != (b == nil) || len(a) != len(b) {
		return false
	}
	for col, v := range a {
		w, ok := b[col]
		if !ok || !domain.ValuesEqual(v, w) {
			return false
		}
	}
	return true
}
