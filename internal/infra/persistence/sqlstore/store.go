// Package sqlstore implements the executor over database/sql. Every logical
// table is stored in one row table as JSON payloads; predicates, ordering and
// limits are evaluated on decoded rows so the same code serves SQLite and
// Postgres.
package sqlstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"persistcore/pkg/domain"
)

// Compile-time contract assertions.
var (
	_ domain.Executor = (*Store)(nil)
	_ domain.Preparer = (*Store)(nil)
	_ domain.Conn     = (*conn)(nil)
)

// RowTable is the physical table holding every row.
const RowTable = "persist_rows"

// Dialect captures the differences between the supported databases.
type Dialect struct {
	Name string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
	// LockSuffix is appended to the read that precedes a guarded write.
	LockSuffix string
	// TxIsolation reports whether BeginTx may carry an isolation level.
	TxIsolation bool
	// TxReadOnly reports whether BeginTx may carry the read-only flag.
	TxReadOnly       bool
	DefaultIsolation domain.Isolation
}

// SQLite uses ? placeholders and serializes writers at the database level.
var SQLite = Dialect{
	Name:             "sqlite",
	Placeholder:      func(int) string { return "?" },
	DefaultIsolation: domain.IsolationSerializable,
}

// Postgres uses $n placeholders and row locks.
var Postgres = Dialect{
	Name:             "postgres",
	Placeholder:      func(n int) string { return fmt.Sprintf("$%d", n) },
	LockSuffix:       " FOR UPDATE",
	TxIsolation:      true,
	TxReadOnly:       true,
	DefaultIsolation: domain.IsolationReadCommitted,
}

// Store is a database/sql executor.
type Store struct {
	db      *sql.DB
	dialect Dialect

	mu    sync.Mutex
	plans map[uint64]*sql.Stmt
}

// New wraps an open database. Call Migrate before first use.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, plans: make(map[uint64]*sql.Stmt)}
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the store dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

// Migrate creates the row table when missing.
func (s *Store) Migrate(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS ` + RowTable + ` (
		table_name TEXT NOT NULL,
		row_key TEXT NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (table_name, row_key)
	)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return errors.Wrap(err, "create row table")
	}
	return nil
}

func (s *Store) ph(n int) string { return s.dialect.Placeholder(n) }

func (s *Store) selectSQL(keys int) string {
	var b strings.Builder
	b.WriteString("SELECT row_key, payload FROM " + RowTable + " WHERE table_name = " + s.ph(1))
	if keys > 0 {
		b.WriteString(" AND row_key IN (")
		for i := 0; i < keys; i++ {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(s.ph(i + 2))
		}
		b.WriteString(")")
	}
	b.WriteString(" ORDER BY row_key")
	return b.String()
}

// Begin implements domain.Executor.
func (s *Store) Begin(ctx context.Context, opts domain.TxOptions) (domain.Conn, error) {
	txOpts := &sql.TxOptions{}
	if s.dialect.TxIsolation {
		txOpts.Isolation = isolationLevel(opts.Isolation)
	}
	if s.dialect.TxReadOnly {
		txOpts.ReadOnly = opts.ReadOnly
	}
	tx, err := s.db.BeginTx(ctx, txOpts)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: begin", s.dialect.Name)
	}
	return &conn{store: s, tx: tx}, nil
}

// DefaultIsolation implements domain.Executor.
func (s *Store) DefaultIsolation() domain.Isolation { return s.dialect.DefaultIsolation }

// Prepare implements domain.Preparer. Key lookups and table scans have a
// fixed SQL text and are prepared once per plan.
func (s *Store) Prepare(ctx context.Context, planHash uint64, stmt domain.QueryStatement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[planHash]; ok {
		return nil
	}
	prepared, err := s.db.PrepareContext(ctx, s.selectSQL(len(stmt.Keys)))
	if err != nil {
		return errors.Wrapf(err, "%s: prepare plan %x", s.dialect.Name, planHash)
	}
	s.plans[planHash] = prepared
	return nil
}

func (s *Store) plan(hash uint64) *sql.Stmt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plans[hash]
}

// PreparedPlans returns the number of prepared plans.
func (s *Store) PreparedPlans() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.plans)
}

// Close implements domain.Executor.
func (s *Store) Close() error {
	s.mu.Lock()
	for hash, stmt := range s.plans {
		_ = stmt.Close()
		delete(s.plans, hash)
	}
	s.mu.Unlock()
	return s.db.Close()
}

func isolationLevel(iso domain.Isolation) sql.IsolationLevel {
	switch iso {
	case domain.IsolationReadUncommitted:
		return sql.LevelReadUncommitted
	case domain.IsolationReadCommitted:
		return sql.LevelReadCommitted
	case domain.IsolationRepeatableRead:
		return sql.LevelRepeatableRead
	case domain.IsolationSerializable:
		return sql.LevelSerializable
	}
	return sql.LevelDefault
}

type conn struct {
	store *Store
	tx    *sql.Tx
}

type storedRow struct {
	key     string
	payload string
	row     domain.Row
}

func decodePayload(payload string) (domain.Row, error) {
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	var row domain.Row
	if err := dec.Decode(&row); err != nil {
		return nil, errors.Wrap(err, "decode row payload")
	}
	for col, v := range row {
		row[col] = domain.NormalizeValue(v)
	}
	return row, nil
}

func encodePayload(row domain.Row) (string, error) {
	normalized := make(domain.Row, len(row))
	for col, v := range row {
		normalized[col] = domain.NormalizeValue(v)
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(normalized); err != nil {
		return "", errors.Wrap(err, "encode row payload")
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

func (c *conn) scan(ctx context.Context, query string, prepared *sql.Stmt, args ...any) ([]storedRow, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if prepared != nil {
		rows, err = c.tx.StmtContext(ctx, prepared).QueryContext(ctx, args...)
	} else {
		rows, err = c.tx.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "%s: select", c.store.dialect.Name)
	}
	defer func() { _ = rows.Close() }()
	var out []storedRow
	for rows.Next() {
		var r storedRow
		if err := rows.Scan(&r.key, &r.payload); err != nil {
			return nil, errors.Wrap(err, "scan row")
		}
		row, err := decodePayload(r.payload)
		if err != nil {
			return nil, err
		}
		r.row = row
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate rows")
	}
	return out, nil
}

func (c *conn) tableRows(ctx context.Context, table string, keys []string, planHash uint64) ([]storedRow, error) {
	args := make([]any, 0, len(keys)+1)
	args = append(args, table)
	for _, k := range keys {
		args = append(args, k)
	}
	var prepared *sql.Stmt
	if planHash != 0 {
		prepared = c.store.plan(planHash)
	}
	return c.scan(ctx, c.store.selectSQL(len(keys)), prepared, args...)
}

// Query implements domain.Conn.
func (c *conn) Query(ctx context.Context, stmt domain.QueryStatement) ([]domain.Row, error) {
	stored, err := c.tableRows(ctx, stmt.Table, stmt.Keys, stmt.PlanHash)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Row, 0, len(stored))
	for _, r := range stored {
		if domain.MatchRow(r.row, stmt.Where) {
			out = append(out, r.row)
		}
	}
	domain.SortRows(out, stmt.OrderBy)
	if stmt.MaxRows > 0 && len(out) > stmt.MaxRows {
		out = out[:stmt.MaxRows]
	}
	return out, nil
}

func (c *conn) current(ctx context.Context, table, key string) (*storedRow, error) {
	s := c.store
	query := "SELECT row_key, payload FROM " + RowTable + " WHERE table_name = " + s.ph(1) + " AND row_key = " + s.ph(2) + s.dialect.LockSuffix
	rows, err := c.scan(ctx, query, nil, table, key)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// Exec implements domain.Conn. Updates and deletes re-read the row, check the
// expectation and guard the write on the payload that was read.
func (c *conn) Exec(ctx context.Context, stmt domain.WriteStatement) (int64, error) {
	s := c.store
	switch stmt.Op {
	case domain.OpInsert:
		payload, err := encodePayload(stmt.Values)
		if err != nil {
			return 0, err
		}
		res, err := c.tx.ExecContext(ctx, "INSERT INTO "+RowTable+" (table_name, row_key, payload) VALUES ("+s.ph(1)+", "+s.ph(2)+", "+s.ph(3)+")", stmt.Table, stmt.Key, payload)
		if err != nil {
			return 0, errors.Wrapf(err, "insert %s/%s", stmt.Table, stmt.Key)
		}
		return res.RowsAffected()
	case domain.OpUpdate, domain.OpDelete:
		cur, err := c.current(ctx, stmt.Table, stmt.Key)
		if err != nil {
			return 0, err
		}
		if cur == nil || !domain.ExpectationHolds(cur.row, stmt.Expect) {
			return 0, nil
		}
		if stmt.Op == domain.OpDelete {
			return c.deleteGuarded(ctx, stmt.Table, cur)
		}
		next := cur.row.Clone()
		for col, v := range stmt.Values {
			next[col] = v
		}
		return c.updateGuarded(ctx, stmt.Table, cur, next)
	}
	return 0, errors.Errorf("%s: unsupported write %s", s.dialect.Name, stmt.Op)
}

func (c *conn) updateGuarded(ctx context.Context, table string, cur *storedRow, next domain.Row) (int64, error) {
	s := c.store
	payload, err := encodePayload(next)
	if err != nil {
		return 0, err
	}
	res, err := c.tx.ExecContext(ctx, "UPDATE "+RowTable+" SET payload = "+s.ph(1)+" WHERE table_name = "+s.ph(2)+" AND row_key = "+s.ph(3)+" AND payload = "+s.ph(4), payload, table, cur.key, cur.payload)
	if err != nil {
		return 0, errors.Wrapf(err, "update %s/%s", table, cur.key)
	}
	return res.RowsAffected()
}

func (c *conn) deleteGuarded(ctx context.Context, table string, cur *storedRow) (int64, error) {
	s := c.store
	res, err := c.tx.ExecContext(ctx, "DELETE FROM "+RowTable+" WHERE table_name = "+s.ph(1)+" AND row_key = "+s.ph(2)+" AND payload = "+s.ph(3), table, cur.key, cur.payload)
	if err != nil {
		return 0, errors.Wrapf(err, "delete %s/%s", table, cur.key)
	}
	return res.RowsAffected()
}

// ExecBatch implements domain.Conn. Execution stops at the first error.
func (c *conn) ExecBatch(ctx context.Context, stmts []domain.WriteStatement) ([]int64, error) {
	counts := make([]int64, 0, len(stmts))
	for _, stmt := range stmts {
		n, err := c.Exec(ctx, stmt)
		if err != nil {
			return counts, err
		}
		counts = append(counts, n)
	}
	return counts, nil
}

// ExecBulk implements domain.Conn.
func (c *conn) ExecBulk(ctx context.Context, stmt domain.BulkStatement) (int64, error) {
	stored, err := c.tableRows(ctx, stmt.Table, nil, 0)
	if err != nil {
		return 0, err
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].key < stored[j].key })
	var total int64
	for i := range stored {
		cur := &stored[i]
		if !domain.MatchRow(cur.row, stmt.Where) {
			continue
		}
		var n int64
		if stmt.Delete {
			n, err = c.deleteGuarded(ctx, stmt.Table, cur)
		} else {
			next := cur.row.Clone()
			for col, v := range stmt.Set {
				next[col] = v
			}
			n, err = c.updateGuarded(ctx, stmt.Table, cur, next)
		}
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// ExecRaw implements domain.Conn.
func (c *conn) ExecRaw(ctx context.Context, stmt domain.RawStatement) (int64, error) {
	res, err := c.tx.ExecContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return 0, errors.Wrapf(err, "%s: raw statement", c.store.dialect.Name)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// Commit implements domain.Conn.
func (c *conn) Commit(context.Context) error {
	return errors.Wrapf(c.tx.Commit(), "%s: commit", c.store.dialect.Name)
}

// Rollback implements domain.Conn. Rolling back an ended transaction is a
// no-op.
func (c *conn) Rollback(context.Context) error {
	if err := c.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return errors.Wrapf(err, "%s: rollback", c.store.dialect.Name)
	}
	return nil
}
