// Package testutil provides a stub database for postgres executor tests. It
// understands the single-table statements issued by the row store; writes
// apply immediately and rollbacks only count.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// StubConn records statements and keeps rows per table.
type StubConn struct {
	mu         sync.Mutex
	Execs      []string
	Queries    []string
	Tables     map[string][]map[string]any
	Unique     map[string][]string
	FailExec   bool
	FailBegin  bool
	RowsErr    error
	FailTables map[string]bool
	FailCommit bool
	Commits    int
	Rollbacks  int
}

// NewStubDB registers a sql.DB backed by an in-memory stub connection.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{
		Tables: make(map[string][]map[string]any),
		Unique: map[string][]string{"persist_rows": {"table_name", "row_key"}},
	}
	name := fmt.Sprintf("stubpg%d", time.Now().UnixNano())
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db, conn
}

// Rows returns a copy of the rows of table.
func (c *StubConn) Rows(table string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, len(c.Tables[table]))
	for i, row := range c.Tables[table] {
		cp := make(map[string]any, len(row))
		for k, v := range row {
			cp[k] = v
		}
		out[i] = cp
	}
	return out
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) {
	return d.conn, nil
}

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(_ context.Context) error {
	if c.FailExec {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx.
func (c *StubConn) BeginTx(_ context.Context, _ driver.TxOptions) (driver.Tx, error) {
	if c.FailBegin {
		return nil, fmt.Errorf("begin fail")
	}
	return &stubTx{conn: c}, nil
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Execs = append(c.Execs, query)
	if c.FailExec {
		return nil, fmt.Errorf("exec fail")
	}
	upper := strings.ToUpper(strings.TrimSpace(query))
	switch {
	case strings.HasPrefix(upper, "INSERT INTO"):
		return c.insert(query, args)
	case strings.HasPrefix(upper, "UPDATE "):
		return c.update(query, args)
	case strings.HasPrefix(upper, "DELETE FROM"):
		return c.delete(query, args)
	case strings.HasPrefix(upper, "CREATE "):
		return driver.RowsAffected(0), nil
	}
	return driver.RowsAffected(1), nil
}

func (c *StubConn) insert(query string, args []driver.NamedValue) (driver.Result, error) {
	table, cols, err := parseInsert(query)
	if err != nil {
		return nil, err
	}
	if c.FailTables[table] {
		return nil, fmt.Errorf("exec fail for %s", table)
	}
	if len(cols) != len(args) {
		return nil, fmt.Errorf("column/arg mismatch for %s", table)
	}
	row := make(map[string]any, len(cols))
	for i, col := range cols {
		row[col] = args[i].Value
	}
	if unique := c.Unique[table]; len(unique) > 0 {
		for _, existing := range c.Tables[table] {
			if sameColumns(existing, row, unique) {
				return nil, fmt.Errorf("duplicate key value violates unique constraint on %s", table)
			}
		}
	}
	c.Tables[table] = append(c.Tables[table], row)
	return driver.RowsAffected(1), nil
}

func (c *StubConn) update(query string, args []driver.NamedValue) (driver.Result, error) {
	rest := strings.TrimSpace(query[len("UPDATE "):])
	setIdx := strings.Index(strings.ToUpper(rest), " SET ")
	if setIdx == -1 {
		return nil, fmt.Errorf("cannot parse update: %s", query)
	}
	table := strings.ToLower(strings.TrimSpace(rest[:setIdx]))
	set, where := splitWhere(rest[setIdx+len(" SET "):])
	assignments, err := parseConditions(set, ",", args)
	if err != nil {
		return nil, err
	}
	conds, err := parseConditions(where, " AND ", args)
	if err != nil {
		return nil, err
	}
	var n int64
	for _, row := range c.Tables[table] {
		if !matches(row, conds) {
			continue
		}
		for _, a := range assignments {
			row[a.column] = a.values[0]
		}
		n++
	}
	return driver.RowsAffected(n), nil
}

func (c *StubConn) delete(query string, args []driver.NamedValue) (driver.Result, error) {
	rest := strings.TrimSpace(query[len("DELETE FROM "):])
	tablePart, where := splitWhere(rest)
	table := strings.ToLower(strings.TrimSpace(tablePart))
	conds, err := parseConditions(where, " AND ", args)
	if err != nil {
		return nil, err
	}
	var kept []map[string]any
	var n int64
	for _, row := range c.Tables[table] {
		if matches(row, conds) {
			n++
			continue
		}
		kept = append(kept, row)
	}
	c.Tables[table] = kept
	return driver.RowsAffected(n), nil
}

// QueryContext implements driver.QueryerContext.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Queries = append(c.Queries, query)
	table, cols, where, err := parseSelect(query)
	if err != nil {
		return nil, err
	}
	if c.FailTables[table] {
		return nil, fmt.Errorf("query fail for %s", table)
	}
	conds, err := parseConditions(where, " AND ", args)
	if err != nil {
		return nil, err
	}
	values := make([][]driver.Value, 0, len(c.Tables[table]))
	for _, row := range c.Tables[table] {
		if !matches(row, conds) {
			continue
		}
		vals := make([]driver.Value, len(cols))
		for i, col := range cols {
			vals[i] = row[col]
		}
		values = append(values, vals)
	}
	return &stubRows{cols: cols, rows: values, err: c.RowsErr}, nil
}

type stubTx struct {
	conn *StubConn
}

func (t *stubTx) Commit() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	if t.conn.FailCommit {
		return fmt.Errorf("commit fail")
	}
	t.conn.Commits++
	return nil
}

func (t *stubTx) Rollback() error {
	t.conn.mu.Lock()
	t.conn.Rollbacks++
	t.conn.mu.Unlock()
	return nil
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
	err  error
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		if r.err != nil {
			return r.err
		}
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}

type condition struct {
	column string
	values []any
}

func matches(row map[string]any, conds []condition) bool {
	for _, c := range conds {
		found := false
		for _, v := range c.values {
			if fmt.Sprint(row[c.column]) == fmt.Sprint(v) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func sameColumns(a, b map[string]any, cols []string) bool {
	for _, col := range cols {
		if fmt.Sprint(a[col]) != fmt.Sprint(b[col]) {
			return false
		}
	}
	return true
}

// splitWhere separates "<head> WHERE <conditions>" and drops trailing
// ORDER BY / FOR UPDATE clauses.
func splitWhere(s string) (string, string) {
	upper := strings.ToUpper(s)
	idx := strings.Index(upper, " WHERE ")
	if idx == -1 {
		return trimClauses(s), ""
	}
	return s[:idx], trimClauses(s[idx+len(" WHERE "):])
}

func trimClauses(s string) string {
	upper := strings.ToUpper(s)
	for _, clause := range []string{" ORDER BY ", " FOR UPDATE"} {
		if idx := strings.Index(upper, clause); idx != -1 {
			s, upper = s[:idx], upper[:idx]
		}
	}
	return strings.TrimSpace(s)
}

// parseConditions reads "col = $n" and "col IN ($a, $b)" terms.
func parseConditions(s, sep string, args []driver.NamedValue) ([]condition, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []condition
	for _, term := range splitTerms(s, sep) {
		term = strings.TrimSpace(term)
		upper := strings.ToUpper(term)
		if idx := strings.Index(upper, " IN ("); idx != -1 {
			col := strings.ToLower(strings.TrimSpace(term[:idx]))
			inner := strings.TrimSuffix(strings.TrimSpace(term[idx+len(" IN ("):]), ")")
			var values []any
			for _, ph := range strings.Split(inner, ",") {
				v, err := bindValue(strings.TrimSpace(ph), args)
				if err != nil {
					return nil, err
				}
				values = append(values, v)
			}
			out = append(out, condition{column: col, values: values})
			continue
		}
		parts := strings.SplitN(term, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("cannot parse condition: %s", term)
		}
		v, err := bindValue(strings.TrimSpace(parts[1]), args)
		if err != nil {
			return nil, err
		}
		out = append(out, condition{column: strings.ToLower(strings.TrimSpace(parts[0])), values: []any{v}})
	}
	return out, nil
}

// splitTerms splits on sep outside parentheses.
func splitTerms(s, sep string) []string {
	var out []string
	depth, start := 0, 0
	upper := strings.ToUpper(s)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth == 0 && strings.HasPrefix(upper[i:], sep) {
			out = append(out, s[start:i])
			start = i + len(sep)
			i = start - 1
		}
	}
	return append(out, s[start:])
}

func bindValue(ph string, args []driver.NamedValue) (any, error) {
	if !strings.HasPrefix(ph, "$") {
		return nil, fmt.Errorf("unsupported placeholder %q", ph)
	}
	n, err := strconv.Atoi(ph[1:])
	if err != nil || n < 1 || n > len(args) {
		return nil, fmt.Errorf("placeholder %s out of range", ph)
	}
	return args[n-1].Value, nil
}

func parseInsert(query string) (string, []string, error) {
	up := strings.ToUpper(query)
	intoIdx := strings.Index(up, "INTO ")
	if intoIdx == -1 {
		return "", nil, fmt.Errorf("cannot parse insert: %s", query)
	}
	rest := strings.TrimSpace(query[intoIdx+len("INTO "):])
	open := strings.Index(rest, "(")
	closeIdx := strings.Index(rest, ")")
	if open == -1 || closeIdx == -1 || closeIdx <= open {
		return "", nil, fmt.Errorf("cannot parse insert: %s", query)
	}
	table := strings.ToLower(strings.TrimSpace(rest[:open]))
	return table, splitColumns(rest[open+1 : closeIdx]), nil
}

func parseSelect(query string) (string, []string, string, error) {
	lower := strings.ToLower(query)
	if !strings.HasPrefix(lower, "select ") {
		return "", nil, "", fmt.Errorf("cannot parse select: %s", query)
	}
	fromIdx := strings.Index(lower, " from ")
	if fromIdx == -1 {
		return "", nil, "", fmt.Errorf("cannot parse select: %s", query)
	}
	cols := query[len("select "):fromIdx]
	tablePart, where := splitWhere(query[fromIdx+len(" from "):])
	fields := strings.Fields(tablePart)
	if len(fields) == 0 {
		return "", nil, "", fmt.Errorf("cannot parse select: %s", query)
	}
	return strings.ToLower(fields[0]), splitColumns(cols), where, nil
}

func splitColumns(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, strings.ToLower(strings.TrimSpace(part)))
	}
	return out
}
