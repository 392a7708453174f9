package domain

import "context"

// PersistOp enumerates the persist request kinds.
type PersistOp string

const (
	OpInsert     PersistOp = "insert"
	OpUpdate     PersistOp = "update"
	OpDelete     PersistOp = "delete"
	OpBulkUpdate PersistOp = "bulk_update"
	OpRaw        PersistOp = "raw"
	OpCallable   PersistOp = "callable"
	// OpSelect labels query failures in ExecutorError.
	OpSelect PersistOp = "select"
)

// WriteStatement is one bound insert, update or delete against a single row.
type WriteStatement struct {
	// PlanHash fingerprints the statement shape (table, op, columns).
	PlanHash uint64
	Op       PersistOp
	Table    string
	Key      string
	// Values are the columns written. For deletes it is empty.
	Values Row
	// Expect holds the concurrency predicate: every column must still hold the
	// given value for the write to apply. Empty means identity only.
	Expect Row
}

// BulkStatement updates or deletes every row of a table matching Where.
type BulkStatement struct {
	Table  string
	Where  []Predicate
	Set    Row
	Delete bool
}

// RawStatement is caller-supplied SQL.
type RawStatement struct {
	SQL      string
	Args     []any
	Callable bool
}

// QueryStatement selects rows of one table.
type QueryStatement struct {
	PlanHash uint64
	Table    string
	// Keys restricts the result to the given row keys when non-empty.
	Keys    []string
	Where   []Predicate
	OrderBy []Order
	MaxRows int
}

// TxOptions configures a data store transaction.
type TxOptions struct {
	Isolation Isolation
	ReadOnly  bool
}

// Executor is the statement execution service consumed by the engine.
type Executor interface {
	Begin(ctx context.Context, opts TxOptions) (Conn, error)
	DefaultIsolation() Isolation
	Close() error
}

// Conn is one data store transaction.
type Conn interface {
	Query(ctx context.Context, stmt QueryStatement) ([]Row, error)
	Exec(ctx context.Context, stmt WriteStatement) (int64, error)
	ExecBatch(ctx context.Context, stmts []WriteStatement) ([]int64, error)
	ExecBulk(ctx context.Context, stmt BulkStatement) (int64, error)
	ExecRaw(ctx context.Context, stmt RawStatement) (int64, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Preparer is implemented by executors that can prepare reusable query plans.
type Preparer interface {
	Prepare(ctx context.Context, planHash uint64, stmt QueryStatement) error
}
