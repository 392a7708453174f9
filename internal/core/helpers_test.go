package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"persistcore/internal/infra/persistence/memory"
	"persistcore/internal/meta"
	"persistcore/pkg/domain"
)

// customer is tracked and versioned; updates write changed columns only.
type customer struct {
	domain.EntityState
	ID      int64 `orm:"id"`
	Version int64 `orm:"version"`
	A       string
	B       string
}

// account is tracked without a version and uses ALL concurrency.
type account struct {
	domain.EntityState
	ID      string `orm:"id"`
	Owner   string
	Balance int64
}

type invoice struct {
	domain.EntityState
	ID    string `orm:"id"`
	Ref   string
	Lines []*invoiceLine `orm:"mappedBy=Invoice,cascade=all"`
}

type invoiceLine struct {
	domain.EntityState
	ID      string `orm:"id"`
	Invoice *invoice
	Qty     int
}

// note is a plain value without change tracking.
type note struct {
	ID   int64 `orm:"id"`
	Text string
}

func registerFixtures(t *testing.T, c *meta.Catalog, customerOpts ...meta.Option) {
	t.Helper()
	opts := append([]meta.Option{
		meta.Name("Customer"),
		meta.UpdateChangesOnly(),
		meta.WithNamedQuery("byA", meta.NamedQuery{
			Where:   []domain.Predicate{{Column: "A", Op: domain.OpEq, Param: "a"}},
			OrderBy: []domain.Order{{Column: "ID"}},
		}),
	}, customerOpts...)
	_, err := c.Register(&customer{}, opts...)
	require.NoError(t, err)
	_, err = c.Register(&account{}, meta.Name("Account"))
	require.NoError(t, err)
	_, err = c.Register(&invoice{}, meta.Name("Invoice"))
	require.NoError(t, err)
	_, err = c.Register(&invoiceLine{}, meta.Name("InvoiceLine"))
	require.NoError(t, err)
	_, err = c.Register(&note{}, meta.Name("Note"))
	require.NoError(t, err)
}

func newTestCatalog(t *testing.T, customerOpts ...meta.Option) *meta.Catalog {
	t.Helper()
	c := meta.NewCatalog()
	registerFixtures(t, c, customerOpts...)
	return c
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *recordingExecutor) {
	t.Helper()
	exec := newRecordingExecutor()
	s, err := NewServer(newTestCatalog(t), exec, opts...)
	require.NoError(t, err)
	return s, exec
}

func saveCustomer(t *testing.T, s *Server, id int64, a, b string) *customer {
	t.Helper()
	c := &customer{ID: id, A: a, B: b}
	require.NoError(t, s.Save(context.Background(), c, nil))
	return c
}

// stepClock is a Clock advanced explicitly by tests.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingExecutor wraps the memory executor and records every statement
// sent through its connections.
type recordingExecutor struct {
	*memory.Store

	mu         sync.Mutex
	writes     []domain.WriteStatement
	batches    [][]domain.WriteStatement
	queries    []domain.QueryStatement
	begins     []domain.TxOptions
	failBegin  error
	failCommit error
	// afterQuery runs once a query has read its rows, before they are returned.
	afterQuery func()
}

func newRecordingExecutor(opts ...memory.Option) *recordingExecutor {
	return &recordingExecutor{Store: memory.NewStore(opts...)}
}

func (r *recordingExecutor) Begin(ctx context.Context, opts domain.TxOptions) (domain.Conn, error) {
	r.mu.Lock()
	r.begins = append(r.begins, opts)
	fail := r.failBegin
	r.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	conn, err := r.Store.Begin(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &recordingConn{Conn: conn, rec: r}, nil
}

func (r *recordingExecutor) lastWrite(t *testing.T) domain.WriteStatement {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.writes, "no write statements recorded")
	return r.writes[len(r.writes)-1]
}

func (r *recordingExecutor) batchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *recordingExecutor) queryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queries)
}

type recordingConn struct {
	domain.Conn
	rec *recordingExecutor
}

func (c *recordingConn) Query(ctx context.Context, stmt domain.QueryStatement) ([]domain.Row, error) {
	c.rec.mu.Lock()
	c.rec.queries = append(c.rec.queries, stmt)
	hook := c.rec.afterQuery
	c.rec.mu.Unlock()
	rows, err := c.Conn.Query(ctx, stmt)
	if hook != nil {
		hook()
	}
	return rows, err
}

func (c *recordingConn) Exec(ctx context.Context, stmt domain.WriteStatement) (int64, error) {
	c.rec.mu.Lock()
	c.rec.writes = append(c.rec.writes, stmt)
	c.rec.mu.Unlock()
	return c.Conn.Exec(ctx, stmt)
}

func (c *recordingConn) ExecBatch(ctx context.Context, stmts []domain.WriteStatement) ([]int64, error) {
	c.rec.mu.Lock()
	c.rec.batches = append(c.rec.batches, append([]domain.WriteStatement(nil), stmts...))
	c.rec.mu.Unlock()
	return c.Conn.ExecBatch(ctx, stmts)
}

func (c *recordingConn) Commit(ctx context.Context) error {
	c.rec.mu.Lock()
	fail := c.rec.failCommit
	c.rec.mu.Unlock()
	if fail != nil {
		return fail
	}
	return c.Conn.Commit(ctx)
}

// captureLogger keeps every log call.
type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	level string
	msg   string
	kv    []any
}

func (l *captureLogger) add(level, msg string, kv []any) {
	l.mu.Lock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, kv: kv})
	l.mu.Unlock()
}

func (l *captureLogger) Debug(msg string, kv ...any) { l.add("debug", msg, kv) }
func (l *captureLogger) Info(msg string, kv ...any)  { l.add("info", msg, kv) }
func (l *captureLogger) Warn(msg string, kv ...any)  { l.add("warn", msg, kv) }
func (l *captureLogger) Error(msg string, kv ...any) { l.add("error", msg, kv) }

func (l *captureLogger) has(level, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			return true
		}
	}
	return false
}
