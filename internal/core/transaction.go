package core

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"persistcore/internal/meta"
	"persistcore/pkg/domain"
)

// TxStatus is the lifecycle state of a transaction.
type TxStatus int

const (
	TxActive TxStatus = iota
	TxCommitted
	TxRolledBack
)

func (s TxStatus) String() string {
	switch s {
	case TxActive:
		return "active"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled_back"
	}
	return "unknown"
}

// Transaction is one unit of work against the executor. It owns a
// persistence context, an optional batch queue and the events that are
// published when it commits. It is used by one goroutine at a time; the
// status lock only serializes ending it from a background fetch worker.
type Transaction struct {
	id        string
	server    *Server
	conn      domain.Conn
	explicit  bool
	readOnly  bool
	isolation domain.Isolation
	label     string
	started   time.Time

	pc       *PersistenceContext
	batch    *batchControl
	events   eventAccumulator
	logLevel TxLogLevel

	mu           sync.Mutex
	status       TxStatus
	rollbackOnly bool

	// set when BeginTransaction installed the transaction as ambient
	slot     *ambientSlot
	previous *Transaction
}

// ID returns the transaction id.
func (t *Transaction) ID() string { return t.id }

// Label returns the label supplied at creation.
func (t *Transaction) Label() string { return t.label }

// IsExplicit reports whether the caller began the transaction, as opposed to
// one created implicitly for a single request.
func (t *Transaction) IsExplicit() bool { return t.explicit }

// IsReadOnly reports whether writes are refused.
func (t *Transaction) IsReadOnly() bool { return t.readOnly }

// Isolation returns the requested isolation level.
func (t *Transaction) Isolation() domain.Isolation { return t.isolation }

// Status returns the lifecycle state.
func (t *Transaction) Status() TxStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// IsActive reports whether the transaction can still be used.
func (t *Transaction) IsActive() bool { return t.Status() == TxActive }

// PersistenceContext returns the identity map owned by the transaction.
func (t *Transaction) PersistenceContext() *PersistenceContext { return t.pc }

// SetLogLevel changes the persist log level.
func (t *Transaction) SetLogLevel(level TxLogLevel) { t.logLevel = level }

// LogLevel returns the persist log level.
func (t *Transaction) LogLevel() TxLogLevel { return t.logLevel }

// SetRollbackOnly marks the transaction so that commit rolls back instead.
func (t *Transaction) SetRollbackOnly() {
	t.mu.Lock()
	t.rollbackOnly = true
	t.mu.Unlock()
}

// IsRollbackOnly reports the rollback-only mark.
func (t *Transaction) IsRollbackOnly() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rollbackOnly
}

// SetBatchSize turns batching on with the given size, or off (after flushing
// queued statements) when size is 0.
func (t *Transaction) SetBatchSize(ctx context.Context, size int) error {
	if size <= 0 {
		if t.batch == nil {
			return nil
		}
		err := t.batch.flush(ctx)
		t.batch = nil
		return err
	}
	if t.batch == nil {
		t.batch = newBatchControl(t, size)
		return nil
	}
	t.batch.size = size
	return nil
}

// BatchSize returns the batch size, 0 when batching is off.
func (t *Transaction) BatchSize() int {
	if t.batch == nil {
		return 0
	}
	return t.batch.size
}

// Flush executes queued batch statements.
func (t *Transaction) Flush(ctx context.Context) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if t.batch == nil {
		return nil
	}
	return t.batch.flush(ctx)
}

// flushQueued flushes the batch when it already holds a request for bean, so
// the next request for the same bean is built from its post-write state.
func (t *Transaction) flushQueued(ctx context.Context, bean any) error {
	if t.batch == nil || !t.batch.holds(bean) {
		return nil
	}
	return t.batch.flush(ctx)
}

// HasPendingChanges reports whether the transaction wrote, or queued writes
// for, any of the tables. Such transactions bypass the shared result cache.
func (t *Transaction) HasPendingChanges(tables []string) bool {
	if t.events.touches(tables) {
		return true
	}
	return t.batch != nil && t.batch.touches(tables)
}

// Commit flushes queued statements, commits the executor transaction and
// publishes the accumulated events. Listeners and the broadcaster run after
// the transaction lock is released.
func (t *Transaction) Commit(ctx context.Context) error {
	start := t.server.clock.Now()
	if err := t.commitLocked(ctx, start); err != nil {
		return err
	}
	t.server.afterCommit(ctx, t, t.server.clock.Now())
	t.server.observe(ctx, opCommit, true, start)
	return nil
}

func (t *Transaction) commitLocked(ctx context.Context, start time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != TxActive {
		return errors.WithStack(domain.ErrTransactionInactive)
	}
	if t.rollbackOnly {
		_ = t.rollbackLocked(ctx)
		return errors.WithStack(domain.ErrRollbackOnly)
	}
	if t.batch != nil {
		if err := t.batch.flush(ctx); err != nil {
			_ = t.rollbackLocked(ctx)
			return err
		}
	}
	if err := t.conn.Commit(ctx); err != nil {
		t.status = TxRolledBack
		_ = t.conn.Rollback(ctx)
		t.detach()
		t.server.observe(ctx, opCommit, false, start)
		return errors.Wrapf(err, "commit transaction %s", t.id)
	}
	t.status = TxCommitted
	t.detach()
	return nil
}

// Rollback discards the transaction. Calling it on an ended transaction is a
// no-op.
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != TxActive {
		return nil
	}
	return t.rollbackLocked(ctx)
}

// End rolls back the transaction if it is still active.
func (t *Transaction) End(ctx context.Context) error { return t.Rollback(ctx) }

func (t *Transaction) rollbackLocked(ctx context.Context) error {
	start := t.server.clock.Now()
	if t.batch != nil {
		t.batch.discard()
	}
	err := t.conn.Rollback(ctx)
	t.status = TxRolledBack
	t.detach()
	t.server.observe(ctx, opRollback, err == nil, start)
	if t.logLevel >= TxLogSummary {
		t.server.logger.Debug("transaction rolled back", "tx", t.id, "label", t.label)
	}
	return errors.Wrapf(err, "rollback transaction %s", t.id)
}

func (t *Transaction) detach() {
	if t.slot != nil && t.slot.tx == t {
		t.slot.tx = t.previous
	}
	t.slot, t.previous = nil, nil
}

func (t *Transaction) checkActive() error {
	if !t.IsActive() {
		return errors.Wrapf(domain.ErrTransactionInactive, "transaction %s", t.id)
	}
	return nil
}

func (t *Transaction) logStatement(kind string, kv ...any) {
	if t.logLevel < TxLogStatement {
		return
	}
	t.server.logger.Debug(kind, append([]any{"tx", t.id}, kv...)...)
}

type pendingNotification struct {
	listeners []meta.Listener
	change    domain.EntityChange
}

// eventAccumulator collects what a transaction wrote until it commits.
type eventAccumulator struct {
	order    []string
	tables   map[string]*domain.TableModification
	entities []domain.EntityChange
	notify   []pendingNotification
}

func (a *eventAccumulator) touch(table string, op domain.PersistOp, count int) {
	if table == "" || count <= 0 {
		return
	}
	if a.tables == nil {
		a.tables = make(map[string]*domain.TableModification)
	}
	mod, ok := a.tables[table]
	if !ok {
		mod = &domain.TableModification{Table: table}
		a.tables[table] = mod
		a.order = append(a.order, table)
	}
	switch op {
	case domain.OpInsert:
		mod.Inserts += count
	case domain.OpDelete:
		mod.Deletes += count
	case domain.OpRaw, domain.OpCallable:
		mod.Inserts += count
		mod.Updates += count
	default:
		mod.Updates += count
	}
}

func (a *eventAccumulator) addEntity(change domain.EntityChange, listeners []meta.Listener) {
	a.entities = append(a.entities, change)
	if len(listeners) > 0 {
		a.notify = append(a.notify, pendingNotification{listeners: listeners, change: change})
	}
}

func (a *eventAccumulator) touches(tables []string) bool {
	for _, t := range tables {
		if _, ok := a.tables[t]; ok {
			return true
		}
	}
	return false
}

func (a *eventAccumulator) modifications() []domain.TableModification {
	out := make([]domain.TableModification, 0, len(a.order))
	for _, t := range a.order {
		out = append(out, *a.tables[t])
	}
	return out
}
