package core

import (
	"context"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"persistcore/internal/meta"
	"persistcore/pkg/domain"
)

// Server is the entry point of the engine. It owns the metadata catalog, the
// executor, the table state and the shared result cache. A Server is safe for
// concurrent use; transactions are not.
type Server struct {
	name        string
	catalog     *meta.Catalog
	executor    domain.Executor
	tableState  *TableState
	cache       domain.CacheStore
	plans       *planRegistry
	flight      singleflight.Group
	rules       *domain.RulesEngine
	broadcaster domain.Broadcaster

	logger  Logger
	clock   Clock
	metrics MetricsRecorder
	tracer  Tracer
	tuner   QueryTuner

	batchDefault bool
	batchSize    int
	txLogLevel   TxLogLevel

	stats serverStats
}

type serverStats struct {
	cacheHits    atomic.Int64
	cacheMisses  atomic.Int64
	commits      atomic.Int64
	rollbacks    atomic.Int64
	remoteEvents atomic.Int64
	staleFlights atomic.Int64
}

// Stats is a snapshot of server counters.
type Stats struct {
	CacheHits    int64
	CacheMisses  int64
	CacheEntries int
	Plans        int
	Commits      int64
	Rollbacks    int64
	RemoteEvents int64
	// StaleFlights counts shared cache fetches discarded because a dependent
	// table changed while they ran.
	StaleFlights int64
}

// NewServer constructs a server over a catalog and an executor.
func NewServer(catalog *meta.Catalog, executor domain.Executor, opts ...Option) (*Server, error) {
	if catalog == nil {
		return nil, errors.New("core: catalog is required")
	}
	if executor == nil {
		return nil, errors.New("core: executor is required")
	}
	s := &Server{
		name:       "persistcore",
		catalog:    catalog,
		executor:   executor,
		tableState: NewTableState(),
		logger:     noopLogger{},
		clock:      ClockFunc(time.Now),
		metrics:    noopMetricsRecorder{},
		tracer:     noopTracer{},
		batchSize:  defaultBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.plans = newPlanRegistry(executor, s.logger)
	if iso := executor.DefaultIsolation(); iso != domain.IsolationReadCommitted && iso != domain.IsolationDefault {
		s.logger.Warn("executor default isolation is not read committed", "isolation", iso.String())
	}
	return s, nil
}

// Name returns the server name carried by committed events.
func (s *Server) Name() string { return s.name }

// Catalog returns the metadata catalog.
func (s *Server) Catalog() *meta.Catalog { return s.catalog }

// TableState returns the table modification tracker.
func (s *Server) TableState() *TableState { return s.tableState }

// Close releases the executor.
func (s *Server) Close() error { return s.executor.Close() }

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() Stats {
	st := Stats{
		CacheHits:    s.stats.cacheHits.Load(),
		CacheMisses:  s.stats.cacheMisses.Load(),
		Plans:        s.plans.Len(),
		Commits:      s.stats.commits.Load(),
		Rollbacks:    s.stats.rollbacks.Load(),
		RemoteEvents: s.stats.remoteEvents.Load(),
		StaleFlights: s.stats.staleFlights.Load(),
	}
	if s.cache != nil {
		st.CacheEntries = s.cache.Len()
	}
	return st
}

func (s *Server) newTransaction(ctx context.Context, cfg txConfig) (*Transaction, error) {
	conn, err := s.executor.Begin(ctx, domain.TxOptions{Isolation: cfg.isolation, ReadOnly: cfg.readOnly})
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction")
	}
	t := &Transaction{
		id:        uuid.NewString(),
		server:    s,
		conn:      conn,
		explicit:  cfg.explicit,
		readOnly:  cfg.readOnly,
		isolation: cfg.isolation,
		label:     cfg.label,
		started:   s.clock.Now(),
		pc:        NewPersistenceContext(),
		logLevel:  s.txLogLevel,
	}
	batch := s.batchDefault
	if cfg.batch != nil {
		batch = *cfg.batch
	}
	size := s.batchSize
	if cfg.batchSize > 0 {
		size = cfg.batchSize
	}
	if batch && !cfg.readOnly {
		t.batch = newBatchControl(t, size)
	}
	if t.logLevel >= TxLogSummary {
		s.logger.Debug("transaction begun", "tx", t.id, "label", t.label, "explicit", t.explicit)
	}
	return t, nil
}

// afterCommit publishes the events of a committed transaction: table state
// first, then bean listeners and the broadcaster.
func (s *Server) afterCommit(ctx context.Context, t *Transaction, at time.Time) {
	mods := t.events.modifications()
	if len(mods) == 0 && len(t.events.entities) == 0 {
		return
	}
	s.tableState.Apply(mods, at)
	for _, n := range t.events.notify {
		for _, l := range n.listeners {
			l.PostCommit(ctx, n.change)
		}
	}
	if s.broadcaster != nil {
		event := domain.TransactionEvent{
			TxID:       t.id,
			Source:     s.name,
			CommitTime: at,
			Tables:     mods,
			Entities:   t.events.entities,
		}
		if err := s.broadcaster.Broadcast(ctx, event); err != nil {
			s.logger.Warn("broadcast transaction event failed", "tx", t.id, "error", err)
		}
	}
	if t.logLevel >= TxLogSummary {
		s.logger.Info("transaction committed", "tx", t.id, "label", t.label, "tables", len(mods), "entities", len(t.events.entities))
	}
}

func (s *Server) observe(ctx context.Context, op string, success bool, start time.Time) {
	switch op {
	case opCommit:
		if success {
			s.stats.commits.Add(1)
		}
	case opRollback:
		s.stats.rollbacks.Add(1)
	}
	s.metrics.Observe(ctx, op, success, s.clock.Now().Sub(start))
}

func (s *Server) instrument(ctx context.Context, op string, fn func(context.Context) error) error {
	start := s.clock.Now()
	ctx, span := s.tracer.Start(ctx, op)
	err := fn(ctx)
	span.End(err)
	s.observe(ctx, op, err == nil, start)
	return err
}

// ApplyRemoteEvent applies the table modifications committed by another
// server. Events published by this server are ignored.
func (s *Server) ApplyRemoteEvent(event domain.TransactionEvent) bool {
	if event.Source == s.name || len(event.Tables) == 0 {
		return false
	}
	s.tableState.Apply(event.Tables, event.CommitTime)
	s.stats.remoteEvents.Add(1)
	return true
}

// Execute runs fn inside the transactional scope. The context passed to fn
// carries the resolved ambient transaction. A panic in fn rolls back a
// transaction created by the scope and is re-raised.
func (s *Server) Execute(ctx context.Context, scope domain.TxScope, fn func(ctx context.Context) error) error {
	ctx = WithAmbient(ctx)
	h, err := s.ResolveScope(ctx, scope)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			h.abort(ctx)
			panic(p)
		}
	}()
	return h.End(ctx, fn(ctx))
}

// BeginTransaction starts an explicit transaction. When ctx carries an
// ambient slot the transaction becomes the ambient one until it ends.
func (s *Server) BeginTransaction(ctx context.Context, opts ...TxOption) (*Transaction, error) {
	cfg := txConfig{explicit: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	t, err := s.newTransaction(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if slot := slotFrom(ctx); slot != nil {
		t.slot = slot
		t.previous = slot.tx
		slot.tx = t
	}
	return t, nil
}

// CurrentTransaction returns the ambient transaction, or nil.
func (s *Server) CurrentTransaction(ctx context.Context) *Transaction {
	return AmbientTransaction(ctx)
}

// CommitTransaction commits the ambient transaction.
func (s *Server) CommitTransaction(ctx context.Context) error {
	t := AmbientTransaction(ctx)
	if t == nil {
		return errors.WithStack(domain.ErrNoAmbientTransaction)
	}
	return t.Commit(ctx)
}

// RollbackTransaction rolls back the ambient transaction.
func (s *Server) RollbackTransaction(ctx context.Context) error {
	t := AmbientTransaction(ctx)
	if t == nil {
		return errors.WithStack(domain.ErrNoAmbientTransaction)
	}
	return t.Rollback(ctx)
}

// EndTransaction rolls back the ambient transaction if one is still active.
func (s *Server) EndTransaction(ctx context.Context) error {
	if t := AmbientTransaction(ctx); t != nil {
		return t.End(ctx)
	}
	return nil
}

// inWriteTx runs fn in the supplied transaction, the ambient one, or an
// implicit transaction that commits when fn succeeds. Supplied and ambient
// transactions are left to their owner on failure.
func (s *Server) inWriteTx(ctx context.Context, tx *Transaction, label string, fn func(*Transaction) error) error {
	if tx != nil {
		if err := tx.checkActive(); err != nil {
			return err
		}
		return fn(tx)
	}
	if ambient := AmbientTransaction(ctx); ambient != nil {
		return fn(ambient)
	}
	t, err := s.newTransaction(ctx, txConfig{label: label})
	if err != nil {
		return err
	}
	if err := fn(t); err != nil {
		_ = t.Rollback(ctx)
		return err
	}
	return t.Commit(ctx)
}

func (s *Server) withQuery(ctx context.Context, q *Query, shape domain.ResultShape, tx *Transaction, fn func(*queryRequest) error) error {
	r, err := s.newQueryRequest(q, shape)
	if err != nil {
		return err
	}
	if err := r.bind(ctx, tx); err != nil {
		return err
	}
	defer r.cleanup(ctx)
	return fn(r)
}

// Find loads the bean with the query's identity, or the single bean the query
// matches. found is false when nothing matches.
func (s *Server) Find(ctx context.Context, q *Query, tx *Transaction) (bean any, found bool, err error) {
	err = s.instrument(ctx, "server.find", func(ctx context.Context) error {
		return s.withQuery(ctx, q, domain.ShapeOne, tx, func(r *queryRequest) error {
			if existing, hit, absent := r.contextHit(); absent {
				return nil
			} else if hit {
				bean, found = existing, true
				return r.resolveIncludes(ctx, &loader{server: s, tx: r.tx, pc: r.pc}, []any{existing})
			}
			beans, _, err := r.run(ctx, true)
			if err != nil {
				return err
			}
			switch len(beans) {
			case 0:
				return nil
			case 1:
				bean, found = beans[0], true
				return nil
			}
			return domain.NotUniqueError{Type: r.desc.Name, Count: len(beans)}
		})
	})
	return bean, found, err
}

// FindUnique returns the single bean matching the query. More than one match
// is a NotUniqueError.
func (s *Server) FindUnique(ctx context.Context, q *Query, tx *Transaction) (any, bool, error) {
	return s.Find(ctx, q, tx)
}

// FindList returns every matching bean in query order.
func (s *Server) FindList(ctx context.Context, q *Query, tx *Transaction) ([]any, error) {
	var out []any
	err := s.instrument(ctx, "server.find_list", func(ctx context.Context) error {
		return s.withQuery(ctx, q, domain.ShapeList, tx, func(r *queryRequest) error {
			beans, _, err := r.run(ctx, true)
			out = beans
			return err
		})
	})
	return out, err
}

// FindSet returns the matching beans keyed by identity key.
func (s *Server) FindSet(ctx context.Context, q *Query, tx *Transaction) (map[string]any, error) {
	var out map[string]any
	err := s.instrument(ctx, "server.find_set", func(ctx context.Context) error {
		return s.withQuery(ctx, q, domain.ShapeSet, tx, func(r *queryRequest) error {
			beans, _, err := r.run(ctx, true)
			if err != nil {
				return err
			}
			out = make(map[string]any, len(beans))
			for _, b := range beans {
				out[r.desc.IdentityOf(b).Key()] = b
			}
			return nil
		})
	})
	return out, err
}

// FindMap returns the matching beans keyed by the query's map key property.
// Later rows win on duplicate keys.
func (s *Server) FindMap(ctx context.Context, q *Query, tx *Transaction) (map[any]any, error) {
	var out map[any]any
	err := s.instrument(ctx, "server.find_map", func(ctx context.Context) error {
		return s.withQuery(ctx, q, domain.ShapeMap, tx, func(r *queryRequest) error {
			beans, _, err := r.run(ctx, true)
			if err != nil {
				return err
			}
			out = make(map[any]any, len(beans))
			for _, b := range beans {
				out[domain.NormalizeValue(r.desc.ColumnValue(b, r.mapKey, s.catalog))] = b
			}
			return nil
		})
	})
	return out, err
}

// FindCount returns the number of matching rows without loading beans.
func (s *Server) FindCount(ctx context.Context, q *Query, tx *Transaction) (int, error) {
	var n int
	err := s.instrument(ctx, "server.find_count", func(ctx context.Context) error {
		return s.withQuery(ctx, q, domain.ShapeCount, tx, func(r *queryRequest) error {
			var err error
			_, n, err = r.run(ctx, false)
			return err
		})
	})
	return n, err
}

// FutureList is the pending result of a background list query.
type FutureList struct {
	done   chan struct{}
	cancel context.CancelFunc
	beans  []any
	err    error
}

// Done is closed once the result is available.
func (f *FutureList) Done() <-chan struct{} { return f.done }

// Cancel aborts the background fetch.
func (f *FutureList) Cancel() { f.cancel() }

// Get waits for the result.
func (f *FutureList) Get(ctx context.Context) ([]any, error) {
	select {
	case <-f.done:
		return f.beans, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FindFutureList runs a list query on a worker goroutine in its own
// transaction. The worker ends that transaction when the fetch completes.
func (s *Server) FindFutureList(ctx context.Context, q *Query) (*FutureList, error) {
	if q == nil {
		return nil, domain.ConfigError{Reason: "nil query"}
	}
	qc := q.clone()
	qc.ownTx = true
	qc.background = true
	r, err := s.newQueryRequest(qc, domain.ShapeList)
	if err != nil {
		return nil, err
	}
	if err := r.bind(ctx, nil); err != nil {
		return nil, err
	}
	wctx, cancel := context.WithCancel(ctx)
	f := &FutureList{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(f.done)
		defer cancel()
		defer func() { _ = r.tx.End(context.WithoutCancel(wctx)) }()
		f.beans, _, f.err = r.run(wctx, true)
	}()
	return f, nil
}

// Save inserts a new bean or updates a loaded one, cascading to the
// associations its descriptor marks.
func (s *Server) Save(ctx context.Context, bean any, tx *Transaction) error {
	return s.writeBean(ctx, "server.save", bean, "", tx)
}

// Insert forces an insert.
func (s *Server) Insert(ctx context.Context, bean any, tx *Transaction) error {
	return s.writeBean(ctx, "server.insert", bean, domain.OpInsert, tx)
}

// Update forces an update.
func (s *Server) Update(ctx context.Context, bean any, tx *Transaction) error {
	return s.writeBean(ctx, "server.update", bean, domain.OpUpdate, tx)
}

func (s *Server) writeBean(ctx context.Context, op string, bean any, kind domain.PersistOp, tx *Transaction) error {
	return s.instrument(ctx, op, func(ctx context.Context) error {
		return s.inWriteTx(ctx, tx, op, func(t *Transaction) error {
			return newGraphWalk(s, t).save(ctx, bean, kind)
		})
	})
}

// Delete deletes a bean, first deleting the children its descriptor cascades
// to.
func (s *Server) Delete(ctx context.Context, bean any, tx *Transaction) error {
	return s.instrument(ctx, "server.delete", func(ctx context.Context) error {
		return s.inWriteTx(ctx, tx, "server.delete", func(t *Transaction) error {
			return newGraphWalk(s, t).delete(ctx, bean)
		})
	})
}

// DeleteByID deletes by identity without loading the bean.
func (s *Server) DeleteByID(ctx context.Context, typeName string, id any, tx *Transaction) error {
	desc, err := s.catalog.Describe(typeName)
	if err != nil {
		return err
	}
	identity, err := desc.NormalizeID(id)
	if err != nil {
		return err
	}
	bean := desc.New()
	if err := desc.SetID(bean, identity); err != nil {
		return err
	}
	if st := domain.StateOf(bean); st != nil {
		idProps := desc.IDPropertyNames()
		st.MarkReference(idProps, desc.Values(bean, idProps, s.catalog))
	}
	return s.Delete(ctx, bean, tx)
}

// saveOp picks insert or update for Save. Tracked beans follow their
// lifecycle. Plain beans update only when both identity and version are set.
func (s *Server) saveOp(desc *meta.Descriptor, bean any) domain.PersistOp {
	if st := domain.StateOf(bean); st != nil {
		if st.IsNew() || st.IsDeleted() {
			return domain.OpInsert
		}
		return domain.OpUpdate
	}
	if desc.IdentityOf(bean).IsZero() {
		return domain.OpInsert
	}
	if v := desc.VersionProperty(); v != nil && !desc.IsZero(bean, v) {
		return domain.OpUpdate
	}
	return domain.OpInsert
}

func (s *Server) persist(ctx context.Context, tx *Transaction, desc *meta.Descriptor, op domain.PersistOp, bean any) error {
	if tx.readOnly {
		return domain.ConfigError{Type: desc.Name, Reason: "transaction is read-only"}
	}
	if rv := reflect.ValueOf(bean); rv.Kind() != reflect.Pointer || rv.IsNil() {
		return domain.ConfigError{Type: desc.Name, Reason: "bean must be a non-nil pointer"}
	}
	if err := tx.flushQueued(ctx, bean); err != nil {
		return err
	}
	r, err := s.newPersistRequest(ctx, tx, desc, op, bean)
	if err != nil {
		return err
	}
	return r.executeOrQueue(ctx)
}

// UpdateWhere sets properties on every row the query matches and returns the
// number of rows changed.
func (s *Server) UpdateWhere(ctx context.Context, q *Query, set map[string]any, tx *Transaction) (int64, error) {
	if len(set) == 0 {
		return 0, domain.ConfigError{Reason: "update requires at least one property"}
	}
	return s.bulk(ctx, "server.update_where", q, set, tx)
}

// DeleteWhere deletes every row the query matches.
func (s *Server) DeleteWhere(ctx context.Context, q *Query, tx *Transaction) (int64, error) {
	return s.bulk(ctx, "server.delete_where", q, nil, tx)
}

func (s *Server) bulk(ctx context.Context, op string, q *Query, set map[string]any, tx *Transaction) (int64, error) {
	var count int64
	err := s.instrument(ctx, op, func(ctx context.Context) error {
		r, err := s.newQueryRequest(q, domain.ShapeList)
		if err != nil {
			return err
		}
		stmt := domain.BulkStatement{
			Table:  r.desc.Table,
			Where:  append(identityPredicates(r.desc, r.id), r.stmt.Where...),
			Delete: set == nil,
		}
		if set != nil {
			stmt.Set = domain.Row{}
			for name, v := range set {
				p, ok := r.desc.Property(name)
				if !ok || p.ID || p.Kind == meta.KindOneToMany {
					return domain.ConfigError{Type: r.desc.Name, Reason: "cannot set property " + name}
				}
				if p.Kind == meta.KindManyToOne {
					v = r.foreignKey(p, v)
				}
				stmt.Set[p.Column] = domain.NormalizeValue(v)
			}
		}
		return s.inWriteTx(ctx, tx, op, func(t *Transaction) error {
			req := &statementRequest{server: s, tx: t, op: domain.OpBulkUpdate, desc: r.desc, bulk: stmt, tables: []string{r.desc.Table}}
			count, err = req.execute(ctx)
			return err
		})
	})
	return count, err
}

func identityPredicates(desc *meta.Descriptor, id domain.Identity) []domain.Predicate {
	if id.IsZero() {
		return nil
	}
	ids := desc.IDProperties()
	if !id.IsComposite() {
		return []domain.Predicate{{Column: ids[0].Column, Op: domain.OpEq, Value: domain.NormalizeValue(id.Scalar())}}
	}
	parts := id.Parts()
	out := make([]domain.Predicate, 0, len(parts))
	for i, part := range parts {
		if i >= len(ids) {
			break
		}
		out = append(out, domain.Predicate{Column: ids[i].Column, Op: domain.OpEq, Value: domain.NormalizeValue(part.Value)})
	}
	return out
}

// ExecuteRaw runs caller-supplied SQL. tables names the tables the statement
// modifies so that cached results over them are invalidated on commit.
func (s *Server) ExecuteRaw(ctx context.Context, stmt domain.RawStatement, tables []string, tx *Transaction) (int64, error) {
	op := domain.OpRaw
	if stmt.Callable {
		op = domain.OpCallable
	}
	var count int64
	err := s.instrument(ctx, "server.execute_"+string(op), func(ctx context.Context) error {
		if stmt.SQL == "" {
			return domain.ConfigError{Reason: "empty statement"}
		}
		return s.inWriteTx(ctx, tx, "server.execute_raw", func(t *Transaction) error {
			req := &statementRequest{server: s, tx: t, op: op, raw: stmt, tables: tables}
			var err error
			count, err = req.execute(ctx)
			return err
		})
	})
	return count, err
}

// ExecuteCallable runs a stored procedure call.
func (s *Server) ExecuteCallable(ctx context.Context, stmt domain.RawStatement, tables []string, tx *Transaction) (int64, error) {
	stmt.Callable = true
	return s.ExecuteRaw(ctx, stmt, tables, tx)
}

// FindByID loads one bean of type T by identity. It returns nil when absent.
func FindByID[T any](ctx context.Context, s *Server, id any, tx *Transaction) (*T, error) {
	desc, err := s.catalog.ForType(reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		return nil, err
	}
	bean, found, err := s.Find(ctx, NewQuery(desc.Name).ID(id), tx)
	if err != nil || !found {
		return nil, err
	}
	return bean.(*T), nil
}

// ListOf runs q, or a query over every row of T when q is nil, and returns
// typed beans.
func ListOf[T any](ctx context.Context, s *Server, q *Query, tx *Transaction) ([]*T, error) {
	desc, err := s.catalog.ForType(reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		return nil, err
	}
	if q == nil {
		q = NewQuery(desc.Name)
	}
	if q.Type() != desc.Name {
		return nil, domain.ConfigError{Type: desc.Name, Reason: "query is over " + q.Type()}
	}
	beans, err := s.FindList(ctx, q, tx)
	if err != nil {
		return nil, err
	}
	out := make([]*T, len(beans))
	for i, b := range beans {
		out[i] = b.(*T)
	}
	return out, nil
}
