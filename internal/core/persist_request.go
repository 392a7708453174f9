package core

import (
	"context"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"persistcore/internal/meta"
	"persistcore/pkg/domain"
)

type persistStatus int

const (
	persistBuilt persistStatus = iota
	persistQueued
	persistExecuting
	persistExecuted
	persistPostProcessed
	persistFailed
)

// persistRequest wraps one insert, update or delete of a bean. It is built
// once, executed (or queued) once, and then discarded.
type persistRequest struct {
	server  *Server
	tx      *Transaction
	desc    *meta.Descriptor
	op      domain.PersistOp
	handler persistHandler
	bean    any
	state   *domain.EntityState
	id      domain.Identity

	// nil means every property is loaded
	loaded      []string
	changed     []string
	old         domain.Row
	concurrency meta.ConcurrencyMode
	dirty       bool
	status      persistStatus
	stmt        domain.WriteStatement
	newVersion  any
	rowCount    int64
}

// persistHandler derives the statement for one operation kind and applies
// its effects to the bean once the statement succeeded.
type persistHandler interface {
	prepare(ctx context.Context, r *persistRequest) error
	post(r *persistRequest)
}

var persistHandlers = map[domain.PersistOp]persistHandler{
	domain.OpInsert: insertHandler{},
	domain.OpUpdate: updateHandler{},
	domain.OpDelete: deleteHandler{},
}

func (s *Server) newPersistRequest(ctx context.Context, tx *Transaction, desc *meta.Descriptor, op domain.PersistOp, bean any) (*persistRequest, error) {
	handler, ok := persistHandlers[op]
	if !ok {
		return nil, domain.ConfigError{Type: desc.Name, Reason: "unsupported bean operation " + string(op)}
	}
	r := &persistRequest{
		server:  s,
		tx:      tx,
		desc:    desc,
		op:      op,
		handler: handler,
		bean:    bean,
		state:   domain.StateOf(bean),
	}
	if r.state != nil && r.state.IsPartial() {
		r.loaded = r.state.LoadedProperties()
	}
	if err := handler.prepare(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// effectiveConcurrency degrades or escalates the declared mode for one
// request: references have no prior values and plain beans have no snapshot
// for ALL; a partial load without the version property compares the loaded
// columns instead.
func effectiveConcurrency(desc *meta.Descriptor, st *domain.EntityState, op domain.PersistOp, loaded []string) meta.ConcurrencyMode {
	mode := desc.Concurrency
	if st != nil && st.IsReference() {
		return meta.ConcurrencyNone
	}
	if st == nil && mode == meta.ConcurrencyAll {
		return meta.ConcurrencyNone
	}
	if mode == meta.ConcurrencyVersion && op != domain.OpInsert && loaded != nil && !contains(loaded, desc.VersionProperty().Name) {
		return meta.ConcurrencyAll
	}
	return mode
}

func (r *persistRequest) oldValues() domain.Row {
	if r.state != nil && r.state.HasOldValues() {
		return r.state.OldValues()
	}
	return r.desc.Values(r.bean, nil, r.server.catalog)
}

func (r *persistRequest) requireID() error {
	r.id = r.desc.IdentityOf(r.bean)
	if r.id.IsZero() {
		return domain.ConfigError{Type: r.desc.Name, Reason: "identity value required for " + string(r.op)}
	}
	return nil
}

// expectation builds the ALL-mode predicate: every loaded non-identity
// column must still hold its old value.
func (r *persistRequest) expectation() domain.Row {
	expect := domain.Row{}
	if r.concurrency != meta.ConcurrencyAll {
		return expect
	}
	for _, p := range r.desc.ColumnProperties() {
		if p.ID || (r.loaded != nil && !contains(r.loaded, p.Name)) {
			continue
		}
		if v, ok := r.old[p.Column]; ok {
			expect[p.Column] = v
		}
	}
	return expect
}

func (r *persistRequest) validate(ctx context.Context) error {
	change := domain.PendingChange{Type: r.desc.Name, Op: r.op, ID: r.id, Bean: r.bean, Changed: r.changed}
	for _, c := range r.desc.Controllers {
		if err := c.PrePersist(ctx, change); err != nil {
			return domain.ValidationError{Type: r.desc.Name, ID: r.id, Err: err}
		}
	}
	if r.server.rules == nil {
		return nil
	}
	res, err := r.server.rules.Evaluate(ctx, change)
	if err != nil {
		return domain.ValidationError{Type: r.desc.Name, ID: r.id, Err: err}
	}
	if res.HasBlocking() {
		return domain.ValidationError{Type: r.desc.Name, ID: r.id, Result: res}
	}
	for _, v := range res.Violations {
		r.server.logger.Warn("rule violation", "rule", v.Rule, "severity", v.Severity, "type", r.desc.Name, "id", r.id.Key(), "message", v.Message)
	}
	return nil
}

// executeOrQueue sends the statement now, or hands it to the transaction's
// batch when batching is on. Clean requests complete without a statement.
func (r *persistRequest) executeOrQueue(ctx context.Context) error {
	if !r.dirty {
		r.status = persistPostProcessed
		return nil
	}
	if r.tx.batch != nil {
		return r.tx.batch.add(ctx, r)
	}
	return r.executeNow(ctx)
}

func (r *persistRequest) executeNow(ctx context.Context) error {
	r.status = persistExecuting
	r.tx.logStatement("exec", "op", r.op, "type", r.desc.Name, "id", r.id.Key())
	count, err := r.tx.conn.Exec(ctx, r.stmt)
	if err != nil {
		r.status = persistFailed
		return r.executorError(err)
	}
	if err := r.checkRowCount(ctx, count); err != nil {
		return err
	}
	r.postExecute(ctx)
	return nil
}

// checkRowCount enforces exactly one affected row for updates and deletes.
// The transaction stays active on failure.
func (r *persistRequest) checkRowCount(ctx context.Context, count int64) error {
	r.rowCount = count
	if r.op == domain.OpInsert || count == 1 {
		r.status = persistExecuted
		return nil
	}
	r.status = persistFailed
	r.server.metrics.Observe(ctx, opOptimisticLock, false, 0)
	return domain.OptimisticLockError{Type: r.desc.Name, ID: r.id, Op: r.op, Bean: r.bean, RowCount: count}
}

func (r *persistRequest) executorError(err error) error {
	return domain.ExecutorError{Type: r.desc.Name, ID: r.id, Op: r.op, Err: err}
}

// postExecute marks the bean clean, syncs the persistence context and
// records the change for commit time.
func (r *persistRequest) postExecute(ctx context.Context) {
	r.handler.post(r)
	pc := r.tx.pc
	if r.op == domain.OpDelete {
		pc.Remove(r.desc.Name, r.id)
	} else {
		pc.Set(r.desc.Name, r.id, r.bean)
	}
	change := domain.EntityChange{Type: r.desc.Name, Op: r.op, ID: r.id.Key()}
	if r.op != domain.OpDelete {
		if payload, err := domain.NewChangePayloadFromValue(r.stmt.Values); err == nil {
			change.Payload = payload
		}
	}
	r.tx.events.touch(r.desc.Table, r.op, 1)
	r.tx.events.addEntity(change, r.desc.Listeners)
	if r.tx.logLevel >= TxLogSummary {
		r.server.logger.Info("persisted", "tx", r.tx.id, "op", r.op, "type", r.desc.Name, "id", r.id.Key())
	}
	r.status = persistPostProcessed
}

type insertHandler struct{}

func (insertHandler) prepare(ctx context.Context, r *persistRequest) error {
	d := r.desc
	if err := assignID(r.server, d, r.bean); err != nil {
		return err
	}
	r.id = d.IdentityOf(r.bean)
	if err := r.validate(ctx); err != nil {
		return err
	}
	if v := d.VersionProperty(); v != nil && d.IsZero(r.bean, v) {
		initial, err := initialVersion(v, r.server.clock.Now())
		if err != nil {
			return err
		}
		if err := d.Set(r.bean, v, initial); err != nil {
			return err
		}
	}
	values := d.Values(r.bean, nil, r.server.catalog)
	r.stmt = domain.WriteStatement{
		PlanHash: writePlanHash(d, domain.OpInsert, values, nil),
		Op:       domain.OpInsert,
		Table:    d.Table,
		Key:      r.id.Key(),
		Values:   values,
	}
	r.dirty = true
	return nil
}

func (insertHandler) post(r *persistRequest) {
	if r.state != nil {
		r.state.MarkLoaded(nil, r.desc.Values(r.bean, nil, r.server.catalog))
	}
}

type updateHandler struct{}

func (updateHandler) prepare(ctx context.Context, r *persistRequest) error {
	d := r.desc
	if err := r.requireID(); err != nil {
		return err
	}
	r.old = r.oldValues()
	r.concurrency = effectiveConcurrency(d, r.state, domain.OpUpdate, r.loaded)
	props := r.updateProperties()
	if len(props) == 0 {
		return nil
	}
	if err := r.validate(ctx); err != nil {
		return err
	}
	values := d.Values(r.bean, props, r.server.catalog)
	expect := r.expectation()
	if r.concurrency == meta.ConcurrencyVersion {
		vp := d.VersionProperty()
		oldVersion, ok := r.old[vp.Column]
		if !ok {
			oldVersion = d.ColumnValue(r.bean, vp, r.server.catalog)
		}
		next, err := nextVersion(vp, oldVersion, r.server.clock.Now())
		if err != nil {
			return err
		}
		if next, err = vp.Coerce(next); err != nil {
			return domain.ConfigError{Type: d.Name, Reason: "next version: " + err.Error()}
		}
		r.newVersion = next
		values[vp.Column] = domain.NormalizeValue(next)
		expect[vp.Column] = oldVersion
	}
	r.stmt = domain.WriteStatement{
		PlanHash: writePlanHash(d, domain.OpUpdate, values, expect),
		Op:       domain.OpUpdate,
		Table:    d.Table,
		Key:      r.id.Key(),
		Values:   values,
		Expect:   expect,
	}
	r.dirty = true
	return nil
}

// updateProperties returns the properties the update writes. Changes-only
// descriptors and references write the changed set; others write the loaded
// set. An empty result means there is nothing to write.
func (r *persistRequest) updateProperties() []string {
	d := r.desc
	reference := r.state != nil && r.state.IsReference()
	var candidates []*meta.Property
	for _, p := range d.ColumnProperties() {
		if p.ID || p.Version {
			continue
		}
		if !reference && r.loaded != nil && !contains(r.loaded, p.Name) {
			continue
		}
		candidates = append(candidates, p)
	}
	r.changed = r.changed[:0]
	for _, p := range candidates {
		switch {
		case reference:
			if !d.IsZero(r.bean, p) {
				r.changed = append(r.changed, p.Name)
			}
		case r.state != nil && r.state.HasOldValues():
			old, ok := r.old[p.Column]
			if !ok || !domain.ValuesEqual(d.ColumnValue(r.bean, p, r.server.catalog), old) {
				r.changed = append(r.changed, p.Name)
			}
		}
	}
	if reference || (d.UpdateChangesOnly && r.state != nil) {
		return r.changed
	}
	out := make([]string, len(candidates))
	for i, p := range candidates {
		out[i] = p.Name
	}
	return out
}

func (updateHandler) post(r *persistRequest) {
	d := r.desc
	if r.newVersion != nil {
		if err := d.Set(r.bean, d.VersionProperty(), r.newVersion); err != nil {
			r.server.logger.Error("apply new version failed", "type", d.Name, "id", r.id.Key(), "error", err)
		}
	}
	if r.state == nil {
		return
	}
	loaded := r.loaded
	if r.state.IsReference() {
		loaded = append(d.IDPropertyNames(), r.changed...)
	}
	r.state.MarkLoaded(loaded, d.Values(r.bean, loaded, r.server.catalog))
}

type deleteHandler struct{}

func (deleteHandler) prepare(ctx context.Context, r *persistRequest) error {
	d := r.desc
	if err := r.requireID(); err != nil {
		return err
	}
	r.old = r.oldValues()
	r.concurrency = effectiveConcurrency(d, r.state, domain.OpDelete, r.loaded)
	if err := r.validate(ctx); err != nil {
		return err
	}
	expect := r.expectation()
	if r.concurrency == meta.ConcurrencyVersion {
		vp := d.VersionProperty()
		if v, ok := r.old[vp.Column]; ok {
			expect[vp.Column] = v
		}
	}
	r.stmt = domain.WriteStatement{
		PlanHash: writePlanHash(d, domain.OpDelete, nil, expect),
		Op:       domain.OpDelete,
		Table:    d.Table,
		Key:      r.id.Key(),
		Expect:   expect,
	}
	r.dirty = true
	return nil
}

func (deleteHandler) post(r *persistRequest) {
	if r.state != nil {
		r.state.MarkDeleted()
	}
}

// assignID fills a zero identity before insert: from the descriptor's
// generator, or a random UUID for a single string identity.
func assignID(s *Server, d *meta.Descriptor, bean any) error {
	if !d.IdentityOf(bean).IsZero() {
		return nil
	}
	if d.IDGenerator != nil {
		return d.SetID(bean, domain.ScalarID(d.IDGenerator()))
	}
	ids := d.IDProperties()
	if len(ids) == 1 && ids[0].Type().Kind() == reflect.String {
		return d.Set(bean, ids[0], uuid.NewString())
	}
	return domain.ConfigError{Type: d.Name, Reason: "identity value required for insert"}
}

func initialVersion(p *meta.Property, now time.Time) (any, error) {
	if isTimeProperty(p) {
		return now, nil
	}
	if isIntProperty(p) {
		return int64(1), nil
	}
	return nil, errors.Errorf("unsupported version type %s", p.Type())
}

func nextVersion(p *meta.Property, old any, now time.Time) (any, error) {
	if isTimeProperty(p) {
		return now, nil
	}
	if isIntProperty(p) {
		n, _ := domain.NormalizeValue(old).(int64)
		return n + 1, nil
	}
	return nil, errors.Errorf("unsupported version type %s", p.Type())
}

func isTimeProperty(p *meta.Property) bool {
	t := p.Type()
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t == reflect.TypeOf(time.Time{})
}

func isIntProperty(p *meta.Property) bool {
	switch p.Type().Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
