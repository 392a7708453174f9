package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"persistcore/internal/infra/persistence/memory"
	"persistcore/internal/meta"
	"persistcore/pkg/domain"
)

func TestNewServerRequiresCollaborators(t *testing.T) {
	_, err := NewServer(nil, memory.NewStore())
	require.Error(t, err)
	_, err = NewServer(meta.NewCatalog(), nil)
	require.Error(t, err)

	s, err := NewServer(meta.NewCatalog(), memory.NewStore(), WithName("node-a"))
	require.NoError(t, err)
	assert.Equal(t, "node-a", s.Name())
	assert.NotNil(t, s.Catalog())
	require.NoError(t, s.Close())
}

func TestSaveInsertsThenUpdates(t *testing.T) {
	s, exec := newTestServer(t)
	ctx := context.Background()

	c := saveCustomer(t, s, 1, "a", "b")
	assert.Equal(t, int64(1), c.Version)
	assert.True(t, c.IsLoaded())
	w := exec.lastWrite(t)
	assert.Equal(t, domain.OpInsert, w.Op)
	assert.Equal(t, "customer", w.Table)
	assert.Equal(t, "1", w.Key)

	c.B = "b2"
	require.NoError(t, s.Save(ctx, c, nil))
	w = exec.lastWrite(t)
	assert.Equal(t, domain.OpUpdate, w.Op)
	assert.Equal(t, domain.Row{"b": "b2", "version": int64(2)}, w.Values, "changes-only update writes the changed column and the version")
	assert.Equal(t, domain.Row{"version": int64(1)}, w.Expect)
	assert.Equal(t, int64(2), c.Version)

	rows := exec.Rows("customer")
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0]["a"])
	assert.Equal(t, "b2", rows[0]["b"])
	assert.EqualValues(t, 2, rows[0]["version"])
}

func TestSaveUnchangedBeanSendsNothing(t *testing.T) {
	s, exec := newTestServer(t)
	c := saveCustomer(t, s, 1, "a", "b")
	before := len(exec.writes)
	require.NoError(t, s.Save(context.Background(), c, nil))
	assert.Len(t, exec.writes, before)
	assert.Equal(t, int64(1), c.Version)
}

func TestFindByID(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	saveCustomer(t, s, 1, "a", "b")

	got, err := FindByID[customer](ctx, s, 1, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a", got.A)
	assert.Equal(t, "b", got.B)
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, got.IsLoaded())
	assert.False(t, got.IsPartial())

	missing, err := FindByID[customer](ctx, s, 99, nil)
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, found, err := s.Find(ctx, NewQuery("Customer").ID("1"), nil)
	require.NoError(t, err)
	assert.True(t, found, "string and integer identities address the same row")
}

func TestFindByIDWithPredicatesChecksRow(t *testing.T) {
	s, exec := newTestServer(t)
	ctx := context.Background()
	saveCustomer(t, s, 1, "open", "b")

	tx, err := s.BeginTransaction(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.End(ctx) }()
	loaded, err := FindByID[customer](ctx, s, 1, tx)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	_, found, err := s.Find(ctx, NewQuery("Customer").ID(1).Eq("A", "closed"), tx)
	require.NoError(t, err)
	assert.False(t, found, "a predicate the row fails must not match the cached instance")

	bean, found, err := s.Find(ctx, NewQuery("Customer").ID(1).Eq("A", "open"), tx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Same(t, loaded, bean)

	before := exec.queryCount()
	bean, found, err = s.Find(ctx, NewQuery("Customer").ID(1), tx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Same(t, loaded, bean)
	assert.Equal(t, before, exec.queryCount(), "a plain find by id is served from the persistence context")
}

func TestIdentityMapWithinTransaction(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	saveCustomer(t, s, 1, "a", "b")

	tx, err := s.BeginTransaction(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.End(ctx) }()

	first, err := FindByID[customer](ctx, s, 1, tx)
	require.NoError(t, err)
	second, err := FindByID[customer](ctx, s, 1, tx)
	require.NoError(t, err)
	list, err := ListOf[customer](ctx, s, nil, tx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	assert.Same(t, first, second)
	assert.Same(t, first, list[0])
	assert.Equal(t, 1, tx.PersistenceContext().Size())

	other, err := FindByID[customer](ctx, s, 1, nil)
	require.NoError(t, err)
	assert.NotSame(t, first, other, "separate transactions load separate instances")
}

func TestQueryWithOwnPersistenceContext(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	saveCustomer(t, s, 1, "a", "b")
	pc := NewPersistenceContext()

	tx, err := s.BeginTransaction(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.End(ctx) }()
	_, _, err = s.Find(ctx, NewQuery("Customer").ID(1).WithPersistenceContext(pc), tx)
	require.NoError(t, err)
	assert.Equal(t, 1, pc.SizeOf("Customer"))
	assert.Equal(t, 0, tx.PersistenceContext().Size())
}

func TestOptimisticLockOnStaleVersion(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	saveCustomer(t, s, 1, "a", "b")

	tx, err := s.BeginTransaction(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.End(ctx) }()
	stale, err := FindByID[customer](ctx, s, 1, tx)
	require.NoError(t, err)

	fresh, err := FindByID[customer](ctx, s, 1, nil)
	require.NoError(t, err)
	fresh.B = "other writer"
	require.NoError(t, s.Save(ctx, fresh, nil))
	assert.Equal(t, int64(2), fresh.Version)

	stale.A = "late"
	err = s.Save(ctx, stale, tx)
	var lockErr domain.OptimisticLockError
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, int64(0), lockErr.RowCount)
	assert.Equal(t, "Customer", lockErr.Type)
	assert.Equal(t, domain.OpUpdate, lockErr.Op)
	assert.True(t, domain.IsOptimisticLock(err))
	assert.True(t, tx.IsActive(), "an optimistic lock failure leaves the transaction open")
}

func TestAllConcurrencyComparesLoadedColumns(t *testing.T) {
	s, exec := newTestServer(t)
	ctx := context.Background()
	acct := &account{Owner: "ann", Balance: 10}
	require.NoError(t, s.Save(ctx, acct, nil))
	require.NotEmpty(t, acct.ID, "string identities are generated")

	loaded, err := FindByID[account](ctx, s, acct.ID, nil)
	require.NoError(t, err)
	loaded.Balance = 20
	require.NoError(t, s.Save(ctx, loaded, nil))
	w := exec.lastWrite(t)
	assert.Equal(t, domain.Row{"owner": "ann", "balance": int64(10)}, w.Expect)

	acct.Balance = 30
	err = s.Save(ctx, acct, nil)
	assert.True(t, domain.IsOptimisticLock(err), "stale snapshot must be rejected, got %v", err)
}

func TestResaveWithoutChangesWritesLoadedColumns(t *testing.T) {
	s, exec := newTestServer(t)
	ctx := context.Background()
	acct := &account{Owner: "bob", Balance: 5}
	require.NoError(t, s.Save(ctx, acct, nil))
	before := len(exec.writes)

	require.NoError(t, s.Save(ctx, acct, nil))
	require.Len(t, exec.writes, before+1)
	w := exec.lastWrite(t)
	assert.Equal(t, domain.OpUpdate, w.Op)
	assert.Equal(t, domain.Row{"owner": "bob", "balance": int64(5)}, w.Values)
}

func TestPartialLoadEscalatesToAllConcurrency(t *testing.T) {
	s, exec := newTestServer(t)
	ctx := context.Background()
	saveCustomer(t, s, 1, "x", "b")

	bean, found, err := s.Find(ctx, NewQuery("Customer").ID(1).Select("A"), nil)
	require.NoError(t, err)
	require.True(t, found)
	c := bean.(*customer)
	assert.True(t, c.IsPartial())
	assert.Empty(t, c.B)

	c.A = "y"
	require.NoError(t, s.Save(ctx, c, nil))
	w := exec.lastWrite(t)
	assert.Equal(t, domain.Row{"a": "y"}, w.Values)
	assert.Equal(t, domain.Row{"a": "x"}, w.Expect)

	rows := exec.Rows("customer")
	require.Len(t, rows, 1)
	assert.Equal(t, "y", rows[0]["a"])
	assert.Equal(t, "b", rows[0]["b"], "unloaded columns are left alone")
	assert.EqualValues(t, 1, rows[0]["version"])
}

type counter struct {
	domain.EntityState
	ID      int64 `orm:"id"`
	Version int8  `orm:"version"`
	N       int
}

func TestVersionOverflowRejectedBeforeWrite(t *testing.T) {
	catalog := newTestCatalog(t)
	_, err := catalog.Register(&counter{}, meta.Name("Counter"))
	require.NoError(t, err)
	exec := newRecordingExecutor()
	s, err := NewServer(catalog, exec)
	require.NoError(t, err)
	ctx := context.Background()

	ctr := &counter{ID: 1, Version: 127}
	require.NoError(t, s.Insert(ctx, ctr, nil))
	before := len(exec.writes)

	ctr.N = 5
	err = s.Save(ctx, ctr, nil)
	var cerr domain.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, err.Error(), "does not fit")
	assert.Len(t, exec.writes, before, "no statement is sent")
	assert.Equal(t, int8(127), ctr.Version)
	rows := exec.Rows("counter")
	require.Len(t, rows, 1)
	assert.Equal(t, int64(0), rows[0]["n"])
}

func TestPlainBeans(t *testing.T) {
	s, exec := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, &note{ID: 1, Text: "first"}, nil))

	err := s.Save(ctx, &note{ID: 1, Text: "again"}, nil)
	var execErr domain.ExecutorError
	require.ErrorAs(t, err, &execErr, "a plain bean without a version is always inserted")
	assert.Equal(t, domain.OpInsert, execErr.Op)

	require.NoError(t, s.Update(ctx, &note{ID: 1, Text: "edited"}, nil))
	w := exec.lastWrite(t)
	assert.Equal(t, domain.Row{"text": "edited"}, w.Values)
	assert.Empty(t, w.Expect)
	assert.Equal(t, "edited", exec.Rows("note")[0]["text"])

	n, err := FindByID[note](ctx, s, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, &note{ID: 1, Text: "edited"}, n)

	require.NoError(t, s.Delete(ctx, n, nil))
	assert.Empty(t, exec.Rows("note"))
}

func TestInsertRequiresIdentity(t *testing.T) {
	s, _ := newTestServer(t)
	var cerr domain.ConfigError
	require.ErrorAs(t, s.Insert(context.Background(), &note{Text: "x"}, nil), &cerr)
	require.ErrorAs(t, s.Save(context.Background(), note{ID: 1}, nil), &cerr)
	require.ErrorAs(t, s.Save(context.Background(), &struct{ ID int }{ID: 1}, nil), &cerr)
}

func TestDeleteByID(t *testing.T) {
	s, exec := newTestServer(t)
	ctx := context.Background()
	saveCustomer(t, s, 1, "a", "b")

	require.NoError(t, s.DeleteByID(ctx, "Customer", 1, nil))
	assert.Empty(t, exec.Rows("customer"))

	err := s.DeleteByID(ctx, "Customer", 1, nil)
	assert.True(t, domain.IsOptimisticLock(err), "deleting a missing row affects zero rows, got %v", err)

	var cerr domain.ConfigError
	require.ErrorAs(t, s.DeleteByID(ctx, "Nope", 1, nil), &cerr)
}

func TestDeleteLoadedBeanChecksVersion(t *testing.T) {
	s, exec := newTestServer(t)
	ctx := context.Background()
	c := saveCustomer(t, s, 1, "a", "b")
	require.NoError(t, s.Delete(ctx, c, nil))
	assert.Equal(t, domain.Row{"version": int64(1)}, exec.lastWrite(t).Expect)
	assert.True(t, c.IsDeleted())

	got, err := FindByID[customer](ctx, s, 1, nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeletedBeanIsAbsentFromPersistenceContext(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	saveCustomer(t, s, 1, "a", "b")

	tx, err := s.BeginTransaction(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.End(ctx) }()
	c, err := FindByID[customer](ctx, s, 1, tx)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, c, tx))
	again, err := FindByID[customer](ctx, s, 1, tx)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestFindUniqueRejectsMultipleRows(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	saveCustomer(t, s, 1, "x", "")
	saveCustomer(t, s, 2, "x", "")

	_, _, err := s.FindUnique(ctx, NewQuery("Customer").Eq("A", "x"), nil)
	var nu domain.NotUniqueError
	require.ErrorAs(t, err, &nu)
	assert.Equal(t, 2, nu.Count)

	bean, found, err := s.FindUnique(ctx, NewQuery("Customer").Eq("A", "x").Eq("ID", 2), nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2), bean.(*customer).ID)
}

func seedCustomers(t *testing.T, s *Server) {
	t.Helper()
	saveCustomer(t, s, 1, "x", "one")
	saveCustomer(t, s, 2, "x", "two")
	saveCustomer(t, s, 3, "y", "three")
}

func customerIDs(list []*customer) []int64 {
	out := make([]int64, len(list))
	for i, c := range list {
		out[i] = c.ID
	}
	return out
}

func TestQueryShapes(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	seedCustomers(t, s)

	n, err := s.FindCount(ctx, NewQuery("Customer").Eq("A", "x"), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	set, err := s.FindSet(ctx, NewQuery("Customer"), nil)
	require.NoError(t, err)
	assert.Len(t, set, 3)
	for _, key := range []string{"1", "2", "3"} {
		assert.Contains(t, set, key)
	}

	byA, err := s.FindMap(ctx, NewQuery("Customer").MapKey("A"), nil)
	require.NoError(t, err)
	require.Len(t, byA, 2)
	assert.Equal(t, int64(2), byA["x"].(*customer).ID, "later rows win on duplicate map keys")
	assert.Equal(t, int64(3), byA["y"].(*customer).ID)

	var cerr domain.ConfigError
	_, err = s.FindMap(ctx, NewQuery("Customer"), nil)
	require.ErrorAs(t, err, &cerr)

	desc, err := ListOf[customer](ctx, s, NewQuery("Customer").OrderByDesc("ID").MaxRows(2), nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 2}, customerIDs(desc))

	in, err := ListOf[customer](ctx, s, NewQuery("Customer").In("ID", 1, 3).OrderBy("ID"), nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, customerIDs(in))

	ne, err := ListOf[customer](ctx, s, NewQuery("Customer").Where("B", domain.OpNe, "two").OrderBy("ID"), nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, customerIDs(ne))

	_, err = ListOf[customer](ctx, s, NewQuery("Account"), nil)
	require.ErrorAs(t, err, &cerr)
}

func TestNamedQueries(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	seedCustomers(t, s)

	list, err := ListOf[customer](ctx, s, NewQuery("Customer").Named("byA").SetParam("a", "x"), nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, customerIDs(list))

	var cerr domain.ConfigError
	_, err = s.FindList(ctx, NewQuery("Customer").Named("byA"), nil)
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Reason, "missing parameter a")

	_, err = s.FindList(ctx, NewQuery("Customer").Named("nope"), nil)
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Reason, "unknown named query")
}

func TestQueryConfigErrors(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	// includes are resolved against loaded rows
	saveCustomer(t, s, 1, "a", "b")
	cases := map[string]*Query{
		"unknown type":     NewQuery("Nope"),
		"unknown property": NewQuery("Customer").Eq("Nope", 1),
		"unknown order":    NewQuery("Customer").OrderBy("Nope"),
		"unknown select":   NewQuery("Customer").Select("Nope"),
		"one-to-many":      NewQuery("Invoice").Eq("Lines", 1),
		"unknown include":  NewQuery("Customer").Include("Nope"),
	}
	for name, q := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := s.FindList(ctx, q, nil)
			var cerr domain.ConfigError
			require.ErrorAs(t, err, &cerr)
		})
	}
	_, err := s.FindList(ctx, nil, nil)
	require.Error(t, err)
}

func TestQueryTunerAdjustsCopy(t *testing.T) {
	s, exec := newTestServer(t, WithTuner(func(q *Query) { q.MaxRows(1) }))
	ctx := context.Background()
	seedCustomers(t, s)

	q := NewQuery("Customer").OrderBy("ID")
	list, err := s.FindList(ctx, q, nil)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, 0, q.maxRows, "the caller's query is not modified")
	exec.mu.Lock()
	last := exec.queries[len(exec.queries)-1]
	exec.mu.Unlock()
	assert.Equal(t, 1, last.MaxRows)
}

func TestPlansAreSharedAcrossBindValues(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	seedCustomers(t, s)

	_, err := s.FindList(ctx, NewQuery("Customer").Eq("A", "x"), nil)
	require.NoError(t, err)
	_, err = s.FindList(ctx, NewQuery("Customer").Eq("A", "y"), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Stats().Plans)

	_, err = s.FindList(ctx, NewQuery("Customer").Eq("B", "y"), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Stats().Plans)
}

func TestResultCacheInvalidatedByCommit(t *testing.T) {
	clock := newStepClock()
	s, _ := newTestServer(t, WithCache(NewLRUCache(8)), WithClock(clock))
	ctx := context.Background()
	saveCustomer(t, s, 1, "a", "b")
	clock.Advance(time.Second)

	q := NewQuery("Customer").Eq("A", "a").UseCache(true)
	list, err := ListOf[customer](ctx, s, q, nil)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(1), s.Stats().CacheMisses)

	list, err = ListOf[customer](ctx, s, q, nil)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(1), s.Stats().CacheHits)
	assert.Equal(t, 1, s.Stats().CacheEntries)

	clock.Advance(time.Second)
	c := list[0]
	c.B = "changed"
	require.NoError(t, s.Save(ctx, c, nil))

	list, err = ListOf[customer](ctx, s, q, nil)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "changed", list[0].B)
	assert.Equal(t, int64(2), s.Stats().CacheMisses)
	assert.Equal(t, int64(1), s.Stats().CacheHits)
}

func TestResultCacheNotUsedWithoutOptIn(t *testing.T) {
	clock := newStepClock()
	s, exec := newTestServer(t, WithCache(NewLRUCache(8)), WithClock(clock))
	ctx := context.Background()
	saveCustomer(t, s, 1, "a", "b")
	clock.Advance(time.Second)

	before := exec.queryCount()
	for i := 0; i < 2; i++ {
		_, err := s.FindList(ctx, NewQuery("Customer"), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, before+2, exec.queryCount())
	assert.Zero(t, s.Stats().CacheHits)
	assert.Zero(t, s.Stats().CacheMisses)
}

func TestResultCacheBypassedWithPendingChanges(t *testing.T) {
	clock := newStepClock()
	s, _ := newTestServer(t, WithCache(NewLRUCache(8)), WithClock(clock))
	ctx := context.Background()
	saveCustomer(t, s, 1, "a", "b")
	clock.Advance(time.Second)
	q := NewQuery("Customer").UseCache(true)
	_, err := s.FindList(ctx, q, nil)
	require.NoError(t, err)

	tx, err := s.BeginTransaction(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.End(ctx) }()
	require.NoError(t, s.Save(ctx, &customer{ID: 2, A: "pending"}, tx))
	assert.True(t, tx.HasPendingChanges([]string{"customer"}))

	list, err := s.FindList(ctx, q, tx)
	require.NoError(t, err)
	assert.Len(t, list, 2, "the transaction sees its own uncommitted row")
	assert.Equal(t, int64(1), s.Stats().CacheMisses)
	assert.Zero(t, s.Stats().CacheHits)
}

func TestCacheStaleOnEqualTimestamp(t *testing.T) {
	clock := newStepClock()
	s, _ := newTestServer(t, WithCache(NewLRUCache(8)), WithClock(clock))
	ctx := context.Background()
	saveCustomer(t, s, 1, "a", "b")

	q := NewQuery("Customer").UseCache(true)
	_, err := s.FindList(ctx, q, nil)
	require.NoError(t, err)
	_, err = s.FindList(ctx, q, nil)
	require.NoError(t, err)
	assert.Zero(t, s.Stats().CacheHits, "an entry captured at the commit instant is not trusted")
	assert.Equal(t, int64(2), s.Stats().CacheMisses)
}

func TestSharedCacheFetchIgnoredAfterCommit(t *testing.T) {
	clock := newStepClock()
	s, exec := newTestServer(t, WithCache(NewLRUCache(8)), WithClock(clock))
	ctx := context.Background()
	c := saveCustomer(t, s, 1, "old", "b")
	clock.Advance(time.Second)

	var blocked atomic.Bool
	reached, release := make(chan struct{}), make(chan struct{})
	exec.mu.Lock()
	exec.afterQuery = func() {
		if blocked.CompareAndSwap(false, true) {
			close(reached)
			<-release
		}
	}
	exec.mu.Unlock()

	q := NewQuery("Customer").UseCache(true)
	var wg sync.WaitGroup
	var early []*customer
	var earlyErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		early, earlyErr = ListOf[customer](ctx, s, q, nil)
	}()
	<-reached

	c.A = "new"
	require.NoError(t, s.Save(ctx, c, nil))

	var late []*customer
	var lateErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		late, lateErr = ListOf[customer](ctx, s, q, nil)
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, earlyErr)
	require.Len(t, early, 1)
	assert.Equal(t, "old", early[0].A, "the first read started before the commit")
	require.NoError(t, lateErr)
	require.Len(t, late, 1)
	assert.Equal(t, "new", late[0].A, "a read issued after the commit must see it")
}

func TestBulkUpdateAndDelete(t *testing.T) {
	s, exec := newTestServer(t)
	ctx := context.Background()
	seedCustomers(t, s)

	n, err := s.UpdateWhere(ctx, NewQuery("Customer").Eq("A", "x"), map[string]any{"B": "bulk"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	for _, row := range exec.Rows("customer") {
		if row["a"] == "x" {
			assert.Equal(t, "bulk", row["b"])
		}
	}

	var cerr domain.ConfigError
	_, err = s.UpdateWhere(ctx, NewQuery("Customer"), nil, nil)
	require.ErrorAs(t, err, &cerr)
	_, err = s.UpdateWhere(ctx, NewQuery("Customer"), map[string]any{"ID": 9}, nil)
	require.ErrorAs(t, err, &cerr)

	n, err = s.DeleteWhere(ctx, NewQuery("Customer").Eq("A", "y"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Len(t, exec.Rows("customer"), 2)

	n, err = s.DeleteWhere(ctx, NewQuery("Customer").ID(1), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Len(t, exec.Rows("customer"), 1)
}

func TestBulkStatementClearsPersistenceContext(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	seedCustomers(t, s)

	tx, err := s.BeginTransaction(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.End(ctx) }()
	_, err = ListOf[customer](ctx, s, nil, tx)
	require.NoError(t, err)
	assert.Equal(t, 3, tx.PersistenceContext().SizeOf("Customer"))

	_, err = s.UpdateWhere(ctx, NewQuery("Customer"), map[string]any{"B": "z"}, tx)
	require.NoError(t, err)
	assert.Zero(t, tx.PersistenceContext().SizeOf("Customer"))

	reloaded, err := FindByID[customer](ctx, s, 1, tx)
	require.NoError(t, err)
	assert.Equal(t, "z", reloaded.B)
}

func TestBulkTouchesTableState(t *testing.T) {
	clock := newStepClock()
	s, _ := newTestServer(t, WithClock(clock))
	ctx := context.Background()
	seedCustomers(t, s)
	clock.Advance(time.Minute)

	_, err := s.DeleteWhere(ctx, NewQuery("Customer").Eq("A", "y"), nil)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), s.TableState().LastUpdate("customer"))

	_, err = s.DeleteWhere(ctx, NewQuery("Customer").Eq("A", "nobody"), nil)
	require.NoError(t, err)
}

func TestExecuteRaw(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	_, err := s.ExecuteRaw(ctx, domain.RawStatement{SQL: "update customer set b = 'x'"}, []string{"customer"}, nil)
	require.ErrorIs(t, err, domain.ErrUnsupported)

	_, err = s.ExecuteCallable(ctx, domain.RawStatement{SQL: "call refresh()"}, nil, nil)
	require.ErrorIs(t, err, domain.ErrUnsupported)

	var cerr domain.ConfigError
	_, err = s.ExecuteRaw(ctx, domain.RawStatement{}, nil, nil)
	require.ErrorAs(t, err, &cerr)
}

func TestValidationByController(t *testing.T) {
	requireA := meta.WithController(meta.ControllerFunc(func(_ context.Context, change domain.PendingChange) error {
		if c, ok := change.Bean.(*customer); ok && c.A == "" {
			return errors.New("a is required")
		}
		return nil
	}))
	exec := newRecordingExecutor()
	s, err := NewServer(newTestCatalog(t, requireA), exec)
	require.NoError(t, err)

	err = s.Save(context.Background(), &customer{ID: 1}, nil)
	var verr domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Customer", verr.Type)
	assert.Contains(t, err.Error(), "a is required")
	assert.Empty(t, exec.Rows("customer"))
	assert.Empty(t, exec.writes, "no statement is sent for an invalid bean")

	saveCustomer(t, s, 2, "ok", "")
}

func TestValidationByRules(t *testing.T) {
	engine := domain.NewRulesEngine()
	engine.Register(domain.RuleFunc{RuleName: "frozen", Fn: func(_ context.Context, change domain.PendingChange) (domain.Result, error) {
		if change.Type == "Account" {
			return domain.Result{Violations: []domain.Violation{{Rule: "frozen", Severity: domain.SeverityBlock, Message: "accounts are frozen"}}}, nil
		}
		return domain.Result{}, nil
	}})
	engine.Register(domain.RuleFunc{RuleName: "short-a", Fn: func(_ context.Context, change domain.PendingChange) (domain.Result, error) {
		if c, ok := change.Bean.(*customer); ok && len(c.A) < 2 {
			return domain.Result{Violations: []domain.Violation{{Rule: "short-a", Severity: domain.SeverityWarn, Message: "a is short"}}}, nil
		}
		return domain.Result{}, nil
	}})
	logs := &captureLogger{}
	s, exec := newTestServer(t, WithRules(engine), WithLogger(logs))
	ctx := context.Background()

	err := s.Save(ctx, &account{Owner: "ann"}, nil)
	var verr domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.Result.HasBlocking())
	assert.Contains(t, err.Error(), "accounts are frozen")
	assert.Empty(t, exec.Rows("account"))

	saveCustomer(t, s, 1, "a", "")
	assert.True(t, logs.has("warn", "rule violation"))
	assert.Len(t, exec.Rows("customer"), 1)
}

func TestListenersAndBroadcastAfterCommit(t *testing.T) {
	var changes []domain.EntityChange
	listener := meta.WithListener(meta.ListenerFunc(func(_ context.Context, change domain.EntityChange) {
		changes = append(changes, change)
	}))
	var events []domain.TransactionEvent
	broadcaster := domain.BroadcasterFunc(func(_ context.Context, event domain.TransactionEvent) error {
		events = append(events, event)
		return nil
	})
	s, err := NewServer(newTestCatalog(t, listener), newRecordingExecutor(), WithBroadcaster(broadcaster), WithName("node-a"))
	require.NoError(t, err)
	ctx := context.Background()

	tx, err := s.BeginTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, &customer{ID: 1, A: "a"}, tx))
	assert.Empty(t, changes, "listeners wait for commit")
	assert.Empty(t, events)
	require.NoError(t, tx.Commit(ctx))

	require.Len(t, changes, 1)
	assert.Equal(t, "Customer", changes[0].Type)
	assert.Equal(t, domain.OpInsert, changes[0].Op)
	assert.Equal(t, "1", changes[0].ID)
	require.Len(t, events, 1)
	assert.Equal(t, "node-a", events[0].Source)
	assert.Equal(t, tx.ID(), events[0].TxID)
	assert.Equal(t, []domain.TableModification{{Table: "customer", Inserts: 1}}, events[0].Tables)

	tx, err = s.BeginTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, &customer{ID: 2, A: "b"}, tx))
	require.NoError(t, tx.Rollback(ctx))
	assert.Len(t, changes, 1, "rolled back writes are not announced")
	assert.Len(t, events, 1)
}

func TestListenerCanInspectCommittedTransaction(t *testing.T) {
	var tx *Transaction
	var seen []TxStatus
	listener := meta.WithListener(meta.ListenerFunc(func(ctx context.Context, _ domain.EntityChange) {
		seen = append(seen, tx.Status())
		_ = tx.Rollback(ctx)
	}))
	broadcaster := domain.BroadcasterFunc(func(context.Context, domain.TransactionEvent) error {
		seen = append(seen, tx.Status())
		return nil
	})
	s, err := NewServer(newTestCatalog(t, listener), newRecordingExecutor(), WithBroadcaster(broadcaster))
	require.NoError(t, err)
	ctx := context.Background()

	tx, err = s.BeginTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, &customer{ID: 1, A: "a"}, tx))

	done := make(chan error, 1)
	go func() { done <- tx.Commit(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("commit blocked while publishing events")
	}
	assert.Equal(t, []TxStatus{TxCommitted, TxCommitted}, seen)
	assert.Equal(t, TxCommitted, tx.Status())
}

func TestBroadcastFailureDoesNotFailCommit(t *testing.T) {
	logs := &captureLogger{}
	broadcaster := domain.BroadcasterFunc(func(context.Context, domain.TransactionEvent) error {
		return errors.New("journal offline")
	})
	s, exec := newTestServer(t, WithBroadcaster(broadcaster), WithLogger(logs))
	saveCustomer(t, s, 1, "a", "")
	assert.Len(t, exec.Rows("customer"), 1)
	assert.True(t, logs.has("warn", "broadcast transaction event failed"))
}

func TestApplyRemoteEvent(t *testing.T) {
	clock := newStepClock()
	s, _ := newTestServer(t, WithCache(NewLRUCache(8)), WithClock(clock), WithName("node-a"))
	ctx := context.Background()
	saveCustomer(t, s, 1, "a", "b")
	clock.Advance(time.Second)

	q := NewQuery("Customer").UseCache(true)
	_, err := s.FindList(ctx, q, nil)
	require.NoError(t, err)
	_, err = s.FindList(ctx, q, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), s.Stats().CacheHits)

	clock.Advance(time.Second)
	remote := domain.TransactionEvent{
		TxID:       "remote-1",
		Source:     "node-b",
		CommitTime: clock.Now(),
		Tables:     []domain.TableModification{{Table: "customer", Updates: 1}},
	}
	assert.True(t, s.ApplyRemoteEvent(remote))
	assert.Equal(t, clock.Now(), s.TableState().LastUpdate("customer"))
	assert.Equal(t, int64(1), s.Stats().RemoteEvents)

	_, err = s.FindList(ctx, q, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.Stats().CacheMisses, "a remote commit invalidates cached results")

	own := remote
	own.Source = "node-a"
	assert.False(t, s.ApplyRemoteEvent(own))
	assert.False(t, s.ApplyRemoteEvent(domain.TransactionEvent{Source: "node-b"}))
	assert.Equal(t, int64(1), s.Stats().RemoteEvents)
}

func TestFindFutureList(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	saveCustomer(t, s, 1, "a", "")
	saveCustomer(t, s, 2, "b", "")

	f, err := s.FindFutureList(ctx, NewQuery("Customer").OrderBy("ID"))
	require.NoError(t, err)
	beans, err := f.Get(ctx)
	require.NoError(t, err)
	require.Len(t, beans, 2)
	assert.Equal(t, int64(1), beans[0].(*customer).ID)
	select {
	case <-f.Done():
	default:
		t.Fatal("done channel must be closed once the result is available")
	}
	f.Cancel()

	_, err = s.FindFutureList(ctx, nil)
	var cerr domain.ConfigError
	require.ErrorAs(t, err, &cerr)
}

func TestFutureListGetHonoursCallerContext(t *testing.T) {
	f := &FutureList{done: make(chan struct{}), cancel: func() {}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Get(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
