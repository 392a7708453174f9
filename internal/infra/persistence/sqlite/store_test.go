package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"persistcore/internal/infra/persistence/sqlstore"
	"persistcore/pkg/domain"
)

func openTemp(t *testing.T) *sqlstore.Store {
	t.Helper()
	store, err := NewStore(context.Background(), filepath.Join(t.TempDir(), "db", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewStoreCreatesDatabase(t *testing.T) {
	store := openTemp(t)
	assert.Equal(t, "sqlite", store.Dialect().Name)
	assert.Equal(t, domain.IsolationSerializable, store.DefaultIsolation())
	// migrating twice is harmless
	require.NoError(t, store.Migrate(context.Background()))
}

func TestRoundTripPreservesValues(t *testing.T) {
	ctx := context.Background()
	store := openTemp(t)
	when := time.Date(2024, 5, 6, 7, 8, 9, 10, time.UTC)

	tx, err := store.Begin(ctx, domain.TxOptions{})
	require.NoError(t, err)
	_, err = tx.Exec(ctx, domain.WriteStatement{Op: domain.OpInsert, Table: "customer", Key: "1", Values: domain.Row{
		"id": int64(1), "name": "ada", "balance": 12.5, "active": true, "opened": when, "note": nil,
	}})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	tx, err = store.Begin(ctx, domain.TxOptions{ReadOnly: true})
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()
	rows, err := tx.Query(ctx, domain.QueryStatement{Table: "customer", Keys: []string{"1"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, int64(1), row["id"])
	assert.Equal(t, "ada", row["name"])
	assert.Equal(t, 12.5, row["balance"])
	assert.Equal(t, true, row["active"])
	assert.Equal(t, when.Format(domain.TimeLayout), row["opened"])
	assert.Nil(t, row["note"])
}

func TestGuardedWritesAndRollback(t *testing.T) {
	ctx := context.Background()
	store := openTemp(t)
	tx, err := store.Begin(ctx, domain.TxOptions{})
	require.NoError(t, err)
	_, err = tx.Exec(ctx, domain.WriteStatement{Op: domain.OpInsert, Table: "customer", Key: "1", Values: domain.Row{"id": 1, "a": "x", "b": "y", "version": 1}})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	tx, err = store.Begin(ctx, domain.TxOptions{})
	require.NoError(t, err)
	n, err := tx.Exec(ctx, domain.WriteStatement{Op: domain.OpUpdate, Table: "customer", Key: "1", Values: domain.Row{"b": "z"}, Expect: domain.Row{"version": 3}})
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = tx.Exec(ctx, domain.WriteStatement{Op: domain.OpUpdate, Table: "customer", Key: "1", Values: domain.Row{"b": "z", "version": 2}, Expect: domain.Row{"version": 1}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	require.NoError(t, tx.Rollback(ctx))

	tx, err = store.Begin(ctx, domain.TxOptions{})
	require.NoError(t, err)
	rows, err := tx.Query(ctx, domain.QueryStatement{Table: "customer"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "y", rows[0]["b"])

	n, err = tx.Exec(ctx, domain.WriteStatement{Op: domain.OpDelete, Table: "customer", Key: "1", Expect: domain.Row{"version": 1}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = tx.Exec(ctx, domain.WriteStatement{Op: domain.OpDelete, Table: "customer", Key: "1"})
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, tx.Commit(ctx))
}

func TestQueryPredicatesOrderAndPreparedPlans(t *testing.T) {
	ctx := context.Background()
	store := openTemp(t)
	tx, err := store.Begin(ctx, domain.TxOptions{})
	require.NoError(t, err)
	counts, err := tx.ExecBatch(ctx, []domain.WriteStatement{
		{Op: domain.OpInsert, Table: "customer", Key: "1", Values: domain.Row{"name": "cy", "rank": 3}},
		{Op: domain.OpInsert, Table: "customer", Key: "2", Values: domain.Row{"name": "ada", "rank": 1}},
		{Op: domain.OpInsert, Table: "customer", Key: "3", Values: domain.Row{"name": "bob", "rank": 2}},
		{Op: domain.OpInsert, Table: "order", Key: "1", Values: domain.Row{"total": 10}},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1, 1, 1}, counts)
	require.NoError(t, tx.Commit(ctx))

	stmt := domain.QueryStatement{
		PlanHash: 42,
		Table:    "customer",
		Where:    []domain.Predicate{{Column: "rank", Op: domain.OpGe, Value: 2}},
		OrderBy:  []domain.Order{{Column: "name", Desc: true}},
	}
	require.NoError(t, store.Prepare(ctx, stmt.PlanHash, stmt))
	require.NoError(t, store.Prepare(ctx, stmt.PlanHash, stmt))
	assert.Equal(t, 1, store.PreparedPlans())

	tx, err = store.Begin(ctx, domain.TxOptions{})
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()
	rows, err := tx.Query(ctx, stmt)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "cy", rows[0]["name"])
	assert.Equal(t, "bob", rows[1]["name"])

	stmt.MaxRows = 1
	rows, err = tx.Query(ctx, stmt)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestBulkAndRawStatements(t *testing.T) {
	ctx := context.Background()
	store := openTemp(t)
	tx, err := store.Begin(ctx, domain.TxOptions{})
	require.NoError(t, err)
	for _, key := range []string{"a", "b", "c"} {
		status := "new"
		if key == "c" {
			status = "done"
		}
		_, err := tx.Exec(ctx, domain.WriteStatement{Op: domain.OpInsert, Table: "task", Key: key, Values: domain.Row{"status": status}})
		require.NoError(t, err)
	}
	n, err := tx.ExecBulk(ctx, domain.BulkStatement{Table: "task", Where: []domain.Predicate{{Column: "status", Op: domain.OpEq, Value: "new"}}, Set: domain.Row{"status": "open"}})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	n, err = tx.ExecRaw(ctx, domain.RawStatement{SQL: "DELETE FROM persist_rows WHERE table_name = ? AND row_key = ?", Args: []any{"task", "c"}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = tx.ExecRaw(ctx, domain.RawStatement{SQL: "NOT SQL"})
	require.Error(t, err)
	require.NoError(t, tx.Commit(ctx))

	tx, err = store.Begin(ctx, domain.TxOptions{})
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()
	rows, err := tx.Query(ctx, domain.QueryStatement{Table: "task", OrderBy: []domain.Order{{Column: "status"}}})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "open", rows[0]["status"])
}

func TestDuplicateInsertFails(t *testing.T) {
	ctx := context.Background()
	store := openTemp(t)
	tx, err := store.Begin(ctx, domain.TxOptions{})
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()
	stmt := domain.WriteStatement{Op: domain.OpInsert, Table: "customer", Key: "1", Values: domain.Row{"id": 1}}
	_, err = tx.Exec(ctx, stmt)
	require.NoError(t, err)
	_, err = tx.Exec(ctx, stmt)
	require.Error(t, err)
}
