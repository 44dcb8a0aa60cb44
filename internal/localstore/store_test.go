package localstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "replica.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store, err := NewGormStore(db)
	require.NoError(t, err)
	_, err = store.Execute(context.Background(), `CREATE TABLE items (id TEXT PRIMARY KEY, qty INTEGER NOT NULL)`)
	require.NoError(t, err)
	return store
}

func TestNewGormStoreRequiresDatabase(t *testing.T) {
	_, err := NewGormStore(nil)
	require.ErrorIs(t, err, ErrMissingDatabase)
}

func TestExecuteReturnsRowsForQueriesAndReturningClauses(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rows, err := store.Execute(ctx, `INSERT INTO items (id, qty) VALUES (?, ?) RETURNING id`, "a", 3)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0]["id"])

	rows, err = store.Execute(ctx, `SELECT id, qty FROM items WHERE id = ?`, "a")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(3), rows[0]["qty"])
}

func TestExecuteBatchIsAtomic(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.ExecuteBatch(ctx, []Statement{
		{SQL: `INSERT INTO items (id, qty) VALUES (?, ?)`, Args: []any{"a", 1}},
		{SQL: `INSERT INTO items (id, qty) VALUES (?, ?)`, Args: []any{"a", 2}},
	})
	require.Error(t, err)

	rows, err := store.Execute(ctx, `SELECT COUNT(*) AS n FROM items`)
	require.NoError(t, err)
	assert.Equal(t, int64(0), rows[0]["n"])
}

func TestNestedTransactionRollsBackOnlyTheSavepoint(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	nestedFailure := errors.New("nested failure")

	err := store.Transaction(ctx, func(tx Tx) error {
		if _, err := tx.Execute(ctx, `INSERT INTO items (id, qty) VALUES (?, ?)`, "outer", 1); err != nil {
			return err
		}
		nestedErr := tx.Transaction(ctx, func(inner Tx) error {
			if _, err := inner.Execute(ctx, `INSERT INTO items (id, qty) VALUES (?, ?)`, "inner", 2); err != nil {
				return err
			}
			return nestedFailure
		})
		require.ErrorIs(t, nestedErr, nestedFailure)
		return tx.Transaction(ctx, func(inner Tx) error {
			_, err := inner.Execute(ctx, `INSERT INTO items (id, qty) VALUES (?, ?)`, "kept", 3)
			return err
		})
	})
	require.NoError(t, err)

	rows, err := store.Execute(ctx, `SELECT id FROM items ORDER BY id`)
	require.NoError(t, err)
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row["id"].(string))
	}
	assert.Equal(t, []string{"kept", "outer"}, ids)
}

func TestExecuteReadsBlobAndNullColumns(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, err := store.Execute(ctx, `CREATE TABLE files (id TEXT PRIMARY KEY, data BLOB, note TEXT)`)
	require.NoError(t, err)
	_, err = store.Execute(ctx, `INSERT INTO files (id, data, note) VALUES (?, ?, NULL)`, "f1", []byte{0x00, 0xff})
	require.NoError(t, err)

	rows, err := store.Execute(ctx, `SELECT id, data, note FROM files`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "f1", rows[0]["id"])
	assert.Equal(t, []byte{0x00, 0xff}, rows[0]["data"])
	assert.Nil(t, rows[0]["note"])
}

func TestExecuteReturnsEmptySliceForNoRows(t *testing.T) {
	store := openTestStore(t)
	rows, err := store.Execute(context.Background(), `SELECT id, qty FROM items`)
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}

func TestReadOnly(t *testing.T) {
	for query, expected := range map[string]bool{
		`SELECT id FROM items`:         true,
		`  select count(*) from items`: true,
		`VALUES (1)`:                   true,
		`WITH recent AS (SELECT id FROM items) SELECT * FROM recent`: true,
		`UPDATE items SET qty = 1`:                                   false,
		`DELETE FROM items`:                                          false,
		`INSERT INTO items (id, qty) VALUES ('a', 1)`:                false,
		`INSERT INTO items (id, qty) VALUES ('a', 1) RETURNING id`:   false,
		`WITH doomed AS (SELECT id FROM items) DELETE FROM items`:    false,
		`PRAGMA journal_mode = WAL`:                                  false,
	} {
		assert.Equal(t, expected, ReadOnly(query), query)
	}
}
