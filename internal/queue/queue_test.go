package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/tidesync/internal/localstore"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openQueue(t *testing.T) (*Queue, localstore.Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "queue.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store, err := localstore.NewGormStore(db)
	require.NoError(t, err)
	q := New()
	require.NoError(t, q.Setup(context.Background(), store))
	require.NoError(t, q.Setup(context.Background(), store))
	return q, store
}

func addAll(t *testing.T, q *Queue, store localstore.Store, names ...string) []int64 {
	t.Helper()
	ids := make([]int64, 0, len(names))
	err := store.Transaction(context.Background(), func(tx localstore.Tx) error {
		for _, name := range names {
			id, err := q.Add(context.Background(), tx, name, json.RawMessage(`{"n":"`+name+`"}`))
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	require.NoError(t, err)
	return ids
}

func TestAddAssignsIncreasingIDsAndAllPreservesOrder(t *testing.T) {
	q, store := openQueue(t)
	ids := addAll(t, q, store, "first", "second", "third")
	assert.Equal(t, []int64{1, 2, 3}, ids)

	entries, err := q.All(context.Background(), store)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "second", entries[1].Name)
	assert.JSONEq(t, `{"n":"third"}`, string(entries[2].Input))
	assert.Equal(t, int64(3), entries[2].Mutation().ID)
}

func TestDeleteUpToNeverReusesIDs(t *testing.T) {
	q, store := openQueue(t)
	ctx := context.Background()
	addAll(t, q, store, "a", "b", "c")

	require.NoError(t, store.Transaction(ctx, func(tx localstore.Tx) error {
		return q.DeleteUpTo(ctx, tx, 3)
	}))
	count, err := q.Count(ctx, store)
	require.NoError(t, err)
	assert.Zero(t, count)

	ids := addAll(t, q, store, "d")
	assert.Equal(t, []int64{4}, ids)
}

func TestAddRollsBackWithItsTransaction(t *testing.T) {
	q, store := openQueue(t)
	ctx := context.Background()
	handlerFailure := errors.New("handler failed")

	err := store.Transaction(ctx, func(tx localstore.Tx) error {
		if _, err := q.Add(ctx, tx, "doomed", nil); err != nil {
			return err
		}
		return handlerFailure
	})
	require.ErrorIs(t, err, handlerFailure)

	entries, err := q.All(ctx, store)
	require.NoError(t, err)
	assert.Empty(t, entries)

	ids := addAll(t, q, store, "next")
	assert.Equal(t, []int64{1}, ids, "a rolled back append must not leave an id gap")
}

func TestAddRequiresTransaction(t *testing.T) {
	q, _ := openQueue(t)
	_, err := q.Add(context.Background(), nil, "x", nil)
	require.ErrorIs(t, err, ErrMissingTransaction)
}
