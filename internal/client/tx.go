package client

import (
	"context"

	"github.com/MarcoPoloResearchLab/tidesync/internal/localstore"
	"github.com/MarcoPoloResearchLab/tidesync/internal/rollback"
	"github.com/MarcoPoloResearchLab/tidesync/internal/schema"
)

// Tx is the transaction handed to client-side mutation handlers. Writes go
// through the rollback log so they can be reverted before the next server
// delta is applied.
type Tx struct {
	store localstore.Tx
	log   *rollback.Log
}

func newTx(store localstore.Tx, log *rollback.Log) *Tx {
	return &Tx{store: store, log: log}
}

// Query runs a read statement and returns storage-typed rows. Writes must
// use Insert, Update, Delete or Upsert so they are recorded for rollback.
func (t *Tx) Query(ctx context.Context, query string, args ...any) ([]schema.Row, error) {
	if err := requireRead(query); err != nil {
		return nil, err
	}
	return t.store.Execute(ctx, query, args...)
}

func (t *Tx) Insert(ctx context.Context, table string, row schema.Row) error {
	return t.log.Insert(ctx, t.store, table, row)
}

func (t *Tx) Update(ctx context.Context, table string, key schema.Row, values schema.Row) error {
	return t.log.Update(ctx, t.store, table, key, values)
}

func (t *Tx) Delete(ctx context.Context, table string, key schema.Row) error {
	return t.log.Delete(ctx, t.store, table, key)
}

func (t *Tx) Upsert(ctx context.Context, table string, row schema.Row) error {
	return t.log.Upsert(ctx, t.store, table, row)
}
