// Package queue persists not-yet-acknowledged local mutations.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/tidesync/internal/localstore"
	"github.com/MarcoPoloResearchLab/tidesync/internal/protocol"
	"github.com/MarcoPoloResearchLab/tidesync/internal/schema"
)

// TableName is the internal table backing the queue.
const TableName = "_tidesync_mutation_queue"

var (
	ErrMissingTransaction = errors.New("queue: transaction required")
	ErrMissingName        = errors.New("queue: mutation name required")
	ErrMalformedEntry     = errors.New("queue: malformed entry")
)

// Entry is one queued mutation.
type Entry struct {
	ID    int64
	Name  string
	Input json.RawMessage
}

// Mutation returns the wire form of the entry.
func (e Entry) Mutation() protocol.Mutation {
	return protocol.Mutation{ID: e.ID, Name: e.Name, Input: e.Input}
}

// Queue is the durable, ordered mutation log. Ids come from AUTOINCREMENT so
// they are never reused after deleteUpTo.
type Queue struct{}

func New() *Queue {
	return &Queue{}
}

// Setup creates the backing table when missing.
func (q *Queue) Setup(ctx context.Context, executor localstore.Executor) error {
	_, err := executor.Execute(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL, input TEXT NOT NULL)`,
		schema.QuoteIdentifier(TableName)))
	return err
}

// Add appends a mutation inside tx and returns its assigned id.
func (q *Queue) Add(ctx context.Context, tx localstore.Tx, name string, input json.RawMessage) (int64, error) {
	if tx == nil {
		return 0, ErrMissingTransaction
	}
	if name == "" {
		return 0, ErrMissingName
	}
	if len(input) == 0 {
		input = json.RawMessage("null")
	}
	rows, err := tx.Execute(ctx, fmt.Sprintf(
		`INSERT INTO %s (name, input) VALUES (?, ?) RETURNING id`, schema.QuoteIdentifier(TableName)),
		name, string(input))
	if err != nil {
		return 0, err
	}
	if len(rows) != 1 {
		return 0, fmt.Errorf("%w: insert returned %d rows", ErrMalformedEntry, len(rows))
	}
	id, ok := rows[0]["id"].(int64)
	if !ok {
		return 0, fmt.Errorf("%w: id %T", ErrMalformedEntry, rows[0]["id"])
	}
	return id, nil
}

// All returns every queued mutation in ascending id order.
func (q *Queue) All(ctx context.Context, executor localstore.Executor) ([]Entry, error) {
	rows, err := executor.Execute(ctx, fmt.Sprintf(
		`SELECT id, name, input FROM %s ORDER BY id ASC`, schema.QuoteIdentifier(TableName)))
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := entryFromRow(row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Count returns the number of queued mutations.
func (q *Queue) Count(ctx context.Context, executor localstore.Executor) (int, error) {
	rows, err := executor.Execute(ctx, fmt.Sprintf(`SELECT COUNT(*) AS total FROM %s`, schema.QuoteIdentifier(TableName)))
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	total, _ := rows[0]["total"].(int64)
	return int(total), nil
}

// DeleteUpTo removes entries with id <= maxID inside tx.
func (q *Queue) DeleteUpTo(ctx context.Context, tx localstore.Tx, maxID int64) error {
	if tx == nil {
		return ErrMissingTransaction
	}
	_, err := tx.Execute(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id <= ?`, schema.QuoteIdentifier(TableName)), maxID)
	return err
}

func entryFromRow(row schema.Row) (Entry, error) {
	id, ok := row["id"].(int64)
	if !ok {
		return Entry{}, fmt.Errorf("%w: id %T", ErrMalformedEntry, row["id"])
	}
	name, ok := row["name"].(string)
	if !ok {
		return Entry{}, fmt.Errorf("%w: name %T", ErrMalformedEntry, row["name"])
	}
	var input json.RawMessage
	switch typed := row["input"].(type) {
	case string:
		input = json.RawMessage(typed)
	case []byte:
		input = json.RawMessage(append([]byte(nil), typed...))
	default:
		return Entry{}, fmt.Errorf("%w: input %T", ErrMalformedEntry, row["input"])
	}
	return Entry{ID: id, Name: name, Input: input}, nil
}
