// Package rollback records an undo operation for every row written through it
// so un-acknowledged local writes can be reverted to the last server baseline.
package rollback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/tidesync/internal/localstore"
	"github.com/MarcoPoloResearchLab/tidesync/internal/schema"
	"go.uber.org/zap"
)

// TableName is the internal table holding undo operations.
const TableName = "_tidesync_rollback_log"

// DefaultBulkThreshold is the row-change count above which bulk applies skip
// undo capture entirely.
const DefaultBulkThreshold = 100

const (
	undoDelete  = "delete"
	undoRestore = "restore"
)

var (
	ErrUnknownTable    = errors.New("rollback: table is not part of the synchronized schema")
	ErrKeyChange       = errors.New("rollback: primary key columns cannot be updated")
	ErrMalformedEntry  = errors.New("rollback: malformed log entry")
	ErrMissingExecutor = errors.New("rollback: executor required")
	noOpLogger         = zap.NewNop()
)

// Config configures a Log.
type Config struct {
	Schema        schema.Schema
	BulkThreshold int
	Logger        *zap.Logger
}

// Log is the write-interception layer. While active every Insert, Update,
// Delete and Upsert appends the operation that reverses it.
type Log struct {
	schema        schema.Schema
	bulkThreshold int
	active        atomic.Bool
	logger        *zap.Logger
}

type undoOperation struct {
	Table string          `json:"table"`
	Kind  string          `json:"kind"`
	Key   map[string]cell `json:"key"`
	Row   map[string]cell `json:"row,omitempty"`
}

// New returns an active Log.
func New(cfg Config) *Log {
	threshold := cfg.BulkThreshold
	if threshold <= 0 {
		threshold = DefaultBulkThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	log := &Log{schema: cfg.Schema, bulkThreshold: threshold, logger: logger}
	log.active.Store(true)
	return log
}

// Setup creates the log table when missing.
func (l *Log) Setup(ctx context.Context, executor localstore.Executor) error {
	_, err := executor.Execute(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (id INTEGER PRIMARY KEY AUTOINCREMENT, operation TEXT NOT NULL)`,
		schema.QuoteIdentifier(TableName)))
	return err
}

// Activate enables capture. It is idempotent.
func (l *Log) Activate() {
	l.active.Store(true)
}

// Deactivate disables capture and reports whether it was active.
func (l *Log) Deactivate() bool {
	return l.active.Swap(false)
}

// Active reports whether writes are being captured.
func (l *Log) Active() bool {
	return l.active.Load()
}

// IsBulk reports whether changes exceeds the bulk threshold.
func (l *Log) IsBulk(changes int) bool {
	return changes > l.bulkThreshold
}

// Insert writes a new row.
func (l *Log) Insert(ctx context.Context, executor localstore.Executor, tableName string, row schema.Row) error {
	table, stored, err := l.prepare(tableName, row)
	if err != nil {
		return err
	}
	query, args, err := table.InsertSQL(stored)
	if err != nil {
		return err
	}
	if _, err := executor.Execute(ctx, query, args...); err != nil {
		return err
	}
	key, _ := table.KeyOf(stored)
	return l.record(ctx, executor, table, undoDelete, key, nil)
}

// Update changes values of the row identified by key. A missing row is a no-op.
func (l *Log) Update(ctx context.Context, executor localstore.Executor, tableName string, key schema.Row, values schema.Row) error {
	table, storedKey, err := l.prepare(tableName, key)
	if err != nil {
		return err
	}
	storedValues, err := table.DecodeRow(values)
	if err != nil {
		return err
	}
	for _, name := range table.PrimaryKey {
		if _, ok := storedValues[name]; ok {
			return fmt.Errorf("%w: %s.%s", ErrKeyChange, table.Name, name)
		}
	}
	prior, err := l.fetch(ctx, executor, table, storedKey)
	if err != nil || prior == nil {
		return err
	}
	query, args, err := table.UpdateSQL(storedKey, storedValues)
	if err != nil {
		return err
	}
	if _, err := executor.Execute(ctx, query, args...); err != nil {
		return err
	}
	return l.record(ctx, executor, table, undoRestore, storedKey, prior)
}

// Delete removes the row identified by key. A missing row is a no-op.
func (l *Log) Delete(ctx context.Context, executor localstore.Executor, tableName string, key schema.Row) error {
	table, storedKey, err := l.prepare(tableName, key)
	if err != nil {
		return err
	}
	prior, err := l.fetch(ctx, executor, table, storedKey)
	if err != nil || prior == nil {
		return err
	}
	query, args, err := table.DeleteSQL(storedKey)
	if err != nil {
		return err
	}
	if _, err := executor.Execute(ctx, query, args...); err != nil {
		return err
	}
	return l.record(ctx, executor, table, undoRestore, storedKey, prior)
}

// Upsert inserts or replaces a full row.
func (l *Log) Upsert(ctx context.Context, executor localstore.Executor, tableName string, row schema.Row) error {
	table, stored, err := l.prepare(tableName, row)
	if err != nil {
		return err
	}
	key, err := table.KeyOf(stored)
	if err != nil {
		return err
	}
	prior, err := l.fetch(ctx, executor, table, key)
	if err != nil {
		return err
	}
	query, args, err := table.ReplaceSQL(stored)
	if err != nil {
		return err
	}
	if _, err := executor.Execute(ctx, query, args...); err != nil {
		return err
	}
	if prior == nil {
		return l.record(ctx, executor, table, undoDelete, key, nil)
	}
	return l.record(ctx, executor, table, undoRestore, key, prior)
}

// Rollback executes every recorded undo operation, most recent first, as one
// batch, clears the log and re-activates capture. It returns the number of
// operations undone.
func (l *Log) Rollback(ctx context.Context, tx localstore.Tx) (int, error) {
	if tx == nil {
		return 0, ErrMissingExecutor
	}
	rows, err := tx.Execute(ctx, fmt.Sprintf(`SELECT id, operation FROM %s ORDER BY id DESC`, schema.QuoteIdentifier(TableName)))
	if err != nil {
		return 0, err
	}
	l.Deactivate()
	defer l.Activate()

	statements := make([]localstore.Statement, 0, len(rows))
	for _, row := range rows {
		statement, err := l.undoStatement(row)
		if err != nil {
			return 0, err
		}
		statements = append(statements, statement)
	}
	if len(statements) > 0 {
		if _, err := tx.ExecuteBatch(ctx, statements); err != nil {
			return 0, err
		}
	}
	if err := l.Clear(ctx, tx); err != nil {
		return 0, err
	}
	if len(statements) > 0 {
		l.logger.Debug("rollback log replayed", zap.Int("operations", len(statements)))
	}
	return len(statements), nil
}

// Clear empties the log without executing it.
func (l *Log) Clear(ctx context.Context, executor localstore.Executor) error {
	_, err := executor.Execute(ctx, "DELETE FROM "+schema.QuoteIdentifier(TableName))
	return err
}

// Len returns the number of recorded undo operations.
func (l *Log) Len(ctx context.Context, executor localstore.Executor) (int, error) {
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

func (l *Log) prepare(tableName string, row schema.Row) (schema.Table, schema.Row, error) {
	table, ok := l.schema.Table(tableName)
	if !ok {
		return schema.Table{}, nil, fmt.Errorf("%w: %s", ErrUnknownTable, tableName)
	}
	stored, err := table.DecodeRow(row)
	if err != nil {
		return schema.Table{}, nil, err
	}
	return table, stored, nil
}

func (l *Log) fetch(ctx context.Context, executor localstore.Executor, table schema.Table, key schema.Row) (schema.Row, error) {
	query, args, err := table.SelectByKeySQL(key)
	if err != nil {
		return nil, err
	}
	rows, err := executor.Execute(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (l *Log) record(ctx context.Context, executor localstore.Executor, table schema.Table, kind string, key schema.Row, prior schema.Row) error {
	if !l.Active() {
		return nil
	}
	keyCells, err := toCells(key)
	if err != nil {
		return err
	}
	operation := undoOperation{Table: table.Name, Kind: kind, Key: keyCells}
	if prior != nil {
		operation.Row, err = toCells(prior)
		if err != nil {
			return err
		}
	}
	encoded, err := json.Marshal(operation)
	if err != nil {
		return err
	}
	_, err = executor.Execute(ctx, fmt.Sprintf(`INSERT INTO %s (operation) VALUES (?)`, schema.QuoteIdentifier(TableName)), string(encoded))
	return err
}

func (l *Log) undoStatement(row schema.Row) (localstore.Statement, error) {
	encoded, ok := row["operation"].(string)
	if !ok {
		return localstore.Statement{}, fmt.Errorf("%w: operation %T", ErrMalformedEntry, row["operation"])
	}
	var operation undoOperation
	if err := json.Unmarshal([]byte(encoded), &operation); err != nil {
		return localstore.Statement{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	table, ok := l.schema.Table(operation.Table)
	if !ok {
		return localstore.Statement{}, fmt.Errorf("%w: %s", ErrUnknownTable, operation.Table)
	}
	var (
		query string
		args  []any
		err   error
	)
	switch operation.Kind {
	case undoDelete:
		query, args, err = table.DeleteSQL(fromCells(operation.Key))
	case undoRestore:
		query, args, err = table.ReplaceSQL(fromCells(operation.Row))
	default:
		err = fmt.Errorf("%w: kind %q", ErrMalformedEntry, operation.Kind)
	}
	if err != nil {
		return localstore.Statement{}, err
	}
	return localstore.Statement{SQL: query, Args: args}, nil
}
