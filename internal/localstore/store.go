// Package localstore adapts an embedded sqlite database to the row-store
// interface consumed by the sync engine.
package localstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/tidesync/internal/schema"
	"gorm.io/gorm"
)

var ErrMissingDatabase = errors.New("localstore: database handle is required")

// Statement is one parameterized SQL statement.
type Statement struct {
	SQL  string
	Args []any
}

// Executor runs statements against the store or an open transaction.
type Executor interface {
	Execute(ctx context.Context, query string, args ...any) ([]schema.Row, error)
	ExecuteBatch(ctx context.Context, statements []Statement) ([][]schema.Row, error)
}

// Tx is an open transaction. Transaction on a Tx opens a savepoint that is
// rolled back alone when fn fails.
type Tx interface {
	Executor
	Transaction(ctx context.Context, fn func(tx Tx) error) error
}

// Store is the root handle of a replica database.
type Store interface {
	Executor
	Transaction(ctx context.Context, fn func(tx Tx) error) error
}

// GormStore implements Store over gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an opened gorm database.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, ErrMissingDatabase
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Execute(ctx context.Context, query string, args ...any) ([]schema.Row, error) {
	return execute(s.db.WithContext(ctx), query, args)
}

func (s *GormStore) ExecuteBatch(ctx context.Context, statements []Statement) ([][]schema.Row, error) {
	var results [][]schema.Row
	err := s.Transaction(ctx, func(tx Tx) error {
		var batchErr error
		results, batchErr = tx.ExecuteBatch(ctx, statements)
		return batchErr
	})
	return results, err
}

func (s *GormStore) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) Execute(ctx context.Context, query string, args ...any) ([]schema.Row, error) {
	return execute(t.db.WithContext(ctx), query, args)
}

func (t *gormTx) ExecuteBatch(ctx context.Context, statements []Statement) ([][]schema.Row, error) {
	results := make([][]schema.Row, 0, len(statements))
	session := t.db.WithContext(ctx)
	for index, statement := range statements {
		rows, err := execute(session, statement.SQL, statement.Args)
		if err != nil {
			return nil, fmt.Errorf("batch statement %d: %w", index, err)
		}
		results = append(results, rows)
	}
	return results, nil
}

func (t *gormTx) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	return t.db.WithContext(ctx).Transaction(func(nested *gorm.DB) error {
		return fn(&gormTx{db: nested})
	})
}

func execute(db *gorm.DB, query string, args []any) ([]schema.Row, error) {
	if !returnsRows(query) {
		return nil, db.Exec(query, args...).Error
	}
	return QueryRows(db, query, args...)
}

// QueryRows runs a read and returns each row keyed by column name. Values
// are the driver values as stored: int64, float64, string, []byte or nil.
func QueryRows(db *gorm.DB, query string, args ...any) ([]schema.Row, error) {
	rows, err := db.Raw(query, args...).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	result := make([]schema.Row, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		targets := make([]any, len(columns))
		for index := range values {
			targets[index] = &values[index]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, err
		}
		row := make(schema.Row, len(columns))
		for index, column := range columns {
			row[column] = values[index]
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ReadOnly reports whether query is a plain read that cannot change rows.
func ReadOnly(query string) bool {
	head := strings.ToUpper(strings.TrimSpace(query))
	if strings.Contains(head, " RETURNING ") {
		return false
	}
	for _, prefix := range []string{"SELECT", "VALUES"} {
		if strings.HasPrefix(head, prefix) {
			return true
		}
	}
	if !strings.HasPrefix(head, "WITH") {
		return false
	}
	for _, verb := range []string{"INSERT", "UPDATE", "DELETE", "REPLACE"} {
		if strings.Contains(head, verb+" ") {
			return false
		}
	}
	return true
}

func returnsRows(query string) bool {
	head := strings.ToUpper(strings.TrimSpace(query))
	for _, prefix := range []string{"SELECT", "WITH", "PRAGMA", "VALUES"} {
		if strings.HasPrefix(head, prefix) {
			return true
		}
	}
	return strings.Contains(head, " RETURNING ")
}
