package rowversion

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/tidesync/internal/localstore"
	"github.com/MarcoPoloResearchLab/tidesync/internal/schema"
	"gorm.io/gorm"
)

// DefaultBatchSize bounds the bound parameters of one entity fetch.
const DefaultBatchSize = 999

// View maps table name to entity id to row version.
type View map[string]map[string]int64

// Source reads the current server state for the diff engine.
type Source interface {
	FetchView(ctx context.Context, tx *gorm.DB) (View, error)
	FetchEntities(ctx context.Context, tx *gorm.DB, ids map[string][]string) (map[string][]schema.Row, error)
}

// SchemaSource reads every table of a schema, using each table's version
// column as the row version.
type SchemaSource struct {
	schema    schema.Schema
	batchSize int
}

// NewSchemaSource returns a Source over s. A non-positive batchSize selects
// DefaultBatchSize.
func NewSchemaSource(s schema.Schema, batchSize int) *SchemaSource {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &SchemaSource{schema: s, batchSize: batchSize}
}

func (s *SchemaSource) FetchView(ctx context.Context, tx *gorm.DB) (View, error) {
	view := make(View, len(s.schema.Tables()))
	for _, table := range s.schema.Tables() {
		columns := append(append([]string(nil), table.PrimaryKey...), table.VersionColumn)
		quoted := make([]string, 0, len(columns))
		for _, column := range columns {
			quoted = append(quoted, schema.QuoteIdentifier(column))
		}
		rows, err := queryRows(ctx, tx, fmt.Sprintf("SELECT %s FROM %s", strings.Join(quoted, ", "), schema.QuoteIdentifier(table.Name)))
		if err != nil {
			return nil, err
		}
		versionColumn, _ := table.Column(table.VersionColumn)
		entries := make(map[string]int64, len(rows))
		for _, row := range rows {
			id, err := table.EntityID(row)
			if err != nil {
				return nil, err
			}
			version, err := versionColumn.Decode(row[table.VersionColumn])
			if err != nil {
				return nil, err
			}
			number, _ := version.(int64)
			entries[id] = number
		}
		view[table.Name] = entries
	}
	return view, nil
}

func (s *SchemaSource) FetchEntities(ctx context.Context, tx *gorm.DB, ids map[string][]string) (map[string][]schema.Row, error) {
	result := make(map[string][]schema.Row, len(ids))
	for tableName, entityIDs := range ids {
		table, ok := s.schema.Table(tableName)
		if !ok {
			return nil, fmt.Errorf("%w: %s", schema.ErrUnknownTable, tableName)
		}
		perBatch := s.batchSize / len(table.PrimaryKey)
		if perBatch < 1 {
			perBatch = 1
		}
		rows := make([]schema.Row, 0, len(entityIDs))
		for start := 0; start < len(entityIDs); start += perBatch {
			end := start + perBatch
			if end > len(entityIDs) {
				end = len(entityIDs)
			}
			batch, err := s.fetchBatch(ctx, tx, table, entityIDs[start:end])
			if err != nil {
				return nil, err
			}
			rows = append(rows, batch...)
		}
		result[tableName] = rows
	}
	return result, nil
}

func (s *SchemaSource) fetchBatch(ctx context.Context, tx *gorm.DB, table schema.Table, entityIDs []string) ([]schema.Row, error) {
	predicates := make([]string, 0, len(entityIDs))
	args := make([]any, 0, len(entityIDs)*len(table.PrimaryKey))
	for _, entityID := range entityIDs {
		key, err := table.KeyFromEntityID(entityID)
		if err != nil {
			return nil, err
		}
		keyArgs, err := table.KeyArgs(key)
		if err != nil {
			return nil, err
		}
		args = append(args, keyArgs...)
		if !table.Composite() {
			predicates = append(predicates, "?")
			continue
		}
		predicates = append(predicates, "("+table.KeyPredicate()+")")
	}
	var where string
	if table.Composite() {
		where = strings.Join(predicates, " OR ")
	} else {
		where = fmt.Sprintf("%s IN (%s)", schema.QuoteIdentifier(table.PrimaryKey[0]), strings.Join(predicates, ", "))
	}
	orderBy := make([]string, 0, len(table.PrimaryKey))
	for _, key := range table.PrimaryKey {
		orderBy = append(orderBy, schema.QuoteIdentifier(key))
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s",
		table.QuotedColumns(), schema.QuoteIdentifier(table.Name), where, strings.Join(orderBy, ", "))
	return queryRows(ctx, tx, query, args...)
}

func queryRows(ctx context.Context, tx *gorm.DB, query string, args ...any) ([]schema.Row, error) {
	return localstore.QueryRows(tx.WithContext(ctx), query, args...)
}
