// Package schema describes the synchronized tables shared by the server and
// client replicas: their columns, primary keys and row-version column.
package schema

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DefaultVersionColumn is the per-row counter bumped on every server write.
const DefaultVersionColumn = "version"

var (
	ErrInvalidIdentifier = errors.New("schema: invalid identifier")
	ErrReservedTable     = errors.New("schema: reserved table name")
	ErrDuplicateTable    = errors.New("schema: duplicate table")
	ErrDuplicateColumn   = errors.New("schema: duplicate column")
	ErrMissingPrimaryKey = errors.New("schema: primary key required")
	ErrUnknownColumn     = errors.New("schema: unknown column")
	ErrUnknownTable      = errors.New("schema: unknown table")
	ErrMissingKey        = errors.New("schema: primary key value missing")
	ErrUnsupportedType   = errors.New("schema: unsupported column type")
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// ColumnType names the logical type of a column. Storage and transport
// encodings are derived from it.
type ColumnType string

const (
	TypeText      ColumnType = "text"
	TypeInteger   ColumnType = "integer"
	TypeReal      ColumnType = "real"
	TypeBoolean   ColumnType = "boolean"
	TypeTimestamp ColumnType = "timestamp"
	TypeBlob      ColumnType = "blob"
	TypeJSON      ColumnType = "json"
)

func (t ColumnType) storageType() (string, error) {
	switch t {
	case TypeText, TypeJSON:
		return "TEXT", nil
	case TypeInteger, TypeBoolean, TypeTimestamp:
		return "INTEGER", nil
	case TypeReal:
		return "REAL", nil
	case TypeBlob:
		return "BLOB", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, string(t))
	}
}

// Column describes one column of a synchronized table.
type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
}

// Row maps column names to values. Depending on where it is used the values
// are storage values (driver types) or transport values (JSON types).
type Row map[string]any

// Table describes one synchronized table.
type Table struct {
	Name          string
	Columns       []Column
	PrimaryKey    []string
	VersionColumn string
}

// Schema is a validated, ordered set of tables.
type Schema struct {
	tables []Table
	index  map[string]int
}

// New validates the supplied tables and returns a Schema preserving their order.
func New(tables ...Table) (Schema, error) {
	s := Schema{
		tables: make([]Table, 0, len(tables)),
		index:  make(map[string]int, len(tables)),
	}
	for _, table := range tables {
		if err := table.validate(); err != nil {
			return Schema{}, err
		}
		if _, exists := s.index[table.Name]; exists {
			return Schema{}, fmt.Errorf("%w: %s", ErrDuplicateTable, table.Name)
		}
		if table.VersionColumn == "" {
			table.VersionColumn = DefaultVersionColumn
		}
		if _, ok := table.Column(table.VersionColumn); !ok {
			return Schema{}, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table.Name, table.VersionColumn)
		}
		s.index[table.Name] = len(s.tables)
		s.tables = append(s.tables, table)
	}
	return s, nil
}

// MustNew is New for package-level schema declarations.
func MustNew(tables ...Table) Schema {
	s, err := New(tables...)
	if err != nil {
		panic(err)
	}
	return s
}

// Tables returns the tables in declaration order.
func (s Schema) Tables() []Table {
	return append([]Table(nil), s.tables...)
}

// Table looks a table up by name.
func (s Schema) Table(name string) (Table, bool) {
	position, ok := s.index[name]
	if !ok {
		return Table{}, false
	}
	return s.tables[position], true
}

// TableNames returns the table names in declaration order.
func (s Schema) TableNames() []string {
	names := make([]string, 0, len(s.tables))
	for _, table := range s.tables {
		names = append(names, table.Name)
	}
	return names
}

// IsInternalTable reports whether a table name belongs to engine bookkeeping
// rather than application data.
func IsInternalTable(name string) bool {
	return strings.HasPrefix(name, "_") || strings.HasPrefix(strings.ToLower(name), "sqlite_")
}

func (t Table) validate() error {
	if IsInternalTable(t.Name) {
		return fmt.Errorf("%w: %s", ErrReservedTable, t.Name)
	}
	if !identifierPattern.MatchString(t.Name) {
		return fmt.Errorf("%w: table %q", ErrInvalidIdentifier, t.Name)
	}
	seen := make(map[string]struct{}, len(t.Columns))
	for _, column := range t.Columns {
		if !identifierPattern.MatchString(column.Name) {
			return fmt.Errorf("%w: column %q", ErrInvalidIdentifier, column.Name)
		}
		if _, err := column.Type.storageType(); err != nil {
			return err
		}
		if _, dup := seen[column.Name]; dup {
			return fmt.Errorf("%w: %s.%s", ErrDuplicateColumn, t.Name, column.Name)
		}
		seen[column.Name] = struct{}{}
	}
	if len(t.PrimaryKey) == 0 {
		return fmt.Errorf("%w: %s", ErrMissingPrimaryKey, t.Name)
	}
	for _, key := range t.PrimaryKey {
		if _, ok := seen[key]; !ok {
			return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, t.Name, key)
		}
	}
	return nil
}

// Column returns the named column.
func (t Table) Column(name string) (Column, bool) {
	for _, column := range t.Columns {
		if column.Name == name {
			return column, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the column names in declaration order.
func (t Table) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for _, column := range t.Columns {
		names = append(names, column.Name)
	}
	return names
}

// Composite reports whether rows are identified by more than one column.
func (t Table) Composite() bool {
	return len(t.PrimaryKey) > 1
}

// CreateStatement returns idempotent DDL for the table.
func (t Table) CreateStatement() string {
	definitions := make([]string, 0, len(t.Columns)+1)
	for _, column := range t.Columns {
		storageType, _ := column.Type.storageType()
		definition := QuoteIdentifier(column.Name) + " " + storageType
		if !column.Nullable {
			definition += " NOT NULL"
		}
		definitions = append(definitions, definition)
	}
	definitions = append(definitions, "PRIMARY KEY ("+quoteList(t.PrimaryKey)+")")
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", QuoteIdentifier(t.Name), strings.Join(definitions, ", "))
}

// QuoteIdentifier double-quotes an identifier for sqlite.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteList(names []string) string {
	quoted := make([]string, 0, len(names))
	for _, name := range names {
		quoted = append(quoted, QuoteIdentifier(name))
	}
	return strings.Join(quoted, ", ")
}

// QuotedColumns returns the quoted, comma separated column list.
func (t Table) QuotedColumns() string {
	return quoteList(t.ColumnNames())
}

// KeyPredicate returns a `"a" = ? AND "b" = ?` clause over the primary key.
func (t Table) KeyPredicate() string {
	parts := make([]string, 0, len(t.PrimaryKey))
	for _, key := range t.PrimaryKey {
		parts = append(parts, QuoteIdentifier(key)+" = ?")
	}
	return strings.Join(parts, " AND ")
}
