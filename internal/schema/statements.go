package schema

import (
	"fmt"
	"strings"
)

// InsertSQL builds an INSERT for the columns present in row, in table order.
func (t Table) InsertSQL(row Row) (string, []any, error) {
	return t.insertSQL("INSERT", row)
}

// ReplaceSQL builds an INSERT OR REPLACE for the columns present in row.
func (t Table) ReplaceSQL(row Row) (string, []any, error) {
	return t.insertSQL("INSERT OR REPLACE", row)
}

func (t Table) insertSQL(verb string, row Row) (string, []any, error) {
	if _, err := t.KeyOf(row); err != nil {
		return "", nil, err
	}
	columns := make([]string, 0, len(row))
	args := make([]any, 0, len(row))
	for _, column := range t.Columns {
		value, ok := row[column.Name]
		if !ok {
			continue
		}
		columns = append(columns, QuoteIdentifier(column.Name))
		args = append(args, value)
	}
	if len(columns) != len(row) {
		return "", nil, t.unknownColumn(row)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	query := fmt.Sprintf("%s INTO %s (%s) VALUES (%s)", verb, QuoteIdentifier(t.Name), strings.Join(columns, ", "), placeholders)
	return query, args, nil
}

// UpdateSQL builds an UPDATE of values for the row identified by key.
func (t Table) UpdateSQL(key Row, values Row) (string, []any, error) {
	keyArgs, err := t.KeyArgs(key)
	if err != nil {
		return "", nil, err
	}
	assignments := make([]string, 0, len(values))
	args := make([]any, 0, len(values)+len(keyArgs))
	for _, column := range t.Columns {
		value, ok := values[column.Name]
		if !ok {
			continue
		}
		assignments = append(assignments, QuoteIdentifier(column.Name)+" = ?")
		args = append(args, value)
	}
	if len(assignments) != len(values) {
		return "", nil, t.unknownColumn(values)
	}
	if len(assignments) == 0 {
		return "", nil, fmt.Errorf("%w: %s update without columns", ErrInvalidValue, t.Name)
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", QuoteIdentifier(t.Name), strings.Join(assignments, ", "), t.KeyPredicate())
	return query, append(args, keyArgs...), nil
}

// DeleteSQL builds a DELETE for the row identified by key.
func (t Table) DeleteSQL(key Row) (string, []any, error) {
	keyArgs, err := t.KeyArgs(key)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s", QuoteIdentifier(t.Name), t.KeyPredicate()), keyArgs, nil
}

// SelectByKeySQL builds a SELECT of every column for the row identified by key.
func (t Table) SelectByKeySQL(key Row) (string, []any, error) {
	keyArgs, err := t.KeyArgs(key)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s", t.QuotedColumns(), QuoteIdentifier(t.Name), t.KeyPredicate()), keyArgs, nil
}

// ClearSQL deletes every row of the table.
func (t Table) ClearSQL() string {
	return "DELETE FROM " + QuoteIdentifier(t.Name)
}

func (t Table) unknownColumn(row Row) error {
	for name := range row {
		if _, ok := t.Column(name); !ok {
			return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, t.Name, name)
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownColumn, t.Name)
}
