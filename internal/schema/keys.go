package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// KeyOf extracts the primary key columns of a row.
func (t Table) KeyOf(row Row) (Row, error) {
	key := make(Row, len(t.PrimaryKey))
	for _, name := range t.PrimaryKey {
		value, ok := row[name]
		if !ok || value == nil {
			return nil, fmt.Errorf("%w: %s.%s", ErrMissingKey, t.Name, name)
		}
		key[name] = value
	}
	return key, nil
}

// KeyArgs returns the key values in primary key order.
func (t Table) KeyArgs(key Row) ([]any, error) {
	args := make([]any, 0, len(t.PrimaryKey))
	for _, name := range t.PrimaryKey {
		value, ok := key[name]
		if !ok || value == nil {
			return nil, fmt.Errorf("%w: %s.%s", ErrMissingKey, t.Name, name)
		}
		args = append(args, value)
	}
	return args, nil
}

// EntityID renders the primary key of a storage row as the string used in
// client views. Single-column keys render as their scalar text; composite
// keys render as a JSON array of the transport-encoded key values.
func (t Table) EntityID(row Row) (string, error) {
	key, err := t.KeyOf(row)
	if err != nil {
		return "", err
	}
	if !t.Composite() {
		column, _ := t.Column(t.PrimaryKey[0])
		return scalarText(column, key[column.Name])
	}
	values := make([]any, 0, len(t.PrimaryKey))
	for _, name := range t.PrimaryKey {
		column, _ := t.Column(name)
		encoded, err := column.Encode(key[name])
		if err != nil {
			return "", err
		}
		values = append(values, encoded)
	}
	rendered, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(rendered), nil
}

// DeleteID converts an entity id back into the transport delete
// representation: the scalar key for single-column keys, an object keyed by
// column name for composite keys.
func (t Table) DeleteID(entityID string) (any, error) {
	if !t.Composite() {
		column, _ := t.Column(t.PrimaryKey[0])
		if column.Type == TypeInteger {
			return strconv.ParseInt(entityID, 10, 64)
		}
		return entityID, nil
	}
	decoder := json.NewDecoder(bytes.NewReader([]byte(entityID)))
	decoder.UseNumber()
	var values []any
	if err := decoder.Decode(&values); err != nil {
		return nil, fmt.Errorf("%w: %s entity id %q", ErrInvalidValue, t.Name, entityID)
	}
	if len(values) != len(t.PrimaryKey) {
		return nil, fmt.Errorf("%w: %s entity id %q has %d parts", ErrInvalidValue, t.Name, entityID, len(values))
	}
	object := make(map[string]any, len(values))
	for index, name := range t.PrimaryKey {
		object[name] = values[index]
	}
	return object, nil
}

// KeyFromDeleteID converts a transport delete id into a storage key row.
func (t Table) KeyFromDeleteID(id any) (Row, error) {
	if !t.Composite() {
		column, _ := t.Column(t.PrimaryKey[0])
		if _, isObject := id.(map[string]any); isObject {
			return nil, fmt.Errorf("%w: %s expects a scalar delete id", ErrInvalidValue, t.Name)
		}
		value, err := column.Decode(id)
		if err != nil {
			return nil, err
		}
		return Row{column.Name: value}, nil
	}
	object, ok := id.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s expects an object delete id", ErrInvalidValue, t.Name)
	}
	key := make(Row, len(t.PrimaryKey))
	for _, name := range t.PrimaryKey {
		raw, present := object[name]
		if !present {
			return nil, fmt.Errorf("%w: %s.%s", ErrMissingKey, t.Name, name)
		}
		column, _ := t.Column(name)
		value, err := column.Decode(raw)
		if err != nil {
			return nil, err
		}
		key[name] = value
	}
	return key, nil
}

func scalarText(column Column, value any) (string, error) {
	switch typed := value.(type) {
	case string:
		return typed, nil
	case []byte:
		return string(typed), nil
	}
	if column.Type == TypeInteger {
		number, err := toInt64(value)
		if err != nil {
			return "", column.invalid(value, err)
		}
		return strconv.FormatInt(number, 10), nil
	}
	encoded, err := column.Encode(value)
	if err != nil {
		return "", err
	}
	return fmt.Sprint(encoded), nil
}

// KeyFromEntityID converts an entity id back into a storage key row.
func (t Table) KeyFromEntityID(entityID string) (Row, error) {
	id, err := t.DeleteID(entityID)
	if err != nil {
		return nil, err
	}
	return t.KeyFromDeleteID(id)
}
