package schema

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// TimestampLayout is the wire encoding of timestamp columns.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

var ErrInvalidValue = errors.New("schema: invalid column value")

// Encode converts a storage value into its transport representation.
func (c Column) Encode(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch c.Type {
	case TypeText:
		switch typed := value.(type) {
		case string:
			return typed, nil
		case []byte:
			return string(typed), nil
		}
	case TypeInteger:
		return toInt64(value)
	case TypeReal:
		return toFloat64(value)
	case TypeBoolean:
		if typed, ok := value.(bool); ok {
			return typed, nil
		}
		number, err := toInt64(value)
		if err != nil {
			return nil, c.invalid(value, err)
		}
		return number != 0, nil
	case TypeTimestamp:
		if typed, ok := value.(time.Time); ok {
			return typed.UTC().Format(TimestampLayout), nil
		}
		millis, err := toInt64(value)
		if err != nil {
			return nil, c.invalid(value, err)
		}
		return time.UnixMilli(millis).UTC().Format(TimestampLayout), nil
	case TypeBlob:
		switch typed := value.(type) {
		case []byte:
			return append([]byte(nil), typed...), nil
		case string:
			return []byte(typed), nil
		}
	case TypeJSON:
		var raw []byte
		switch typed := value.(type) {
		case string:
			raw = []byte(typed)
		case []byte:
			raw = typed
		default:
			return nil, c.invalid(value, nil)
		}
		if !json.Valid(raw) {
			return nil, c.invalid(value, errors.New("not valid json"))
		}
		return json.RawMessage(append([]byte(nil), raw...)), nil
	}
	return nil, c.invalid(value, nil)
}

// Decode converts a transport value back into its storage representation.
// Transport values may be raw JSON or come from a json.Decoder with or
// without UseNumber. JSON columns keep raw input byte for byte, and strings
// given for them must already hold JSON text. Decode is idempotent on
// storage values.
func (c Column) Decode(value any) (any, error) {
	if raw, ok := value.(json.RawMessage); ok {
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			return nil, nil
		}
		if c.Type == TypeJSON {
			return string(trimmed), nil
		}
		decoder := json.NewDecoder(bytes.NewReader(trimmed))
		decoder.UseNumber()
		var decoded any
		if err := decoder.Decode(&decoded); err != nil {
			return nil, c.invalid(value, err)
		}
		value = decoded
	}
	if value == nil {
		return nil, nil
	}
	switch c.Type {
	case TypeText:
		if typed, ok := value.(string); ok {
			return typed, nil
		}
	case TypeInteger:
		number, err := toInt64(value)
		if err != nil {
			return nil, c.invalid(value, err)
		}
		return number, nil
	case TypeReal:
		number, err := toFloat64(value)
		if err != nil {
			return nil, c.invalid(value, err)
		}
		return number, nil
	case TypeBoolean:
		if typed, ok := value.(bool); ok {
			if typed {
				return int64(1), nil
			}
			return int64(0), nil
		}
		number, err := toInt64(value)
		if err != nil {
			return nil, c.invalid(value, err)
		}
		if number != 0 {
			return int64(1), nil
		}
		return int64(0), nil
	case TypeTimestamp:
		switch typed := value.(type) {
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, typed)
			if err != nil {
				return nil, c.invalid(value, err)
			}
			return parsed.UnixMilli(), nil
		case time.Time:
			return typed.UnixMilli(), nil
		}
		millis, err := toInt64(value)
		if err != nil {
			return nil, c.invalid(value, err)
		}
		return millis, nil
	case TypeBlob:
		switch typed := value.(type) {
		case []byte:
			return append([]byte(nil), typed...), nil
		case string:
			decoded, err := base64.StdEncoding.DecodeString(typed)
			if err != nil {
				return nil, c.invalid(value, err)
			}
			return decoded, nil
		}
	case TypeJSON:
		switch typed := value.(type) {
		case json.RawMessage:
			return string(typed), nil
		case string:
			if !json.Valid([]byte(typed)) {
				return nil, c.invalid(value, errors.New("not valid json"))
			}
			return typed, nil
		case []byte:
			if !json.Valid(typed) {
				return nil, c.invalid(value, errors.New("not valid json"))
			}
			return string(typed), nil
		default:
			encoded, err := json.Marshal(typed)
			if err != nil {
				return nil, c.invalid(value, err)
			}
			return string(encoded), nil
		}
	}
	return nil, c.invalid(value, nil)
}

func (c Column) invalid(value any, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s (%s) cannot hold %T", ErrInvalidValue, c.Name, c.Type, value)
	}
	return fmt.Errorf("%w: %s (%s) cannot hold %T: %v", ErrInvalidValue, c.Name, c.Type, value, cause)
}

// EncodeRow converts a storage row into its transport form.
func (t Table) EncodeRow(row Row) (Row, error) {
	encoded := make(Row, len(row))
	for name, value := range row {
		column, ok := t.Column(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, t.Name, name)
		}
		converted, err := column.Encode(value)
		if err != nil {
			return nil, err
		}
		encoded[name] = converted
	}
	return encoded, nil
}

// DecodeRow converts a transport row into storage values.
func (t Table) DecodeRow(row Row) (Row, error) {
	decoded := make(Row, len(row))
	for name, value := range row {
		column, ok := t.Column(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, t.Name, name)
		}
		converted, err := column.Decode(value)
		if err != nil {
			return nil, err
		}
		decoded[name] = converted
	}
	return decoded, nil
}

func toInt64(value any) (int64, error) {
	switch typed := value.(type) {
	case int64:
		return typed, nil
	case int:
		return int64(typed), nil
	case int32:
		return int64(typed), nil
	case uint32:
		return int64(typed), nil
	case uint64:
		if typed > math.MaxInt64 {
			return 0, errors.New("integer overflow")
		}
		return int64(typed), nil
	case bool:
		if typed {
			return 1, nil
		}
		return 0, nil
	case float64:
		if typed != math.Trunc(typed) {
			return 0, errors.New("not an integer")
		}
		return int64(typed), nil
	case json.Number:
		return typed.Int64()
	case string:
		return strconv.ParseInt(typed, 10, 64)
	case []byte:
		return strconv.ParseInt(string(typed), 10, 64)
	default:
		return 0, fmt.Errorf("unexpected %T", value)
	}
}

func toFloat64(value any) (float64, error) {
	switch typed := value.(type) {
	case float64:
		return typed, nil
	case float32:
		return float64(typed), nil
	case int64:
		return float64(typed), nil
	case int:
		return float64(typed), nil
	case json.Number:
		return typed.Float64()
	case string:
		return strconv.ParseFloat(typed, 64)
	default:
		return 0, fmt.Errorf("unexpected %T", value)
	}
}
