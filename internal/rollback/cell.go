package rollback

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tidesync/internal/schema"
)

// cell preserves the exact sqlite storage class of a value through JSON.
type cell struct {
	Kind string  `json:"k"`
	Int  int64   `json:"i,omitempty"`
	Real float64 `json:"r,omitempty"`
	Text string  `json:"s,omitempty"`
	Blob []byte  `json:"b,omitempty"`
}

const (
	cellNull = "null"
	cellInt  = "int"
	cellReal = "real"
	cellText = "text"
	cellBlob = "blob"
)

func toCell(value any) (cell, error) {
	switch typed := value.(type) {
	case nil:
		return cell{Kind: cellNull}, nil
	case int64:
		return cell{Kind: cellInt, Int: typed}, nil
	case int:
		return cell{Kind: cellInt, Int: int64(typed)}, nil
	case bool:
		if typed {
			return cell{Kind: cellInt, Int: 1}, nil
		}
		return cell{Kind: cellInt, Int: 0}, nil
	case float64:
		return cell{Kind: cellReal, Real: typed}, nil
	case string:
		return cell{Kind: cellText, Text: typed}, nil
	case []byte:
		return cell{Kind: cellBlob, Blob: append([]byte(nil), typed...)}, nil
	case time.Time:
		return cell{Kind: cellInt, Int: typed.UnixMilli()}, nil
	default:
		return cell{}, fmt.Errorf("rollback: unsupported storage value %T", value)
	}
}

func (c cell) value() any {
	switch c.Kind {
	case cellInt:
		return c.Int
	case cellReal:
		return c.Real
	case cellText:
		return c.Text
	case cellBlob:
		if c.Blob == nil {
			return []byte{}
		}
		return c.Blob
	default:
		return nil
	}
}

func toCells(row schema.Row) (map[string]cell, error) {
	cells := make(map[string]cell, len(row))
	for name, value := range row {
		converted, err := toCell(value)
		if err != nil {
			return nil, err
		}
		cells[name] = converted
	}
	return cells, nil
}

func fromCells(cells map[string]cell) schema.Row {
	row := make(schema.Row, len(cells))
	for name, value := range cells {
		row[name] = value.value()
	}
	return row
}
