package data

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Row is one datum keyed by field name. Values are float64, string, bool,
// time.Time or nil once the row has been coerced.
type Row map[string]any

// Dataset is an immutable list of rows with a stable identity. A changed
// dataset must be wrapped in a new Dataset so caches keyed by ID invalidate.
type Dataset struct {
	ID   uuid.UUID
	Rows []Row
}

// New wraps rows under a fresh identity.
func New(rows []Row) *Dataset {
	return &Dataset{ID: uuid.New(), Rows: rows}
}

// Len returns the number of rows.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Rows)
}

// Column returns the values of field in row order.
func (d *Dataset) Column(field string) []any {
	out := make([]any, 0, d.Len())
	if d == nil {
		return out
	}
	for _, r := range d.Rows {
		out = append(out, r[field])
	}
	return out
}

// Sum adds the numeric values of field. Non-numeric values are skipped.
func Sum(rows []Row, field string) float64 {
	var total float64
	for _, r := range rows {
		if v, ok := ToNumber(r[field]); ok {
			total += v
		}
	}
	return total
}

// LoadJSON reads a JSON array of objects.
func LoadJSON(path string) ([]Row, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	return DecodeJSON(raw)
}

// DecodeJSON decodes a JSON array of objects.
func DecodeJSON(raw []byte) ([]Row, error) {
	var rows []Row
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode dataset: %w", err)
	}
	return rows, nil
}

// FromMaps converts generic maps, as produced by YAML inline values, into rows.
func FromMaps(values []map[string]any) []Row {
	rows := make([]Row, 0, len(values))
	for _, v := range values {
		r := make(Row, len(v))
		for k, val := range v {
			r[k] = val
		}
		rows = append(rows, r)
	}
	return rows
}
