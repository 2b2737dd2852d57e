package predicate

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-umwelt/internal/data"
)

// Selection store tuple types understood by the chart renderer.
const (
	TypeEnum      = "E"
	TypeRangeInc  = "R"
	TypeRangeExc  = "R-E"
	TypeRangeLE   = "R-LE"
	TypeRangeRE   = "R-RE"
	TypePredLT    = "E-LT"
	TypePredLTE   = "E-LTE"
	TypePredGT    = "E-GT"
	TypePredGTE   = "E-GTE"
	TypePredValid = "E-VALID"
	TypePredOneOf = "E-ONE"
)

// StoreField names a field and the test applied to it.
type StoreField struct {
	Field string `json:"field"`
	Type  string `json:"type"`
}

// Tuple is one selection entry: parallel arrays of fields and operands.
type Tuple struct {
	Unit   string       `json:"unit"`
	Fields []StoreField `json:"fields"`
	Values []any        `json:"values"`
}

// Store is the chart renderer's native selection representation.
type Store []Tuple

// ToStore flattens a field predicate or a conjunction of them into a single
// tuple. Disjunction and negation cannot be expressed and yield
// ErrUnsupportedPredicate. A nil predicate yields a nil store and the empty
// conjunction an empty one.
func ToStore(p Predicate) (Store, error) {
	if p == nil {
		return nil, nil
	}
	var tuple Tuple
	if err := appendTuple(&tuple, p); err != nil {
		return nil, err
	}
	if len(tuple.Fields) == 0 {
		return Store{}, nil
	}
	return Store{tuple}, nil
}

func appendTuple(t *Tuple, p Predicate) error {
	switch v := p.(type) {
	case And:
		for _, c := range v {
			if err := appendTuple(t, c); err != nil {
				return err
			}
		}
		return nil
	case Or:
		return fmt.Errorf("%w: disjunction cannot be written to a selection store", ErrUnsupportedPredicate)
	case Not:
		return fmt.Errorf("%w: negation cannot be written to a selection store", ErrUnsupportedPredicate)
	case *Field:
		if v == nil {
			return nil
		}
		typ, value, err := tupleEntry(v)
		if err != nil {
			return err
		}
		t.Fields = append(t.Fields, StoreField{Field: v.Field, Type: typ})
		t.Values = append(t.Values, value)
		return nil
	}
	return fmt.Errorf("%w: %T", ErrUnsupportedPredicate, p)
}

func tupleEntry(f *Field) (string, any, error) {
	switch f.Op {
	case OpEqual:
		return TypeEnum, storeValue(f.Value), nil
	case OpLT:
		return TypePredLT, storeValue(f.Value), nil
	case OpLTE:
		return TypePredLTE, storeValue(f.Value), nil
	case OpGT:
		return TypePredGT, storeValue(f.Value), nil
	case OpGTE:
		return TypePredGTE, storeValue(f.Value), nil
	case OpRange:
		value := []any{storeValue(f.Range[0]), storeValue(f.Range[1])}
		if f.Inclusive {
			return TypeRangeInc, value, nil
		}
		return TypeRangeRE, value, nil
	case OpOneOf:
		return TypePredOneOf, storeValue(f.Values), nil
	case OpValid:
		return TypePredValid, true, nil
	}
	return "", nil, fmt.Errorf("%w: operator %q", ErrUnsupportedPredicate, f.Op)
}

// storeValue converts instants to epoch milliseconds, the chart's encoding.
func storeValue(v any) any {
	switch val := v.(type) {
	case time.Time:
		return float64(val.UnixMilli())
	case []any:
		out := make([]any, len(val))
		for i, x := range val {
			out[i] = storeValue(x)
		}
		return out
	}
	return data.Normalize(v)
}

// FromStore converts a selection store into a predicate. A nil store selects
// everything and yields a nil predicate; an empty one is the empty
// conjunction. A single-entry tuple yields a bare field predicate and several
// tuples, as produced by multi-point selections, yield a disjunction.
func FromStore(store Store) (Predicate, error) {
	if store == nil {
		return nil, nil
	}
	if len(store) == 0 {
		return And{}, nil
	}
	preds := make(Or, 0, len(store))
	for _, t := range store {
		p, err := fromTuple(t)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	if len(preds) == 1 {
		return preds[0], nil
	}
	return preds, nil
}

func fromTuple(t Tuple) (Predicate, error) {
	if len(t.Fields) != len(t.Values) {
		return nil, fmt.Errorf("selection tuple has %d fields and %d values", len(t.Fields), len(t.Values))
	}
	and := make(And, 0, len(t.Fields))
	for i, f := range t.Fields {
		p, err := fromEntry(f, t.Values[i])
		if err != nil {
			return nil, err
		}
		and = append(and, p)
	}
	if len(and) == 1 {
		return and[0], nil
	}
	return and, nil
}

func fromEntry(f StoreField, value any) (Predicate, error) {
	value = normalizeValue(value)
	switch f.Type {
	case TypeEnum:
		return Equal(f.Field, value), nil
	case TypePredLT:
		return LT(f.Field, value), nil
	case TypePredLTE:
		return LTE(f.Field, value), nil
	case TypePredGT:
		return GT(f.Field, value), nil
	case TypePredGTE:
		return GTE(f.Field, value), nil
	case TypeRangeInc, TypeRangeRE:
		bounds, ok := value.([]any)
		if !ok || len(bounds) != 2 {
			return nil, fmt.Errorf("selection range for %q must have two bounds", f.Field)
		}
		return Range(f.Field, bounds[0], bounds[1], f.Type == TypeRangeInc), nil
	case TypePredOneOf:
		values, ok := value.([]any)
		if !ok {
			values = []any{value}
		}
		return OneOf(f.Field, values...), nil
	case TypePredValid:
		return Valid(f.Field), nil
	case TypeRangeExc, TypeRangeLE:
		return nil, fmt.Errorf("%w: open-ended range type %q", ErrUnsupportedPredicate, f.Type)
	}
	return nil, fmt.Errorf("%w: selection type %q", ErrUnsupportedPredicate, f.Type)
}

func normalizeValue(v any) any {
	if list, ok := v.([]any); ok {
		out := make([]any, len(list))
		for i, x := range list {
			out[i] = normalizeValue(x)
		}
		return out
	}
	return data.Normalize(v)
}
