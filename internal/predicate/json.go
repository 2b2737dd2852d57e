package predicate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// MarshalJSON encodes the field predicate in vega-lite form.
func (f *Field) MarshalJSON() ([]byte, error) {
	out := map[string]any{"field": f.Field}
	switch f.Op {
	case OpRange:
		out["range"] = []any{storeValue(f.Range[0]), storeValue(f.Range[1])}
		if f.Inclusive {
			out["inclusive"] = true
		}
	case OpOneOf:
		out["oneOf"] = storeValue(f.Values)
	case OpValid:
		out["valid"] = true
	case OpEqual, OpLT, OpLTE, OpGT, OpGTE:
		out[string(f.Op)] = storeValue(f.Value)
	default:
		return nil, fmt.Errorf("%w: operator %q", ErrUnsupportedPredicate, f.Op)
	}
	return json.Marshal(out)
}

// MarshalJSON encodes the conjunction as {"and": [...]}.
func (a And) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string][]Predicate{"and": nonNil(a)})
}

// MarshalJSON encodes the disjunction as {"or": [...]}.
func (o Or) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string][]Predicate{"or": nonNil(o)})
}

// MarshalJSON encodes the negation as {"not": ...}.
func (n Not) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]Predicate{"not": n.P})
}

func nonNil(ps []Predicate) []Predicate {
	if ps == nil {
		return []Predicate{}
	}
	return ps
}

// Marshal encodes p. A nil predicate encodes as null.
func Marshal(p Predicate) ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	return json.Marshal(p)
}

// Parse decodes a vega-lite style predicate. JSON null decodes to nil.
func Parse(raw []byte) (Predicate, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("decode predicate: %w", err)
	}
	if body, ok := obj["and"]; ok {
		children, err := parseList(body)
		return And(children), err
	}
	if body, ok := obj["or"]; ok {
		children, err := parseList(body)
		return Or(children), err
	}
	if body, ok := obj["not"]; ok {
		inner, err := Parse(body)
		if err != nil {
			return nil, err
		}
		return Not{P: inner}, nil
	}
	return parseField(obj)
}

func parseList(body json.RawMessage) ([]Predicate, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("decode predicate list: %w", err)
	}
	out := make([]Predicate, 0, len(items))
	for _, item := range items {
		p, err := Parse(item)
		if err != nil {
			return nil, err
		}
		if p != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func parseField(obj map[string]json.RawMessage) (Predicate, error) {
	var name string
	rawName, ok := obj["field"]
	if !ok {
		return nil, errors.New("decode predicate: missing field")
	}
	if err := json.Unmarshal(rawName, &name); err != nil {
		return nil, fmt.Errorf("decode predicate field: %w", err)
	}
	value := func(key string) (any, error) {
		var v any
		if err := json.Unmarshal(obj[key], &v); err != nil {
			return nil, fmt.Errorf("decode predicate %s: %w", key, err)
		}
		return normalizeValue(v), nil
	}

	for _, op := range []Op{OpEqual, OpLT, OpLTE, OpGT, OpGTE} {
		if _, ok := obj[string(op)]; ok {
			v, err := value(string(op))
			if err != nil {
				return nil, err
			}
			return &Field{Field: name, Op: op, Value: v}, nil
		}
	}
	if _, ok := obj["range"]; ok {
		v, err := value("range")
		if err != nil {
			return nil, err
		}
		bounds, isList := v.([]any)
		if !isList || len(bounds) != 2 {
			return nil, fmt.Errorf("decode predicate range for %q: need two bounds", name)
		}
		inclusive := false
		if rawInc, ok := obj["inclusive"]; ok {
			if err := json.Unmarshal(rawInc, &inclusive); err != nil {
				return nil, fmt.Errorf("decode predicate inclusive: %w", err)
			}
		}
		return Range(name, bounds[0], bounds[1], inclusive), nil
	}
	if _, ok := obj["oneOf"]; ok {
		v, err := value("oneOf")
		if err != nil {
			return nil, err
		}
		values, isList := v.([]any)
		if !isList {
			return nil, fmt.Errorf("decode predicate oneOf for %q: need a list", name)
		}
		return OneOf(name, values...), nil
	}
	if _, ok := obj["valid"]; ok {
		return Valid(name), nil
	}
	return nil, fmt.Errorf("%w: no operator for field %q", ErrUnsupportedPredicate, name)
}

// Key returns a canonical identity for p. Logically equal predicates built
// separately share a key: conjunctions may be listed in a different order,
// nested, or wrap a single clause.
func Key(p Predicate) string {
	switch v := p.(type) {
	case nil:
		return "*"
	case And:
		flat := flattenAnd(nil, v)
		if len(flat) == 1 {
			return Key(flat[0])
		}
		return "and(" + joinKeys(flat) + ")"
	case Or:
		return "or(" + joinKeys(v) + ")"
	case Not:
		return "not(" + Key(v.P) + ")"
	case *Field:
		if v == nil {
			return "*"
		}
		switch v.Op {
		case OpRange:
			return fmt.Sprintf("%s range %s %s %t", v.Field, keyValue(v.Range[0]), keyValue(v.Range[1]), v.Inclusive)
		case OpOneOf:
			return fmt.Sprintf("%s oneOf %s", v.Field, keyValue(v.Values))
		case OpValid:
			return v.Field + " valid"
		}
		return fmt.Sprintf("%s %s %s", v.Field, v.Op, keyValue(v.Value))
	}
	return fmt.Sprintf("%T", p)
}

// flattenAnd inlines non-empty nested conjunctions. An empty one matches
// nothing and is kept as a clause.
func flattenAnd(dst []Predicate, and And) []Predicate {
	for _, c := range and {
		if inner, ok := c.(And); ok && len(inner) > 0 {
			dst = flattenAnd(dst, inner)
			continue
		}
		dst = append(dst, c)
	}
	return dst
}

func joinKeys(ps []Predicate) string {
	keys := make([]string, 0, len(ps))
	for _, c := range ps {
		keys = append(keys, Key(c))
	}
	slices.Sort(keys)
	return strings.Join(keys, ",")
}

func keyValue(v any) string {
	switch val := storeValue(v).(type) {
	case nil:
		return "null"
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case string:
		return strconv.Quote(val)
	case []any:
		parts := make([]string, 0, len(val))
		for _, x := range val {
			parts = append(parts, keyValue(x))
		}
		return "[" + strings.Join(parts, " ") + "]"
	default:
		return fmt.Sprint(val)
	}
}
