package predicate

import (
	"fmt"
	"math"
	"time"

	"github.com/loqalabs/loqa-umwelt/internal/data"
	"github.com/loqalabs/loqa-umwelt/internal/spec"
)

// Matches evaluates p against a row.
func Matches(row data.Row, p Predicate) bool {
	switch v := p.(type) {
	case nil:
		return true
	case And:
		if len(v) == 0 {
			return false
		}
		for _, c := range v {
			if !Matches(row, c) {
				return false
			}
		}
		return true
	case Or:
		for _, c := range v {
			if Matches(row, c) {
				return true
			}
		}
		return false
	case Not:
		return !Matches(row, v.P)
	case *Field:
		if v == nil {
			return true
		}
		return v.test(row[v.Field])
	}
	return false
}

// Filter returns the rows matching p, preserving order.
func Filter(rows []data.Row, p Predicate) []data.Row {
	if p == nil {
		return rows
	}
	out := make([]data.Row, 0, len(rows))
	for _, r := range rows {
		if Matches(r, p) {
			out = append(out, r)
		}
	}
	return out
}

func (f *Field) test(value any) bool {
	value = data.Normalize(value)
	switch f.Op {
	case OpEqual:
		if set, ok := f.Value.([]any); ok {
			return member(value, set)
		}
		return value != nil && data.Equal(value, f.Value)
	case OpOneOf:
		return member(value, f.Values)
	case OpRange:
		if value == nil || f.Range[0] == nil || f.Range[1] == nil {
			return false
		}
		if data.Compare(value, f.Range[0]) < 0 {
			return false
		}
		c := data.Compare(value, f.Range[1])
		if f.Inclusive {
			return c <= 0
		}
		return c < 0
	case OpLT:
		return ordered(value, f.Value, func(c int) bool { return c < 0 })
	case OpLTE:
		return ordered(value, f.Value, func(c int) bool { return c <= 0 })
	case OpGT:
		return ordered(value, f.Value, func(c int) bool { return c > 0 })
	case OpGTE:
		return ordered(value, f.Value, func(c int) bool { return c >= 0 })
	case OpValid:
		if value == nil {
			return false
		}
		if n, ok := data.ToNumber(value); ok {
			return !math.IsNaN(n)
		}
		return true
	}
	return false
}

func member(value any, set []any) bool {
	if value == nil {
		return false
	}
	for _, candidate := range set {
		if data.Equal(value, candidate) {
			return true
		}
	}
	return false
}

func ordered(value, operand any, accept func(int) bool) bool {
	if value == nil || operand == nil {
		return false
	}
	_, vNum := data.ToNumber(value)
	_, oNum := data.ToNumber(operand)
	if vNum != oNum {
		return false
	}
	return accept(data.Compare(value, operand))
}

// Validate checks that every leaf of p references a declared field.
func Validate(p Predicate, fields spec.Fields) error {
	for _, name := range FieldsOf(p) {
		if !fields.Has(name) {
			return fmt.Errorf("predicate references unknown field %q", name)
		}
	}
	return nil
}

// Coerce converts operands arriving as strings or epoch numbers into the types
// of their fields, so temporal operands compare as instants.
func Coerce(p Predicate, fields spec.Fields) Predicate {
	switch v := p.(type) {
	case And:
		out := make(And, 0, len(v))
		for _, c := range v {
			out = append(out, Coerce(c, fields))
		}
		return out
	case Or:
		out := make(Or, 0, len(v))
		for _, c := range v {
			out = append(out, Coerce(c, fields))
		}
		return out
	case Not:
		return Not{P: Coerce(v.P, fields)}
	case *Field:
		if v == nil {
			return nil
		}
		def, ok := fields.Get(v.Field)
		if !ok {
			return v
		}
		cp := *v
		conv := func(x any) any { return coerceOperand(x, def.Type) }
		cp.Value = conv(v.Value)
		cp.Range = [2]any{conv(v.Range[0]), conv(v.Range[1])}
		if v.Values != nil {
			cp.Values = make([]any, len(v.Values))
			for i, x := range v.Values {
				cp.Values[i] = conv(x)
			}
		}
		if set, isSet := v.Value.([]any); isSet {
			items := make([]any, len(set))
			for i, x := range set {
				items[i] = conv(x)
			}
			cp.Value = items
		}
		return &cp
	}
	return p
}

func coerceOperand(x any, typ spec.MeasureType) any {
	x = data.Normalize(x)
	if typ != spec.Temporal {
		return x
	}
	switch v := x.(type) {
	case string:
		if t, ok := data.ParseTime(v); ok {
			return t
		}
	case float64:
		return time.UnixMilli(int64(v)).UTC()
	}
	return x
}
