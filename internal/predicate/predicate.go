// Package predicate holds the canonical selection filter shared by the chart,
// the accessible tree and the sonification.
package predicate

import (
	"errors"
	"slices"
)

// ErrUnsupportedPredicate is returned when a predicate cannot be expressed in
// a target representation.
var ErrUnsupportedPredicate = errors.New("unsupported predicate")

// Predicate is a boolean filter over rows. A nil Predicate matches every row
// and an empty And matches none.
type Predicate interface {
	isPredicate()
}

// And is a conjunction.
type And []Predicate

// Or is a disjunction.
type Or []Predicate

// Not negates its operand.
type Not struct {
	P Predicate
}

// Op is the comparison of a field predicate.
type Op string

const (
	OpEqual Op = "equal"
	OpRange Op = "range"
	OpLT    Op = "lt"
	OpLTE   Op = "lte"
	OpGT    Op = "gt"
	OpGTE   Op = "gte"
	OpOneOf Op = "oneOf"
	OpValid Op = "valid"
)

// Field tests a single field. Value carries the operand of equal and the
// ordered comparisons, Range the bounds of a range and Values the set of oneOf.
type Field struct {
	Field     string
	Op        Op
	Value     any
	Range     [2]any
	Inclusive bool
	Values    []any
}

func (And) isPredicate()    {}
func (Or) isPredicate()     {}
func (Not) isPredicate()    {}
func (*Field) isPredicate() {}

// Equal matches rows whose field equals v.
func Equal(field string, v any) *Field {
	return &Field{Field: field, Op: OpEqual, Value: v}
}

// Range matches lo <= field < hi, or lo <= field <= hi when inclusive.
func Range(field string, lo, hi any, inclusive bool) *Field {
	return &Field{Field: field, Op: OpRange, Range: [2]any{lo, hi}, Inclusive: inclusive}
}

// LT matches rows whose field is less than v.
func LT(field string, v any) *Field { return &Field{Field: field, Op: OpLT, Value: v} }

// LTE matches rows whose field is at most v.
func LTE(field string, v any) *Field { return &Field{Field: field, Op: OpLTE, Value: v} }

// GT matches rows whose field is greater than v.
func GT(field string, v any) *Field { return &Field{Field: field, Op: OpGT, Value: v} }

// GTE matches rows whose field is at least v.
func GTE(field string, v any) *Field { return &Field{Field: field, Op: OpGTE, Value: v} }

// OneOf matches rows whose field equals any of values.
func OneOf(field string, values ...any) *Field {
	return &Field{Field: field, Op: OpOneOf, Values: values}
}

// Valid matches rows whose field is present and not NaN.
func Valid(field string) *Field { return &Field{Field: field, Op: OpValid} }

// FieldsOf returns the sorted distinct field names referenced by p.
func FieldsOf(p Predicate) []string {
	var out []string
	walk(p, func(f *Field) {
		out = append(out, f.Field)
	})
	slices.Sort(out)
	return slices.Compact(out)
}

// Leaves returns the field predicates of p in document order.
func Leaves(p Predicate) []*Field {
	var out []*Field
	walk(p, func(f *Field) { out = append(out, f) })
	return out
}

func walk(p Predicate, visit func(*Field)) {
	switch v := p.(type) {
	case And:
		for _, c := range v {
			walk(c, visit)
		}
	case Or:
		for _, c := range v {
			walk(c, visit)
		}
	case Not:
		walk(v.P, visit)
	case *Field:
		if v != nil {
			visit(v)
		}
	}
}

// MapFields returns a copy of p with every field name passed through rename.
func MapFields(p Predicate, rename func(string) string) Predicate {
	switch v := p.(type) {
	case And:
		out := make(And, 0, len(v))
		for _, c := range v {
			out = append(out, MapFields(c, rename))
		}
		return out
	case Or:
		out := make(Or, 0, len(v))
		for _, c := range v {
			out = append(out, MapFields(c, rename))
		}
		return out
	case Not:
		return Not{P: MapFields(v.P, rename)}
	case *Field:
		if v == nil {
			return nil
		}
		cp := *v
		cp.Field = rename(v.Field)
		return &cp
	}
	return p
}

// Conjoin combines predicates with And, skipping nil operands. It returns nil
// when nothing remains.
func Conjoin(ps ...Predicate) Predicate {
	var out And
	for _, p := range ps {
		if p != nil {
			out = append(out, p)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return out
}

// IsEmptySelection reports whether p is the explicit "no selection" sentinel.
func IsEmptySelection(p Predicate) bool {
	a, ok := p.(And)
	return ok && len(a) == 0
}
