package predicate

import (
	"strings"

	"github.com/loqalabs/loqa-umwelt/internal/format"
	"github.com/loqalabs/loqa-umwelt/internal/spec"
)

// Describe renders p as English. Equality reads as the bare value, so a
// conjunction of equalities reads like a path through the data.
func Describe(p Predicate, fields spec.Fields) string {
	switch v := p.(type) {
	case nil:
		return "all data"
	case And:
		parts := make([]string, 0, len(v))
		for _, c := range v {
			parts = append(parts, Describe(c, fields))
		}
		return strings.Join(parts, " and ")
	case Or:
		parts := make([]string, 0, len(v))
		for _, c := range v {
			parts = append(parts, Describe(c, fields))
		}
		return strings.Join(parts, " or ")
	case Not:
		return "not " + Describe(v.P, fields)
	case *Field:
		if v == nil {
			return "all data"
		}
		return describeField(v, fields)
	}
	return ""
}

func describeField(f *Field, fields spec.Fields) string {
	def, ok := fields.Get(f.Field)
	if !ok {
		def = spec.FieldDef{Name: f.Field}
	}
	name := def.Name
	switch f.Op {
	case OpEqual:
		return format.Value(f.Value, def)
	case OpRange:
		return name + " between " + format.Value(f.Range[0], def) + " and " + format.Value(f.Range[1], def)
	case OpLT:
		return name + " less than " + format.Value(f.Value, def)
	case OpLTE:
		return name + " less than or equal to " + format.Value(f.Value, def)
	case OpGT:
		return name + " greater than " + format.Value(f.Value, def)
	case OpGTE:
		return name + " greater than or equal to " + format.Value(f.Value, def)
	case OpOneOf:
		return name + " is one of " + format.Value(f.Values, def)
	case OpValid:
		return name + " is valid"
	}
	return name
}
