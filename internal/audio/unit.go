// Package audio keeps the playable state of every audio unit in a document:
// traversal domains, the selected position, and the generated sequence. A
// Session drives one scheduler with the active unit.
package audio

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/loqalabs/loqa-umwelt/internal/domain"
	"github.com/loqalabs/loqa-umwelt/internal/format"
	"github.com/loqalabs/loqa-umwelt/internal/predicate"
	"github.com/loqalabs/loqa-umwelt/internal/sequence"
	"github.com/loqalabs/loqa-umwelt/internal/spec"
)

var (
	// ErrStaleSpec marks a unit that references fields missing from the
	// current field list. The unit renders nothing until it is reconciled.
	ErrStaleSpec = errors.New("stale audio unit")
	// ErrUnknownUnit is returned for unit names not in the document.
	ErrUnknownUnit = errors.New("unknown audio unit")
	// ErrNoUnits is returned when no playable unit is loaded.
	ErrNoUnits = errors.New("no playable audio units")
	// ErrBadIndex is returned for positions outside a traversal domain.
	ErrBadIndex = errors.New("index out of range")
)

// Unit is the state of one audio unit. Domains, indices and notes always
// belong to the same generation.
type Unit struct {
	Spec    spec.AudioUnitSpec
	domains sequence.Domains
	indices sequence.Indices
	notes   []sequence.Note
	err     error
}

func newUnit(u spec.AudioUnitSpec) *Unit {
	return &Unit{Spec: u}
}

// Name returns the unit name.
func (u *Unit) Name() string { return u.Spec.Name }

// Stale reports whether the unit can be rendered against fields.
func (u *Unit) Stale(fields spec.Fields) error {
	for prop, enc := range u.Spec.Encoding {
		if enc.Field != "" && !fields.Has(enc.Field) {
			return fmt.Errorf("%w: %s: encoding.%s.field %q is not declared", ErrStaleSpec, u.Spec.Name, prop, enc.Field)
		}
	}
	for _, t := range u.Spec.Traversal {
		if !fields.Has(t.Field) {
			return fmt.Errorf("%w: %s: traversal field %q is not declared", ErrStaleSpec, u.Spec.Name, t.Field)
		}
	}
	return nil
}

// Predicate returns the filter selecting the data behind the current position.
func (u *Unit) Predicate() predicate.Predicate {
	if u.indices == nil {
		return nil
	}
	return sequence.Predicate(u.Spec.TraversalFields(), u.indices, u.domains)
}

// timeUnits maps each distinct-value temporal traversal field to the time
// unit its domain is bucketed by.
func (u *Unit) timeUnits(fields spec.Fields) map[string]string {
	out := make(map[string]string)
	for _, t := range u.Spec.Traversal {
		def, ok := fields.Get(t.Field)
		if !ok || t.Binned(def) {
			continue
		}
		if unit := t.Resolve(def).EffectiveTimeUnit(); unit != "" {
			out[t.Field] = unit
		}
	}
	return out
}

// accepts reports whether ix addresses a position in the unit's domains.
func (u *Unit) accepts(ix sequence.Indices) bool {
	if len(ix) != len(u.Spec.Traversal) {
		return false
	}
	for _, t := range u.Spec.Traversal {
		i, ok := ix[t.Field]
		if !ok || i < 0 || i >= u.domains[t.Field].Len() {
			return false
		}
	}
	return true
}

// resetIndices returns index 0 for every traversal field.
func resetIndices(order []string) sequence.Indices {
	out := make(sequence.Indices, len(order))
	for _, f := range order {
		out[f] = 0
	}
	return out
}

// Remap carries a position into new domains. Each field keeps its previously
// selected value when that value survives, and snaps to the first entry
// otherwise. Instants of fields listed in timeUnits match by time bucket,
// since a filter can change which instant stands for a bucket.
func Remap(prev sequence.Indices, old, next sequence.Domains, timeUnits map[string]string) sequence.Indices {
	out := make(sequence.Indices, len(next))
	for field, d := range next {
		idx := 0
		if i, ok := prev[field]; ok {
			if j := indexOf(d, old[field].Entry(i), timeUnits[field]); j >= 0 {
				idx = j
			}
		}
		out[field] = idx
	}
	return out
}

func indexOf(d domain.FieldDomain, entry any, unit string) int {
	t, ok := entry.(time.Time)
	if !ok || unit == "" || d.Binned() {
		return d.IndexOf(entry)
	}
	bucket := format.DateToTimeUnit(t, unit)
	return slices.IndexFunc(d.Values, func(v any) bool {
		vt, ok := v.(time.Time)
		return ok && format.DateToTimeUnit(vt, unit) == bucket
	})
}

// domainsFor resolves every traversal level. Empty levels are kept so the
// unit renders as an empty sequence.
func domainsFor(u spec.AudioUnitSpec, resolve func(spec.TraversalEntry) (domain.FieldDomain, error)) (sequence.Domains, []string, error) {
	out := make(sequence.Domains, len(u.Traversal))
	var empty []string
	for _, entry := range u.Traversal {
		d, err := resolve(entry)
		switch {
		case errors.Is(err, domain.ErrEmptyDomain):
			empty = append(empty, entry.Field)
		case err != nil:
			return nil, nil, err
		}
		out[entry.Field] = d
	}
	return out, empty, nil
}
