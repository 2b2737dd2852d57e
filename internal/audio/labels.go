package audio

import (
	"strings"

	"github.com/loqalabs/loqa-umwelt/internal/domain"
	"github.com/loqalabs/loqa-umwelt/internal/format"
	"github.com/loqalabs/loqa-umwelt/internal/predicate"
	"github.com/loqalabs/loqa-umwelt/internal/scheduler"
	"github.com/loqalabs/loqa-umwelt/internal/sequence"
	"github.com/loqalabs/loqa-umwelt/internal/spec"
)

// PlaybackOption is one entry of the playback order selector.
type PlaybackOption struct {
	Mode  scheduler.Mode `json:"mode"`
	Field string         `json:"field,omitempty"`
	Label string         `json:"label"`
}

// PlaybackOptions lists the orders the active unit can be played in: the whole
// sequence, then one subset per traversal level narrowed to the current
// position along it.
func (s *Session) PlaybackOptions() []PlaybackOption {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.activeUnit()
	if u == nil || u.indices == nil {
		return nil
	}
	opts := []PlaybackOption{{Mode: scheduler.ModeBeginning, Label: s.fromBeginningLabel(u)}}
	order := u.Spec.TraversalFields()
	if len(order) < 2 {
		return opts
	}
	for _, field := range order {
		if u.domains[field].Len() == 0 {
			continue
		}
		opts = append(opts, PlaybackOption{Mode: scheduler.ModeSubset, Field: field, Label: s.subsetLabel(u, field)})
	}
	return opts
}

// fromBeginningLabel reads like "2000 to 2010 by country": the span of the
// outer level followed by the inner levels and any active filter.
func (s *Session) fromBeginningLabel(u *Unit) string {
	order := u.Spec.TraversalFields()
	if len(order) == 0 {
		return "from beginning"
	}
	outer := order[0]
	d := u.domains[outer]
	if d.Len() == 0 {
		return "from beginning"
	}
	def := s.traversalDef(u, outer)
	var label string
	if d.Binned() {
		label = format.Value(d.Bins[0].Lo, def) + " to " + format.Value(d.Bins[len(d.Bins)-1].Hi, def)
	} else {
		label = format.Value(d.Values[0], def) + " to " + format.Value(d.Values[len(d.Values)-1], def)
	}
	by := append([]string(nil), order[1:]...)
	if s.filter != nil {
		by = append(by, predicate.Describe(s.filter, s.fields))
	}
	if len(by) > 0 {
		label += " by " + strings.Join(by, ", ")
	}
	return label
}

// subsetLabel reads like "USA by year": the current entry along field and the
// other levels that still vary inside it.
func (s *Session) subsetLabel(u *Unit, field string) string {
	d := u.domains[field]
	label := entryLabel(d, u.indices[field], s.traversalDef(u, field))

	within := sequence.Predicate([]string{field}, u.indices, u.domains)
	var by []string
	for _, other := range u.Spec.TraversalFields() {
		if other == field {
			continue
		}
		def := s.traversalDef(u, other)
		if len(s.resolver.Domain(def, s.view, within)) > 1 {
			by = append(by, other)
		}
	}
	if len(by) > 0 {
		label += " by " + strings.Join(by, ", ")
	}
	return label
}

func (s *Session) traversalDef(u *Unit, field string) spec.FieldDef {
	def, _ := s.fields.Get(field)
	for _, t := range u.Spec.Traversal {
		if t.Field == field {
			return t.Resolve(def)
		}
	}
	return def
}

func entryLabel(d domain.FieldDomain, i int, def spec.FieldDef) string {
	if i < 0 || i >= d.Len() {
		return ""
	}
	if d.Binned() {
		return format.Value(d.Bins[i].Lo, def) + " to " + format.Value(d.Bins[i].Hi, def)
	}
	return format.Value(d.Values[i], def)
}
