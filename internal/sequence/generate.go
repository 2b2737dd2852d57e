package sequence

import (
	"fmt"

	"github.com/loqalabs/loqa-umwelt/internal/data"
	"github.com/loqalabs/loqa-umwelt/internal/domain"
	"github.com/loqalabs/loqa-umwelt/internal/predicate"
	"github.com/loqalabs/loqa-umwelt/internal/spec"
)

const (
	defaultPitch       = 60
	maxDefaultDuration = 0.5
	countNoteDuration  = 0.5
)

// Options tunes sequence timing.
type Options struct {
	// SequenceBudget is the nominal length of a whole sequence in seconds.
	SequenceBudget float64
	// PauseUnit is the silence added per traversal level that wraps around.
	PauseUnit float64
}

// DefaultOptions returns the standard timing.
func DefaultOptions() Options {
	return Options{SequenceBudget: 5, PauseUnit: 0.25}
}

// Generator builds note sequences. It holds no per-sequence state, so one
// generator may serve every audio unit.
type Generator struct {
	resolver *domain.Resolver
	opts     Options
}

// NewGenerator returns a generator resolving encoding domains and narration
// bins through resolver.
func NewGenerator(resolver *domain.Resolver, opts Options) *Generator {
	def := DefaultOptions()
	if opts.SequenceBudget <= 0 {
		opts.SequenceBudget = def.SequenceBudget
	}
	if opts.PauseUnit < 0 {
		opts.PauseUnit = def.PauseUnit
	}
	return &Generator{resolver: resolver, opts: opts}
}

// Options returns the generator's timing.
func (g *Generator) Options() Options { return g.opts }

// Generate walks the cartesian product of the unit's traversal domains, outer
// field slowest, and returns one note per index tuple with narration and
// timings assigned. The result depends only on its inputs.
func (g *Generator) Generate(unit spec.AudioUnitSpec, domains Domains, fields spec.Fields, ds *data.Dataset, rate float64) ([]Note, error) {
	if rate <= 0 {
		rate = 1
	}
	order := unit.TraversalFields()
	tuples := product(order, domains)
	notes := make([]Note, 0, len(tuples))
	for _, indices := range tuples {
		note, err := g.noteFor(unit, order, indices, domains, fields, ds, len(tuples), rate)
		if err != nil {
			return nil, err
		}
		notes = append(notes, note)
	}
	g.AssignNarration(notes, unit, domains, fields, ds)
	AssignTimings(notes)
	return notes, nil
}

// product enumerates index tuples in odometer order. With no fields it yields
// a single empty tuple and with any empty domain it yields none.
func product(order []string, domains Domains) []Indices {
	out := []Indices{{}}
	for _, field := range order {
		n := domains[field].Len()
		next := make([]Indices, 0, len(out)*n)
		for _, prefix := range out {
			for i := 0; i < n; i++ {
				ix := prefix.Clone()
				ix[field] = i
				next = append(next, ix)
			}
		}
		out = next
	}
	return out
}

func (g *Generator) noteFor(unit spec.AudioUnitSpec, order []string, indices Indices, domains Domains, fields spec.Fields, ds *data.Dataset, steps int, rate float64) (Note, error) {
	selection := predicate.Filter(ds.Rows, Predicate(order, indices, domains))

	resolved := make(map[spec.AudioProperty]float64, len(unit.Encoding))
	for _, prop := range spec.AudioProperties {
		enc, ok := unit.Encoding[prop]
		if !ok || enc.Field == "" {
			continue
		}
		v, ok, err := g.encode(prop, enc, selection, fields, ds)
		if err != nil {
			return Note{}, fmt.Errorf("encode %s: %w", prop, err)
		}
		if ok {
			resolved[prop] = v
		}
	}

	note := Note{Indices: indices, Pitch: defaultPitch, Volume: DefaultRanges[spec.Volume][1]}
	if len(resolved) == 0 {
		note.Noise = true
	}
	if v, ok := resolved[spec.Pitch]; ok {
		note.Pitch = v
	}
	if v, ok := resolved[spec.Volume]; ok {
		note.Volume = v
	}
	if v, ok := resolved[spec.Duration]; ok {
		note.Duration = v
	} else {
		note.Duration = min(maxDefaultDuration, g.opts.SequenceBudget/float64(max(steps, 1)))
	}
	note.Duration /= rate

	carries := 0
	for i := len(order) - 1; i >= 0; i-- {
		if indices[order[i]] != domains[order[i]].Len()-1 {
			break
		}
		carries++
	}
	note.PauseAfter = g.opts.PauseUnit * float64(carries)
	if carries == 0 && !unit.Encodes(spec.Duration) && len(order) > 0 {
		if def, ok := fields.Get(order[len(order)-1]); ok && def.Type.Continuous() {
			note.Ramp = true
		}
	}
	return note, nil
}

// encode resolves one channel for the rows behind a note. Counts and sums are
// scaled against half the dataset total so a step holding half the data
// reaches the top of the range.
func (g *Generator) encode(prop spec.AudioProperty, enc spec.EncodingFieldDef, selection []data.Row, fields spec.Fields, ds *data.Dataset) (float64, bool, error) {
	def, ok := fields.Get(enc.Field)
	if !ok {
		def = spec.FieldDef{Name: enc.Field}
	}
	op := enc.EffectiveAggregate()
	if enc.Aggregate == spec.AggregateNone {
		op = def.Aggregate
		if op == spec.NoneValue {
			op = spec.AggregateNone
		}
	}

	switch op {
	case spec.AggregateCount:
		return Scale(float64(len(selection)), [2]float64{0, float64(ds.Len()) / 2}, rangeFor(prop, enc)), true, nil
	case spec.AggregateSum:
		all := data.Sum(ds.Rows, enc.Field)
		part := data.Sum(selection, enc.Field)
		return Scale(part, [2]float64{0, all / 2}, rangeFor(prop, enc)), true, nil
	}

	values := g.resolver.Domain(spec.FieldDef{Name: enc.Field, Type: def.Type}, ds, nil)
	scale := NewScaleFunc(prop, enc, def, values)
	switch {
	case len(selection) > 0 && op != spec.AggregateNone:
		v, ok, err := Aggregate(op, enc.Field, selection)
		if err != nil || !ok {
			return 0, false, err
		}
		s, ok := scale(v)
		return s, ok, nil
	case len(selection) == 1:
		raw := selection[0][enc.Field]
		if raw == nil {
			return 0, false, nil
		}
		s, ok := scale(raw)
		return s, ok, nil
	}
	return 0, false, nil
}

// Subsequence returns the notes that share the given position along field,
// retimed to play on their own. The input is not modified.
func (g *Generator) Subsequence(notes []Note, field string, index int, unit spec.AudioUnitSpec, domains Domains, fields spec.Fields, ds *data.Dataset, rate float64) []Note {
	if rate <= 0 {
		rate = 1
	}
	var out []Note
	for _, n := range notes {
		if v, ok := n.Indices[field]; ok && v == index {
			out = append(out, n.Clone())
		}
	}
	if len(out) == 0 {
		return nil
	}
	if !unit.Encodes(spec.Duration) {
		d := min(maxDefaultDuration, g.opts.SequenceBudget/float64(len(out))) / rate
		for i := range out {
			out[i].Duration = d
		}
	}
	g.AssignNarration(out, unit, domains, fields, ds)
	AssignTimings(out)
	return out
}

// CountNote returns a one-shot tone whose volume reflects how many of total
// rows are selected.
func CountNote(count, total int, indices Indices) Note {
	return Note{
		Duration: countNoteDuration,
		Pitch:    defaultPitch,
		Volume:   Scale(float64(count), [2]float64{0, float64(total) / 2}, DefaultRanges[spec.Volume]),
		Indices:  indices.Clone(),
	}
}
