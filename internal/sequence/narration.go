package sequence

import (
	"strings"

	"github.com/loqalabs/loqa-umwelt/internal/data"
	"github.com/loqalabs/loqa-umwelt/internal/domain"
	"github.com/loqalabs/loqa-umwelt/internal/format"
	"github.com/loqalabs/loqa-umwelt/internal/spec"
)

// AssignNarration sets SpeakBefore on every note whose traversal position
// enters a new bucket on some field. The first note names every field.
// Binned fields compare bins, temporal fields with a time unit compare the
// formatted bucket and other continuous fields compare the default bins of
// the full dataset, so jitter inside a bucket is not spoken.
func (g *Generator) AssignNarration(notes []Note, unit spec.AudioUnitSpec, domains Domains, fields spec.Fields, ds *data.Dataset) {
	for i := range notes {
		var parts []string
		for _, entry := range unit.Traversal {
			def, ok := fields.Get(entry.Field)
			if !ok {
				continue
			}
			def = entry.Resolve(def)
			d := domains[entry.Field]
			if d.Len() == 0 {
				continue
			}
			var prev *Note
			if i > 0 {
				prev = &notes[i-1]
			}
			if label, speak := g.narrateField(entry.Field, def, d, notes[i], prev, i, fields, ds); speak {
				parts = append(parts, label)
			}
		}
		notes[i].SpeakBefore = strings.Join(parts, ", ")
	}
}

func (g *Generator) narrateField(field string, def spec.FieldDef, d domain.FieldDomain, note Note, prev *Note, pos int, fields spec.Fields, ds *data.Dataset) (string, bool) {
	idx, ok := note.Indices[field]
	if !ok || idx < 0 || idx >= d.Len() {
		return "", false
	}

	if d.Binned() {
		lo := d.Bins[idx].Lo
		if prev == nil {
			return format.Value(lo, def), true
		}
		pidx := prev.Indices[field]
		if pidx >= 0 && pidx < d.Len() && d.Bins[pidx].Lo == lo {
			return "", false
		}
		return format.Value(lo, def), true
	}

	value := d.Values[idx]
	if prev == nil {
		return format.Value(value, def), true
	}
	pidx := prev.Indices[field]
	if pidx < 0 || pidx >= d.Len() {
		return format.Value(value, def), true
	}
	prevValue := d.Values[pidx]

	switch {
	case def.Type == spec.Temporal && def.EffectiveTimeUnit() != "":
		label := format.Value(value, def)
		if label == format.Value(prevValue, def) {
			return "", false
		}
		return label, true
	case def.Type == spec.Temporal || def.Type == spec.Quantitative:
		return g.narrateByBin(field, def, value, prevValue, pos, fields, ds)
	default:
		if idx == pidx {
			return "", false
		}
		return format.Value(value, def), true
	}
}

// narrateByBin speaks the lower edge of the value's default bin when it
// differs from the previous value's bin. The second note stays silent when
// that edge reads the same as the first note, which was already spoken.
func (g *Generator) narrateByBin(field string, def spec.FieldDef, value, prevValue any, pos int, fields spec.Fields, ds *data.Dataset) (string, bool) {
	bins, err := g.resolver.Bins(field, ds, fields, nil)
	if err != nil {
		return "", false
	}
	cur, ok := data.ToNumber(value)
	if !ok {
		return "", false
	}
	before, ok := data.ToNumber(prevValue)
	if !ok {
		return "", false
	}
	bi, pbi := domain.BinIndex(bins, cur), domain.BinIndex(bins, before)
	if bi < 0 || pbi < 0 || bi == pbi {
		return "", false
	}
	label := format.Value(bins[bi].Lo, def)
	if pos == 1 && label == format.Value(prevValue, def) {
		return "", false
	}
	return label, true
}
