// Package sequence compiles an audio unit and its dataset into an ordered,
// timed list of notes.
package sequence

import (
	"maps"
	"slices"

	"github.com/loqalabs/loqa-umwelt/internal/domain"
	"github.com/loqalabs/loqa-umwelt/internal/predicate"
)

// Indices maps each traversal field to a position in its domain.
type Indices map[string]int

// Clone returns an independent copy.
func (ix Indices) Clone() Indices {
	if ix == nil {
		return nil
	}
	return maps.Clone(ix)
}

// Equal reports whether both maps select the same positions.
func (ix Indices) Equal(other Indices) bool {
	return maps.Equal(ix, other)
}

// Domains maps each traversal field to the domain it walks.
type Domains map[string]domain.FieldDomain

// Note is one sonification event. Times are in seconds.
type Note struct {
	Elapsed     float64 `json:"elapsed"`
	Duration    float64 `json:"duration"`
	SpeakBefore string  `json:"speakBefore,omitempty"`
	PauseAfter  float64 `json:"pauseAfter,omitempty"`
	Noise       bool    `json:"noise,omitempty"`
	Pitch       float64 `json:"pitch"`
	Volume      float64 `json:"volume"`
	Ramp        bool    `json:"ramp,omitempty"`
	Indices     Indices `json:"indices"`
}

// End returns the time the note stops sounding.
func (n Note) End() float64 { return n.Elapsed + n.Duration }

// Clone returns a copy that shares no state with n.
func (n Note) Clone() Note {
	n.Indices = n.Indices.Clone()
	return n
}

// Clone copies a note list.
func Clone(notes []Note) []Note {
	if notes == nil {
		return nil
	}
	out := make([]Note, len(notes))
	for i, n := range notes {
		out[i] = n.Clone()
	}
	return out
}

// Find returns the position of the note selecting exactly indices, or -1.
func Find(notes []Note, indices Indices) int {
	return slices.IndexFunc(notes, func(n Note) bool { return n.Indices.Equal(indices) })
}

// AssignTimings sets each note's elapsed time to the running sum of the
// durations and pauses before it.
func AssignTimings(notes []Note) {
	var elapsed float64
	for i := range notes {
		notes[i].Elapsed = elapsed
		elapsed += notes[i].Duration + notes[i].PauseAfter
	}
}

// Predicate builds the filter selecting the rows behind an index tuple.
// Discrete entries become equalities and bins become ranges that close only
// on the last bin. Fields are conjoined in traversal order.
func Predicate(order []string, indices Indices, domains Domains) predicate.Predicate {
	var out predicate.And
	for _, field := range order {
		idx, ok := indices[field]
		if !ok {
			continue
		}
		d := domains[field]
		if idx < 0 || idx >= d.Len() {
			continue
		}
		if d.Binned() {
			b := d.Bins[idx]
			out = append(out, predicate.Range(field, b.Lo, b.Hi, idx == d.Len()-1))
			continue
		}
		out = append(out, predicate.Equal(field, d.Values[idx]))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
