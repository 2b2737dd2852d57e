package spec

import "slices"

// MeasureType is the measurement level of a field.
type MeasureType string

const (
	Nominal      MeasureType = "nominal"
	Ordinal      MeasureType = "ordinal"
	Quantitative MeasureType = "quantitative"
	Temporal     MeasureType = "temporal"
)

// Continuous reports whether values of the type lie on an ordered axis that
// the sequence generator may glide across.
func (m MeasureType) Continuous() bool {
	return m == Quantitative || m == Temporal || m == Ordinal
}

// AggregateOp names a reduction applied to the rows matching one sequence step.
type AggregateOp string

const (
	AggregateNone   AggregateOp = ""
	AggregateMean   AggregateOp = "mean"
	AggregateMedian AggregateOp = "median"
	AggregateMin    AggregateOp = "min"
	AggregateMax    AggregateOp = "max"
	AggregateSum    AggregateOp = "sum"
	AggregateCount  AggregateOp = "count"
)

// NoneValue disables an inherited aggregate, bin or time unit.
const NoneValue = "None"

// AudioProperty is a sonification channel.
type AudioProperty string

const (
	Pitch    AudioProperty = "pitch"
	Volume   AudioProperty = "volume"
	Duration AudioProperty = "duration"
)

// AudioProperties lists the channels in resolution order.
var AudioProperties = []AudioProperty{Pitch, Volume, Duration}

// Scale overrides the domain and range used when mapping a field to a channel.
type Scale struct {
	Domain []any     `yaml:"domain,omitempty" json:"domain,omitempty"`
	Range  []float64 `yaml:"range,omitempty" json:"range,omitempty"`
}

// HasRange reports whether an explicit range was supplied.
func (s *Scale) HasRange() bool {
	return s != nil && len(s.Range) == 2
}

// VisualEncoding records which chart channel a field is drawn on.
type VisualEncoding struct {
	Property string `yaml:"property" json:"property"`
}

// FieldDef describes one column of the dataset.
type FieldDef struct {
	Name      string           `yaml:"name" json:"name"`
	Type      MeasureType      `yaml:"type" json:"type"`
	Aggregate AggregateOp      `yaml:"aggregate,omitempty" json:"aggregate,omitempty"`
	Bin       bool             `yaml:"bin,omitempty" json:"bin,omitempty"`
	TimeUnit  string           `yaml:"time_unit,omitempty" json:"timeUnit,omitempty"`
	Scale     *Scale           `yaml:"scale,omitempty" json:"scale,omitempty"`
	Encodings []VisualEncoding `yaml:"encodings,omitempty" json:"encodings,omitempty"`
}

// EffectiveTimeUnit returns the field's time unit, treating "None" as unset.
func (f FieldDef) EffectiveTimeUnit() string {
	if f.TimeUnit == NoneValue {
		return ""
	}
	return f.TimeUnit
}

// PositionalAxis returns "x" or "y" when the field is drawn on exactly one
// positional channel.
func (f FieldDef) PositionalAxis() (string, bool) {
	var axes []string
	for _, enc := range f.Encodings {
		if enc.Property == "x" || enc.Property == "y" {
			axes = append(axes, enc.Property)
		}
	}
	if len(axes) != 1 {
		return "", false
	}
	return axes[0], true
}

// Fields is the elaborated field list of a document.
type Fields []FieldDef

// Get looks up a field by name.
func (fs Fields) Get(name string) (FieldDef, bool) {
	for _, f := range fs {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDef{}, false
}

// Has reports whether every name refers to a declared field.
func (fs Fields) Has(names ...string) bool {
	for _, name := range names {
		if _, ok := fs.Get(name); !ok {
			return false
		}
	}
	return true
}

// Names returns the declared field names in declaration order.
func (fs Fields) Names() []string {
	names := make([]string, 0, len(fs))
	for _, f := range fs {
		names = append(names, f.Name)
	}
	return names
}

// EncodingFieldDef binds a channel to a field.
type EncodingFieldDef struct {
	Field     string      `yaml:"field" json:"field"`
	Aggregate AggregateOp `yaml:"aggregate,omitempty" json:"aggregate,omitempty"`
	Scale     *Scale      `yaml:"scale,omitempty" json:"scale,omitempty"`
}

// EffectiveAggregate returns the aggregate, treating "None" as unset.
func (e EncodingFieldDef) EffectiveAggregate() AggregateOp {
	if e.Aggregate == NoneValue {
		return AggregateNone
	}
	return e.Aggregate
}

// TraversalEntry is one loop level of a unit's sequence.
type TraversalEntry struct {
	Field    string `yaml:"field" json:"field"`
	Bin      *bool  `yaml:"bin,omitempty" json:"bin,omitempty"`
	TimeUnit string `yaml:"time_unit,omitempty" json:"timeUnit,omitempty"`
}

// Binned reports whether the entry enumerates bins rather than distinct values.
func (t TraversalEntry) Binned(def FieldDef) bool {
	if t.Bin != nil {
		return *t.Bin
	}
	return def.Bin
}

// Resolve merges the entry's overrides onto the field definition.
func (t TraversalEntry) Resolve(def FieldDef) FieldDef {
	out := def
	if t.TimeUnit != "" {
		out.TimeUnit = t.TimeUnit
	}
	out.Bin = t.Binned(def)
	return out
}

// AudioUnitSpec is one independently playable sonification.
type AudioUnitSpec struct {
	Name      string                             `yaml:"name" json:"name"`
	Encoding  map[AudioProperty]EncodingFieldDef `yaml:"encoding" json:"encoding"`
	Traversal []TraversalEntry                   `yaml:"traversal" json:"traversal"`
}

// TraversalFields returns the traversal field names, outer to inner.
func (u AudioUnitSpec) TraversalFields() []string {
	out := make([]string, 0, len(u.Traversal))
	for _, t := range u.Traversal {
		out = append(out, t.Field)
	}
	return out
}

// Encodes reports whether the unit maps the channel to a field.
func (u AudioUnitSpec) Encodes(prop AudioProperty) bool {
	enc, ok := u.Encoding[prop]
	return ok && enc.Field != ""
}

// Composition controls how multiple units are combined.
type Composition string

const (
	Concat Composition = "concat"
	Layer  Composition = "layer"
)

// AudioSpec groups the audio units of a document.
type AudioSpec struct {
	Units       []AudioUnitSpec `yaml:"units" json:"units"`
	Composition Composition     `yaml:"composition,omitempty" json:"composition,omitempty"`
}

// Playable returns the units to render. Units without an encoding are skipped
// and layered units drop the traversal fields every unit shares.
func (a AudioSpec) Playable() []AudioUnitSpec {
	var common []string
	if a.Composition == Layer && len(a.Units) > 0 {
		for _, t := range a.Units[0].Traversal {
			shared := true
			for _, u := range a.Units[1:] {
				if !slices.Contains(u.TraversalFields(), t.Field) {
					shared = false
					break
				}
			}
			if shared {
				common = append(common, t.Field)
			}
		}
	}

	var out []AudioUnitSpec
	for _, u := range a.Units {
		if len(u.Encoding) == 0 {
			continue
		}
		unit := u
		unit.Traversal = nil
		for _, t := range u.Traversal {
			if !slices.Contains(common, t.Field) {
				unit.Traversal = append(unit.Traversal, t)
			}
		}
		out = append(out, unit)
	}
	return out
}

// DataSource locates the dataset of a document.
type DataSource struct {
	Path   string           `yaml:"path,omitempty" json:"path,omitempty"`
	Values []map[string]any `yaml:"values,omitempty" json:"values,omitempty"`
}

// Document is a complete umwelt document: fields, data source and audio units.
type Document struct {
	Data   DataSource `yaml:"data" json:"data"`
	Fields Fields     `yaml:"fields" json:"fields"`
	Audio  AudioSpec  `yaml:"audio" json:"audio"`
}

// Unit returns the playable unit with the given name.
func (d Document) Unit(name string) (AudioUnitSpec, bool) {
	for _, u := range d.Audio.Playable() {
		if u.Name == name {
			return u, true
		}
	}
	return AudioUnitSpec{}, false
}
