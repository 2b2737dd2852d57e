package spec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stocksYAML = `
data:
  path: stocks.json
fields:
  - name: symbol
    type: nominal
  - name: date
    type: temporal
    time_unit: year
    encodings:
      - property: x
  - name: price
    type: quantitative
    encodings:
      - property: y
audio:
  units:
    - name: prices
      encoding:
        pitch:
          field: price
          aggregate: mean
      traversal:
        - field: symbol
        - field: date
`

func TestParseDocument(t *testing.T) {
	doc, err := Parse([]byte(stocksYAML))
	require.NoError(t, err)

	assert.Equal(t, Concat, doc.Audio.Composition)
	require.Len(t, doc.Fields, 3)

	date, ok := doc.Fields.Get("date")
	require.True(t, ok)
	assert.Equal(t, "year", date.EffectiveTimeUnit())
	axis, ok := date.PositionalAxis()
	require.True(t, ok)
	assert.Equal(t, "x", axis)

	unit, ok := doc.Unit("prices")
	require.True(t, ok)
	assert.Equal(t, []string{"symbol", "date"}, unit.TraversalFields())
	assert.True(t, unit.Encodes(Pitch))
	assert.False(t, unit.Encodes(Duration))
}

func TestLoadResolvesDataPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "umwelt.yaml")
	require.NoError(t, os.WriteFile(path, []byte(stocksYAML), 0o644))

	doc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "stocks.json"), doc.Data.Path)
}

func TestValidateUnit(t *testing.T) {
	fields := Fields{
		{Name: "a", Type: Nominal},
		{Name: "b", Type: Quantitative},
	}
	cases := []struct {
		name    string
		unit    AudioUnitSpec
		wantErr string
	}{
		{
			name: "valid",
			unit: AudioUnitSpec{
				Encoding:  map[AudioProperty]EncodingFieldDef{Pitch: {Field: "b"}},
				Traversal: []TraversalEntry{{Field: "a"}},
			},
		},
		{
			name: "duplicate traversal",
			unit: AudioUnitSpec{
				Traversal: []TraversalEntry{{Field: "a"}, {Field: "a"}},
			},
			wantErr: `traversal[1].field "a" appears twice`,
		},
		{
			name: "encoded and traversed",
			unit: AudioUnitSpec{
				Encoding:  map[AudioProperty]EncodingFieldDef{Pitch: {Field: "b"}},
				Traversal: []TraversalEntry{{Field: "b"}},
			},
			wantErr: `traversal[0].field "b" is also encoded`,
		},
		{
			name: "unknown field",
			unit: AudioUnitSpec{
				Traversal: []TraversalEntry{{Field: "missing"}},
			},
			wantErr: `traversal[0].field "missing" is not declared`,
		},
		{
			name: "unknown aggregate",
			unit: AudioUnitSpec{
				Encoding: map[AudioProperty]EncodingFieldDef{Volume: {Field: "b", Aggregate: "variance"}},
			},
			wantErr: `encoding.volume.aggregate "variance" is not supported`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateUnit(tc.unit, fields)
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.EqualError(t, err, tc.wantErr)
		})
	}
}

func TestPlayableLayerDropsCommonTraversal(t *testing.T) {
	audio := AudioSpec{
		Composition: Layer,
		Units: []AudioUnitSpec{
			{
				Name:      "one",
				Encoding:  map[AudioProperty]EncodingFieldDef{Pitch: {Field: "price"}},
				Traversal: []TraversalEntry{{Field: "symbol"}, {Field: "date"}},
			},
			{
				Name:      "two",
				Encoding:  map[AudioProperty]EncodingFieldDef{Volume: {Field: "volume"}},
				Traversal: []TraversalEntry{{Field: "date"}},
			},
			{
				Name:      "silent",
				Traversal: []TraversalEntry{{Field: "date"}},
			},
		},
	}
	units := audio.Playable()
	require.Len(t, units, 2)
	assert.Equal(t, []string{"symbol"}, units[0].TraversalFields())
	assert.Empty(t, units[1].TraversalFields())

	audio.Composition = Concat
	units = audio.Playable()
	require.Len(t, units, 2)
	assert.Equal(t, []string{"symbol", "date"}, units[0].TraversalFields())
}

func TestTraversalEntryResolve(t *testing.T) {
	def := FieldDef{Name: "date", Type: Temporal, TimeUnit: "yearmonth", Bin: true}
	off := false
	got := TraversalEntry{Field: "date", Bin: &off, TimeUnit: "year"}.Resolve(def)
	assert.False(t, got.Bin)
	assert.Equal(t, "year", got.TimeUnit)
	assert.True(t, TraversalEntry{Field: "date"}.Binned(def))
}
