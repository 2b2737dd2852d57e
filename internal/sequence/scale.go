package sequence

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/loqalabs/loqa-umwelt/internal/data"
	"github.com/loqalabs/loqa-umwelt/internal/spec"
)

// ErrUnknownAggregate is returned for aggregate operators outside the
// supported set.
var ErrUnknownAggregate = errors.New("unknown aggregate operator")

// DefaultRanges are the output ranges of each channel: decibels for volume,
// MIDI note numbers for pitch and seconds for duration.
var DefaultRanges = map[spec.AudioProperty][2]float64{
	spec.Volume:   {-45, -5},
	spec.Pitch:    {48, 76},
	spec.Duration: {0.25, 1},
}

// Scale maps value linearly from the domain extent onto the range extent and
// clamps the result to the range. A zero-width domain maps to the range start.
func Scale(value float64, domainExtent, rangeExtent [2]float64) float64 {
	width := domainExtent[1] - domainExtent[0]
	if width == 0 || math.IsNaN(value) {
		return rangeExtent[0]
	}
	fraction := (value - domainExtent[0]) / width
	scaled := fraction*(rangeExtent[1]-rangeExtent[0]) + rangeExtent[0]
	lo, hi := min(rangeExtent[0], rangeExtent[1]), max(rangeExtent[0], rangeExtent[1])
	return min(max(scaled, lo), hi)
}

// ScaleFunc maps a field value to a channel value. It reports false when the
// value cannot be placed on the scale.
type ScaleFunc func(v any) (float64, bool)

func rangeFor(prop spec.AudioProperty, enc spec.EncodingFieldDef) [2]float64 {
	if enc.Scale.HasRange() {
		return [2]float64{enc.Scale.Range[0], enc.Scale.Range[1]}
	}
	return DefaultRanges[prop]
}

// NewScaleFunc builds the scale for one channel. Numeric and temporal domains
// scale linearly between their first and last entries and categorical
// domains scale by position. An explicit scale domain replaces values.
func NewScaleFunc(prop spec.AudioProperty, enc spec.EncodingFieldDef, def spec.FieldDef, values []any) ScaleFunc {
	if enc.Scale != nil && len(enc.Scale.Domain) > 0 {
		values = explicitDomain(enc.Scale.Domain, def.Type)
	}
	rng := rangeFor(prop, enc)
	if len(values) == 0 {
		fallback := DefaultRanges[prop][0]
		return func(any) (float64, bool) { return fallback, true }
	}
	if first, numeric := data.ToNumber(values[0]); numeric {
		last, _ := data.ToNumber(values[len(values)-1])
		extent := [2]float64{first, last}
		return func(v any) (float64, bool) {
			n, ok := data.ToNumber(data.Normalize(v))
			if !ok {
				return 0, false
			}
			return Scale(n, extent, rng), true
		}
	}
	extent := [2]float64{0, float64(len(values) - 1)}
	return func(v any) (float64, bool) {
		idx := slices.IndexFunc(values, func(candidate any) bool { return data.Equal(candidate, data.Normalize(v)) })
		return Scale(float64(idx), extent, rng), true
	}
}

func explicitDomain(raw []any, typ spec.MeasureType) []any {
	out := make([]any, 0, len(raw))
	for _, v := range raw {
		v = data.Normalize(v)
		if s, ok := v.(string); ok && typ == spec.Temporal {
			if t, ok := data.ParseTime(s); ok {
				v = t
			}
		}
		out = append(out, v)
	}
	return out
}

// Aggregate reduces field over rows. It reports false when rows is empty and
// the operator has no value for an empty set. Non-numeric values are skipped
// by the numeric reductions.
func Aggregate(op spec.AggregateOp, field string, rows []data.Row) (float64, bool, error) {
	switch op {
	case spec.AggregateCount:
		return float64(len(rows)), true, nil
	case spec.AggregateMean, spec.AggregateMedian, spec.AggregateMin, spec.AggregateMax, spec.AggregateSum:
	default:
		return 0, false, fmt.Errorf("%w: %q", ErrUnknownAggregate, op)
	}

	nums := make([]float64, 0, len(rows))
	for _, r := range rows {
		if n, ok := data.ToNumber(data.Normalize(r[field])); ok && !math.IsNaN(n) {
			nums = append(nums, n)
		}
	}
	if len(nums) == 0 {
		if op == spec.AggregateSum {
			return 0, true, nil
		}
		return 0, false, nil
	}

	switch op {
	case spec.AggregateMean:
		var total float64
		for _, n := range nums {
			total += n
		}
		return total / float64(len(nums)), true, nil
	case spec.AggregateMedian:
		slices.Sort(nums)
		mid := len(nums) / 2
		if len(nums)%2 == 1 {
			return nums[mid], true, nil
		}
		return (nums[mid-1] + nums[mid]) / 2, true, nil
	case spec.AggregateMin:
		return slices.Min(nums), true, nil
	case spec.AggregateMax:
		return slices.Max(nums), true, nil
	default:
		var total float64
		for _, n := range nums {
			total += n
		}
		return total, true, nil
	}
}
