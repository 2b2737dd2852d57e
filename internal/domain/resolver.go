// Package domain resolves the distinct values and bins of dataset fields.
package domain

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/loqalabs/loqa-umwelt/internal/data"
	"github.com/loqalabs/loqa-umwelt/internal/format"
	"github.com/loqalabs/loqa-umwelt/internal/predicate"
	"github.com/loqalabs/loqa-umwelt/internal/spec"
)

var (
	// ErrEmptyDomain is returned when a field has no values under the filter.
	ErrEmptyDomain = errors.New("empty domain")
	// ErrUnknownField is returned for names missing from the field list.
	ErrUnknownField = errors.New("unknown field")
)

const (
	defaultCacheSize = 512
	temporalTicks    = 6
	maxBins          = 10
)

// Bin is a numeric interval. Temporal bins hold epoch milliseconds.
type Bin struct {
	Lo float64 `json:"lo"`
	Hi float64 `json:"hi"`
}

// Contains reports whether v falls in [Lo, Hi), or [Lo, Hi] when last.
func (b Bin) Contains(v float64, last bool) bool {
	if last {
		return b.Lo <= v && v <= b.Hi
	}
	return b.Lo <= v && v < b.Hi
}

// BinIndex returns the index of the bin holding v, or -1. The last bin is closed.
func BinIndex(bins []Bin, v float64) int {
	for i, b := range bins {
		if b.Contains(v, i == len(bins)-1) {
			return i
		}
	}
	return -1
}

// FieldDomain is the ordered set one traversal level walks: distinct values,
// or bins when the level is binned.
type FieldDomain struct {
	Values []any `json:"values,omitempty"`
	Bins   []Bin `json:"bins,omitempty"`
}

// Binned reports whether the domain enumerates bins.
func (d FieldDomain) Binned() bool { return d.Bins != nil }

// Len returns the number of entries.
func (d FieldDomain) Len() int {
	if d.Binned() {
		return len(d.Bins)
	}
	return len(d.Values)
}

// Entry returns entry i as a value or a [2]float64 bin.
func (d FieldDomain) Entry(i int) any {
	if i < 0 || i >= d.Len() {
		return nil
	}
	if d.Binned() {
		return [2]float64{d.Bins[i].Lo, d.Bins[i].Hi}
	}
	return d.Values[i]
}

// IndexOf returns the index of an entry previously returned by Entry, or -1.
func (d FieldDomain) IndexOf(entry any) int {
	if entry == nil {
		return -1
	}
	if d.Binned() {
		b, ok := entry.([2]float64)
		if !ok {
			return -1
		}
		return slices.Index(d.Bins, Bin{Lo: b[0], Hi: b[1]})
	}
	return slices.IndexFunc(d.Values, func(v any) bool { return data.Equal(v, entry) })
}

// Resolver computes and memoizes domains and bins. Entries are keyed by
// dataset identity, canonical predicate key and the current axis ticks, so a
// new dataset or new ticks never reuse stale results.
type Resolver struct {
	cache *lru.Cache[string, any]

	mu           sync.RWMutex
	axisTicks    map[string][]float64
	ticksVersion uint64
}

// NewResolver creates a resolver holding at most size cached entries.
func NewResolver(size int) (*Resolver, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, any](size)
	if err != nil {
		return nil, fmt.Errorf("create domain cache: %w", err)
	}
	return &Resolver{cache: cache, axisTicks: make(map[string][]float64)}, nil
}

// SetAxisTicks records the chart's tick values for a positional axis. Passing
// nil clears them.
func (r *Resolver) SetAxisTicks(axis string, ticks []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ticks == nil {
		delete(r.axisTicks, axis)
	} else {
		r.axisTicks[axis] = slices.Clone(ticks)
	}
	r.ticksVersion++
}

func (r *Resolver) ticksFor(axis string) ([]float64, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.axisTicks[axis], r.ticksVersion
}

func (r *Resolver) key(kind string, def spec.FieldDef, ds *data.Dataset, p predicate.Predicate, version uint64) string {
	return strings.Join([]string{
		kind, def.Name, def.EffectiveTimeUnit(), ds.ID.String(), predicate.Key(p), fmt.Sprint(version),
	}, "|")
}

// Domain returns the sorted distinct values of a field among rows matching p.
// With a time unit, instants are deduplicated per bucket and the first instant
// seen represents its bucket.
func (r *Resolver) Domain(def spec.FieldDef, ds *data.Dataset, p predicate.Predicate) []any {
	key := r.key("domain", def, ds, p, 0)
	if cached, ok := r.cache.Get(key); ok {
		return slices.Clone(cached.([]any))
	}
	values := computeDomain(def, ds, p)
	r.cache.Add(key, values)
	return slices.Clone(values)
}

func computeDomain(def spec.FieldDef, ds *data.Dataset, p predicate.Predicate) []any {
	rows := predicate.Filter(ds.Rows, p)
	unit := def.EffectiveTimeUnit()
	seen := make(map[any]bool)
	var out []any
	for _, row := range rows {
		v := data.Normalize(row[def.Name])
		if v == nil {
			continue
		}
		var bucket any
		if t, ok := v.(time.Time); ok {
			if unit != "" {
				bucket = format.DateToTimeUnit(t, unit)
			} else {
				bucket = t.UnixMilli()
			}
		} else {
			bucket = v
		}
		if seen[bucket] {
			continue
		}
		seen[bucket] = true
		out = append(out, v)
	}
	slices.SortStableFunc(out, data.Compare)
	return out
}

// Bins returns the bins of a field among rows matching p. Chart axis ticks
// are used when the field sits on exactly one positional axis. Otherwise
// temporal fields get calendar ticks and numeric fields nice bins. Extra
// boundary bins cover values outside the ticks.
func (r *Resolver) Bins(field string, ds *data.Dataset, fields spec.Fields, p predicate.Predicate) ([]Bin, error) {
	def, ok := fields.Get(field)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	var (
		axisTicks []float64
		version   uint64
	)
	axis, positional := def.PositionalAxis()
	if positional {
		axisTicks, version = r.ticksFor(axis)
	}
	key := r.key("bins", def, ds, p, version)
	if cached, ok := r.cache.Get(key); ok {
		return slices.Clone(cached.([]Bin)), nil
	}

	values := r.Domain(def, ds, p)
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyDomain, field)
	}
	var bins []Bin
	if def.Bin && strings.HasPrefix(field, "bin_") {
		bins = preBinned(field, values, ds)
	} else {
		bins = computeBins(def, values, axisTicks)
	}
	if len(bins) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyDomain, field)
	}
	r.cache.Add(key, bins)
	return slices.Clone(bins), nil
}

func computeBins(def spec.FieldDef, values []any, axisTicks []float64) []Bin {
	nums := make([]float64, 0, len(values))
	for _, v := range values {
		if n, ok := data.ToNumber(v); ok {
			nums = append(nums, n)
		}
	}
	if len(nums) == 0 {
		return nil
	}
	lo, hi := nums[0], nums[len(nums)-1]

	ticks := axisTicks
	if len(ticks) == 0 {
		if def.Type == spec.Temporal {
			ticks = TimeTicks(lo, hi, temporalTicks)
		} else {
			ticks = NiceBins(lo, hi, maxBins)
		}
	}
	if lo == hi || len(ticks) < 2 {
		return []Bin{{Lo: lo, Hi: hi}}
	}

	var bins []Bin
	if lo < ticks[0] {
		bins = append(bins, Bin{Lo: lo, Hi: ticks[0]})
	}
	for i := 0; i < len(ticks)-1; i++ {
		bins = append(bins, Bin{Lo: ticks[i], Hi: ticks[i+1]})
	}
	if last := ticks[len(ticks)-1]; hi > last {
		bins = append(bins, Bin{Lo: last, Hi: hi})
	}
	return bins
}

// preBinned reads bin edges from a field already binned upstream, whose end
// edge lives in the companion "<field>_end" column.
func preBinned(field string, values []any, ds *data.Dataset) []Bin {
	bins := make([]Bin, 0, len(values))
	for _, v := range values {
		lo, ok := data.ToNumber(v)
		if !ok {
			continue
		}
		for _, row := range ds.Rows {
			if !data.Equal(row[field], v) {
				continue
			}
			if hi, ok := data.ToNumber(data.Normalize(row[field+"_end"])); ok {
				bins = append(bins, Bin{Lo: lo, Hi: hi})
			}
			break
		}
	}
	return bins
}

// ForTraversal resolves the domain walked by one traversal level.
func (r *Resolver) ForTraversal(entry spec.TraversalEntry, fields spec.Fields, ds *data.Dataset, p predicate.Predicate) (FieldDomain, error) {
	def, ok := fields.Get(entry.Field)
	if !ok {
		return FieldDomain{}, fmt.Errorf("%w: %s", ErrUnknownField, entry.Field)
	}
	if entry.Binned(def) {
		bins, err := r.Bins(entry.Field, ds, fields, p)
		if err != nil {
			return FieldDomain{Bins: []Bin{}}, err
		}
		return FieldDomain{Bins: bins}, nil
	}
	values := r.Domain(entry.Resolve(def), ds, p)
	if len(values) == 0 {
		return FieldDomain{Values: []any{}}, fmt.Errorf("%w: %s", ErrEmptyDomain, entry.Field)
	}
	return FieldDomain{Values: values}, nil
}

// Len reports the number of cached entries.
func (r *Resolver) Len() int { return r.cache.Len() }
