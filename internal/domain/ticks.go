package domain

import (
	"math"
	"sort"
	"time"
)

const (
	msSecond = 1000.0
	msMinute = 60 * msSecond
	msHour   = 60 * msMinute
	msDay    = 24 * msHour
	msWeek   = 7 * msDay
	msMonth  = 30 * msDay
	msYear   = 365 * msDay
)

type timeUnit int

const (
	unitSecond timeUnit = iota
	unitMinute
	unitHour
	unitDay
	unitWeek
	unitMonth
	unitYear
)

type tickInterval struct {
	unit     timeUnit
	step     int
	duration float64
}

var tickIntervals = []tickInterval{
	{unitSecond, 1, msSecond},
	{unitSecond, 5, 5 * msSecond},
	{unitSecond, 15, 15 * msSecond},
	{unitSecond, 30, 30 * msSecond},
	{unitMinute, 1, msMinute},
	{unitMinute, 5, 5 * msMinute},
	{unitMinute, 15, 15 * msMinute},
	{unitMinute, 30, 30 * msMinute},
	{unitHour, 1, msHour},
	{unitHour, 3, 3 * msHour},
	{unitHour, 6, 6 * msHour},
	{unitHour, 12, 12 * msHour},
	{unitDay, 1, msDay},
	{unitDay, 2, 2 * msDay},
	{unitWeek, 1, msWeek},
	{unitMonth, 1, msMonth},
	{unitMonth, 3, 3 * msMonth},
	{unitYear, 1, msYear},
}

// TimeTicks returns up to roughly count calendar-aligned UTC instants, in
// epoch milliseconds, covering [lo, hi]. The interval is the calendar unit
// whose duration is closest to (hi-lo)/count.
func TimeTicks(lo, hi float64, count int) []float64 {
	if count <= 0 || math.IsNaN(lo) || math.IsNaN(hi) {
		return nil
	}
	if hi < lo {
		lo, hi = hi, lo
	}
	target := (hi - lo) / float64(count)
	i := sort.Search(len(tickIntervals), func(i int) bool { return tickIntervals[i].duration > target })

	var iv tickInterval
	switch {
	case i == len(tickIntervals):
		step := int(math.Floor(tickStep(lo/msYear, hi/msYear, count)))
		iv = tickInterval{unit: unitYear, step: max(step, 1)}
	case i == 0:
		return millisecondTicks(lo, hi, max(tickStep(lo, hi, count), 1))
	case target/tickIntervals[i-1].duration < tickIntervals[i].duration/target:
		iv = tickIntervals[i-1]
	default:
		iv = tickIntervals[i]
	}
	return calendarTicks(lo, hi, iv)
}

func millisecondTicks(lo, hi, step float64) []float64 {
	var out []float64
	for v := math.Ceil(lo/step) * step; v <= hi; v += step {
		out = append(out, v)
	}
	return out
}

func calendarTicks(lo, hi float64, iv tickInterval) []float64 {
	start := time.UnixMilli(int64(math.Ceil(lo))).UTC()
	t := floorUnit(start, iv.unit)
	if t.Before(start) {
		t = offsetUnit(t, iv.unit)
	}
	var out []float64
	for ; float64(t.UnixMilli()) <= hi; t = offsetUnit(t, iv.unit) {
		if aligned(t, iv) {
			out = append(out, float64(t.UnixMilli()))
		}
	}
	return out
}

func floorUnit(t time.Time, u timeUnit) time.Time {
	switch u {
	case unitSecond:
		return t.Truncate(time.Second)
	case unitMinute:
		return t.Truncate(time.Minute)
	case unitHour:
		return t.Truncate(time.Hour)
	case unitDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case unitWeek:
		d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return d.AddDate(0, 0, -int(d.Weekday()))
	case unitMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	}
}

func offsetUnit(t time.Time, u timeUnit) time.Time {
	switch u {
	case unitSecond:
		return t.Add(time.Second)
	case unitMinute:
		return t.Add(time.Minute)
	case unitHour:
		return t.Add(time.Hour)
	case unitDay:
		return t.AddDate(0, 0, 1)
	case unitWeek:
		return t.AddDate(0, 0, 7)
	case unitMonth:
		return t.AddDate(0, 1, 0)
	default:
		return t.AddDate(1, 0, 0)
	}
}

func aligned(t time.Time, iv tickInterval) bool {
	if iv.step <= 1 {
		return true
	}
	switch iv.unit {
	case unitSecond:
		return t.Second()%iv.step == 0
	case unitMinute:
		return t.Minute()%iv.step == 0
	case unitHour:
		return t.Hour()%iv.step == 0
	case unitDay:
		return (t.Day()-1)%iv.step == 0
	case unitMonth:
		return (int(t.Month())-1)%iv.step == 0
	case unitYear:
		return t.Year()%iv.step == 0
	}
	return true
}

var (
	e10 = math.Sqrt(50)
	e5  = math.Sqrt(10)
	e2  = math.Sqrt(2)
)

// tickStep returns a 1, 2 or 5 times power-of-ten step splitting [lo, hi]
// into about count intervals.
func tickStep(lo, hi float64, count int) float64 {
	step := (hi - lo) / float64(max(count, 1))
	if step <= 0 {
		return 0
	}
	power := math.Floor(math.Log10(step))
	errRatio := step / math.Pow(10, power)
	factor := 1.0
	switch {
	case errRatio >= e10:
		factor = 10
	case errRatio >= e5:
		factor = 5
	case errRatio >= e2:
		factor = 2
	}
	return factor * math.Pow(10, power)
}

// NiceBins returns the edges of at most maxBins equal-width bins with a
// round step that cover [lo, hi].
func NiceBins(lo, hi float64, maxBins int) []float64 {
	const base = 10.0
	span := hi - lo
	if span == 0 {
		span = math.Abs(lo)
	}
	if span == 0 {
		span = 1
	}
	logb := math.Log(base)
	level := math.Ceil(math.Log(float64(maxBins)) / logb)
	step := math.Pow(base, math.Round(math.Log(span)/logb)-level)
	for math.Ceil(span/step) > float64(maxBins) {
		step *= base
	}
	for _, div := range []float64{5, 2} {
		if v := step / div; span/v <= float64(maxBins) {
			step = v
		}
	}

	v := math.Log(step)
	precision := 0
	if v < 0 {
		precision = int(-v/logb) + 1
	}
	eps := math.Pow(base, float64(-precision-1))
	start := math.Floor(lo/step+eps) * step
	if lo < start {
		start -= step
	}
	stop := math.Ceil(hi/step) * step
	if stop == start {
		stop = start + step
	}

	scale := math.Pow(base, float64(precision))
	var edges []float64
	for k := 0; ; k++ {
		edge := math.Round((start+float64(k)*step)*scale) / scale
		if edge > stop+step/2 {
			break
		}
		edges = append(edges, edge)
	}
	return edges
}
