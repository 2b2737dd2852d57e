// Package format renders field values the way they are spoken and labelled.
package format

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-umwelt/internal/data"
	"github.com/loqalabs/loqa-umwelt/internal/spec"
)

// Value formats v for the given field. Temporal values are rendered at the
// field's time unit and fractional numbers keep two decimals.
func Value(v any, def spec.FieldDef) string {
	switch val := v.(type) {
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, Value(item, def))
		}
		return strings.Join(parts, ", ")
	case [2]float64:
		return Value([]any{val[0], val[1]}, def)
	}
	v = data.Normalize(v)
	if def.Type == spec.Temporal {
		if t, ok := asTime(v); ok {
			return DateToTimeUnit(t, def.EffectiveTimeUnit())
		}
	}
	switch val := v.(type) {
	case nil:
		return "null"
	case time.Time:
		return DateToTimeUnit(val, def.EffectiveTimeUnit())
	case float64:
		return Number(val)
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}

// Number renders integers without decimals and other values with two.
func Number(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	if f == math.Trunc(f) {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strconv.FormatFloat(f, 'f', 2, 64)
}

func asTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case float64:
		return time.UnixMilli(int64(val)).UTC(), true
	case string:
		return data.ParseTime(val)
	}
	return time.Time{}, false
}

// DateToTimeUnit renders t in US English with only the components named by
// unit. An empty unit renders month, day and year.
func DateToTimeUnit(t time.Time, unit string) string {
	t = t.UTC()
	var (
		year    = strings.Contains(unit, "year")
		month   = strings.Contains(unit, "month")
		weekday = strings.Contains(unit, "day")
		day     = strings.Contains(unit, "date")
		hours   = strings.Contains(unit, "hours")
		minutes = strings.Contains(unit, "minutes")
		seconds = strings.Contains(unit, "seconds")
	)
	if !(year || month || weekday || day || hours || minutes || seconds) {
		year, month, day = true, true, true
	}

	var date string
	switch {
	case month && day:
		date = t.Format("Jan 2")
		if year {
			date += t.Format(", 2006")
		}
	case month:
		date = t.Format("Jan")
		if year {
			date += t.Format(" 2006")
		}
	case day:
		date = t.Format("2")
		if year {
			date += t.Format(", 2006")
		}
	case year:
		date = t.Format("2006")
	}
	if weekday {
		if date == "" {
			date = t.Format("Mon")
		} else {
			date = t.Format("Mon") + ", " + date
		}
	}

	var clock string
	switch {
	case hours && minutes && seconds:
		clock = t.Format("3:04:05 PM")
	case hours && minutes:
		clock = t.Format("3:04 PM")
	case hours:
		clock = t.Format("3 PM")
	case minutes && seconds:
		clock = t.Format("04:05")
	case minutes:
		clock = strconv.Itoa(t.Minute())
	case seconds:
		clock = strconv.Itoa(t.Second())
	}

	switch {
	case date != "" && clock != "":
		return date + ", " + clock
	case clock != "":
		return clock
	default:
		return date
	}
}
