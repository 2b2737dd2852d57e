package data

import (
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-umwelt/internal/spec"
)

// Coerce converts raw decoded values to the types implied by the field list:
// temporal fields become time.Time and quantitative fields become float64.
// A numeric temporal field named "year" is read as January 1 of that year.
func Coerce(rows []Row, fields spec.Fields) []Row {
	types := make(map[string]spec.MeasureType, len(fields))
	for _, f := range fields {
		types[f.Name] = f.Type
	}
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		next := make(Row, len(r))
		for field, value := range r {
			next[field] = coerceValue(field, types[field], Normalize(value))
		}
		out = append(out, next)
	}
	return out
}

func coerceValue(field string, typ spec.MeasureType, value any) any {
	if value == nil {
		return nil
	}
	switch typ {
	case spec.Temporal:
		if strings.EqualFold(field, "year") {
			if year, ok := yearOf(value); ok {
				return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
			}
		}
		switch v := value.(type) {
		case time.Time:
			return v
		case float64:
			return time.UnixMilli(int64(v)).UTC()
		case string:
			if t, ok := ParseTime(v); ok {
				return t
			}
		}
	case spec.Quantitative:
		switch v := value.(type) {
		case time.Time:
			return float64(v.UnixMilli())
		case string:
			if IsNumeric(v) {
				f, _ := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(v), ",", ""), 64)
				return f
			}
		}
	}
	return value
}

func yearOf(value any) (int, bool) {
	switch v := value.(type) {
	case float64:
		return int(v), true
	case string:
		if IsNumeric(v) {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			return n, err == nil
		}
	}
	return 0, false
}

// Clean drops rows with a null value in any declared field.
func Clean(rows []Row, fields spec.Fields) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		keep := true
		for field, value := range r {
			if value == nil && fields.Has(field) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, r)
		}
	}
	return out
}

// ApplyTimeUnits truncates temporal values of fields that declare a time unit
// to the start of their bucket, so equal buckets compare equal.
func ApplyTimeUnits(rows []Row, fields spec.Fields) []Row {
	units := make(map[string]string)
	for _, f := range fields {
		if f.Type == spec.Temporal && f.EffectiveTimeUnit() != "" {
			units[f.Name] = f.EffectiveTimeUnit()
		}
	}
	if len(units) == 0 {
		return rows
	}
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		next := make(Row, len(r))
		for field, value := range r {
			if unit, ok := units[field]; ok {
				if t, isTime := value.(time.Time); isTime {
					value = TruncateTime(t, unit)
				}
			}
			next[field] = value
		}
		out = append(out, next)
	}
	return out
}

// TruncateTime floors t to the finest component named by unit.
func TruncateTime(t time.Time, unit string) time.Time {
	t = t.UTC()
	switch {
	case strings.Contains(unit, "seconds"):
		return t.Truncate(time.Second)
	case strings.Contains(unit, "minutes"):
		return t.Truncate(time.Minute)
	case strings.Contains(unit, "hours"):
		return t.Truncate(time.Hour)
	case strings.Contains(unit, "date"), strings.Contains(unit, "day"):
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case strings.Contains(unit, "month"):
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case strings.Contains(unit, "quarter"):
		q := (int(t.Month()) - 1) / 3
		return time.Date(t.Year(), time.Month(q*3+1), 1, 0, 0, 0, 0, time.UTC)
	case strings.Contains(unit, "year"):
		return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// Prepare runs the full load pipeline over raw rows: coercion, dropping rows
// with missing declared values and time unit truncation.
func Prepare(rows []Row, fields spec.Fields) []Row {
	return ApplyTimeUnits(Clean(Coerce(rows, fields), fields), fields)
}

// FromDocument loads the rows a document points at. A non-empty override
// path replaces the document's own data source.
func FromDocument(doc spec.Document, override string) (*Dataset, error) {
	var rows []Row
	switch path := override; {
	case path != "":
		loaded, err := LoadJSON(path)
		if err != nil {
			return nil, err
		}
		rows = loaded
	case doc.Data.Path != "":
		loaded, err := LoadJSON(doc.Data.Path)
		if err != nil {
			return nil, err
		}
		rows = loaded
	default:
		rows = FromMaps(doc.Data.Values)
	}
	return New(Prepare(rows, doc.Fields)), nil
}
