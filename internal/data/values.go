package data

import (
	"cmp"
	"strconv"
	"strings"
	"time"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"2006-01",
	"Jan 2 2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2006",
}

// ToNumber converts a scalar to float64. Times become Unix milliseconds.
func ToNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case time.Time:
		return float64(n.UnixMilli()), true
	default:
		return 0, false
	}
}

// Normalize returns v with integer kinds widened to float64 and times in UTC.
func Normalize(v any) any {
	switch n := v.(type) {
	case time.Time:
		return n.UTC()
	case string, bool, nil:
		return v
	}
	if f, ok := ToNumber(v); ok {
		return f
	}
	return v
}

// ParseTime parses the date formats commonly found in chart datasets.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// IsNumeric reports whether s parses as a number once thousands separators
// are removed.
func IsNumeric(s string) bool {
	_, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(s), ",", ""), 64)
	return err == nil
}

// Equal compares two scalars, treating times and numbers by their numeric value.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	an, aok := ToNumber(a)
	bn, bok := ToNumber(b)
	if aok && bok {
		return an == bn
	}
	if aok != bok {
		return false
	}
	return a == b
}

// Compare orders scalars ascending. Numbers and times sort before strings,
// strings sort lexically and nil sorts last.
func Compare(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return 1
		default:
			return -1
		}
	}
	an, aok := ToNumber(a)
	bn, bok := ToNumber(b)
	switch {
	case aok && bok:
		return cmp.Compare(an, bn)
	case aok:
		return -1
	case bok:
		return 1
	}
	as, _ := a.(string)
	bs, _ := b.(string)
	return strings.Compare(as, bs)
}
