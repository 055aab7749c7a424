package matcher

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Text formats for dates and times.
const (
	DateLayout      = "2006-01-02"
	YearMonthLayout = "2006-01"
	TimeLayout      = "15:04:05"
)

var timeLayouts = []string{"15:04:05.999999999", "15:04:05", "15:04"}

// unify upper-cases s with a fixed locale so the result does not depend
// on the host environment. A Caser is stateful, so one is made per call.
func unify(s string) string {
	return cases.Upper(language.AmericanEnglish).String(s)
}

// toText renders a reference value as text. nil renders as "".
func toText(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", true
	case string:
		return x, true
	case []byte:
		return string(x), true
	case *big.Int:
		if x == nil {
			return "", true
		}
		return x.String(), true
	case *big.Rat:
		if x == nil {
			return "", true
		}
		return ratText(x), true
	case time.Time:
		return x.Format(time.RFC3339Nano), true
	case bool:
		return strconv.FormatBool(x), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case fmt.Stringer:
		return x.String(), true
	}
	if i, ok := asInt64(v); ok {
		return strconv.FormatInt(i, 10), true
	}
	if u, ok := asUint64(v); ok {
		return strconv.FormatUint(u, 10), true
	}
	return "", false
}

// isAbsent reports whether a reference value carries no data at all.
func isAbsent(v any) bool {
	s, ok := toText(v)
	return ok && s == ""
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	}
	return 0, false
}

func asUint64(v any) (uint64, bool) {
	switch x := v.(type) {
	case uint:
		return uint64(x), true
	case uint8:
		return uint64(x), true
	case uint16:
		return uint64(x), true
	case uint32:
		return uint64(x), true
	case uint64:
		return x, true
	}
	return 0, false
}

func toInteger(v any) (*big.Int, bool) {
	switch x := v.(type) {
	case *big.Int:
		if x == nil {
			return nil, false
		}
		return new(big.Int).Set(x), true
	case *big.Rat:
		if x == nil || !x.IsInt() {
			return nil, false
		}
		return new(big.Int).Set(x.Num()), true
	case float32:
		return floatToInteger(float64(x))
	case float64:
		return floatToInteger(x)
	}
	if i, ok := asInt64(v); ok {
		return big.NewInt(i), true
	}
	if u, ok := asUint64(v); ok {
		return new(big.Int).SetUint64(u), true
	}
	s, ok := toText(v)
	if !ok {
		return nil, false
	}
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	return n, ok
}

func floatToInteger(f float64) (*big.Int, bool) {
	if math.IsInf(f, 0) || math.IsNaN(f) || f != math.Trunc(f) {
		return nil, false
	}
	n, _ := big.NewFloat(f).Int(nil)
	return n, true
}

func toDecimal(v any) (*big.Rat, bool) {
	switch x := v.(type) {
	case *big.Rat:
		if x == nil {
			return nil, false
		}
		return new(big.Rat).Set(x), true
	case *big.Int:
		if x == nil {
			return nil, false
		}
		return new(big.Rat).SetInt(x), true
	case float32:
		r := new(big.Rat).SetFloat64(float64(x))
		return r, r != nil
	case float64:
		r := new(big.Rat).SetFloat64(x)
		return r, r != nil
	}
	if i, ok := asInt64(v); ok {
		return new(big.Rat).SetInt64(i), true
	}
	if u, ok := asUint64(v); ok {
		return new(big.Rat).SetUint64(u), true
	}
	s, ok := toText(v)
	if !ok {
		return nil, false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	return new(big.Rat).SetString(s)
}

// ratText renders r as a plain decimal without trailing zeros. Values
// with a non-terminating expansion are cut at 20 fractional digits.
func ratText(r *big.Rat) string {
	if r.IsInt() {
		return r.Num().String()
	}
	s := r.FloatString(20)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// decimalText is the text string-like operators see for a decimal
// reference. Textual references keep their written scale, so "12.50"
// still ends with "0".
func decimalText(reference any, r *big.Rat) string {
	switch reference.(type) {
	case string, []byte:
		s, _ := toText(reference)
		return strings.TrimSpace(s)
	}
	return ratText(r)
}

// toDate returns the calendar date of v at midnight UTC.
func toDate(v any) (time.Time, bool) {
	if t, ok := v.(time.Time); ok {
		return dateOf(t), true
	}
	s, ok := toText(v)
	if !ok {
		return time.Time{}, false
	}
	s = strings.TrimSpace(s)
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return dateOf(t), true
	}
	return time.Time{}, false
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// toClock returns the time of day of v as the offset from midnight.
func toClock(v any) (time.Duration, bool) {
	switch x := v.(type) {
	case time.Time:
		return clockOf(x), true
	case time.Duration:
		if x < 0 || x >= 24*time.Hour {
			return 0, false
		}
		return x, true
	}
	s, ok := toText(v)
	if !ok {
		return 0, false
	}
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return clockOf(t), true
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return clockOf(t), true
	}
	return 0, false
}

func clockOf(t time.Time) time.Duration {
	h, m, s := t.Clock()
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second + time.Duration(t.Nanosecond())
}

func clockText(d time.Duration) string {
	return time.Time{}.Add(d).Format("15:04:05.999999999")
}

func toBool(v any) (bool, bool) {
	if b, ok := v.(bool); ok {
		return b, true
	}
	s, ok := toText(v)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return b, err == nil
}

func parseComponent(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	return n, err == nil
}

func parseYearMonth(s string) (monthKey, bool) {
	t, err := time.Parse(YearMonthLayout, strings.TrimSpace(s))
	if err != nil {
		return monthKey{}, false
	}
	return monthKey{a: t.Year(), b: int(t.Month())}, true
}

// parseMonthDay accepts "--MM-DD" and "MM-DD". February 29 is valid.
func parseMonthDay(s string) (monthKey, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "--")
	ms, ds, ok := strings.Cut(s, "-")
	if !ok || len(ms) != 2 || len(ds) != 2 {
		return monthKey{}, false
	}
	m, err1 := strconv.Atoi(ms)
	d, err2 := strconv.Atoi(ds)
	if err1 != nil || err2 != nil || m < 1 || m > 12 || d < 1 {
		return monthKey{}, false
	}
	// 2000 is a leap year, so this bounds the day for every month.
	if d > time.Date(2000, time.Month(m)+1, 0, 0, 0, 0, 0, time.UTC).Day() {
		return monthKey{}, false
	}
	return monthKey{a: m, b: d}, true
}

// monthKey is a (year, month) or (month, day) pair.
type monthKey struct {
	a, b int
}
