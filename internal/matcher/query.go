package matcher

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"strings"
	"time"
)

// ErrUnsupportedOperator is returned for operator/data type pairs that are
// not defined.
var ErrUnsupportedOperator = errors.New("operator not supported for data type")

// Query is a validated (data type, operator, search value) triple.
// It is immutable and safe for concurrent use.
type Query struct {
	dataType DataType
	op       Operator
	raw      string

	// converted reports whether raw converted to the declared type.
	// A query whose search value did not convert never matches.
	converted bool

	text    string
	re      *regexp.Regexp
	integer *big.Int
	decimal *big.Rat
	date    time.Time
	clock   time.Duration
	boolean bool
	part    int
	pair    monthKey
}

// NewQuery builds a query. It fails only when op is not defined for d;
// a search value that does not convert yields a query that matches
// nothing.
func NewQuery(d DataType, op Operator, search string) (*Query, error) {
	if !Supports(d, op) {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedOperator, op, d)
	}

	q := &Query{dataType: d, op: op, raw: search}
	q.converted = q.convertSearch()
	if !q.converted {
		slog.Debug("search value conversion failed",
			slog.String("data_type", d.String()),
			slog.String("operator", string(op)),
			slog.String("value", search))
	}
	return q, nil
}

// MustQuery is like NewQuery but panics on an unsupported combination.
func MustQuery(d DataType, op Operator, search string) *Query {
	q, err := NewQuery(d, op, search)
	if err != nil {
		panic(err)
	}
	return q
}

// DataType returns the declared data type.
func (q *Query) DataType() DataType { return q.dataType }

// Operator returns the operator.
func (q *Query) Operator() Operator { return q.op }

// SearchValue returns the search value as given.
func (q *Query) SearchValue() string { return q.raw }

// String renders the query in filter syntax without the field name.
func (q *Query) String() string {
	return q.dataType.String() + ":" + string(q.op) + ":" + q.raw
}

func (q *Query) convertSearch() bool {
	if !needsSearchValue(q.op) {
		return true
	}

	if isStringLike(q.op) {
		q.text = q.raw
		if q.dataType == StringCaseInsensitive {
			q.text = unify(q.raw)
		}
		if q.op == Regex && q.text != "" {
			pattern := `^(?:` + q.raw + `)$`
			if q.dataType == StringCaseInsensitive {
				// Upper-casing the pattern itself would corrupt escapes
				// such as \d, so the flag stands in for it.
				pattern = `(?i)` + pattern
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return false
			}
			q.re = re
		}
		return true
	}

	var ok bool
	switch q.dataType {
	case StringCaseSensitive:
		q.text, ok = q.raw, true
	case StringCaseInsensitive:
		q.text, ok = unify(q.raw), true
	case Integer:
		q.integer, ok = toInteger(q.raw)
	case Decimal:
		q.decimal, ok = toDecimal(q.raw)
	case Date:
		switch q.op {
		case Year, Month, Day:
			q.part, ok = parseComponent(q.raw)
		case YearMonth:
			q.pair, ok = parseYearMonth(q.raw)
		case MonthDay:
			q.pair, ok = parseMonthDay(q.raw)
		default:
			q.date, ok = toDate(q.raw)
		}
	case Time:
		switch q.op {
		case Hour, Minute, Second:
			q.part, ok = parseComponent(q.raw)
		default:
			q.clock, ok = toClock(q.raw)
		}
	case Boolean:
		q.boolean, ok = toBool(q.raw)
	}
	return ok
}

// Matches evaluates "reference OP search". It never panics on bad input;
// a reference that does not convert to the declared type does not match.
func (q *Query) Matches(reference any) bool {
	if !q.converted {
		return false
	}

	switch q.dataType {
	case StringCaseSensitive, StringCaseInsensitive:
		s, ok := toText(reference)
		if !ok {
			return q.conversionFailed(reference)
		}
		if q.dataType == StringCaseInsensitive {
			s = unify(s)
		}
		return q.matchText(s)
	}

	switch q.op {
	case Empty:
		return isAbsent(reference)
	case NotEmpty:
		if isAbsent(reference) {
			return false
		}
	}

	switch q.dataType {
	case Integer:
		return q.matchInteger(reference)
	case Decimal:
		return q.matchDecimal(reference)
	case Date:
		return q.matchDate(reference)
	case Time:
		return q.matchTime(reference)
	case Boolean:
		return q.matchBoolean(reference)
	}
	return false
}

func (q *Query) conversionFailed(reference any) bool {
	slog.Debug("reference value conversion failed",
		slog.String("data_type", q.dataType.String()),
		slog.String("operator", string(q.op)),
		slog.String("value_type", fmt.Sprintf("%T", reference)))
	return false
}

// matchText is the single string comparison path. Case-insensitive
// queries reach it with both operands already upper-cased.
func (q *Query) matchText(ref string) bool {
	search := q.text
	switch q.op {
	case EQ:
		return ref == search
	case NE:
		return ref != search
	case LT, LE, GT, GE:
		return q.ordered(strings.Compare(ref, search))
	case Empty:
		return ref == ""
	case NotEmpty:
		return ref != ""
	}

	// Empty never contains, nor is contained in, anything.
	if ref == "" || search == "" {
		return false
	}
	switch q.op {
	case Contains:
		return strings.Contains(ref, search)
	case StartsWith:
		return strings.HasPrefix(ref, search)
	case EndsWith:
		return strings.HasSuffix(ref, search)
	case Regex:
		return q.re != nil && q.re.MatchString(ref)
	}
	return false
}

// compared applies EQ, NE and the ordered operators to cmp(ref, search).
func (q *Query) compared(c int) bool {
	switch q.op {
	case EQ:
		return c == 0
	case NE:
		return c != 0
	}
	return q.ordered(c)
}

func (q *Query) ordered(c int) bool {
	switch q.op {
	case LT:
		return c < 0
	case LE:
		return c <= 0
	case GT:
		return c > 0
	case GE:
		return c >= 0
	}
	return false
}

// absentCompare handles a missing reference for EQ and NE.
func (q *Query) absentCompare() bool {
	return q.op == NE
}

func (q *Query) matchInteger(reference any) bool {
	if isAbsent(reference) {
		return q.absentCompare()
	}
	n, ok := toInteger(reference)
	if !ok {
		return q.conversionFailed(reference)
	}
	switch q.op {
	case NotEmpty:
		return true
	case Even:
		return n.Bit(0) == 0
	case Odd:
		return n.Bit(0) == 1
	}
	if isStringLike(q.op) {
		return q.matchText(n.String())
	}
	return q.compared(n.Cmp(q.integer))
}

func (q *Query) matchDecimal(reference any) bool {
	if isAbsent(reference) {
		return q.absentCompare()
	}
	r, ok := toDecimal(reference)
	if !ok {
		return q.conversionFailed(reference)
	}
	if q.op == NotEmpty {
		return true
	}
	if isStringLike(q.op) {
		return q.matchText(decimalText(reference, r))
	}
	return q.compared(r.Cmp(q.decimal))
}

func (q *Query) matchDate(reference any) bool {
	if isAbsent(reference) {
		return q.absentCompare()
	}
	d, ok := toDate(reference)
	if !ok {
		return q.conversionFailed(reference)
	}
	switch q.op {
	case NotEmpty:
		return true
	case Year:
		return d.Year() == q.part
	case Month:
		return int(d.Month()) == q.part
	case Day:
		return d.Day() == q.part
	case YearMonth:
		return monthKey{a: d.Year(), b: int(d.Month())} == q.pair
	case MonthDay:
		return monthKey{a: int(d.Month()), b: d.Day()} == q.pair
	}
	if isStringLike(q.op) {
		return q.matchText(d.Format(DateLayout))
	}
	return q.compared(d.Compare(q.date))
}

func (q *Query) matchTime(reference any) bool {
	if isAbsent(reference) {
		return q.absentCompare()
	}
	c, ok := toClock(reference)
	if !ok {
		return q.conversionFailed(reference)
	}
	switch q.op {
	case NotEmpty:
		return true
	case Hour:
		return int(c/time.Hour) == q.part
	case Minute:
		return int(c%time.Hour/time.Minute) == q.part
	case Second:
		return int(c%time.Minute/time.Second) == q.part
	}
	if isStringLike(q.op) {
		return q.matchText(clockText(c))
	}
	switch {
	case c < q.clock:
		return q.compared(-1)
	case c > q.clock:
		return q.compared(1)
	}
	return q.compared(0)
}

func (q *Query) matchBoolean(reference any) bool {
	if isAbsent(reference) {
		return q.absentCompare()
	}
	b, ok := toBool(reference)
	if !ok {
		return q.conversionFailed(reference)
	}
	switch q.op {
	case NotEmpty:
		return true
	case EQ:
		return b == q.boolean
	case NE:
		return b != q.boolean
	}
	return false
}

// Match is a convenience for one-off evaluation. Unsupported combinations
// and unconvertible values both yield false.
func Match(reference any, d DataType, op Operator, search string) bool {
	q, err := NewQuery(d, op, search)
	if err != nil {
		return false
	}
	return q.Matches(reference)
}
