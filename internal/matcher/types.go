// Package matcher evaluates typed search filters against indexed values.
//
// A Query is a (data type, operator, search value) triple. It is validated
// and its search value converted once, at construction. Evaluation never
// fails: values that do not convert to the declared type simply do not
// match.
package matcher

import (
	"fmt"
	"strings"
)

// DataType is the declared type a reference value is interpreted as.
type DataType int

const (
	StringCaseSensitive DataType = iota + 1
	StringCaseInsensitive
	Integer
	Decimal
	Date
	Time
	Boolean
)

var dataTypeNames = map[DataType]string{
	StringCaseSensitive:   "string",
	StringCaseInsensitive: "istring",
	Integer:               "int",
	Decimal:               "decimal",
	Date:                  "date",
	Time:                  "time",
	Boolean:               "bool",
}

// String returns the short name used in filter expressions.
func (d DataType) String() string {
	if s, ok := dataTypeNames[d]; ok {
		return s
	}
	return fmt.Sprintf("DataType(%d)", int(d))
}

// ParseDataType accepts the short names returned by String.
func ParseDataType(s string) (DataType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d, name := range dataTypeNames {
		if name == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown data type %q", s)
}

// Operator is a comparison applied as "reference OP search".
// Ordered operators are the reverse of the legacy directory matcher,
// which compared the search value against the reference.
type Operator string

const (
	EQ       Operator = "eq"
	NE       Operator = "ne"
	Empty    Operator = "empty"
	NotEmpty Operator = "notempty"

	LT Operator = "lt"
	LE Operator = "le"
	GT Operator = "gt"
	GE Operator = "ge"

	Contains   Operator = "contains"
	StartsWith Operator = "startswith"
	EndsWith   Operator = "endswith"
	Regex      Operator = "regex"

	Even Operator = "even"
	Odd  Operator = "odd"

	Year      Operator = "year"
	Month     Operator = "month"
	Day       Operator = "day"
	YearMonth Operator = "yearmonth"
	MonthDay  Operator = "monthday"

	Hour   Operator = "hour"
	Minute Operator = "minute"
	Second Operator = "second"
)

var (
	universalOps  = []Operator{EQ, NE, Empty, NotEmpty}
	orderedOps    = []Operator{LT, LE, GT, GE}
	stringLikeOps = []Operator{Contains, StartsWith, EndsWith, Regex}
	integerOps    = []Operator{Even, Odd}
	dateOps       = []Operator{Year, Month, Day, YearMonth, MonthDay}
	timeOps       = []Operator{Hour, Minute, Second}
)

// supported is the closed operator set per data type.
var supported = map[DataType][]Operator{
	StringCaseSensitive:   concat(universalOps, orderedOps, stringLikeOps),
	StringCaseInsensitive: concat(universalOps, orderedOps, stringLikeOps),
	Integer:               concat(universalOps, orderedOps, stringLikeOps, integerOps),
	Decimal:               concat(universalOps, orderedOps, stringLikeOps),
	Date:                  concat(universalOps, orderedOps, stringLikeOps, dateOps),
	Time:                  concat(universalOps, orderedOps, stringLikeOps, timeOps),
	Boolean:               universalOps,
}

func concat(groups ...[]Operator) []Operator {
	var out []Operator
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// ParseOperator accepts operator names case-insensitively.
func ParseOperator(s string) (Operator, error) {
	op := Operator(strings.ToLower(strings.TrimSpace(s)))
	for _, ops := range supported {
		for _, o := range ops {
			if o == op {
				return op, nil
			}
		}
	}
	return "", fmt.Errorf("unknown operator %q", s)
}

// Supports reports whether op is defined for data type d.
func Supports(d DataType, op Operator) bool {
	for _, o := range supported[d] {
		if o == op {
			return true
		}
	}
	return false
}

// Operators returns the operators defined for d.
func Operators(d DataType) []Operator {
	return append([]Operator(nil), supported[d]...)
}

// DataTypes returns every declared data type.
func DataTypes() []DataType {
	return []DataType{StringCaseSensitive, StringCaseInsensitive, Integer, Decimal, Date, Time, Boolean}
}

func isStringLike(op Operator) bool {
	switch op {
	case Contains, StartsWith, EndsWith, Regex:
		return true
	}
	return false
}

// needsSearchValue reports whether op compares against the search value.
func needsSearchValue(op Operator) bool {
	switch op {
	case Empty, NotEmpty, Even, Odd:
		return false
	}
	return true
}
