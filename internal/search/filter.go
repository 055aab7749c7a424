package search

import (
	"strings"

	pderrors "github.com/Aman-CERP/pdindex/internal/errors"
	"github.com/Aman-CERP/pdindex/internal/matcher"
	"github.com/Aman-CERP/pdindex/internal/store"
)

// Filter is a compiled "field:type:op[:value]" expression. It is
// immutable and safe to share between requests.
type Filter struct {
	field Field
	query *matcher.Query
	expr  string
}

// ParseFilter compiles expr against the registry. An empty type segment
// uses the field's registered data type. The value is everything after
// the third colon, so it may itself contain colons.
func ParseFilter(reg *Registry, expr string) (*Filter, error) {
	parts := strings.SplitN(strings.TrimSpace(expr), ":", 4)
	if len(parts) < 3 {
		return nil, pderrors.ValidationError("filter must be field:type:op[:value]", nil).
			WithDetail("filter", expr)
	}

	field, ok := reg.Lookup(parts[0])
	if !ok {
		return nil, pderrors.ValidationError("unknown filter field", nil).
			WithDetail("field", parts[0])
	}

	dataType := field.DataType
	if strings.TrimSpace(parts[1]) != "" {
		d, err := matcher.ParseDataType(parts[1])
		if err != nil {
			return nil, pderrors.ValidationError("invalid filter data type", err).
				WithDetail("filter", expr)
		}
		dataType = d
	}

	op, err := matcher.ParseOperator(parts[2])
	if err != nil {
		return nil, pderrors.ValidationError("invalid filter operator", err).
			WithDetail("filter", expr)
	}

	var value string
	if len(parts) == 4 {
		value = parts[3]
	}

	q, err := matcher.NewQuery(dataType, op, value)
	if err != nil {
		return nil, pderrors.ValidationError("unsupported filter", err).
			WithDetail("filter", expr)
	}
	return &Filter{field: field, query: q, expr: expr}, nil
}

// Field returns the filtered field.
func (f *Filter) Field() Field { return f.field }

// Query returns the compiled matcher query.
func (f *Filter) Query() *matcher.Query { return f.query }

// String returns the source expression.
func (f *Filter) String() string { return f.expr }

// Matches reports whether any value of the field matches. A field with
// no values is evaluated as an absent reference.
func (f *Filter) Matches(doc *store.ParticipantDocument) bool {
	values := f.field.Extract(doc)
	if len(values) == 0 {
		return f.query.Matches(nil)
	}
	for _, v := range values {
		if f.query.Matches(v) {
			return true
		}
	}
	return false
}

// matchesAll checks if a document passes all filters (AND logic).
func matchesAll(doc *store.ParticipantDocument, filters []*Filter) bool {
	for _, f := range filters {
		if !f.Matches(doc) {
			return false
		}
	}
	return true
}

// ApplyFilters keeps the documents that pass every filter.
func ApplyFilters(docs []*store.ParticipantDocument, filters []*Filter) []*store.ParticipantDocument {
	if len(filters) == 0 {
		return docs
	}
	out := make([]*store.ParticipantDocument, 0, len(docs))
	for _, d := range docs {
		if matchesAll(d, filters) {
			out = append(out, d)
		}
	}
	return out
}
