package search

import (
	"sort"
	"strings"

	"github.com/Aman-CERP/pdindex/internal/businesscard"
	"github.com/Aman-CERP/pdindex/internal/matcher"
	"github.com/Aman-CERP/pdindex/internal/store"
)

// Extractor returns the values of a field for one document. A field may
// carry several values, one per business entity for instance.
type Extractor func(doc *store.ParticipantDocument) []any

// Field is a filterable document field.
type Field struct {
	Name     string
	DataType matcher.DataType
	Extract  Extractor
}

// Registry maps field names to fields. It is read-only after creation.
type Registry struct {
	fields map[string]Field
}

// NewRegistry creates a registry. Later fields replace earlier ones with
// the same name.
func NewRegistry(fields ...Field) *Registry {
	r := &Registry{fields: make(map[string]Field, len(fields))}
	for _, f := range fields {
		r.fields[strings.ToLower(f.Name)] = f
	}
	return r
}

// Lookup finds a field by name, ignoring case.
func (r *Registry) Lookup(name string) (Field, bool) {
	f, ok := r.fields[strings.ToLower(strings.TrimSpace(name))]
	return f, ok
}

// Names returns the registered field names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.fields))
	for _, f := range r.fields {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns the participant fields.
func DefaultRegistry() *Registry {
	return NewRegistry(
		Field{Name: "participant_id", DataType: matcher.StringCaseInsensitive, Extract: func(d *store.ParticipantDocument) []any {
			return []any{d.ParticipantID}
		}},
		Field{Name: "name", DataType: matcher.StringCaseInsensitive, Extract: entityValues(func(e businesscard.Entity) []any {
			return []any{e.Name}
		})},
		Field{Name: "country", DataType: matcher.StringCaseInsensitive, Extract: entityValues(func(e businesscard.Entity) []any {
			return []any{e.CountryCode}
		})},
		Field{Name: "registration_date", DataType: matcher.Date, Extract: entityValues(func(e businesscard.Entity) []any {
			if e.RegistrationDate == "" {
				return nil
			}
			return []any{e.RegistrationDate}
		})},
		Field{Name: "identifier", DataType: matcher.StringCaseInsensitive, Extract: entityValues(func(e businesscard.Entity) []any {
			out := make([]any, 0, len(e.Identifiers))
			for _, id := range e.Identifiers {
				out = append(out, id.String())
			}
			return out
		})},
		Field{Name: "website", DataType: matcher.StringCaseInsensitive, Extract: entityValues(func(e businesscard.Entity) []any {
			out := make([]any, 0, len(e.Websites))
			for _, w := range e.Websites {
				out = append(out, w)
			}
			return out
		})},
		Field{Name: "contact_email", DataType: matcher.StringCaseInsensitive, Extract: entityValues(func(e businesscard.Entity) []any {
			out := make([]any, 0, len(e.Contacts))
			for _, c := range e.Contacts {
				if c.Email != "" {
					out = append(out, c.Email)
				}
			}
			return out
		})},
		Field{Name: "entity_count", DataType: matcher.Integer, Extract: func(d *store.ParticipantDocument) []any {
			if d.Card == nil {
				return []any{0}
			}
			return []any{len(d.Card.Entities)}
		}},
		Field{Name: "indexed_at", DataType: matcher.Date, Extract: func(d *store.ParticipantDocument) []any {
			return []any{d.IndexedAt}
		}},
		Field{Name: "requester_id", DataType: matcher.StringCaseSensitive, Extract: func(d *store.ParticipantDocument) []any {
			return []any{d.RequesterID}
		}},
	)
}

// entityValues flattens values over all entities of the card.
func entityValues(fn func(e businesscard.Entity) []any) Extractor {
	return func(d *store.ParticipantDocument) []any {
		if d.Card == nil {
			return nil
		}
		var out []any
		for _, e := range d.Card.Entities {
			out = append(out, fn(e)...)
		}
		return out
	}
}
