package store

import (
	"context"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
)

// DefaultSearchSize is used when a query does not set Size.
const DefaultSearchSize = 50

// Query is a free-text query over live participants.
type Query struct {
	// Text is matched against names and free text, and exactly against
	// identifiers. Empty matches every participant.
	Text string
	// Country restricts hits to entities in this ISO country code.
	Country string
	Offset  int
	Size    int
}

// Hit is one matching participant.
type Hit struct {
	Document *ParticipantDocument
	Score    float64
}

// Result is a page of hits plus the total number of matches.
type Result struct {
	Total int
	Hits  []Hit
}

func (q Query) bleveQuery() query.Query {
	must := []query.Query{liveQuery()}

	if text := strings.TrimSpace(q.Text); text != "" {
		names := bleve.NewMatchQuery(text)
		names.SetField(FieldNames)
		names.SetBoost(2)

		free := bleve.NewMatchQuery(text)
		free.SetField(FieldFreeText)

		id := bleve.NewTermQuery(text)
		id.SetField(FieldIdentifiers)
		id.SetBoost(5)

		must = append(must, bleve.NewDisjunctionQuery(names, free, id))
	}

	if cc := strings.TrimSpace(q.Country); cc != "" {
		country := bleve.NewTermQuery(strings.ToUpper(cc))
		country.SetField(FieldCountries)
		must = append(must, country)
	}

	return bleve.NewConjunctionQuery(must...)
}

// Search runs q. Hits are ordered by score, or by participant id when
// Text is empty.
func (s *Store) Search(ctx context.Context, q Query) (*Result, error) {
	size := q.Size
	if size <= 0 {
		size = DefaultSearchSize
	}

	req := bleve.NewSearchRequestOptions(q.bleveQuery(), size, q.Offset, false)
	req.Fields = []string{FieldSource}
	if strings.TrimSpace(q.Text) == "" {
		req.SortBy([]string{"_id"})
	} else {
		req.SortBy([]string{"-_score", "_id"})
	}

	res, err := s.search(ctx, req)
	if err != nil {
		return nil, err
	}

	out := &Result{Total: int(res.Total), Hits: make([]Hit, 0, len(res.Hits))}
	for _, h := range res.Hits {
		doc, err := decodeSource(h.ID, h.Fields)
		if err != nil {
			return nil, err
		}
		out.Hits = append(out.Hits, Hit{Document: doc, Score: h.Score})
	}
	return out, nil
}
