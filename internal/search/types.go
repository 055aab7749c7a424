// Package search answers participant queries by combining free-text
// lookup in the document store with typed matcher filters evaluated
// against each candidate document.
package search

import (
	"github.com/Aman-CERP/pdindex/internal/store"
)

// Limits for a single request.
const (
	DefaultLimit = 20
	MaxLimit     = 1000

	// DefaultMaxScan bounds how many candidates are filtered per request.
	DefaultMaxScan = 10000

	scanPageSize = 200
)

// Request is one participant search.
type Request struct {
	// Text is matched against names, identifiers and free text.
	// Empty means all live participants.
	Text string

	// Country restricts results to one country code.
	Country string

	// Filters are "field:type:op[:value]" expressions combined with AND.
	Filters []string

	// Limit caps the number of returned hits (default 20, max 1000).
	Limit int
}

// Hit is a participant that passed every filter.
type Hit struct {
	ParticipantID string                     `json:"participant_id"`
	Score         float64                    `json:"score"`
	Document      *store.ParticipantDocument `json:"document"`
}

// Response holds search results.
type Response struct {
	Hits []Hit `json:"hits"`

	// Scanned is the number of candidates the filters were evaluated on.
	Scanned int `json:"scanned"`

	// Truncated is set when the scan limit stopped the search early.
	Truncated bool `json:"truncated,omitempty"`
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}
