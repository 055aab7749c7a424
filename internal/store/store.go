// Package store is the participant document store. It keeps one bleve
// document per participant, tombstones deletions and answers existence,
// count, export and free-text queries.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/Aman-CERP/pdindex/internal/businesscard"
	pderrors "github.com/Aman-CERP/pdindex/internal/errors"
)

// Field names in the bleve mapping.
const (
	FieldParticipantID = "participant_id"
	FieldNames         = "names"
	FieldCountries     = "countries"
	FieldIdentifiers   = "identifiers"
	FieldFreeText      = "free_text"
	FieldDeleted       = "deleted"
	FieldIndexedAt     = "indexed_at"
	FieldSource        = "source"
)

const exportPageSize = 500

// ParticipantDocument is what the store keeps per participant.
type ParticipantDocument struct {
	ParticipantID string                     `json:"participant_id"`
	Card          *businesscard.BusinessCard `json:"card,omitempty"`
	Deleted       bool                       `json:"deleted"`
	IndexedAt     time.Time                  `json:"indexed_at"`
	RequesterID   string                     `json:"requester_id,omitempty"`
}

// bleveDocument is the flattened, indexed form of a ParticipantDocument.
// Source carries the full document and is stored but not indexed.
type bleveDocument struct {
	ParticipantID string    `json:"participant_id"`
	Names         []string  `json:"names"`
	Countries     []string  `json:"countries"`
	Identifiers   []string  `json:"identifiers"`
	FreeText      string    `json:"free_text"`
	Deleted       bool      `json:"deleted"`
	IndexedAt     time.Time `json:"indexed_at"`
	Source        string    `json:"source"`
}

func toBleve(doc *ParticipantDocument) (bleveDocument, error) {
	src, err := json.Marshal(doc)
	if err != nil {
		return bleveDocument{}, fmt.Errorf("encode document: %w", err)
	}

	bd := bleveDocument{
		ParticipantID: doc.ParticipantID,
		Deleted:       doc.Deleted,
		IndexedAt:     doc.IndexedAt,
		Source:        string(src),
		Identifiers:   []string{doc.ParticipantID},
	}
	if doc.Card == nil {
		return bd, nil
	}

	var text []string
	for _, e := range doc.Card.Entities {
		text = append(text, e.Name, e.GeoInfo, e.AdditionalInfo)
		text = append(text, e.Websites...)
		for _, id := range e.Identifiers {
			bd.Identifiers = append(bd.Identifiers, id.Value, id.String())
		}
		for _, c := range e.Contacts {
			text = append(text, c.Name, c.Email)
		}
	}
	bd.Names = doc.Card.Names()
	bd.Countries = doc.Card.CountryCodes()
	bd.FreeText = strings.Join(text, " ")
	return bd, nil
}

// Store is a bleve-backed participant document store.
// All writes are expected from the indexer's single writer; reads may be
// concurrent.
type Store struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// Open opens or creates the store at path. An empty path creates an
// in-memory store. A corrupted on-disk index is cleared and recreated;
// the participants must then be re-submitted.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{path: path, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	indexMapping := createIndexMapping()

	var (
		idx bleve.Index
		err error
	)
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, pderrors.New(pderrors.ErrCodeFileNotFound, "cannot create index directory", err).
				WithDetail("path", path)
		}

		if validErr := validateIndexIntegrity(path); validErr != nil {
			s.logger.Warn("participant_index_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, pderrors.New(pderrors.ErrCodeCorruptIndex, "index corrupted and cannot be removed", removeErr).
					WithDetail("path", path)
			}
		}

		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		} else if err != nil && isCorruptionError(err) {
			s.logger.Warn("participant_index_open_failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, pderrors.New(pderrors.ErrCodeCorruptIndex, "index corrupted and cannot be removed", removeErr).
					WithDetail("path", path)
			}
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, pderrors.New(pderrors.ErrCodeIndexFailed, "failed to create or open index", err).
			WithDetail("path", path)
	}

	s.index = idx
	return s, nil
}

// validateIndexIntegrity checks index_meta.json before opening so that a
// half-written index is detected up front.
func validateIndexIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	metaPath := filepath.Join(path, "index_meta.json")
	data, err := os.ReadFile(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing (corrupted index)")
	}
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("index_meta.json is empty (corrupted)")
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unexpected end of JSON") ||
		strings.Contains(msg, "error parsing mapping JSON") ||
		strings.Contains(msg, "failed to load segment") ||
		strings.Contains(msg, "error opening bolt") ||
		err == bleve.ErrorIndexMetaCorrupt
}

func createIndexMapping() *mapping.IndexMappingImpl {
	keyword := bleve.NewKeywordFieldMapping()

	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name

	deleted := bleve.NewBooleanFieldMapping()

	indexedAt := bleve.NewDateTimeFieldMapping()

	source := bleve.NewTextFieldMapping()
	source.Index = false
	source.Store = true
	source.IncludeInAll = false
	source.IncludeTermVectors = false
	source.DocValues = false

	doc := bleve.NewDocumentStaticMapping()
	doc.AddFieldMappingsAt(FieldParticipantID, keyword)
	doc.AddFieldMappingsAt(FieldNames, text)
	doc.AddFieldMappingsAt(FieldCountries, keyword)
	doc.AddFieldMappingsAt(FieldIdentifiers, keyword)
	doc.AddFieldMappingsAt(FieldFreeText, text)
	doc.AddFieldMappingsAt(FieldDeleted, deleted)
	doc.AddFieldMappingsAt(FieldIndexedAt, indexedAt)
	doc.AddFieldMappingsAt(FieldSource, source)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = standard.Name
	return m
}

func (s *Store) write(doc *ParticipantDocument) error {
	bd, err := toBleve(doc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return pderrors.New(pderrors.ErrCodeIndexFailed, "index is closed", nil)
	}

	batch := s.index.NewBatch()
	if err := batch.Index(doc.ParticipantID, bd); err != nil {
		return pderrors.New(pderrors.ErrCodeIndexFailed, "failed to index "+doc.ParticipantID, err)
	}
	if err := s.index.Batch(batch); err != nil {
		return pderrors.New(pderrors.ErrCodeIndexFailed, "failed to execute batch", err)
	}
	return nil
}

// Index upserts the participant's business card.
func (s *Store) Index(ctx context.Context, participantID string, card *businesscard.BusinessCard, requesterID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.write(&ParticipantDocument{
		ParticipantID: participantID,
		Card:          card,
		IndexedAt:     at,
		RequesterID:   requesterID,
	})
}

// Delete tombstones the participant. The business card is kept so the
// record remains auditable. Deleting an unknown participant is a no-op.
func (s *Store) Delete(ctx context.Context, participantID string, requesterID string, at time.Time) error {
	doc, err := s.lookup(ctx, participantID)
	if err != nil {
		return err
	}
	if doc == nil || doc.Deleted {
		return nil
	}

	doc.Deleted = true
	doc.IndexedAt = at
	doc.RequesterID = requesterID
	return s.write(doc)
}

// Contains reports whether an undeleted document exists for participantID.
func (s *Store) Contains(ctx context.Context, participantID string) (bool, error) {
	doc, err := s.lookup(ctx, participantID)
	if err != nil {
		return false, err
	}
	return doc != nil && !doc.Deleted, nil
}

// Get returns the participant's document, tombstoned or not.
// Returns a NotFound error if the participant was never indexed.
func (s *Store) Get(ctx context.Context, participantID string) (*ParticipantDocument, error) {
	doc, err := s.lookup(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, pderrors.NotFound(participantID)
	}
	return doc, nil
}

func (s *Store) lookup(ctx context.Context, participantID string) (*ParticipantDocument, error) {
	req := bleve.NewSearchRequest(bleve.NewDocIDQuery([]string{participantID}))
	req.Size = 1
	req.Fields = []string{FieldSource}

	res, err := s.search(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(res.Hits) == 0 {
		return nil, nil
	}
	return decodeSource(res.Hits[0].ID, res.Hits[0].Fields)
}

func decodeSource(id string, fields map[string]any) (*ParticipantDocument, error) {
	src, _ := fields[FieldSource].(string)
	if src == "" {
		return nil, pderrors.New(pderrors.ErrCodeCorruptIndex, "document has no stored source", nil).
			WithDetail("participant_id", id)
	}
	var doc ParticipantDocument
	if err := json.Unmarshal([]byte(src), &doc); err != nil {
		return nil, pderrors.New(pderrors.ErrCodeCorruptIndex, "document source is corrupt", err).
			WithDetail("participant_id", id)
	}
	return &doc, nil
}

func (s *Store) search(ctx context.Context, req *bleve.SearchRequest) (*bleve.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, pderrors.New(pderrors.ErrCodeIndexFailed, "index is closed", nil)
	}
	res, err := s.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, pderrors.New(pderrors.ErrCodeIndexFailed, "search failed", err)
	}
	return res, nil
}

func liveQuery() query.Query {
	q := bleve.NewBoolFieldQuery(false)
	q.SetField(FieldDeleted)
	return q
}

// Count returns the number of undeleted participants.
func (s *Store) Count(ctx context.Context) (int, error) {
	req := bleve.NewSearchRequest(liveQuery())
	req.Size = 0

	res, err := s.search(ctx, req)
	if err != nil {
		return 0, err
	}
	return int(res.Total), nil
}

// ForEach streams every undeleted document in participant id order.
// It reads page by page, so the store is never loaded into memory at once.
// Iteration stops at the first error returned by fn.
func (s *Store) ForEach(ctx context.Context, fn func(*ParticipantDocument) error) error {
	var after []string
	for {
		req := bleve.NewSearchRequest(liveQuery())
		req.Size = exportPageSize
		req.Fields = []string{FieldSource}
		req.SortBy([]string{"_id"})
		if after != nil {
			req.SearchAfter = after
		}

		res, err := s.search(ctx, req)
		if err != nil {
			return err
		}

		for _, hit := range res.Hits {
			doc, err := decodeSource(hit.ID, hit.Fields)
			if err != nil {
				return err
			}
			if err := fn(doc); err != nil {
				return err
			}
		}

		if len(res.Hits) < exportPageSize {
			return nil
		}
		after = []string{res.Hits[len(res.Hits)-1].ID}
	}
}

// AllIDs returns the ids of all undeleted participants in sorted order.
func (s *Store) AllIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.ForEach(ctx, func(doc *ParticipantDocument) error {
		ids = append(ids, doc.ParticipantID)
		return nil
	})
	return ids, err
}

// Close closes the index. Further calls are no-ops.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.index.Close()
}
