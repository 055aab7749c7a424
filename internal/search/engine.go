package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Aman-CERP/pdindex/internal/store"
)

// DefaultFilterCacheSize is the number of compiled filters kept.
const DefaultFilterCacheSize = 512

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = errors.New("nil dependency")

// Searcher is the part of the document store the engine reads from.
type Searcher interface {
	Search(ctx context.Context, q store.Query) (*store.Result, error)
}

// Engine runs participant searches.
type Engine struct {
	store    Searcher
	registry *Registry
	cache    *lru.Cache[string, *Filter]
	maxScan  int
	logger   *slog.Logger
}

// EngineOption configures the search engine.
type EngineOption func(*Engine)

// WithRegistry replaces the default field registry.
func WithRegistry(r *Registry) EngineOption {
	return func(e *Engine) {
		e.registry = r
	}
}

// WithMaxScan bounds the candidates filtered per request.
func WithMaxScan(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxScan = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// NewEngine creates a search engine over s.
func NewEngine(s Searcher, opts ...EngineOption) (*Engine, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: store is required", ErrNilDependency)
	}
	cache, err := lru.New[string, *Filter](DefaultFilterCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create filter cache: %w", err)
	}
	e := &Engine{
		store:    s,
		registry: DefaultRegistry(),
		cache:    cache,
		maxScan:  DefaultMaxScan,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Registry returns the field registry in use.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Compile parses filter expressions, reusing cached compilations.
func (e *Engine) Compile(exprs []string) ([]*Filter, error) {
	filters := make([]*Filter, 0, len(exprs))
	for _, expr := range exprs {
		if f, ok := e.cache.Get(expr); ok {
			filters = append(filters, f)
			continue
		}
		f, err := ParseFilter(e.registry, expr)
		if err != nil {
			return nil, err
		}
		e.cache.Add(expr, f)
		filters = append(filters, f)
	}
	return filters, nil
}

// Search pages through store candidates in relevance order and keeps
// those that pass every filter, until the limit is reached or the scan
// bound is hit.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	filters, err := e.Compile(req.Filters)
	if err != nil {
		return nil, err
	}

	limit := normalizeLimit(req.Limit)
	resp := &Response{Hits: make([]Hit, 0, min(limit, scanPageSize))}

	offset := 0
	for len(resp.Hits) < limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if resp.Scanned >= e.maxScan {
			resp.Truncated = true
			break
		}

		page, err := e.store.Search(ctx, store.Query{
			Text:    req.Text,
			Country: req.Country,
			Offset:  offset,
			Size:    scanPageSize,
		})
		if err != nil {
			return nil, err
		}

		for _, h := range page.Hits {
			resp.Scanned++
			if !matchesAll(h.Document, filters) {
				continue
			}
			resp.Hits = append(resp.Hits, Hit{
				ParticipantID: h.Document.ParticipantID,
				Score:         h.Score,
				Document:      h.Document,
			})
			if len(resp.Hits) >= limit {
				break
			}
		}

		offset += len(page.Hits)
		if len(page.Hits) < scanPageSize || offset >= page.Total {
			break
		}
	}

	e.logger.Debug("search completed",
		slog.String("text", req.Text),
		slog.Int("filters", len(filters)),
		slog.Int("hits", len(resp.Hits)),
		slog.Int("scanned", resp.Scanned),
		slog.Duration("duration", time.Since(start)))
	return resp, nil
}
