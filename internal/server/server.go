// Package server is the HTTP boundary of the indexer: the intake
// endpoints senders call after publishing a business card, the operator
// endpoints, and participant search.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/Aman-CERP/pdindex/internal/auth"
	"github.com/Aman-CERP/pdindex/internal/indexer"
	"github.com/Aman-CERP/pdindex/internal/search"
	"github.com/Aman-CERP/pdindex/internal/store"
)

// Defaults for Config.
const (
	DefaultAddr            = ":8443"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultMaxBodyBytes    = 4 << 10
)

// Indexer is the part of the pipeline manager the server drives.
type Indexer interface {
	Submit(participantID string, op indexer.Operation, requesterID string) (*indexer.WorkItem, error)
	ResubmitDead(participantID, requesterID string) ([]*indexer.WorkItem, error)
	QueueLen() int
	ReIndexCount() int
	DeadCount() int
	ReIndexItems() []indexer.ReIndexItem
	DeadItems() []indexer.DeadItem
}

// Directory is the read side of the document store.
type Directory interface {
	Contains(ctx context.Context, participantID string) (bool, error)
	Count(ctx context.Context) (int, error)
	ForEach(ctx context.Context, fn func(*store.ParticipantDocument) error) error
}

// Searcher answers participant searches.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
}

// Config configures the HTTP server.
type Config struct {
	Addr string

	// TLS enables HTTPS. Client certificates are requested by the TLS
	// config; identity checks happen in the Verifier.
	TLS *tls.Config

	// RateLimitRPS limits requests per second across all clients.
	// Zero disables rate limiting.
	RateLimitRPS   float64
	RateLimitBurst int

	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
}

// Server serves the indexer API.
type Server struct {
	cfg       Config
	mux       *http.ServeMux
	srv       *http.Server
	indexer   Indexer
	directory Directory
	searcher  Searcher
	verifier  auth.Verifier
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithSearcher enables the search endpoint.
func WithSearcher(s Searcher) Option {
	return func(srv *Server) {
		srv.searcher = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(srv *Server) {
		srv.logger = l
	}
}

// New creates a server. The verifier establishes the requester identity
// for every intake and operator request.
func New(cfg Config, idx Indexer, dir Directory, verifier auth.Verifier, opts ...Option) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		indexer:   idx,
		directory: dir,
		verifier:  verifier,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}

	s.registerRoutes()
	s.srv = &http.Server{
		Handler:           s.Handler(),
		TLSConfig:         cfg.TLS,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("PUT /1.0", s.handleUpsert)
	s.mux.HandleFunc("DELETE /1.0/{participantID}", s.handleDelete)

	s.mux.HandleFunc("GET /1.0/admin/status", s.handleStatus)
	s.mux.HandleFunc("GET /1.0/admin/reindex", s.handleReIndexList)
	s.mux.HandleFunc("GET /1.0/admin/dead", s.handleDeadList)
	s.mux.HandleFunc("POST /1.0/admin/dead/{participantID}/resubmit", s.handleResubmit)
	s.mux.HandleFunc("GET /1.0/admin/export/participants", s.handleExportParticipants)
	s.mux.HandleFunc("GET /1.0/admin/export/businesscards", s.handleExportBusinessCards)

	if s.searcher != nil {
		s.mux.HandleFunc("GET /1.0/search", s.handleSearch)
	}
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.recoverPanics(s.rateLimit(s.mux))
}

// ListenAndServe serves until ctx is cancelled, then shuts down
// gracefully, letting in-flight requests finish.
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve is like ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.logger.Info("http server starting",
		slog.String("addr", l.Addr().String()),
		slog.Bool("tls", s.cfg.TLS != nil))

	errCh := make(chan error, 1)
	go func() {
		if s.cfg.TLS != nil {
			errCh <- s.srv.ServeTLS(l, "", "")
			return
		}
		errCh <- s.srv.Serve(l)
	}()

	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		err := s.srv.Shutdown(cctx)
		<-errCh
		s.logger.Info("http server stopped")
		return err
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
