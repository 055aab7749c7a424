// Package businessinfo fetches participant business cards from the
// publishing SMP over HTTP.
package businessinfo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Aman-CERP/pdindex/internal/businesscard"
	pderrors "github.com/Aman-CERP/pdindex/internal/errors"
	"github.com/Aman-CERP/pdindex/pkg/version"
)

const maxBodySize = 4 << 20

// Config configures the HTTP provider.
type Config struct {
	// BaseURL is the SMP root; cards are read from {BaseURL}/businesscard/{id}.
	BaseURL      string
	Timeout      time.Duration
	MaxFailures  int
	ResetTimeout time.Duration
	Retry        pderrors.RetryConfig
}

// DefaultConfig returns the default provider configuration for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:      baseURL,
		Timeout:      30 * time.Second,
		MaxFailures:  5,
		ResetTimeout: 30 * time.Second,
		Retry:        pderrors.DefaultRetryConfig(),
	}
}

// Client implements indexer.BusinessCardProvider against an SMP.
type Client struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	breaker *pderrors.CircuitBreaker
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.http = h
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithBreaker replaces the circuit breaker.
func WithBreaker(cb *pderrors.CircuitBreaker) Option {
	return func(c *Client) {
		c.breaker = cb
	}
}

// New creates a provider client.
func New(cfg Config, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, pderrors.ConfigError(fmt.Sprintf("invalid business information base url %q", cfg.BaseURL), err)
	}

	c := &Client{
		cfg:    cfg,
		base:   base,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: slog.Default(),
		breaker: pderrors.NewCircuitBreaker("businessinfo",
			pderrors.WithMaxFailures(cfg.MaxFailures),
			pderrors.WithResetTimeout(cfg.ResetTimeout)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Breaker exposes the circuit breaker for status reporting.
func (c *Client) Breaker() *pderrors.CircuitBreaker {
	return c.breaker
}

// GetBusinessCard fetches and decodes the participant's business card.
// A missing card is a NotFound error; an open circuit is reported as
// upstream unavailable without contacting the SMP.
func (c *Client) GetBusinessCard(ctx context.Context, participantID string) (*businesscard.BusinessCard, error) {
	// A missing card is a healthy answer and must not trip the breaker.
	var notFound error
	card, err := pderrors.CircuitExecute(c.breaker, func() (*businesscard.BusinessCard, error) {
		card, err := pderrors.RetryWithResult(ctx, c.cfg.Retry, func() (*businesscard.BusinessCard, error) {
			return c.fetch(ctx, participantID)
		})
		if errors.Is(err, pderrors.ErrNotFound) {
			notFound = err
			return nil, nil
		}
		return card, err
	})
	if errors.Is(err, pderrors.ErrCircuitOpen) {
		return nil, pderrors.New(pderrors.ErrCodeUpstreamUnavailable, "business information provider unavailable", err)
	}
	if notFound != nil {
		return nil, notFound
	}
	return card, err
}

func (c *Client) cardURL(participantID string) string {
	u := *c.base
	u.Path = u.Path + "/businesscard/" + participantID
	u.RawPath = c.base.EscapedPath() + "/businesscard/" + url.PathEscape(participantID)
	return u.String()
}

func (c *Client) fetch(ctx context.Context, participantID string) (*businesscard.BusinessCard, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cardURL(participantID), nil)
	if err != nil {
		return nil, pderrors.InternalError("build request", err)
	}
	req.Header.Set("Accept", "application/xml, application/json;q=0.9")
	req.Header.Set("User-Agent", version.UserAgent())

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, pderrors.NetworkError("business card request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug("business card fetched",
		slog.String("participant_id", participantID),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, pderrors.NotFound(participantID)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, pderrors.NetworkError(fmt.Sprintf("provider returned %d", resp.StatusCode), nil).
			WithDetail("participant_id", participantID)
	case resp.StatusCode != http.StatusOK:
		return nil, pderrors.ValidationError(fmt.Sprintf("provider returned %d", resp.StatusCode), nil).
			WithDetail("participant_id", participantID)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, pderrors.NetworkError("read business card", err)
	}
	card, err := businesscard.Decode(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, pderrors.ValidationError("decode business card", err)
	}
	return card, nil
}
