package daemon

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Aman-CERP/pdindex/internal/config"
	pderrors "github.com/Aman-CERP/pdindex/internal/errors"
	"github.com/Aman-CERP/pdindex/internal/search"
	"github.com/Aman-CERP/pdindex/internal/server"
)

// ClientConfig configures the operator client.
type ClientConfig struct {
	// BaseURL is the server root, e.g. https://localhost:8443.
	BaseURL string

	// CertFile and KeyFile hold the client certificate presented to the
	// server. Both empty means no certificate.
	CertFile string
	KeyFile  string

	// CAFile verifies the server certificate. Empty uses the system pool.
	CAFile string

	// Timeout bounds each request.
	// Default: 30s
	Timeout time.Duration
}

// ClientConfigFrom points a client at the server described by c.
// A wildcard listen address is reached through localhost.
func ClientConfigFrom(c *config.Config) ClientConfig {
	host, port, err := net.SplitHostPort(c.Server.Addr)
	if err != nil {
		host, port = "", "8443"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	scheme := "http"
	if c.Server.TLSCert != "" {
		scheme = "https"
	}
	return ClientConfig{
		BaseURL: scheme + "://" + net.JoinHostPort(host, port),
		Timeout: 30 * time.Second,
	}
}

// Client talks to a running daemon's operator endpoints.
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient creates a new daemon client.
func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, pderrors.ConfigError(fmt.Sprintf("invalid server url %q", cfg.BaseURL), err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if base.Scheme == "https" {
		tc := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.CertFile != "" || cfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
			if err != nil {
				return nil, pderrors.ConfigError("load client certificate", err)
			}
			tc.Certificates = []tls.Certificate{cert}
		}
		if cfg.CAFile != "" {
			pem, err := os.ReadFile(cfg.CAFile)
			if err != nil {
				return nil, pderrors.ConfigError("read server CA", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, pderrors.ConfigError("server CA contains no certificates", nil)
			}
			tc.RootCAs = pool
		}
		transport.TLSClientConfig = tc
	}

	return &Client{
		base: base,
		http: &http.Client{Timeout: cfg.Timeout, Transport: transport},
	}, nil
}

// Ping checks that the daemon answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	var out map[string]string
	return c.getJSON(ctx, "/healthz", nil, &out)
}

// IsRunning reports whether the daemon is accepting requests.
func (c *Client) IsRunning(ctx context.Context) bool {
	return c.Ping(ctx) == nil
}

// Upsert asks the daemon to (re)index participantID.
func (c *Client) Upsert(ctx context.Context, participantID string) error {
	resp, err := c.do(ctx, http.MethodPut, "/1.0", strings.NewReader(participantID))
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Delete asks the daemon to remove participantID from the directory.
func (c *Client) Delete(ctx context.Context, participantID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/1.0/"+url.PathEscape(participantID), nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Status returns the pipeline and directory counters.
func (c *Client) Status(ctx context.Context) (*server.Status, error) {
	var out server.Status
	if err := c.getJSON(ctx, "/1.0/admin/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReIndexItems lists items waiting for a retry.
func (c *Client) ReIndexItems(ctx context.Context) ([]server.ItemView, error) {
	return c.items(ctx, "/1.0/admin/reindex")
}

// DeadItems lists items that ran out of retries.
func (c *Client) DeadItems(ctx context.Context) ([]server.ItemView, error) {
	return c.items(ctx, "/1.0/admin/dead")
}

func (c *Client) items(ctx context.Context, path string) ([]server.ItemView, error) {
	var out struct {
		Items []server.ItemView `json:"items"`
	}
	if err := c.getJSON(ctx, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Resubmit queues the dead items of participantID again and returns the
// new work item IDs.
func (c *Client) Resubmit(ctx context.Context, participantID string) ([]string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/1.0/admin/dead/"+url.PathEscape(participantID)+"/resubmit", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var out struct {
		Items []string `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, pderrors.NetworkError("decode resubmit response", err)
	}
	return out.Items, nil
}

// ExportKind selects one of the XML exports.
type ExportKind string

const (
	ExportParticipants  ExportKind = "participants"
	ExportBusinessCards ExportKind = "businesscards"
)

// Export streams an XML export to w.
func (c *Client) Export(ctx context.Context, kind ExportKind, w io.Writer) error {
	switch kind {
	case ExportParticipants, ExportBusinessCards:
	default:
		return pderrors.ValidationError(fmt.Sprintf("unknown export %q", kind), nil)
	}
	resp, err := c.do(ctx, http.MethodGet, "/1.0/admin/export/"+string(kind), nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return pderrors.NetworkError("read export", err)
	}
	return nil
}

// Search runs a participant search on the daemon.
func (c *Client) Search(ctx context.Context, req search.Request) (*search.Response, error) {
	q := url.Values{}
	if req.Text != "" {
		q.Set("q", req.Text)
	}
	if req.Country != "" {
		q.Set("country", req.Country)
	}
	for _, f := range req.Filters {
		q.Add("filter", f)
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}

	var out search.Response
	if err := c.getJSON(ctx, "/1.0/search", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, v any) error {
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return pderrors.NetworkError("decode response", err)
	}
	return nil
}

// do sends a request and turns non-2xx answers into the server's
// structured error.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, pderrors.InternalError("build request", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.ResolveReference(ref).String(), body)
	if err != nil {
		return nil, pderrors.InternalError("build request", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, pderrors.NetworkError("failed to connect to daemon", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer func() { _ = resp.Body.Close() }()
	return nil, decodeError(resp)
}

func decodeError(resp *http.Response) error {
	var body struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Details map[string]string `json:"details"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err != nil || body.Code == "" {
		return pderrors.NetworkError(fmt.Sprintf("daemon returned %s", resp.Status), nil)
	}
	e := pderrors.New(body.Code, body.Message, nil)
	for k, v := range body.Details {
		e = e.WithDetail(k, v)
	}
	return e
}
