// Package auth establishes the identity of the client behind an HTTP
// request. Production deployments verify TLS client certificates; the
// allow-all verifier exists for tests and closed networks.
package auth

import (
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Aman-CERP/pdindex/internal/clock"
	pderrors "github.com/Aman-CERP/pdindex/internal/errors"
)

// AnonymousID is the requester ID used when identities are not checked.
const AnonymousID = "anonymous"

// Verifier resolves the client identity of a request. It returns a
// Forbidden error when the identity cannot be established.
type Verifier interface {
	Verify(r *http.Request) (string, error)
}

// AllowAll accepts every request.
type AllowAll struct{}

// Verify returns the certificate common name when a client certificate
// was presented, otherwise AnonymousID.
func (AllowAll) Verify(r *http.Request) (string, error) {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		if cn := r.TLS.PeerCertificates[0].Subject.CommonName; cn != "" {
			return cn, nil
		}
	}
	return AnonymousID, nil
}

// CertVerifier checks the client certificate of a TLS request. The
// requester ID is the certificate subject's common name.
type CertVerifier struct {
	roots     *x509.CertPool
	allowlist *Allowlist
	clock     clock.Clock
	logger    *slog.Logger
}

// CertOption configures a CertVerifier.
type CertOption func(*CertVerifier)

// WithRoots verifies the certificate chain against roots. Without roots
// the chain is trusted as already checked by the TLS handshake.
func WithRoots(roots *x509.CertPool) CertOption {
	return func(v *CertVerifier) {
		v.roots = roots
	}
}

// WithAllowlist restricts accepted common names.
func WithAllowlist(a *Allowlist) CertOption {
	return func(v *CertVerifier) {
		v.allowlist = a
	}
}

// WithClock sets the clock used for validity checks.
func WithClock(c clock.Clock) CertOption {
	return func(v *CertVerifier) {
		v.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CertOption {
	return func(v *CertVerifier) {
		v.logger = l
	}
}

// NewCertVerifier creates a client certificate verifier.
func NewCertVerifier(opts ...CertOption) *CertVerifier {
	v := &CertVerifier{
		clock:  clock.System{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify implements Verifier.
func (v *CertVerifier) Verify(r *http.Request) (string, error) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return "", v.reject("no client certificate presented", nil, r)
	}

	leaf := r.TLS.PeerCertificates[0]
	now := v.clock.Now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return "", v.reject("client certificate is not valid at this time", nil, r)
	}

	if v.roots != nil {
		intermediates := x509.NewCertPool()
		for _, c := range r.TLS.PeerCertificates[1:] {
			intermediates.AddCert(c)
		}
		_, err := leaf.Verify(x509.VerifyOptions{
			Roots:         v.roots,
			Intermediates: intermediates,
			CurrentTime:   now,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		})
		if err != nil {
			return "", v.reject("client certificate chain is not trusted", err, r)
		}
	}

	cn := leaf.Subject.CommonName
	if cn == "" {
		return "", v.reject("client certificate has no common name", nil, r)
	}
	if v.allowlist != nil && !v.allowlist.Contains(cn) {
		return "", v.reject(fmt.Sprintf("client %q is not allowed", cn), nil, r)
	}
	return cn, nil
}

func (v *CertVerifier) reject(msg string, cause error, r *http.Request) error {
	v.logger.Warn("client verification failed",
		slog.String("reason", msg),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("path", r.URL.Path))
	return pderrors.Forbidden(msg, cause)
}

var (
	_ Verifier = AllowAll{}
	_ Verifier = (*CertVerifier)(nil)
)
