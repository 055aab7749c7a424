package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/pdindex/internal/clock"
	pderrors "github.com/Aman-CERP/pdindex/internal/errors"
)

var certNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test CA"},
		NotBefore:             certNow.Add(-24 * time.Hour),
		NotAfter:              certNow.Add(365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testCA{cert: cert, key: key}
}

func (ca *testCA) issue(t *testing.T, cn string, notAfter time.Time) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    certNow.Add(-time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func (ca *testCA) pool() *x509.CertPool {
	p := x509.NewCertPool()
	p.AddCert(ca.cert)
	return p
}

func requestWith(certs ...*x509.Certificate) *http.Request {
	r := httptest.NewRequest(http.MethodPut, "/1.0", nil)
	if len(certs) > 0 {
		r.TLS = &tls.ConnectionState{PeerCertificates: certs}
	}
	return r
}

func TestAllowAll(t *testing.T) {
	ca := newTestCA(t)

	id, err := AllowAll{}.Verify(requestWith())
	require.NoError(t, err)
	assert.Equal(t, AnonymousID, id)

	id, err = AllowAll{}.Verify(requestWith(ca.issue(t, "CN-sender", certNow.Add(time.Hour))))
	require.NoError(t, err)
	assert.Equal(t, "CN-sender", id)
}

func TestCertVerifier_AcceptsTrustedClient(t *testing.T) {
	// Given: a verifier trusting the test CA
	ca := newTestCA(t)
	v := NewCertVerifier(WithRoots(ca.pool()), WithClock(clock.NewFake(certNow)))

	// When: a client presents a CA-issued certificate
	id, err := v.Verify(requestWith(ca.issue(t, "sender-ap", certNow.Add(time.Hour))))

	// Then: its common name is the requester ID
	require.NoError(t, err)
	assert.Equal(t, "sender-ap", id)
}

func TestCertVerifier_Rejects(t *testing.T) {
	ca := newTestCA(t)
	other := newTestCA(t)

	tests := []struct {
		name  string
		opts  []CertOption
		certs []*x509.Certificate
	}{
		{
			name: "plain http",
		},
		{
			name:  "expired certificate",
			certs: []*x509.Certificate{ca.issue(t, "late", certNow.Add(-time.Minute))},
		},
		{
			name:  "untrusted issuer",
			opts:  []CertOption{WithRoots(ca.pool())},
			certs: []*x509.Certificate{other.issue(t, "stranger", certNow.Add(time.Hour))},
		},
		{
			name:  "missing common name",
			certs: []*x509.Certificate{ca.issue(t, "", certNow.Add(time.Hour))},
		},
		{
			name:  "not on allowlist",
			opts:  []CertOption{WithAllowlist(NewAllowlist("someone-else"))},
			certs: []*x509.Certificate{ca.issue(t, "sender-ap", certNow.Add(time.Hour))},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := append([]CertOption{WithClock(clock.NewFake(certNow))}, tt.opts...)
			v := NewCertVerifier(opts...)

			_, err := v.Verify(requestWith(tt.certs...))

			require.Error(t, err)
			assert.ErrorIs(t, err, pderrors.ErrForbidden)
		})
	}
}

func TestCertVerifier_AllowlistAccepts(t *testing.T) {
	ca := newTestCA(t)
	v := NewCertVerifier(
		WithClock(clock.NewFake(certNow)),
		WithAllowlist(NewAllowlist("sender-ap")),
	)

	id, err := v.Verify(requestWith(ca.issue(t, "sender-ap", certNow.Add(time.Hour))))

	require.NoError(t, err)
	assert.Equal(t, "sender-ap", id)
}

func writeAllowlist(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadAllowlist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clients.txt")
	writeAllowlist(t, path, "# senders\nsender-a\n\n  sender-b  \n")

	a, err := LoadAllowlist(path, nil)

	require.NoError(t, err)
	assert.Equal(t, 2, a.Len())
	assert.True(t, a.Contains("sender-a"))
	assert.True(t, a.Contains("sender-b"))
	assert.False(t, a.Contains("# senders"))
	assert.Equal(t, path, a.Path())
}

func TestLoadAllowlist_MissingFile(t *testing.T) {
	_, err := LoadAllowlist(filepath.Join(t.TempDir(), "absent.txt"), nil)

	require.Error(t, err)
	assert.Equal(t, pderrors.ErrCodeFileNotFound, pderrors.GetCode(err))
}

func TestAllowlist_ReloadFailureKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clients.txt")
	writeAllowlist(t, path, "sender-a\n")
	a, err := LoadAllowlist(path, nil)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))

	assert.Error(t, a.Reload())
	assert.True(t, a.Contains("sender-a"))
}

func TestAllowlist_WatchPicksUpChanges(t *testing.T) {
	// Given: a watched allowlist with one sender
	path := filepath.Join(t.TempDir(), "clients.txt")
	writeAllowlist(t, path, "sender-a\n")
	a, err := LoadAllowlist(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Watch(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// When: the file is rewritten until the watcher notices
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("sender-a\nsender-b\n"), 0o644)
		return a.Contains("sender-b")
	}, 5*time.Second, 50*time.Millisecond)

	// Then: both senders are allowed
	assert.Equal(t, 2, a.Len())
}
