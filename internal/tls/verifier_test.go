package tls

import (
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-mtls/internal/tls/tlstest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func anchorsFor(t testing.TB, cas ...*tlstest.CA) *TrustAnchors {
	t.Helper()
	var certs []*x509.Certificate
	for _, ca := range cas {
		certs = append(certs, ca.Cert)
	}
	anchors, err := NewTrustAnchors(certs...)
	require.NoError(t, err)
	return anchors
}

func clientVerifier(t testing.TB, ca *tlstest.CA, mutate ...func(*VerifierConfig)) *Verifier {
	t.Helper()
	policy, err := NewSubjectPolicy(SubjectPolicy{Subjects: []string{"CN=MyClient"}})
	require.NoError(t, err)

	cfg := VerifierConfig{
		Anchors:  anchorsFor(t, ca),
		Identity: policy,
		Usage:    x509.ExtKeyUsageClientAuth,
		Logger:   discardLogger(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	v, err := NewVerifier(cfg)
	require.NoError(t, err)
	return v
}

func TestVerifyAcceptsAllowedClient(t *testing.T) {
	ca := tlstest.NewCA(t, "Test Root CA")
	client := ca.ClientCert(t, "MyClient")

	peer, err := clientVerifier(t, ca).Verify(client.Chain())
	require.NoError(t, err)

	assert.Equal(t, "CN=MyClient", peer.Subject)
	assert.Equal(t, "CN=Test Root CA", peer.Issuer)
	assert.Equal(t, "MyClient", peer.CommonName)
	assert.Equal(t, client.Cert.SerialNumber.String(), peer.SerialNumber)
	assert.Len(t, peer.Fingerprint, 64)
	assert.Equal(t, []string{"CN=MyClient", "CN=Test Root CA"}, peer.Chain)
}

func TestVerifyRejectsUntrustedChainRegardlessOfSubject(t *testing.T) {
	trusted := tlstest.NewCA(t, "Test Root CA")
	// Same subject as the trusted root, different key.
	impostorCA := tlstest.NewCA(t, "Test Root CA")

	rapid.Check(t, func(rt *rapid.T) {
		cn := rapid.StringMatching(`[A-Za-z0-9 .-]{1,32}`).Draw(rt, "common_name")
		selfSigned := rapid.Bool().Draw(rt, "self_signed")

		var presented *tlstest.Identity
		if selfSigned {
			presented = tlstest.SelfSigned(t, tlstest.CertificateOptions{CommonName: cn})
		} else {
			presented = impostorCA.ClientCert(t, cn)
		}

		// Allow exactly the drawn name so identity alone would pass.
		policy, err := NewSubjectPolicy(SubjectPolicy{CommonNames: []string{cn}, Subjects: []string{"CN=MyClient"}})
		require.NoError(rt, err)
		v, err := NewVerifier(VerifierConfig{
			Anchors:  anchorsFor(t, trusted),
			Identity: policy,
			Usage:    x509.ExtKeyUsageClientAuth,
			Logger:   discardLogger(),
		})
		require.NoError(rt, err)

		_, err = v.Verify(presented.Chain())
		require.Error(rt, err)
		assert.True(rt, errors.Is(err, ErrUntrustedChain), "got %v", err)
	})
}

func TestVerifyValidityWindow(t *testing.T) {
	ca := tlstest.NewCA(t, "Test Root CA")
	now := time.Now()

	tests := []struct {
		name     string
		opts     tlstest.CertificateOptions
		expected error
	}{
		{
			name: "expired",
			opts: tlstest.CertificateOptions{
				CommonName: "MyClient",
				NotBefore:  now.Add(-48 * time.Hour),
				NotAfter:   now.Add(-time.Hour),
			},
			expected: ErrExpired,
		},
		{
			name: "not yet valid",
			opts: tlstest.CertificateOptions{
				CommonName: "MyClient",
				NotBefore:  now.Add(time.Hour),
				NotAfter:   now.Add(48 * time.Hour),
			},
			expected: ErrNotYetValid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := ca.Issue(t, tt.opts)

			_, err := clientVerifier(t, ca).Verify(client.Chain())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.expected)
			assert.False(t, errors.Is(err, ErrUntrustedChain))
		})
	}
}

func TestVerifyUsesInjectedClock(t *testing.T) {
	ca := tlstest.NewCA(t, "Test Root CA")
	client := ca.ClientCert(t, "MyClient")

	future := func() time.Time { return client.Cert.NotAfter.Add(time.Minute) }
	_, err := clientVerifier(t, ca, func(c *VerifierConfig) { c.Clock = future }).Verify(client.Chain())
	assert.ErrorIs(t, err, ErrExpired)

	past := func() time.Time { return client.Cert.NotBefore.Add(-time.Minute) }
	_, err = clientVerifier(t, ca, func(c *VerifierConfig) { c.Clock = past }).Verify(client.Chain())
	assert.ErrorIs(t, err, ErrNotYetValid)
}

func TestVerifyImpersonatorSubject(t *testing.T) {
	trusted := tlstest.NewCA(t, "Test Root CA")
	untrusted := tlstest.NewCA(t, "Evil Root CA")
	v := clientVerifier(t, trusted)

	t.Run("untrusted root", func(t *testing.T) {
		evil := untrusted.ClientCert(t, "EvilMyClientImpersonator")
		_, err := v.Verify(evil.Chain())
		assert.ErrorIs(t, err, ErrUntrustedChain)
	})

	t.Run("trusted root", func(t *testing.T) {
		evil := trusted.ClientCert(t, "EvilMyClientImpersonator")
		_, err := v.Verify(evil.Chain())
		require.ErrorIs(t, err, ErrIdentityMismatch)

		var tlsErr *TLSError
		require.ErrorAs(t, err, &tlsErr)
		assert.Equal(t, "CN=EvilMyClientImpersonator", tlsErr.Context["subject"])
	})

	t.Run("substring of allowed subject", func(t *testing.T) {
		partial := trusted.ClientCert(t, "MyClient2")
		_, err := v.Verify(partial.Chain())
		assert.ErrorIs(t, err, ErrIdentityMismatch)
	})
}

func TestVerifyRequiresClientAuthUsage(t *testing.T) {
	ca := tlstest.NewCA(t, "Test Root CA")
	serverOnly := ca.Issue(t, tlstest.CertificateOptions{
		CommonName: "MyClient",
		Usage:      []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})

	_, err := clientVerifier(t, ca).Verify(serverOnly.Chain())
	assert.ErrorIs(t, err, ErrUntrustedChain)
}

func TestVerifyIntermediates(t *testing.T) {
	root := tlstest.NewCA(t, "Test Root CA")
	intermediate := root.NewIntermediate(t, "Test Issuing CA")
	client := intermediate.ClientCert(t, "MyClient")
	v := clientVerifier(t, root)

	peer, err := v.Verify(client.Chain())
	require.NoError(t, err)
	assert.Equal(t, []string{"CN=MyClient", "CN=Test Issuing CA", "CN=Test Root CA"}, peer.Chain)

	_, err = v.Verify([]*x509.Certificate{client.Cert})
	assert.ErrorIs(t, err, ErrUntrustedChain, "missing intermediate")
}

func TestVerifyIntermediateValidityWindow(t *testing.T) {
	root := tlstest.NewCA(t, "Test Root CA")
	now := time.Now()

	tests := []struct {
		name         string
		intermediate tlstest.CertificateOptions
		leaf         tlstest.CertificateOptions
		expected     error
	}{
		{
			name: "expired intermediate",
			intermediate: tlstest.CertificateOptions{
				CommonName: "Test Issuing CA",
				NotBefore:  now.Add(-72 * time.Hour),
				NotAfter:   now.Add(-time.Hour),
			},
			leaf: tlstest.CertificateOptions{
				CommonName: "MyClient",
				NotBefore:  now.Add(-48 * time.Hour),
				NotAfter:   now.Add(24 * time.Hour),
			},
			expected: ErrExpired,
		},
		{
			name: "not yet valid intermediate",
			intermediate: tlstest.CertificateOptions{
				CommonName: "Test Issuing CA",
				NotBefore:  now.Add(time.Hour),
				NotAfter:   now.Add(72 * time.Hour),
			},
			leaf: tlstest.CertificateOptions{
				CommonName: "MyClient",
				NotBefore:  now.Add(-time.Hour),
				NotAfter:   now.Add(48 * time.Hour),
			},
			expected: ErrNotYetValid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intermediate := root.IssueIntermediate(t, tt.intermediate)
			client := intermediate.Issue(t, tt.leaf)

			_, err := clientVerifier(t, root).Verify(client.Chain())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.expected)
			assert.False(t, errors.Is(err, ErrUntrustedChain))

			var tlsErr *TLSError
			require.ErrorAs(t, err, &tlsErr)
			assert.Equal(t, "CN=Test Issuing CA", tlsErr.Context["subject"])
		})
	}
}

func TestVerifyNoCertificate(t *testing.T) {
	ca := tlstest.NewCA(t, "Test Root CA")
	v := clientVerifier(t, ca)

	_, err := v.Verify(nil)
	assert.ErrorIs(t, err, ErrUntrustedChain)

	_, err = v.Verify([]*x509.Certificate{nil})
	assert.ErrorIs(t, err, ErrUntrustedChain)
}

func TestVerifyRevocation(t *testing.T) {
	ca := tlstest.NewCA(t, "Test Root CA")
	otherCA := tlstest.NewCA(t, "Other CA")
	client := ca.ClientCert(t, "MyClient")
	now := time.Now()

	revokedCRL := ca.CRL(t, now.Add(-time.Hour), now.Add(time.Hour), client.Cert)
	cleanCRL := ca.CRL(t, now.Add(-time.Hour), now.Add(time.Hour))
	staleCRL := ca.CRL(t, now.Add(-3*time.Hour), now.Add(-time.Hour))
	foreignCRL := otherCA.CRL(t, now.Add(-time.Hour), now.Add(time.Hour), client.Cert)

	tests := []struct {
		name     string
		crls     []*x509.RevocationList
		hardFail bool
		expected error
	}{
		{name: "revoked", crls: []*x509.RevocationList{revokedCRL}, expected: ErrRevoked},
		{name: "revoked hard fail", crls: []*x509.RevocationList{revokedCRL}, hardFail: true, expected: ErrRevoked},
		{name: "good", crls: []*x509.RevocationList{cleanCRL}, hardFail: true},
		{name: "no CRL for issuer soft fail", crls: []*x509.RevocationList{foreignCRL}},
		{name: "no CRL for issuer hard fail", crls: []*x509.RevocationList{foreignCRL}, hardFail: true, expected: ErrRevoked},
		{name: "stale CRL soft fail", crls: []*x509.RevocationList{staleCRL}},
		{name: "stale CRL hard fail", crls: []*x509.RevocationList{staleCRL}, hardFail: true, expected: ErrRevoked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := clientVerifier(t, ca, func(c *VerifierConfig) {
				c.Revocation = &RevocationPolicy{Checker: NewCRLChecker(tt.crls...), HardFail: tt.hardFail}
			})

			_, err := v.Verify(client.Chain())
			if tt.expected == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.expected)
		})
	}
}

func TestVerifyRevocationRunsBeforeIdentity(t *testing.T) {
	ca := tlstest.NewCA(t, "Test Root CA")
	evil := ca.ClientCert(t, "EvilMyClientImpersonator")
	now := time.Now()
	crl := ca.CRL(t, now.Add(-time.Hour), now.Add(time.Hour), evil.Cert)

	v := clientVerifier(t, ca, func(c *VerifierConfig) {
		c.Revocation = &RevocationPolicy{Checker: NewCRLChecker(crl)}
	})
	_, err := v.Verify(evil.Chain())
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestVerifyRepeatedCallsAreIndependent(t *testing.T) {
	ca := tlstest.NewCA(t, "Test Root CA")
	good := ca.ClientCert(t, "MyClient")
	evil := ca.ClientCert(t, "EvilMyClientImpersonator")
	v := clientVerifier(t, ca)

	for i := 0; i < 20; i++ {
		_, err := v.Verify(good.Chain())
		require.NoError(t, err, "iteration %d", i)
		_, err = v.Verify(evil.Chain())
		require.ErrorIs(t, err, ErrIdentityMismatch, "iteration %d", i)
	}
}

func TestNewVerifierValidation(t *testing.T) {
	ca := tlstest.NewCA(t, "Test Root CA")
	anchors := anchorsFor(t, ca)
	policy := HostnamePolicy{Hostname: "localhost"}

	_, err := NewVerifier(VerifierConfig{Identity: policy})
	assert.Error(t, err, "missing anchors")

	_, err = NewVerifier(VerifierConfig{Anchors: anchors})
	assert.Error(t, err, "missing identity policy")

	_, err = NewVerifier(VerifierConfig{Anchors: anchors, Identity: policy, Revocation: &RevocationPolicy{}})
	assert.Error(t, err, "revocation without checker")
}

func TestVerifyServerHostname(t *testing.T) {
	ca := tlstest.NewCA(t, "Test Root CA")
	v, err := NewVerifier(VerifierConfig{
		Anchors:  anchorsFor(t, ca),
		Identity: HostnamePolicy{Hostname: "localhost"},
		Usage:    x509.ExtKeyUsageServerAuth,
		Logger:   discardLogger(),
	})
	require.NoError(t, err)

	_, err = v.Verify(ca.ServerCert(t).Chain())
	assert.NoError(t, err)

	other := ca.Issue(t, tlstest.CertificateOptions{
		CommonName: "other.example.com",
		DNSNames:   []string{"other.example.com"},
		Usage:      []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	_, err = v.Verify(other.Chain())
	assert.ErrorIs(t, err, ErrIdentityMismatch)

	// A client certificate is not acceptable as a server certificate.
	_, err = v.Verify(ca.ClientCert(t, "localhost").Chain())
	assert.ErrorIs(t, err, ErrUntrustedChain)
}
