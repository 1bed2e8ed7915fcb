// Package tlstest issues throwaway certificates for tests: a root CA,
// intermediates, client and server leaves, self-signed impostors and CRLs.
// Nothing here is reachable from the binaries.
package tlstest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"
)

// CertificateOptions contains options for issuing a certificate.
type CertificateOptions struct {
	CommonName   string
	Organization []string
	DNSNames     []string
	IPAddresses  []net.IP
	URIs         []string
	// Usage defaults to client authentication.
	Usage     []x509.ExtKeyUsage
	NotBefore time.Time
	NotAfter  time.Time
	IsCA      bool
}

// Identity is a certificate with its private key and the intermediates a
// peer would send alongside it.
type Identity struct {
	Cert          *x509.Certificate
	Key           crypto.Signer
	Intermediates []*x509.Certificate
}

// CA is a certificate authority able to issue leaves and CRLs.
type CA struct {
	Identity
}

// NewCA creates a self-signed root.
func NewCA(t testing.TB, commonName string) *CA {
	t.Helper()
	id := issue(t, CertificateOptions{CommonName: commonName, IsCA: true}, nil)
	return &CA{Identity: *id}
}

// NewIntermediate creates a CA signed by ca.
func (ca *CA) NewIntermediate(t testing.TB, commonName string) *CA {
	t.Helper()
	return ca.IssueIntermediate(t, CertificateOptions{CommonName: commonName})
}

// IssueIntermediate creates a CA signed by ca with the given options, for
// intermediates with a custom validity window.
func (ca *CA) IssueIntermediate(t testing.TB, opts CertificateOptions) *CA {
	t.Helper()
	opts.IsCA = true
	id := issue(t, opts, ca)
	return &CA{Identity: *id}
}

// Issue signs a new leaf with ca.
func (ca *CA) Issue(t testing.TB, opts CertificateOptions) *Identity {
	t.Helper()
	return issue(t, opts, ca)
}

// SelfSigned creates a leaf signed by its own key.
func SelfSigned(t testing.TB, opts CertificateOptions) *Identity {
	t.Helper()
	return issue(t, opts, nil)
}

// ClientCert issues a client-auth leaf with the given CN.
func (ca *CA) ClientCert(t testing.TB, commonName string) *Identity {
	t.Helper()
	return ca.Issue(t, CertificateOptions{CommonName: commonName})
}

// ServerCert issues a server-auth leaf for localhost and 127.0.0.1.
func (ca *CA) ServerCert(t testing.TB) *Identity {
	t.Helper()
	return ca.Issue(t, CertificateOptions{
		CommonName:  "localhost",
		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1)},
		Usage:       []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
}

func issue(t testing.TB, opts CertificateOptions, parent *CA) *Identity {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err, "generate key")

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err, "generate serial")

	now := time.Now()
	if opts.NotBefore.IsZero() {
		opts.NotBefore = now.Add(-time.Hour)
	}
	if opts.NotAfter.IsZero() {
		opts.NotAfter = now.Add(24 * time.Hour)
		if opts.IsCA {
			opts.NotAfter = now.Add(10 * 365 * 24 * time.Hour)
		}
	}
	if opts.Usage == nil {
		opts.Usage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: opts.Organization,
		},
		NotBefore:             opts.NotBefore,
		NotAfter:              opts.NotAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           opts.Usage,
		BasicConstraintsValid: true,
		DNSNames:              opts.DNSNames,
		IPAddresses:           opts.IPAddresses,
	}
	for _, raw := range opts.URIs {
		u, err := url.Parse(raw)
		require.NoError(t, err, "parse URI SAN")
		template.URIs = append(template.URIs, u)
	}
	if opts.IsCA {
		template.IsCA = true
		template.KeyUsage |= x509.KeyUsageCertSign | x509.KeyUsageCRLSign
		template.ExtKeyUsage = nil
	}

	signerCert, signerKey := template, crypto.Signer(key)
	var intermediates []*x509.Certificate
	if parent != nil {
		signerCert, signerKey = parent.Cert, parent.Key
		// A leaf issued by an intermediate carries the intermediate, and
		// whatever sat above it, but never the root.
		if parent.Cert.Subject.String() != parent.Cert.Issuer.String() {
			intermediates = append([]*x509.Certificate{parent.Cert}, parent.Intermediates...)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, signerCert, key.Public(), signerKey)
	require.NoError(t, err, "create certificate")
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err, "parse certificate")

	return &Identity{Cert: cert, Key: key, Intermediates: intermediates}
}

// Chain returns the leaf followed by its intermediates, as seen in a handshake.
func (id *Identity) Chain() []*x509.Certificate {
	return append([]*x509.Certificate{id.Cert}, id.Intermediates...)
}

// TLSCertificate returns the identity as a crypto/tls certificate.
func (id *Identity) TLSCertificate() tls.Certificate {
	certificate := tls.Certificate{PrivateKey: id.Key, Leaf: id.Cert}
	for _, c := range id.Chain() {
		certificate.Certificate = append(certificate.Certificate, c.Raw)
	}
	return certificate
}

// CertPEM encodes the leaf and intermediates.
func (id *Identity) CertPEM() []byte {
	var out []byte
	for _, c := range id.Chain() {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}
	return out
}

// KeyPEM encodes the private key as PKCS#8.
func (id *Identity) KeyPEM(t testing.TB) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(id.Key)
	require.NoError(t, err, "marshal private key")
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

// WritePEM writes <name>.pem and <name>-key.pem into dir.
func (id *Identity) WritePEM(t testing.TB, dir, name string) (certFile, keyFile string) {
	t.Helper()
	certFile = filepath.Join(dir, name+".pem")
	keyFile = filepath.Join(dir, name+"-key.pem")
	require.NoError(t, os.WriteFile(certFile, id.CertPEM(), 0o644))
	require.NoError(t, os.WriteFile(keyFile, id.KeyPEM(t), 0o600))
	return certFile, keyFile
}

// WritePKCS12 writes <name>.p12 protected by password into dir.
func (id *Identity) WritePKCS12(t testing.TB, dir, name, password string) string {
	t.Helper()
	data, err := pkcs12.Modern.Encode(id.Key, id.Cert, id.Intermediates, password)
	require.NoError(t, err, "encode PKCS#12")
	path := filepath.Join(dir, name+".p12")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

// WriteCertPEM writes only the CA certificate, for use as a trust anchor file.
func (ca *CA) WriteCertPEM(t testing.TB, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name+".pem")
	block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Cert.Raw})
	require.NoError(t, os.WriteFile(path, block, 0o644))
	return path
}

// CRL signs a revocation list listing revoked, valid from thisUpdate to nextUpdate.
func (ca *CA) CRL(t testing.TB, thisUpdate, nextUpdate time.Time, revoked ...*x509.Certificate) *x509.RevocationList {
	t.Helper()
	template := &x509.RevocationList{
		Number:     big.NewInt(time.Now().UnixNano()),
		ThisUpdate: thisUpdate,
		NextUpdate: nextUpdate,
	}
	for _, cert := range revoked {
		template.RevokedCertificateEntries = append(template.RevokedCertificateEntries, x509.RevocationListEntry{
			SerialNumber:   cert.SerialNumber,
			RevocationTime: thisUpdate,
		})
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, ca.Cert, ca.Key)
	require.NoError(t, err, "create CRL")
	crl, err := x509.ParseRevocationList(der)
	require.NoError(t, err, "parse CRL")
	return crl
}

// WriteCRL writes crl PEM-encoded to <name>.crl in dir.
func WriteCRL(t testing.TB, dir, name string, crl *x509.RevocationList) string {
	t.Helper()
	path := filepath.Join(dir, name+".crl")
	block := pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: crl.Raw})
	require.NoError(t, os.WriteFile(path, block, 0o644))
	return path
}
