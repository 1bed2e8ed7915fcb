package tls

import (
	"bytes"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"software.sslmate.com/src/go-pkcs12"
)

// CredentialSource locates a certificate bundle on disk. Either CertFile and
// KeyFile (PEM) or BundleFile (PKCS#12) must be set.
type CredentialSource struct {
	CertFile   string
	KeyFile    string
	BundleFile string
	Passphrase string
}

// Path returns the file that identifies the source in errors and logs.
func (s CredentialSource) Path() string {
	if s.BundleFile != "" {
		return s.BundleFile
	}
	return s.CertFile
}

// LoadCredentials loads a certificate and its private key. It never returns a
// partial identity: any failure yields a credential_load *TLSError.
func LoadCredentials(src CredentialSource) (tls.Certificate, error) {
	switch {
	case strings.TrimSpace(src.BundleFile) != "":
		if src.CertFile != "" || src.KeyFile != "" {
			return tls.Certificate{}, NewCredentialLoadError(src.BundleFile,
				"bundle_file cannot be combined with cert_file/key_file", nil)
		}
		return loadPKCS12(src.BundleFile, src.Passphrase)
	case src.CertFile != "" || src.KeyFile != "":
		if src.CertFile == "" || src.KeyFile == "" {
			return tls.Certificate{}, NewCredentialLoadError(src.Path(),
				"both cert_file and key_file are required", nil)
		}
		if src.Passphrase != "" {
			return tls.Certificate{}, NewCredentialLoadError(src.KeyFile,
				"passphrase is only supported for PKCS#12 bundles", nil)
		}
		return loadPEMPair(src.CertFile, src.KeyFile)
	default:
		return tls.Certificate{}, NewCredentialLoadError("", "no certificate source configured", nil)
	}
}

func loadPEMPair(certFile, keyFile string) (tls.Certificate, error) {
	certPEM, err := readCredentialFile(certFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM, err := readCredentialFile(keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}

	certificate, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, NewCredentialLoadError(certFile, "invalid PEM key pair", err).
			WithContext("key_file", keyFile)
	}
	if certificate.Leaf == nil {
		leaf, err := x509.ParseCertificate(certificate.Certificate[0])
		if err != nil {
			return tls.Certificate{}, NewCredentialLoadError(certFile, "invalid leaf certificate", err)
		}
		certificate.Leaf = leaf
	}
	return certificate, nil
}

func loadPKCS12(path, passphrase string) (tls.Certificate, error) {
	data, err := readCredentialFile(path)
	if err != nil {
		return tls.Certificate{}, err
	}

	key, leaf, chain, err := pkcs12.DecodeChain(data, passphrase)
	if err != nil {
		reason := "malformed PKCS#12 bundle"
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			reason = "incorrect passphrase"
		}
		return tls.Certificate{}, NewCredentialLoadError(path, reason, err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return tls.Certificate{}, NewCredentialLoadError(path, fmt.Sprintf("unsupported private key type %T", key), nil)
	}
	if !publicKeysEqual(signer.Public(), leaf.PublicKey) {
		return tls.Certificate{}, NewCredentialLoadError(path, "private key does not match certificate", nil)
	}

	certificate := tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	for _, c := range chain {
		certificate.Certificate = append(certificate.Certificate, c.Raw)
	}
	return certificate, nil
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	eq, ok := a.(equaler)
	return ok && eq.Equal(b)
}

func readCredentialFile(path string) ([]byte, error) {
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- credential paths are operator configuration
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, NewCredentialLoadError(cleanPath, "read file", err)
	}
	return data, nil
}

// TrustAnchors is the immutable set of root certificates used to verify peers.
type TrustAnchors struct {
	pool  *x509.CertPool
	certs []*x509.Certificate
}

// NewTrustAnchors builds an anchor set from parsed certificates.
func NewTrustAnchors(certs ...*x509.Certificate) (*TrustAnchors, error) {
	if len(certs) == 0 {
		return nil, NewCredentialLoadError("", "trust anchor set is empty", nil)
	}
	pool := x509.NewCertPool()
	for _, cert := range certs {
		pool.AddCert(cert)
	}
	return &TrustAnchors{pool: pool, certs: append([]*x509.Certificate(nil), certs...)}, nil
}

// LoadTrustAnchors reads PEM (or a single DER) certificates from path.
func LoadTrustAnchors(path string) (*TrustAnchors, error) {
	data, err := readCredentialFile(path)
	if err != nil {
		return nil, err
	}
	certs, err := parseCertificates(data)
	if err != nil {
		return nil, NewCredentialLoadError(path, "malformed trust anchor", err)
	}
	if len(certs) == 0 {
		return nil, NewCredentialLoadError(path, "no certificates found", nil)
	}
	return NewTrustAnchors(certs...)
}

// Pool returns the anchors as a cert pool. Callers must not modify it.
func (a *TrustAnchors) Pool() *x509.CertPool {
	return a.pool
}

// Certificates returns a copy of the parsed anchors.
func (a *TrustAnchors) Certificates() []*x509.Certificate {
	return append([]*x509.Certificate(nil), a.certs...)
}

func parseCertificates(data []byte) ([]*x509.Certificate, error) {
	if !bytes.Contains(data, []byte("-----BEGIN")) {
		return x509.ParseCertificates(data)
	}

	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	return certs, nil
}
