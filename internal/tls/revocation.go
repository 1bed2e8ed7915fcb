package tls

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

// RevocationStatus is the outcome of a revocation lookup.
type RevocationStatus int

const (
	RevocationUnknown RevocationStatus = iota
	RevocationGood
	RevocationRevoked
)

func (s RevocationStatus) String() string {
	switch s {
	case RevocationGood:
		return "good"
	case RevocationRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// RevocationChecker looks up the revocation status of cert as issued by issuer.
// A non-nil error means the status could not be determined.
type RevocationChecker interface {
	Check(cert, issuer *x509.Certificate, now time.Time) (RevocationStatus, error)
}

// RevocationPolicy pairs a checker with its failure mode.
type RevocationPolicy struct {
	Checker RevocationChecker
	// HardFail rejects peers whose status cannot be determined.
	HardFail bool
}

// CRLChecker answers revocation queries from a fixed set of CRLs.
type CRLChecker struct {
	crls []*x509.RevocationList
}

// NewCRLChecker returns a checker over already-parsed CRLs.
func NewCRLChecker(crls ...*x509.RevocationList) *CRLChecker {
	return &CRLChecker{crls: append([]*x509.RevocationList(nil), crls...)}
}

// LoadCRLs parses PEM or DER encoded CRL files.
func LoadCRLs(paths ...string) (*CRLChecker, error) {
	var crls []*x509.RevocationList
	for _, path := range paths {
		data, err := readCredentialFile(path)
		if err != nil {
			return nil, err
		}
		parsed, err := parseCRLs(data)
		if err != nil {
			return nil, NewCredentialLoadError(path, "malformed CRL", err)
		}
		if len(parsed) == 0 {
			return nil, NewCredentialLoadError(path, "no CRLs found", nil)
		}
		crls = append(crls, parsed...)
	}
	return NewCRLChecker(crls...), nil
}

func parseCRLs(data []byte) ([]*x509.RevocationList, error) {
	if !bytes.Contains(data, []byte("-----BEGIN")) {
		crl, err := x509.ParseRevocationList(data)
		if err != nil {
			return nil, err
		}
		return []*x509.RevocationList{crl}, nil
	}

	var crls []*x509.RevocationList
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "X509 CRL" {
			continue
		}
		crl, err := x509.ParseRevocationList(block.Bytes)
		if err != nil {
			return nil, err
		}
		crls = append(crls, crl)
	}
	return crls, nil
}

// Check implements RevocationChecker.
func (c *CRLChecker) Check(cert, issuer *x509.Certificate, now time.Time) (RevocationStatus, error) {
	if cert == nil || issuer == nil {
		return RevocationUnknown, errors.New("certificate and issuer are required")
	}

	var lastErr error
	for _, crl := range c.crls {
		if !bytes.Equal(crl.RawIssuer, issuer.RawSubject) {
			continue
		}
		if err := crl.CheckSignatureFrom(issuer); err != nil {
			lastErr = fmt.Errorf("CRL signature: %w", err)
			continue
		}
		if !crl.NextUpdate.IsZero() && now.After(crl.NextUpdate) {
			lastErr = fmt.Errorf("CRL for %s is stale since %s", issuer.Subject, crl.NextUpdate.Format(time.RFC3339))
			continue
		}
		for _, entry := range crl.RevokedCertificateEntries {
			if entry.SerialNumber != nil && entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
				return RevocationRevoked, nil
			}
		}
		return RevocationGood, nil
	}

	if lastErr != nil {
		return RevocationUnknown, lastErr
	}
	return RevocationUnknown, fmt.Errorf("no CRL for issuer %s", issuer.Subject)
}
