package tls

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"strings"
	"time"
)

// Expiry thresholds used when reporting on local certificates.
const (
	ExpiryWarningWindow  = 30 * 24 * time.Hour
	ExpiryCriticalWindow = 7 * 24 * time.Hour
)

// ExpiryStatus classifies how close a certificate is to the end of its validity.
type ExpiryStatus string

const (
	ExpiryOK          ExpiryStatus = "ok"
	ExpiryWarning     ExpiryStatus = "warning"
	ExpiryCritical    ExpiryStatus = "critical"
	ExpiryExpired     ExpiryStatus = "expired"
	ExpiryNotYetValid ExpiryStatus = "not_yet_valid"
)

// CheckExpiry returns the expiry status of cert at now.
func CheckExpiry(cert *x509.Certificate, now time.Time) ExpiryStatus {
	switch {
	case now.Before(cert.NotBefore):
		return ExpiryNotYetValid
	case now.After(cert.NotAfter):
		return ExpiryExpired
	case cert.NotAfter.Sub(now) <= ExpiryCriticalWindow:
		return ExpiryCritical
	case cert.NotAfter.Sub(now) <= ExpiryWarningWindow:
		return ExpiryWarning
	default:
		return ExpiryOK
	}
}

// CertificateReport describes one certificate in the terms the identity
// policy and the hostname check use. Subject is the exact string to put in
// allowed_subjects.
type CertificateReport struct {
	Subject            string       `json:"subject"`
	Issuer             string       `json:"issuer"`
	CommonName         string       `json:"common_name"`
	DNSNames           []string     `json:"dns_names,omitempty"`
	IPAddresses        []string     `json:"ip_addresses,omitempty"`
	URIs               []string     `json:"uris,omitempty"`
	SerialNumber       string       `json:"serial_number"`
	NotBefore          time.Time    `json:"not_before"`
	NotAfter           time.Time    `json:"not_after"`
	Expiry             ExpiryStatus `json:"expiry"`
	IsCA               bool         `json:"is_ca"`
	SelfSigned         bool         `json:"self_signed"`
	ExtKeyUsage        []string     `json:"ext_key_usage,omitempty"`
	SignatureAlgorithm string       `json:"signature_algorithm"`
	PublicKeyAlgorithm string       `json:"public_key_algorithm"`
	KeySize            int          `json:"key_size,omitempty"`
	Warnings           []string     `json:"warnings,omitempty"`
}

// InspectCertificateFile reports on every certificate in a PEM or DER file.
func InspectCertificateFile(path string, now time.Time) ([]*CertificateReport, error) {
	data, err := readCredentialFile(path)
	if err != nil {
		return nil, err
	}
	certs, err := parseCertificates(data)
	if err != nil {
		return nil, NewCredentialLoadError(path, "malformed certificate", err)
	}
	if len(certs) == 0 {
		return nil, NewCredentialLoadError(path, "no certificates found", nil)
	}

	reports := make([]*CertificateReport, 0, len(certs))
	for _, cert := range certs {
		reports = append(reports, InspectCertificate(cert, now))
	}
	return reports, nil
}

// InspectCertificate builds the report for one certificate.
func InspectCertificate(cert *x509.Certificate, now time.Time) *CertificateReport {
	report := &CertificateReport{
		Subject:            cert.Subject.String(),
		Issuer:             cert.Issuer.String(),
		CommonName:         cert.Subject.CommonName,
		DNSNames:           cert.DNSNames,
		SerialNumber:       cert.SerialNumber.String(),
		NotBefore:          cert.NotBefore,
		NotAfter:           cert.NotAfter,
		Expiry:             CheckExpiry(cert, now),
		IsCA:               cert.IsCA,
		SelfSigned:         isSelfSigned(cert),
		ExtKeyUsage:        extKeyUsageNames(cert.ExtKeyUsage),
		SignatureAlgorithm: cert.SignatureAlgorithm.String(),
		PublicKeyAlgorithm: cert.PublicKeyAlgorithm.String(),
		KeySize:            keySize(cert.PublicKey),
	}
	for _, ip := range cert.IPAddresses {
		report.IPAddresses = append(report.IPAddresses, ip.String())
	}
	for _, uri := range cert.URIs {
		report.URIs = append(report.URIs, uri.String())
	}

	switch report.Expiry {
	case ExpiryExpired:
		report.Warnings = append(report.Warnings, "certificate expired on "+cert.NotAfter.UTC().Format(time.RFC3339))
	case ExpiryNotYetValid:
		report.Warnings = append(report.Warnings, "certificate is not valid before "+cert.NotBefore.UTC().Format(time.RFC3339))
	case ExpiryWarning, ExpiryCritical:
		days := int(cert.NotAfter.Sub(now).Hours() / 24)
		report.Warnings = append(report.Warnings, fmt.Sprintf("certificate expires in %d days", days))
	}
	if _, ok := cert.PublicKey.(*rsa.PublicKey); ok && report.KeySize < 2048 {
		report.Warnings = append(report.Warnings, fmt.Sprintf("weak RSA key size: %d bits", report.KeySize))
	}
	if strings.Contains(strings.ToLower(report.SignatureAlgorithm), "sha1") {
		report.Warnings = append(report.Warnings, "uses a SHA-1 signature algorithm")
	}
	if !cert.IsCA && !hasSANs(cert) {
		report.Warnings = append(report.Warnings, "no subject alternative names; hostname verification needs allow_common_name_fallback")
	}
	return report
}

func extKeyUsageNames(usages []x509.ExtKeyUsage) []string {
	var names []string
	for _, usage := range usages {
		switch usage {
		case x509.ExtKeyUsageAny:
			names = append(names, "any")
		case x509.ExtKeyUsageServerAuth:
			names = append(names, "server_auth")
		case x509.ExtKeyUsageClientAuth:
			names = append(names, "client_auth")
		case x509.ExtKeyUsageCodeSigning:
			names = append(names, "code_signing")
		case x509.ExtKeyUsageEmailProtection:
			names = append(names, "email_protection")
		case x509.ExtKeyUsageTimeStamping:
			names = append(names, "time_stamping")
		case x509.ExtKeyUsageOCSPSigning:
			names = append(names, "ocsp_signing")
		default:
			names = append(names, fmt.Sprintf("unknown(%d)", usage))
		}
	}
	return names
}

func keySize(publicKey any) int {
	switch key := publicKey.(type) {
	case *rsa.PublicKey:
		return key.N.BitLen()
	case *ecdsa.PublicKey:
		return key.Curve.Params().BitSize
	case ed25519.PublicKey:
		return 256
	default:
		return 0
	}
}

func isSelfSigned(cert *x509.Certificate) bool {
	return bytes.Equal(cert.RawIssuer, cert.RawSubject) &&
		cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature) == nil
}
