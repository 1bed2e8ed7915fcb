package tls

import (
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
)

// IdentityPolicy decides whether a chain-verified leaf certificate carries an
// acceptable identity. Implementations must match exactly, never by substring.
type IdentityPolicy interface {
	Match(leaf *x509.Certificate) error
	Describe() string
}

// SubjectPolicy accepts a client certificate when any configured field equals
// the corresponding certificate field exactly.
type SubjectPolicy struct {
	// Subjects are full distinguished names in RFC 2253 form, e.g. "CN=MyClient,O=Acme".
	Subjects []string
	// CommonNames are exact subject CN values.
	CommonNames []string
	// DNSNames are exact DNS subject alternative names (case-insensitive).
	DNSNames []string
	// URIs are exact URI subject alternative names, e.g. SPIFFE IDs.
	URIs []string
}

// NewSubjectPolicy validates and returns an allow-list policy.
func NewSubjectPolicy(p SubjectPolicy) (*SubjectPolicy, error) {
	normalized := &SubjectPolicy{
		Subjects:    trimAll(p.Subjects),
		CommonNames: trimAll(p.CommonNames),
		DNSNames:    trimAll(p.DNSNames),
		URIs:        trimAll(p.URIs),
	}
	if normalized.empty() {
		return nil, errors.New("identity policy requires at least one allowed subject, common name, DNS name or URI")
	}
	return normalized, nil
}

func (p *SubjectPolicy) empty() bool {
	return len(p.Subjects) == 0 && len(p.CommonNames) == 0 && len(p.DNSNames) == 0 && len(p.URIs) == 0
}

// Match implements IdentityPolicy.
func (p *SubjectPolicy) Match(leaf *x509.Certificate) error {
	if leaf == nil {
		return errors.New("no certificate")
	}
	subject := leaf.Subject.String()
	for _, allowed := range p.Subjects {
		if subject == allowed {
			return nil
		}
	}
	for _, allowed := range p.CommonNames {
		if leaf.Subject.CommonName == allowed {
			return nil
		}
	}
	for _, allowed := range p.DNSNames {
		for _, name := range leaf.DNSNames {
			if strings.EqualFold(name, allowed) {
				return nil
			}
		}
	}
	for _, allowed := range p.URIs {
		for _, uri := range leaf.URIs {
			if uri.String() == allowed {
				return nil
			}
		}
	}
	return fmt.Errorf("subject %q is not on the allow-list", subject)
}

// Describe implements IdentityPolicy.
func (p *SubjectPolicy) Describe() string {
	var parts []string
	if len(p.Subjects) > 0 {
		parts = append(parts, "subjects="+strings.Join(p.Subjects, ";"))
	}
	if len(p.CommonNames) > 0 {
		parts = append(parts, "common_names="+strings.Join(p.CommonNames, ";"))
	}
	if len(p.DNSNames) > 0 {
		parts = append(parts, "dns_names="+strings.Join(p.DNSNames, ";"))
	}
	if len(p.URIs) > 0 {
		parts = append(parts, "uris="+strings.Join(p.URIs, ";"))
	}
	return strings.Join(parts, " ")
}

// HostnamePolicy verifies a server certificate against the expected host.
type HostnamePolicy struct {
	Hostname string
	// AllowCommonNameFallback accepts an exact CN match, but only when the
	// certificate has no subject alternative names at all.
	AllowCommonNameFallback bool
}

// Match implements IdentityPolicy.
func (p HostnamePolicy) Match(leaf *x509.Certificate) error {
	if leaf == nil {
		return errors.New("no certificate")
	}
	err := leaf.VerifyHostname(p.Hostname)
	if err == nil {
		return nil
	}
	if p.AllowCommonNameFallback && !hasSANs(leaf) &&
		leaf.Subject.CommonName != "" && strings.EqualFold(leaf.Subject.CommonName, p.Hostname) {
		return nil
	}
	return err
}

// Describe implements IdentityPolicy.
func (p HostnamePolicy) Describe() string {
	return "hostname=" + p.Hostname
}

func hasSANs(c *x509.Certificate) bool {
	return len(c.DNSNames) > 0 || len(c.IPAddresses) > 0 || len(c.URIs) > 0 || len(c.EmailAddresses) > 0
}

func trimAll(values []string) []string {
	var out []string
	for _, v := range values {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}
