package tls

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// PeerIdentity is the identity extracted from a verified peer certificate.
// It lives for one connection and is never persisted.
type PeerIdentity struct {
	Subject      string    `json:"subject"`
	Issuer       string    `json:"issuer"`
	CommonName   string    `json:"common_name"`
	DNSNames     []string  `json:"dns_names,omitempty"`
	URIs         []string  `json:"uris,omitempty"`
	SerialNumber string    `json:"serial_number"`
	NotBefore    time.Time `json:"not_before"`
	NotAfter     time.Time `json:"not_after"`
	Fingerprint  string    `json:"fingerprint_sha256"`
	Chain        []string  `json:"chain"`
}

func newPeerIdentity(chain []*x509.Certificate) *PeerIdentity {
	leaf := chain[0]
	digest := sha256.Sum256(leaf.Raw)

	identity := &PeerIdentity{
		Subject:      leaf.Subject.String(),
		Issuer:       leaf.Issuer.String(),
		CommonName:   leaf.Subject.CommonName,
		DNSNames:     append([]string(nil), leaf.DNSNames...),
		SerialNumber: leaf.SerialNumber.String(),
		NotBefore:    leaf.NotBefore,
		NotAfter:     leaf.NotAfter,
		Fingerprint:  hex.EncodeToString(digest[:]),
	}
	for _, uri := range leaf.URIs {
		identity.URIs = append(identity.URIs, uri.String())
	}
	for _, cert := range chain {
		identity.Chain = append(identity.Chain, cert.Subject.String())
	}
	return identity
}

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	Anchors  *TrustAnchors
	Identity IdentityPolicy
	// Usage is the extended key usage the leaf must carry: ExtKeyUsageClientAuth
	// when validating clients, ExtKeyUsageServerAuth when validating servers.
	Usage      x509.ExtKeyUsage
	Revocation *RevocationPolicy
	Clock      func() time.Time
	Logger     *slog.Logger
}

// Verifier decides whether a presented certificate chain is acceptable. It is
// safe for concurrent use and keeps no state between calls.
type Verifier struct {
	anchors    *TrustAnchors
	identity   IdentityPolicy
	usage      x509.ExtKeyUsage
	revocation *RevocationPolicy
	clock      func() time.Time
	logger     *slog.Logger
}

// NewVerifier validates cfg and returns a Verifier.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.Anchors == nil {
		return nil, errors.New("verifier requires trust anchors")
	}
	if cfg.Identity == nil {
		return nil, errors.New("verifier requires an identity policy")
	}
	if cfg.Revocation != nil && cfg.Revocation.Checker == nil {
		return nil, errors.New("revocation policy requires a checker")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Verifier{
		anchors:    cfg.Anchors,
		identity:   cfg.Identity,
		usage:      cfg.Usage,
		revocation: cfg.Revocation,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}, nil
}

// Verify checks chain (leaf first, then any intermediates sent by the peer)
// and returns the peer identity. Checks run in order and stop at the first
// failure: chain of trust, validity window, revocation, identity. The
// returned error is a *TLSError whose Type names the reason.
func (v *Verifier) Verify(chain []*x509.Certificate) (*PeerIdentity, error) {
	if len(chain) == 0 || chain[0] == nil {
		return nil, NewUntrustedChainError("", errors.New("no certificate presented"))
	}
	leaf := chain[0]
	subject := leaf.Subject.String()
	now := v.clock()

	candidates, err := v.buildChains(leaf, chain[1:], now)
	if err != nil {
		return nil, NewUntrustedChainError(subject, err).
			WithContext("issuer", leaf.Issuer.String())
	}

	verified, err := selectValidChain(candidates, now)
	if err != nil {
		return nil, err
	}

	if err := v.checkRevocation(verified, now); err != nil {
		return nil, err
	}

	if err := v.identity.Match(leaf); err != nil {
		mismatch := NewIdentityMismatchError(subject, "certificate identity not allowed").
			WithContext("policy", v.identity.Describe())
		mismatch.Cause = err
		return nil, mismatch
	}

	return newPeerIdentity(verified), nil
}

// VerifyConnectionState verifies the peer certificates of a handshake.
func (v *Verifier) VerifyConnectionState(cs tls.ConnectionState) (*PeerIdentity, error) {
	return v.Verify(cs.PeerCertificates)
}

// VerifyConnection has the signature of tls.Config.VerifyConnection.
func (v *Verifier) VerifyConnection(cs tls.ConnectionState) error {
	_, err := v.Verify(cs.PeerCertificates)
	return err
}

// buildChains finds paths from leaf to an anchor. Path building runs at now
// clamped into the leaf's validity window so that date problems surface as
// expired/not_yet_valid in the next step rather than as an untrusted chain.
// When that instant falls outside an intermediate's or anchor's window, path
// building is retried inside each member's window.
func (v *Verifier) buildChains(leaf *x509.Certificate, intermediates []*x509.Certificate, now time.Time) ([][]*x509.Certificate, error) {
	pool := x509.NewCertPool()
	for _, cert := range intermediates {
		if cert != nil {
			pool.AddCert(cert)
		}
	}
	verify := func(at time.Time) ([][]*x509.Certificate, error) {
		return leaf.Verify(x509.VerifyOptions{
			Roots:         v.anchors.Pool(),
			Intermediates: pool,
			CurrentTime:   at,
			KeyUsages:     []x509.ExtKeyUsage{v.usage},
		})
	}

	at := clampTime(now, leaf.NotBefore, leaf.NotAfter)
	chains, err := verify(at)
	if err == nil {
		return chains, nil
	}

	members := append(append([]*x509.Certificate(nil), intermediates...), v.anchors.Certificates()...)
	for _, member := range members {
		if member == nil {
			continue
		}
		from, until := leaf.NotBefore, leaf.NotAfter
		if member.NotBefore.After(from) {
			from = member.NotBefore
		}
		if member.NotAfter.Before(until) {
			until = member.NotAfter
		}
		if from.After(until) {
			continue
		}
		retry := clampTime(at, from, until)
		if retry.Equal(at) {
			continue
		}
		if chains, retryErr := verify(retry); retryErr == nil {
			return chains, nil
		}
	}
	return nil, err
}

func clampTime(t, from, until time.Time) time.Time {
	if t.Before(from) {
		return from
	}
	if t.After(until) {
		return until
	}
	return t
}

// selectValidChain returns the first candidate whose members are all inside
// their validity window, or the error found on the first candidate.
func selectValidChain(candidates [][]*x509.Certificate, now time.Time) ([]*x509.Certificate, error) {
	var firstErr error
	for _, candidate := range candidates {
		err := checkValidity(candidate, now)
		if err == nil {
			return candidate, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = NewUntrustedChainError("", errors.New("no verified chains"))
	}
	return nil, firstErr
}

func checkValidity(chain []*x509.Certificate, now time.Time) error {
	for _, cert := range chain {
		if now.Before(cert.NotBefore) {
			return NewCertificateNotYetValidError(cert.Subject.String(), cert.NotBefore.UTC().Format(time.RFC3339))
		}
		if now.After(cert.NotAfter) {
			return NewCertificateExpiredError(cert.Subject.String(), cert.NotAfter.UTC().Format(time.RFC3339))
		}
	}
	return nil
}

func (v *Verifier) checkRevocation(chain []*x509.Certificate, now time.Time) error {
	if v.revocation == nil {
		return nil
	}
	for i := 0; i < len(chain)-1; i++ {
		cert, issuer := chain[i], chain[i+1]
		status, err := v.revocation.Checker.Check(cert, issuer, now)
		switch {
		case err == nil && status == RevocationRevoked:
			return NewRevokedError(cert.Subject.String(), cert.SerialNumber.String(), "certificate has been revoked")
		case err != nil || status == RevocationUnknown:
			if err == nil {
				err = fmt.Errorf("revocation status unknown")
			}
			if v.revocation.HardFail {
				revoked := NewRevokedError(cert.Subject.String(), cert.SerialNumber.String(), "certificate revocation status unknown")
				revoked.Cause = err
				return revoked
			}
			v.logger.Warn("Revocation check failed, continuing",
				"subject", cert.Subject.String(),
				"serial", cert.SerialNumber.String(),
				"error", err)
		}
	}
	return nil
}
