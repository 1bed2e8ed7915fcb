package tls

import (
	"context"
	"crypto/tls"
	"log/slog"

	"github.com/polisai/polis-mtls/pkg/config"
)

// BuildServer loads credentials, trust anchors, revocation data and the
// identity policy named by cfg and constructs the server role. Every failure
// here is fatal: the caller must not start listening.
func BuildServer(cfg config.ServerConfig, metrics *TLSMetricsCollector, logger *slog.Logger) (*Server, error) {
	tlsLogger := NewTLSLogger(logger, roleServer)

	certificate, err := loadLocalCredentials(tlsLogger, cfg.Credentials)
	if err != nil {
		return nil, err
	}
	anchors, err := LoadTrustAnchors(cfg.TrustAnchorFile)
	if err != nil {
		return nil, err
	}
	identity, err := NewSubjectPolicy(SubjectPolicy{
		Subjects:    cfg.Identity.AllowedSubjects,
		CommonNames: cfg.Identity.AllowedCommonNames,
		DNSNames:    cfg.Identity.AllowedDNSNames,
		URIs:        cfg.Identity.AllowedURIs,
	})
	if err != nil {
		return nil, NewConfigValidationError("identity", "", err.Error())
	}
	revocation, err := buildRevocation(cfg.Revocation)
	if err != nil {
		return nil, err
	}
	minVersion, err := ParseMinVersion(cfg.MinVersion)
	if err != nil {
		return nil, NewConfigValidationError("min_version", cfg.MinVersion, err.Error())
	}

	return NewServer(ServerOptions{
		Certificate:      certificate,
		Anchors:          anchors,
		Identity:         identity,
		Revocation:       revocation,
		Greeting:         cfg.Greeting,
		MinVersion:       minVersion,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Metrics:          metrics,
		Logger:           logger,
	})
}

// BuildClient is the client counterpart of BuildServer.
func BuildClient(cfg config.ClientConfig, metrics *TLSMetricsCollector, logger *slog.Logger) (*Client, error) {
	tlsLogger := NewTLSLogger(logger, roleClient)

	certificate, err := loadLocalCredentials(tlsLogger, cfg.Credentials)
	if err != nil {
		return nil, err
	}
	anchors, err := LoadTrustAnchors(cfg.TrustAnchorFile)
	if err != nil {
		return nil, err
	}
	revocation, err := buildRevocation(cfg.Revocation)
	if err != nil {
		return nil, err
	}
	minVersion, err := ParseMinVersion(cfg.MinVersion)
	if err != nil {
		return nil, NewConfigValidationError("min_version", cfg.MinVersion, err.Error())
	}

	return NewClient(ClientOptions{
		Certificate:             certificate,
		Anchors:                 anchors,
		ServerAddress:           cfg.ServerAddress,
		ServerName:              cfg.ServerName,
		Path:                    cfg.Path,
		Timeout:                 cfg.Timeout,
		AllowCommonNameFallback: cfg.AllowCommonNameFallback,
		Revocation:              revocation,
		MinVersion:              minVersion,
		Metrics:                 metrics,
		Logger:                  logger,
	})
}

func loadLocalCredentials(logger *TLSLogger, cfg config.CredentialsConfig) (tls.Certificate, error) {
	src := CredentialSource{
		CertFile:   cfg.CertFile,
		KeyFile:    cfg.KeyFile,
		BundleFile: cfg.BundleFile,
		Passphrase: cfg.ResolvePassphrase(),
	}
	certificate, err := LoadCredentials(src)
	logger.LogCredentialLoad(context.Background(), src, certificate.Leaf, err)
	return certificate, err
}

func buildRevocation(cfg config.RevocationConfig) (*RevocationPolicy, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	checker, err := LoadCRLs(cfg.CRLFiles...)
	if err != nil {
		return nil, err
	}
	return &RevocationPolicy{Checker: checker, HardFail: cfg.HardFail}, nil
}
