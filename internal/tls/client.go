package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-mtls/pkg/telemetry"
)

const (
	roleClient = "client"

	defaultClientTimeout = 10 * time.Second
	maxResponseBody      = 1 << 20
)

// ClientOptions holds everything the client role needs.
type ClientOptions struct {
	Certificate tls.Certificate
	Anchors     *TrustAnchors
	// ServerAddress is host:port.
	ServerAddress string
	// ServerName is the hostname the server certificate must match. Defaults
	// to the host part of ServerAddress.
	ServerName              string
	Path                    string
	Timeout                 time.Duration
	AllowCommonNameFallback bool
	Revocation              *RevocationPolicy
	MinVersion              uint16
	CipherSuites            []uint16
	Clock                   func() time.Time
	Metrics                 *TLSMetricsCollector
	Logger                  *slog.Logger
}

// Response is the result of a successful Fetch.
type Response struct {
	StatusCode int
	Body       string
	Peer       *PeerIdentity
	Duration   time.Duration
}

// Client performs one mutually authenticated request per Fetch.
type Client struct {
	verifier  *Verifier
	tlsConfig *tls.Config
	address   string
	url       string
	timeout   time.Duration
	metrics   *TLSMetricsCollector
	logger    *TLSLogger
}

// NewClient validates opts and builds the client. It does not dial.
func NewClient(opts ClientOptions) (*Client, error) {
	if len(opts.Certificate.Certificate) == 0 || opts.Certificate.PrivateKey == nil {
		return nil, NewConfigValidationError("credentials", "", "client certificate is required")
	}
	if opts.Anchors == nil {
		return nil, NewConfigValidationError("trust_anchor_file", "", "trust anchor for the server certificate is required")
	}
	host, _, err := net.SplitHostPort(opts.ServerAddress)
	if err != nil {
		return nil, NewConfigValidationError("server_address", opts.ServerAddress, err.Error())
	}
	serverName := strings.TrimSpace(opts.ServerName)
	if serverName == "" {
		serverName = host
	}
	if serverName == "" {
		return nil, NewConfigValidationError("server_name", opts.ServerName, "expected server hostname is required")
	}
	path := opts.Path
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultClientTimeout
	}

	tlsLogger := NewTLSLogger(opts.Logger, roleClient)

	verifier, err := NewVerifier(VerifierConfig{
		Anchors: opts.Anchors,
		Identity: HostnamePolicy{
			Hostname:                serverName,
			AllowCommonNameFallback: opts.AllowCommonNameFallback,
		},
		Usage:      x509.ExtKeyUsageServerAuth,
		Revocation: opts.Revocation,
		Clock:      opts.Clock,
		Logger:     tlsLogger.Logger(),
	})
	if err != nil {
		return nil, err
	}

	// Chain and hostname checks run in VerifyConnection so that failures
	// carry a typed reason; the built-in verification is switched off.
	cfg := &tls.Config{
		RootCAs:            opts.Anchors.Pool(),
		ServerName:         serverName,
		MinVersion:         opts.MinVersion,
		CipherSuites:       opts.CipherSuites,
		InsecureSkipVerify: true, // #nosec G402 -- verified in VerifyConnection
	}
	ApplySecureDefaults(cfg, GetSecurityDefaults())
	if err := ValidateCipherSuiteSecurity(cfg.CipherSuites); err != nil {
		return nil, NewConfigValidationError("cipher_suites", "", err.Error())
	}

	certificate := opts.Certificate
	cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
		return &certificate, nil
	}

	if leaf := certificate.Leaf; leaf != nil {
		opts.Metrics.RecordCertificateExpiry(roleClient, leaf.Subject.String(), leaf.NotAfter)
	}

	return &Client{
		verifier:  verifier,
		tlsConfig: cfg,
		address:   opts.ServerAddress,
		url:       "https://" + opts.ServerAddress + path,
		timeout:   opts.Timeout,
		metrics:   opts.Metrics,
		logger:    tlsLogger,
	}, nil
}

// URL returns the request URL.
func (c *Client) URL() string {
	return c.url
}

// Fetch opens a fresh connection, verifies the server, sends exactly one GET
// and returns the body. Errors are *TLSError values: network (unreachable),
// a validation type (server identity invalid), peer_rejected (the server
// refused our certificate) or unexpected_status.
func (c *Client) Fetch(ctx context.Context) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	session := newSession(c.address)
	transport := c.newTransport(session)
	defer transport.CloseIdleConnections()

	httpClient := &http.Client{
		Transport: otelhttp.NewTransport(transport),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, c.trace(session)), http.MethodGet, c.url, nil)
	if err != nil {
		return nil, NewConfigValidationError("url", c.url, err.Error())
	}

	c.logger.LogConnectionStart(ctx, session)
	defer c.logger.LogConnectionEnd(ctx, session)

	resp, err := httpClient.Do(req)
	if err != nil {
		classified := c.classify(session, err)
		telemetry.RecordRejection(trace.SpanFromContext(ctx), roleClient, string(ErrorTypeOf(classified)))
		return nil, classified
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, c.classify(session, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, NewUnexpectedStatusError(resp.StatusCode).
			WithContext("body", strings.TrimSpace(string(body)))
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       string(body),
		Peer:       session.Peer(),
		Duration:   time.Since(session.Started),
	}, nil
}

func (c *Client) newTransport(session *Session) *http.Transport {
	cfg := c.tlsConfig.Clone()
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		return c.verifyServer(session, cs)
	}

	dialer := &net.Dialer{Timeout: c.timeout}
	return &http.Transport{
		DialContext:         dialer.DialContext,
		TLSClientConfig:     cfg,
		TLSHandshakeTimeout: c.timeout,
		DisableKeepAlives:   true,
		ForceAttemptHTTP2:   false,
		MaxIdleConns:        1,
	}
}

func (c *Client) trace(session *Session) *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		TLSHandshakeStart: func() {
			session.transition(StateHandshaking)
			c.logger.LogStateChange(context.Background(), session, StateHandshaking)
		},
	}
}

func (c *Client) verifyServer(session *Session, cs tls.ConnectionState) error {
	session.transition(StateValidating)
	c.logger.LogStateChange(context.Background(), session, StateValidating)

	peer, err := c.verifier.VerifyConnectionState(cs)
	duration := time.Since(session.Started)
	if err != nil {
		session.reject(err)
		var claimed *x509.Certificate
		if len(cs.PeerCertificates) > 0 {
			claimed = cs.PeerCertificates[0]
		}
		c.logger.LogHandshakeRejected(context.Background(), session, claimed, err)
		c.metrics.RecordHandshakeRejected(roleClient, ErrorTypeOf(err), duration)
		return err
	}

	session.authenticate(peer)
	c.logger.LogHandshakeSuccess(context.Background(), session, cs, peer)
	c.metrics.RecordHandshakeAccepted(roleClient, duration)
	return nil
}

// classify maps a transport error to the client error taxonomy.
func (c *Client) classify(session *Session, err error) error {
	if rejected, reason := session.Rejected(); rejected && reason != nil {
		return reason
	}
	var tlsErr *TLSError
	if errors.As(err, &tlsErr) {
		return tlsErr
	}
	if isRemoteAlert(err) {
		return NewPeerRejectedError(c.address, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewNetworkError(c.address, fmt.Errorf("timed out after %s: %w", c.timeout, err))
	}
	return NewNetworkError(c.address, err)
}
