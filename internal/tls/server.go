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
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-mtls/pkg/telemetry"
)

// DefaultGreeting is the body served to authenticated clients.
const DefaultGreeting = "🎉 Hello, authenticated client!"

const roleServer = "server"

// ServerOptions holds everything the server role needs. All values are loaded
// once at startup and never mutated. Empty CipherSuites means the secure
// defaults; insecure suites are refused.
type ServerOptions struct {
	Certificate      tls.Certificate
	Anchors          *TrustAnchors
	Identity         IdentityPolicy
	Revocation       *RevocationPolicy
	Greeting         string
	MinVersion       uint16
	CipherSuites     []uint16
	HandshakeTimeout time.Duration
	Clock            func() time.Time
	Metrics          *TLSMetricsCollector
	Logger           *slog.Logger
}

// Server terminates TLS, requires and verifies a client certificate on every
// connection, and serves the greeting to authenticated peers only.
type Server struct {
	verifier   *Verifier
	tlsConfig  *tls.Config
	httpServer *http.Server
	sessions   *SessionTracker
	greeting   string
	metrics    *TLSMetricsCollector
	logger     *TLSLogger

	mu      sync.Mutex
	running bool
	addr    net.Addr
}

// NewServer validates opts and builds the server. It does not listen.
func NewServer(opts ServerOptions) (*Server, error) {
	if len(opts.Certificate.Certificate) == 0 || opts.Certificate.PrivateKey == nil {
		return nil, NewServerStartupError("server certificate is required", errors.New("empty certificate"))
	}
	if opts.Anchors == nil {
		return nil, NewServerStartupError("trust anchor for client certificates is required", errors.New("nil trust anchors"))
	}
	if opts.Identity == nil {
		return nil, NewServerStartupError("client identity policy is required", errors.New("nil identity policy"))
	}
	if opts.Greeting == "" {
		opts.Greeting = DefaultGreeting
	}
	defaults := GetSecurityDefaults()
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaults.HandshakeTimeout
	}

	tlsLogger := NewTLSLogger(opts.Logger, roleServer)

	verifier, err := NewVerifier(VerifierConfig{
		Anchors:    opts.Anchors,
		Identity:   opts.Identity,
		Usage:      x509.ExtKeyUsageClientAuth,
		Revocation: opts.Revocation,
		Clock:      opts.Clock,
		Logger:     tlsLogger.Logger(),
	})
	if err != nil {
		return nil, NewServerStartupError("build client verifier", err)
	}

	s := &Server{
		verifier: verifier,
		sessions: NewSessionTracker(),
		greeting: opts.Greeting,
		metrics:  opts.Metrics,
		logger:   tlsLogger,
	}

	// RequireAnyClientCert makes the TLS stack demand a certificate; all
	// verification is done by the verifier in VerifyConnection. ClientCAs is
	// only advertised to the client as a hint.
	s.tlsConfig = &tls.Config{
		Certificates: []tls.Certificate{opts.Certificate},
		ClientAuth:   tls.RequireAnyClientCert,
		ClientCAs:    opts.Anchors.Pool(),
		MinVersion:   opts.MinVersion,
		CipherSuites: opts.CipherSuites,
	}
	ApplySecureDefaults(s.tlsConfig, defaults)
	if err := ValidateCipherSuiteSecurity(s.tlsConfig.CipherSuites); err != nil {
		return nil, NewServerStartupError("cipher suite policy", err)
	}
	s.tlsConfig.GetConfigForClient = s.configForClient

	if leaf := opts.Certificate.Leaf; leaf != nil {
		opts.Metrics.RecordCertificateExpiry(roleServer, leaf.Subject.String(), leaf.NotAfter)
	}

	// net/http bounds the TLS handshake by the smallest of these timeouts.
	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: opts.HandshakeTimeout,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ConnState:         s.trackConnState,
		ConnContext:       s.connContext,
		ErrorLog:          slog.NewLogLogger(tlsLogger.Logger().Handler(), slog.LevelDebug),
	}

	return s, nil
}

// Sessions exposes the live connection tracker.
func (s *Server) Sessions() *SessionTracker {
	return s.sessions
}

// Addr returns the listening address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return NewListenerCreateError(addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts TLS connections on listener until ctx is cancelled or the
// server is shut down. Each connection is handled on its own goroutine.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return NewServerStartupError("server already running", fmt.Errorf("TLS server is already running"))
	}
	s.running = true
	s.addr = listener.Addr()
	s.mu.Unlock()

	s.logger.Logger().Info("TLS server listening",
		"address", listener.Addr().String(),
		"client_identity_policy", s.verifier.identity.Describe(),
		"tls_version_min", tls.VersionName(s.tlsConfig.MinVersion))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(tls.NewListener(listener, s.tlsConfig))
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := s.httpServer.Shutdown(shutdownCtx)
		<-errCh
		s.logger.Logger().Info("TLS server stopped")
		return err
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleGreeting)

	handler := NewSecurityHeadersMiddleware(nil).WrapHandler(mux)
	return otelhttp.NewHandler(handler, "polis-mtls.server")
}

func (s *Server) handleGreeting(w http.ResponseWriter, r *http.Request) {
	peer := PeerFromContext(r.Context())
	if peer == nil {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	telemetry.RecordPeer(trace.SpanFromContext(r.Context()), roleServer, peer.Subject, peer.Fingerprint)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, s.greeting)
}

// connContext runs first for every accepted connection, so it opens the
// session; a stale entry for a reused remote address is replaced.
func (s *Server) connContext(ctx context.Context, conn net.Conn) context.Context {
	return contextWithSession(ctx, s.sessions.Open(conn.RemoteAddr().String()))
}

func (s *Server) trackConnState(conn net.Conn, state http.ConnState) {
	addr := conn.RemoteAddr().String()
	switch state {
	case http.StateNew:
		session := s.sessions.Lookup(addr)
		s.metrics.RecordConnectionStart(roleServer)
		s.logger.LogConnectionStart(context.Background(), session)
	case http.StateClosed, http.StateHijacked:
		if session := s.sessions.Close(addr); session != nil {
			s.metrics.RecordConnectionEnd(roleServer)
			s.logger.LogConnectionEnd(context.Background(), session)
		}
	}
}

// configForClient binds a per-connection VerifyConnection to the session of
// the connecting peer.
func (s *Server) configForClient(hello *tls.ClientHelloInfo) (*tls.Config, error) {
	session := SessionFromContext(hello.Context())
	if session == nil {
		session = s.sessions.Lookup(hello.Conn.RemoteAddr().String())
	}
	session.transition(StateHandshaking)
	s.logger.LogStateChange(hello.Context(), session, StateHandshaking)

	cfg := s.tlsConfig.Clone()
	cfg.GetConfigForClient = nil
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		return s.verifyClient(hello.Context(), session, cs)
	}
	return cfg, nil
}

// verifyClient applies the verifier to the client chain. A returned error
// aborts the handshake with a generic bad_certificate alert; the reason is
// only logged locally.
func (s *Server) verifyClient(ctx context.Context, session *Session, cs tls.ConnectionState) error {
	session.transition(StateValidating)
	s.logger.LogStateChange(ctx, session, StateValidating)

	peer, err := s.verifier.VerifyConnectionState(cs)
	duration := time.Since(session.Started)
	if err != nil {
		session.reject(err)
		var claimed *x509.Certificate
		if len(cs.PeerCertificates) > 0 {
			claimed = cs.PeerCertificates[0]
		}
		s.logger.LogHandshakeRejected(ctx, session, claimed, err)
		s.metrics.RecordHandshakeRejected(roleServer, ErrorTypeOf(err), duration)
		return err
	}

	session.authenticate(peer)
	s.logger.LogHandshakeSuccess(ctx, session, cs, peer)
	s.metrics.RecordHandshakeAccepted(roleServer, duration)
	return nil
}
