package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"time"
)

// TLSLogger provides structured logging for TLS events
type TLSLogger struct {
	logger *slog.Logger
}

// NewTLSLogger creates a new TLS logger
func NewTLSLogger(logger *slog.Logger, role string) *TLSLogger {
	if logger == nil {
		logger = slog.Default()
	}

	return &TLSLogger{
		logger: logger.With("component", "tls", "role", role),
	}
}

// Logger returns the underlying slog logger.
func (l *TLSLogger) Logger() *slog.Logger {
	return l.logger
}

// LogConnectionStart logs the start of a TLS connection
func (l *TLSLogger) LogConnectionStart(ctx context.Context, session *Session) {
	l.logger.LogAttrs(ctx, slog.LevelDebug, "TLS connection started",
		slog.String("event", "connection_start"),
		slog.String("session_id", session.ID),
		slog.String("remote_addr", session.RemoteAddr),
	)
}

// LogStateChange logs a handshake state transition
func (l *TLSLogger) LogStateChange(ctx context.Context, session *Session, state HandshakeState) {
	l.logger.LogAttrs(ctx, slog.LevelDebug, "TLS handshake state changed",
		slog.String("event", "state_change"),
		slog.String("session_id", session.ID),
		slog.String("remote_addr", session.RemoteAddr),
		slog.String("state", state.String()),
	)
}

// LogConnectionEnd logs the end of a TLS connection, distinguishing rejected
// handshakes from normal closes.
func (l *TLSLogger) LogConnectionEnd(ctx context.Context, session *Session) {
	rejected, _ := session.Rejected()
	outcome := "closed"
	if rejected {
		outcome = "rejected"
	}
	l.logger.LogAttrs(ctx, slog.LevelDebug, "TLS connection ended",
		slog.String("event", "connection_end"),
		slog.String("session_id", session.ID),
		slog.String("remote_addr", session.RemoteAddr),
		slog.String("outcome", outcome),
		slog.Duration("duration", time.Since(session.Started)),
	)
}

// LogHandshakeSuccess logs a successful TLS handshake
func (l *TLSLogger) LogHandshakeSuccess(ctx context.Context, session *Session, cs tls.ConnectionState, peer *PeerIdentity) {
	attrs := []slog.Attr{
		slog.String("event", "handshake_success"),
		slog.String("remote_addr", session.RemoteAddr),
		slog.String("session_id", session.ID),
		slog.String("tls_version", tls.VersionName(cs.Version)),
		slog.String("cipher_suite", tls.CipherSuiteName(cs.CipherSuite)),
		slog.String("server_name", cs.ServerName),
		slog.Duration("handshake_duration", time.Since(session.Started)),
	}

	if peer != nil {
		attrs = append(attrs,
			slog.String("peer_subject", peer.Subject),
			slog.String("peer_issuer", peer.Issuer),
			slog.String("peer_fingerprint", peer.Fingerprint),
		)
	}

	l.logger.LogAttrs(ctx, slog.LevelInfo, "TLS handshake completed successfully", attrs...)
}

// LogHandshakeRejected logs a peer certificate rejection. The claimed subject
// comes from the unverified leaf.
func (l *TLSLogger) LogHandshakeRejected(ctx context.Context, session *Session, claimed *x509.Certificate, err error) {
	attrs := []slog.Attr{
		slog.String("event", "handshake_rejected"),
		slog.String("remote_addr", session.RemoteAddr),
		slog.String("session_id", session.ID),
		slog.String("reason", string(ErrorTypeOf(err))),
		slog.String("error", err.Error()),
		slog.Duration("handshake_duration", time.Since(session.Started)),
	}

	if claimed != nil {
		attrs = append(attrs,
			slog.String("claimed_subject", claimed.Subject.String()),
			slog.String("claimed_issuer", claimed.Issuer.String()),
		)
	}

	l.logger.LogAttrs(ctx, LogLevelFor(err), "TLS handshake rejected", attrs...)
}

// LogLevelFor maps the severity of err to the level it is logged at.
func LogLevelFor(err error) slog.Level {
	switch GetErrorSeverity(err) {
	case SeverityCritical, SeverityError:
		return slog.LevelError
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// LogCredentialLoad logs certificate loading events
func (l *TLSLogger) LogCredentialLoad(ctx context.Context, src CredentialSource, cert *x509.Certificate, err error) {
	level := slog.LevelInfo
	message := "Certificate loaded successfully"

	attrs := []slog.Attr{
		slog.String("event", "credential_load"),
		slog.String("path", src.Path()),
		slog.Bool("success", err == nil),
	}

	if err != nil {
		level = slog.LevelError
		message = "Certificate loading failed"
		attrs = append(attrs, slog.String("error", err.Error()))
	}

	if cert != nil {
		expiry := CheckExpiry(cert, time.Now())
		attrs = append(attrs,
			slog.String("subject", cert.Subject.String()),
			slog.String("issuer", cert.Issuer.String()),
			slog.Time("not_after", cert.NotAfter),
			slog.String("expiry", string(expiry)),
		)
		if err == nil && expiry != ExpiryOK {
			level = slog.LevelWarn
			message = "Certificate loaded but is close to or outside its validity window"
		}
	}

	l.logger.LogAttrs(ctx, level, message, attrs...)
}
