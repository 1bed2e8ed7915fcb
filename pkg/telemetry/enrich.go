package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RecordPeer annotates span with the identity of the authenticated peer.
func RecordPeer(span trace.Span, role, subject, fingerprint string) {
	if !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.String("tls.role", role),
		attribute.String("tls.peer.subject", subject),
	)
	if fingerprint != "" {
		span.SetAttributes(attribute.String("tls.peer.fingerprint_sha256", fingerprint))
	}
}

// RecordRejection marks span as failed because the peer was not accepted.
// Only the error class is attached; certificate contents are not.
func RecordRejection(span trace.Span, role, reason string) {
	if !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.String("tls.role", role),
		attribute.String("tls.rejection.reason", reason),
	)
	span.AddEvent("tls.handshake.rejected")
	span.SetStatus(codes.Error, reason)
}
