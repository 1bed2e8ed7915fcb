// Package telemetry wires the OpenTelemetry trace exporter and the Prometheus
// registry used by the mTLS server and client.
//
// It centralises tracer provider setup, exposes the metrics endpoint, and
// offers helpers that annotate spans with the authenticated peer or the
// reason a handshake was refused so operators can correlate rejections with
// the request that triggered them.
package telemetry
