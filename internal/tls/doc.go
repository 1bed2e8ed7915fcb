// Package tls implements the mutual-TLS server and client roles and the
// certificate validation policy both of them apply to their peer.
//
// A peer is accepted only when its certificate chains to an explicitly
// configured trust anchor, every chain member is inside its validity window,
// it is not revoked, and it satisfies an exact identity policy: an allow-list
// of subjects on the server, the expected hostname on the client. Rejections
// carry a typed reason (see TLSErrorType) that is logged and counted locally
// and never sent to the peer.
package tls
