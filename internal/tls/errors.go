package tls

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
)

// TLSErrorType represents different categories of TLS errors
type TLSErrorType string

const (
	// Startup errors
	ErrorTypeCredentialLoad   TLSErrorType = "credential_load"
	ErrorTypeConfigValidation TLSErrorType = "config_validation"

	// Peer validation errors, one per rejection reason
	ErrorTypeUntrustedChain   TLSErrorType = "untrusted_chain"
	ErrorTypeExpired          TLSErrorType = "expired"
	ErrorTypeNotYetValid      TLSErrorType = "not_yet_valid"
	ErrorTypeRevoked          TLSErrorType = "revoked"
	ErrorTypeIdentityMismatch TLSErrorType = "identity_mismatch"

	// Connection errors seen by the client
	ErrorTypeNetwork          TLSErrorType = "network"
	ErrorTypePeerRejected     TLSErrorType = "peer_rejected"
	ErrorTypeUnexpectedStatus TLSErrorType = "unexpected_status"

	// Server operation errors
	ErrorTypeServerStartup  TLSErrorType = "server_startup"
	ErrorTypeListenerCreate TLSErrorType = "listener_create"
)

// Sentinels for errors.Is. A *TLSError matches a sentinel when the types agree.
var (
	ErrCredentialLoad   = NewTLSError(ErrorTypeCredentialLoad, "credential load failed")
	ErrUntrustedChain   = NewTLSError(ErrorTypeUntrustedChain, "untrusted certificate chain")
	ErrExpired          = NewTLSError(ErrorTypeExpired, "certificate has expired")
	ErrNotYetValid      = NewTLSError(ErrorTypeNotYetValid, "certificate is not yet valid")
	ErrRevoked          = NewTLSError(ErrorTypeRevoked, "certificate has been revoked")
	ErrIdentityMismatch = NewTLSError(ErrorTypeIdentityMismatch, "certificate identity not allowed")
	ErrNetwork          = NewTLSError(ErrorTypeNetwork, "network error")
	ErrPeerRejected     = NewTLSError(ErrorTypePeerRejected, "peer rejected the handshake")
)

// TLSError represents a structured TLS error with context
type TLSError struct {
	Type        TLSErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	Suggestions []string
}

// Error implements the error interface
func (e *TLSError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s]", string(e.Type)))
	parts = append(parts, e.Message)

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for key := range e.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		contextParts := make([]string, 0, len(keys))
		for _, key := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", key, e.Context[key]))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

// Unwrap returns the underlying error for error unwrapping
func (e *TLSError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *TLSError of the same type.
func (e *TLSError) Is(target error) bool {
	t, ok := target.(*TLSError)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// WithContext adds context information to the error
func (e *TLSError) WithContext(key string, value interface{}) *TLSError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for resolving the error
func (e *TLSError) WithSuggestion(suggestion string) *TLSError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// GetDetailedMessage returns a detailed error message with suggestions
func (e *TLSError) GetDetailedMessage() string {
	message := e.Error()

	if len(e.Suggestions) > 0 {
		message += "\n\nSuggestions:"
		for i, suggestion := range e.Suggestions {
			message += fmt.Sprintf("\n  %d. %s", i+1, suggestion)
		}
	}

	return message
}

// NewTLSError creates a new TLS error with the specified type and message
func NewTLSError(errorType TLSErrorType, message string) *TLSError {
	return &TLSError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewTLSErrorWithCause creates a new TLS error with an underlying cause
func NewTLSErrorWithCause(errorType TLSErrorType, message string, cause error) *TLSError {
	return &TLSError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Credential error constructors
func NewCredentialLoadError(path, reason string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeCredentialLoad, fmt.Sprintf("failed to load credentials: %s", reason), cause).
		WithContext("path", path).
		WithSuggestion("Verify that the file exists and is readable").
		WithSuggestion("Check the passphrase for PKCS#12 bundles").
		WithSuggestion("Ensure the certificate and private key match")
}

func NewConfigValidationError(field string, value interface{}, reason string) *TLSError {
	return NewTLSError(ErrorTypeConfigValidation, fmt.Sprintf("invalid configuration field '%s'", field)).
		WithContext("field", field).
		WithContext("value", value).
		WithContext("reason", reason)
}

// Validation error constructors
func NewUntrustedChainError(subject string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeUntrustedChain, "certificate does not chain to a trusted anchor", cause).
		WithContext("subject", subject).
		WithSuggestion("Check that the peer certificate is issued by the configured trust anchor").
		WithSuggestion("Ensure intermediate certificates are sent during the handshake")
}

func NewCertificateExpiredError(subject string, expiredAt string) *TLSError {
	return NewTLSError(ErrorTypeExpired, "certificate has expired").
		WithContext("subject", subject).
		WithContext("expired_at", expiredAt).
		WithSuggestion("Renew the expired certificate")
}

func NewCertificateNotYetValidError(subject string, validFrom string) *TLSError {
	return NewTLSError(ErrorTypeNotYetValid, "certificate is not yet valid").
		WithContext("subject", subject).
		WithContext("valid_from", validFrom).
		WithSuggestion("Check the system clock is correct")
}

func NewRevokedError(subject, serial, reason string) *TLSError {
	return NewTLSError(ErrorTypeRevoked, reason).
		WithContext("subject", subject).
		WithContext("serial", serial)
}

func NewIdentityMismatchError(subject, reason string) *TLSError {
	return NewTLSError(ErrorTypeIdentityMismatch, reason).
		WithContext("subject", subject).
		WithSuggestion("Add the peer identity to the allow-list if it should be accepted")
}

// Client connection error constructors
func NewNetworkError(address string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeNetwork, fmt.Sprintf("could not reach server %s", address), cause).
		WithContext("address", address).
		WithSuggestion("Check that the server is running and the address is correct")
}

func NewPeerRejectedError(address string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypePeerRejected, "server rejected our certificate", cause).
		WithContext("address", address).
		WithSuggestion("Check that the client certificate is issued by a CA the server trusts").
		WithSuggestion("Check that the client identity is on the server allow-list")
}

func NewUnexpectedStatusError(status int) *TLSError {
	return NewTLSError(ErrorTypeUnexpectedStatus, fmt.Sprintf("unexpected HTTP status %d", status)).
		WithContext("status", status)
}

// Server operation error constructors
func NewServerStartupError(reason string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeServerStartup, fmt.Sprintf("TLS server startup failed: %s", reason), cause).
		WithContext("startup_failure_reason", reason)
}

func NewListenerCreateError(address string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeListenerCreate, fmt.Sprintf("failed to create TLS listener on address: %s", address), cause).
		WithContext("address", address).
		WithSuggestion("Check that the address is not already in use").
		WithSuggestion("Ensure the process has permission to bind to the address")
}

// Error classification helpers

// ErrorTypeOf returns the type of the first *TLSError in err's chain, or "".
func ErrorTypeOf(err error) TLSErrorType {
	var tlsErr *TLSError
	if errors.As(err, &tlsErr) {
		return tlsErr.Type
	}
	return ""
}

// IsValidationError reports whether err is a peer certificate rejection.
func IsValidationError(err error) bool {
	switch ErrorTypeOf(err) {
	case ErrorTypeUntrustedChain, ErrorTypeExpired, ErrorTypeNotYetValid,
		ErrorTypeRevoked, ErrorTypeIdentityMismatch:
		return true
	}
	return false
}

func IsCredentialError(err error) bool {
	return ErrorTypeOf(err) == ErrorTypeCredentialLoad
}

func IsNetworkError(err error) bool {
	return ErrorTypeOf(err) == ErrorTypeNetwork
}

func IsPeerRejected(err error) bool {
	return ErrorTypeOf(err) == ErrorTypePeerRejected
}

// isRemoteAlert reports whether err carries a TLS alert sent by the peer.
func isRemoteAlert(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "remote error"
}

// Error severity levels
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func GetErrorSeverity(err error) ErrorSeverity {
	var tlsErr *TLSError
	if !errors.As(err, &tlsErr) {
		return SeverityError
	}
	switch tlsErr.Type {
	case ErrorTypeCredentialLoad, ErrorTypeConfigValidation, ErrorTypeServerStartup, ErrorTypeListenerCreate:
		return SeverityCritical
	case ErrorTypeNetwork, ErrorTypePeerRejected, ErrorTypeUnexpectedStatus:
		return SeverityError
	case ErrorTypeUntrustedChain, ErrorTypeExpired, ErrorTypeNotYetValid,
		ErrorTypeRevoked, ErrorTypeIdentityMismatch:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
