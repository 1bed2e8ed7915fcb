package config

import (
	"fmt"
	"os"
	"strings"
)

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field       string
	Value       interface{}
	Reason      string
	Suggestions []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error in field '%s': %s", e.Field, e.Reason)
}

// GetDetailedMessage returns the error followed by its suggestions.
func (e *ConfigError) GetDetailedMessage() string {
	message := e.Error()
	if len(e.Suggestions) > 0 {
		message += "\n\nSuggestions:"
		for i, suggestion := range e.Suggestions {
			message += fmt.Sprintf("\n  %d. %s", i+1, suggestion)
		}
	}
	return message
}

func (e *ConfigError) WithSuggestion(suggestion string) *ConfigError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

func NewConfigMissingError(field string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Reason: fmt.Sprintf("required field '%s' is missing", field),
	}
}

func NewConfigValidationError(field string, value interface{}, reason string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}

// TLSVersion represents supported TLS protocol versions
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

// ParseTLSVersion converts a string to a TLSVersion with validation. TLS 1.0
// and 1.1 are rejected.
func ParseTLSVersion(version string) (TLSVersion, error) {
	if version == "" {
		return TLSVersion12, nil
	}

	normalized := strings.TrimSpace(version)
	switch TLSVersion(normalized) {
	case TLSVersion12, TLSVersion13:
		return TLSVersion(normalized), nil
	case "1.0", "1.1":
		return "", fmt.Errorf("TLS %s is not permitted", normalized)
	default:
		return "", fmt.Errorf("unsupported TLS version %q", version)
	}
}

// CredentialsConfig locates the local certificate bundle: either a PEM
// cert_file/key_file pair or a PKCS#12 bundle_file with a passphrase.
type CredentialsConfig struct {
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	BundleFile string `yaml:"bundle_file"`
	Passphrase string `yaml:"passphrase"`
	// PassphraseEnv names an environment variable holding the passphrase.
	PassphraseEnv string `yaml:"passphrase_env"`
}

// ResolvePassphrase returns the inline passphrase, or the value of
// PassphraseEnv when no inline passphrase is set.
func (c *CredentialsConfig) ResolvePassphrase() string {
	if c.Passphrase != "" {
		return c.Passphrase
	}
	if c.PassphraseEnv != "" {
		return os.Getenv(c.PassphraseEnv)
	}
	return ""
}

// Validate performs validation of the credential source
func (c *CredentialsConfig) Validate() error {
	bundle := strings.TrimSpace(c.BundleFile) != ""
	pem := strings.TrimSpace(c.CertFile) != "" || strings.TrimSpace(c.KeyFile) != ""

	switch {
	case bundle && pem:
		return NewConfigValidationError("credentials", c.BundleFile, "bundle_file cannot be combined with cert_file/key_file").
			WithSuggestion("Use either a PKCS#12 bundle or a PEM certificate and key")
	case bundle:
		return nil
	case pem:
		if strings.TrimSpace(c.CertFile) == "" {
			return NewConfigMissingError("credentials.cert_file")
		}
		if strings.TrimSpace(c.KeyFile) == "" {
			return NewConfigMissingError("credentials.key_file")
		}
		if c.Passphrase != "" || c.PassphraseEnv != "" {
			return NewConfigValidationError("credentials.passphrase", "<redacted>", "passphrases are only supported for PKCS#12 bundles").
				WithSuggestion("Decrypt the key with openssl pkey or package the pair as PKCS#12")
		}
		return nil
	default:
		return NewConfigMissingError("credentials").
			WithSuggestion("Set cert_file and key_file, or bundle_file and passphrase")
	}
}

// IdentityConfig is the exact allow-list a client certificate must match.
type IdentityConfig struct {
	// AllowedSubjects are full RFC 2253 distinguished names, e.g. "CN=MyClient".
	AllowedSubjects    []string `yaml:"allowed_subjects"`
	AllowedCommonNames []string `yaml:"allowed_common_names"`
	AllowedDNSNames    []string `yaml:"allowed_dns_names"`
	AllowedURIs        []string `yaml:"allowed_uris"`
}

func (c *IdentityConfig) empty() bool {
	for _, list := range [][]string{c.AllowedSubjects, c.AllowedCommonNames, c.AllowedDNSNames, c.AllowedURIs} {
		for _, v := range list {
			if strings.TrimSpace(v) != "" {
				return false
			}
		}
	}
	return true
}

// Validate performs validation of the identity allow-list
func (c *IdentityConfig) Validate() error {
	if c.empty() {
		return NewConfigMissingError("identity").
			WithSuggestion("Set identity.allowed_subjects, for example [\"CN=MyClient\"]").
			WithSuggestion("Run 'polis-mtls inspect <cert>' to print the exact subject of a certificate")
	}
	for _, subject := range c.AllowedSubjects {
		if s := strings.TrimSpace(subject); s != "" && !strings.Contains(s, "=") {
			return NewConfigValidationError("identity.allowed_subjects", subject, "not a distinguished name").
				WithSuggestion("Use RFC 2253 form such as CN=MyClient,O=Acme, or move plain names to allowed_common_names")
		}
	}
	for _, uri := range c.AllowedURIs {
		if u := strings.TrimSpace(uri); u != "" && !strings.Contains(u, ":") {
			return NewConfigValidationError("identity.allowed_uris", uri, "not an absolute URI").
				WithSuggestion("Use a full URI such as spiffe://example.org/client")
		}
	}
	return nil
}

// RevocationConfig lists CRL files and the failure policy.
type RevocationConfig struct {
	CRLFiles []string `yaml:"crl_files"`
	// HardFail rejects peers whose revocation status cannot be determined.
	HardFail bool `yaml:"hard_fail"`
}

// Enabled reports whether revocation checking is configured.
func (c *RevocationConfig) Enabled() bool {
	return len(c.CRLFiles) > 0
}

// Validate performs validation of revocation configuration
func (c *RevocationConfig) Validate() error {
	for _, file := range c.CRLFiles {
		if strings.TrimSpace(file) == "" {
			return NewConfigValidationError("revocation.crl_files", file, "empty CRL path")
		}
	}
	if c.HardFail && !c.Enabled() {
		return NewConfigValidationError("revocation.hard_fail", c.HardFail, "hard_fail requires at least one CRL file").
			WithSuggestion("Add revocation.crl_files or disable hard_fail")
	}
	return nil
}
