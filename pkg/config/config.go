// Package config provides configuration structures and loading logic for the
// mTLS server and client.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "POLIS_MTLS_"

// Defaults used when neither the file nor the environment set a value.
const (
	DefaultListenAddress    = ":5001"
	DefaultServerAddress    = "localhost:5001"
	DefaultAllowedSubject   = "CN=MyClient"
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultClientTimeout    = 10 * time.Second
	DefaultServiceName      = "polis-mtls"
)

// Config holds the configuration for both roles. Each subcommand only
// validates the section it runs.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Client    ClientConfig    `yaml:"client"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds configuration for the server role.
type ServerConfig struct {
	ListenAddress    string            `yaml:"listen_address"`
	Credentials      CredentialsConfig `yaml:"credentials"`
	TrustAnchorFile  string            `yaml:"trust_anchor_file"`
	Identity         IdentityConfig    `yaml:"identity"`
	Revocation       RevocationConfig  `yaml:"revocation"`
	HandshakeTimeout time.Duration     `yaml:"handshake_timeout"`
	Greeting         string            `yaml:"greeting"`
	MinVersion       string            `yaml:"min_version"`
	MetricsAddress   string            `yaml:"metrics_address"`
}

// ClientConfig holds configuration for the client role.
type ClientConfig struct {
	ServerAddress           string            `yaml:"server_address"`
	ServerName              string            `yaml:"server_name"`
	Credentials             CredentialsConfig `yaml:"credentials"`
	TrustAnchorFile         string            `yaml:"trust_anchor_file"`
	Path                    string            `yaml:"path"`
	Timeout                 time.Duration     `yaml:"timeout"`
	AllowCommonNameFallback bool              `yaml:"allow_common_name_fallback"`
	Revocation              RevocationConfig  `yaml:"revocation"`
	MinVersion              string            `yaml:"min_version"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// TelemetryConfig holds configuration for OpenTelemetry tracing. Tracing is
// off when Endpoint is empty.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	Environment string `yaml:"environment"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress: DefaultListenAddress,
			Identity: IdentityConfig{
				AllowedSubjects: []string{DefaultAllowedSubject},
			},
			HandshakeTimeout: DefaultHandshakeTimeout,
			MinVersion:       string(TLSVersion12),
		},
		Client: ClientConfig{
			ServerAddress: DefaultServerAddress,
			Path:          "/",
			Timeout:       DefaultClientTimeout,
			MinVersion:    string(TLSVersion12),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			ServiceName: DefaultServiceName,
		},
	}
}

// Load reads configuration from a file and applies environment variable
// overrides. An empty path yields the defaults plus the environment. Load does
// not validate; call ValidateServer or ValidateClient for the role in use.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		// An identity section in the file replaces the default allow-list
		// rather than appending to it.
		cfg.Server.Identity = IdentityConfig{}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		if cfg.Server.Identity.empty() {
			cfg.Server.Identity.AllowedSubjects = []string{DefaultAllowedSubject}
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	var errs []error
	str := func(name string, dst *string) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			*dst = val
		}
	}
	list := func(name string, dst *[]string) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			*dst = splitList(val)
		}
	}
	boolean := func(name string, dst *bool) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			b, err := strconv.ParseBool(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("SERVER_LISTEN_ADDRESS", &cfg.Server.ListenAddress)
	str("SERVER_CERT_FILE", &cfg.Server.Credentials.CertFile)
	str("SERVER_KEY_FILE", &cfg.Server.Credentials.KeyFile)
	str("SERVER_BUNDLE_FILE", &cfg.Server.Credentials.BundleFile)
	str("SERVER_PASSPHRASE", &cfg.Server.Credentials.Passphrase)
	str("SERVER_TRUST_ANCHOR_FILE", &cfg.Server.TrustAnchorFile)
	list("SERVER_ALLOWED_SUBJECTS", &cfg.Server.Identity.AllowedSubjects)
	list("SERVER_ALLOWED_COMMON_NAMES", &cfg.Server.Identity.AllowedCommonNames)
	list("SERVER_CRL_FILES", &cfg.Server.Revocation.CRLFiles)
	boolean("SERVER_REVOCATION_HARD_FAIL", &cfg.Server.Revocation.HardFail)
	duration("SERVER_HANDSHAKE_TIMEOUT", &cfg.Server.HandshakeTimeout)
	str("SERVER_GREETING", &cfg.Server.Greeting)
	str("SERVER_MIN_VERSION", &cfg.Server.MinVersion)
	str("SERVER_METRICS_ADDRESS", &cfg.Server.MetricsAddress)

	str("CLIENT_SERVER_ADDRESS", &cfg.Client.ServerAddress)
	str("CLIENT_SERVER_NAME", &cfg.Client.ServerName)
	str("CLIENT_CERT_FILE", &cfg.Client.Credentials.CertFile)
	str("CLIENT_KEY_FILE", &cfg.Client.Credentials.KeyFile)
	str("CLIENT_BUNDLE_FILE", &cfg.Client.Credentials.BundleFile)
	str("CLIENT_PASSPHRASE", &cfg.Client.Credentials.Passphrase)
	str("CLIENT_TRUST_ANCHOR_FILE", &cfg.Client.TrustAnchorFile)
	str("CLIENT_PATH", &cfg.Client.Path)
	duration("CLIENT_TIMEOUT", &cfg.Client.Timeout)
	boolean("CLIENT_ALLOW_COMMON_NAME_FALLBACK", &cfg.Client.AllowCommonNameFallback)
	list("CLIENT_CRL_FILES", &cfg.Client.Revocation.CRLFiles)
	boolean("CLIENT_REVOCATION_HARD_FAIL", &cfg.Client.Revocation.HardFail)
	str("CLIENT_MIN_VERSION", &cfg.Client.MinVersion)

	str("LOG_LEVEL", &cfg.Logging.Level)
	boolean("LOG_PRETTY", &cfg.Logging.Pretty)

	str("OTLP_ENDPOINT", &cfg.Telemetry.Endpoint)
	boolean("OTLP_INSECURE", &cfg.Telemetry.Insecure)
	str("SERVICE_NAME", &cfg.Telemetry.ServiceName)
	str("ENVIRONMENT", &cfg.Telemetry.Environment)

	return errors.Join(errs...)
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ValidateServer validates the sections used by the server command.
func (c *Config) ValidateServer() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	return c.validateCommon()
}

// ValidateClient validates the sections used by the client command.
func (c *Config) ValidateClient() error {
	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("client configuration: %w", err)
	}
	return c.validateCommon()
}

func (c *Config) validateCommon() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}
	return nil
}

// Validate performs validation of the server configuration
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return NewConfigMissingError("listen_address").
			WithSuggestion("Use host:port, for example :5001")
	}
	if err := c.Credentials.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.TrustAnchorFile) == "" {
		return NewConfigMissingError("trust_anchor_file").
			WithSuggestion("Point trust_anchor_file at the CA that issues client certificates").
			WithSuggestion("The system trust store is never used for client certificates")
	}
	if err := c.Identity.Validate(); err != nil {
		return err
	}
	if err := c.Revocation.Validate(); err != nil {
		return err
	}
	if c.HandshakeTimeout < 0 {
		return NewConfigValidationError("handshake_timeout", c.HandshakeTimeout, "must not be negative")
	}
	if _, err := ParseTLSVersion(c.MinVersion); err != nil {
		return NewConfigValidationError("min_version", c.MinVersion, err.Error()).
			WithSuggestion("Use \"1.2\" or \"1.3\"")
	}
	return nil
}

// Validate performs validation of the client configuration
func (c *ClientConfig) Validate() error {
	if strings.TrimSpace(c.ServerAddress) == "" {
		return NewConfigMissingError("server_address").
			WithSuggestion("Use host:port, for example localhost:5001")
	}
	if !strings.Contains(c.ServerAddress, ":") {
		return NewConfigValidationError("server_address", c.ServerAddress, "must be host:port")
	}
	if err := c.Credentials.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.TrustAnchorFile) == "" {
		return NewConfigMissingError("trust_anchor_file").
			WithSuggestion("Point trust_anchor_file at the CA that issued the server certificate")
	}
	if err := c.Revocation.Validate(); err != nil {
		return err
	}
	if c.Timeout < 0 {
		return NewConfigValidationError("timeout", c.Timeout, "must not be negative")
	}
	if _, err := ParseTLSVersion(c.MinVersion); err != nil {
		return NewConfigValidationError("min_version", c.MinVersion, err.Error()).
			WithSuggestion("Use \"1.2\" or \"1.3\"")
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return NewConfigValidationError("level", c.Level, "unknown log level").
			WithSuggestion("Use one of debug, info, warn, error")
	}
}

// Validate performs validation of telemetry configuration
func (c *TelemetryConfig) Validate() error {
	if c.Endpoint != "" && strings.Contains(c.Endpoint, "://") {
		return NewConfigValidationError("endpoint", c.Endpoint, "OTLP gRPC endpoint must be host:port without a scheme").
			WithSuggestion("Use localhost:4317 and set insecure: true for a plaintext collector")
	}
	return nil
}
