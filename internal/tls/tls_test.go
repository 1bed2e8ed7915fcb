package tls

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-mtls/internal/tls/tlstest"
	"github.com/polisai/polis-mtls/pkg/config"
)

type fixtureFiles struct {
	caFile     string
	serverCert string
	serverKey  string
	clientP12  string
	clientCert string
	clientKey  string
	ca         *tlstest.CA
	client     *tlstest.Identity
}

func writeFixtures(t *testing.T) fixtureFiles {
	t.Helper()
	dir := t.TempDir()
	ca := tlstest.NewCA(t, "Test Root CA")
	server := ca.ServerCert(t)
	client := ca.ClientCert(t, "MyClient")

	f := fixtureFiles{ca: ca, client: client}
	f.caFile = ca.WriteCertPEM(t, dir, "ca")
	f.serverCert, f.serverKey = server.WritePEM(t, dir, "server")
	f.clientCert, f.clientKey = client.WritePEM(t, dir, "client")
	f.clientP12 = client.WritePKCS12(t, dir, "client", "password")
	return f
}

func freeAddress(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())
	return addr
}

func TestBuildServerAndClientFromConfig(t *testing.T) {
	f := writeFixtures(t)
	addr := freeAddress(t)

	serverCfg := config.Default().Server
	serverCfg.ListenAddress = addr
	serverCfg.Credentials = config.CredentialsConfig{CertFile: f.serverCert, KeyFile: f.serverKey}
	serverCfg.TrustAnchorFile = f.caFile

	metrics, err := NewTLSMetricsCollector(prometheus.NewRegistry())
	require.NoError(t, err)
	server, err := BuildServer(serverCfg, metrics, discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.ListenAndServe(ctx, addr) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	require.Eventually(t, func() bool { return server.Addr() != nil }, 2*time.Second, 10*time.Millisecond)

	t.Setenv("TEST_CLIENT_P12_PASSWORD", "password")
	clientCfg := config.Default().Client
	clientCfg.ServerAddress = addr
	clientCfg.Credentials = config.CredentialsConfig{BundleFile: f.clientP12, PassphraseEnv: "TEST_CLIENT_P12_PASSWORD"}
	clientCfg.TrustAnchorFile = f.caFile

	client, err := BuildClient(clientCfg, nil, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", client.tlsConfig.ServerName, "derived from the server address")

	var resp *Response
	require.Eventually(t, func() bool {
		resp, err = client.Fetch(context.Background())
		return err == nil
	}, 2*time.Second, 20*time.Millisecond, "last error: %v", err)
	assert.Equal(t, DefaultGreeting, resp.Body)
}

func TestBuildServerErrors(t *testing.T) {
	f := writeFixtures(t)

	valid := func() config.ServerConfig {
		cfg := config.Default().Server
		cfg.Credentials = config.CredentialsConfig{CertFile: f.serverCert, KeyFile: f.serverKey}
		cfg.TrustAnchorFile = f.caFile
		return cfg
	}

	tests := []struct {
		name     string
		mutate   func(*config.ServerConfig)
		expected TLSErrorType
	}{
		{
			name:     "missing certificate",
			mutate:   func(c *config.ServerConfig) { c.Credentials.CertFile = f.serverCert + ".absent" },
			expected: ErrorTypeCredentialLoad,
		},
		{
			name:     "mismatched key",
			mutate:   func(c *config.ServerConfig) { c.Credentials.KeyFile = f.clientKey },
			expected: ErrorTypeCredentialLoad,
		},
		{
			name:     "missing trust anchor",
			mutate:   func(c *config.ServerConfig) { c.TrustAnchorFile = f.caFile + ".absent" },
			expected: ErrorTypeCredentialLoad,
		},
		{
			name:     "empty identity policy",
			mutate:   func(c *config.ServerConfig) { c.Identity = config.IdentityConfig{} },
			expected: ErrorTypeConfigValidation,
		},
		{
			name:     "old TLS version",
			mutate:   func(c *config.ServerConfig) { c.MinVersion = "1.0" },
			expected: ErrorTypeConfigValidation,
		},
		{
			name:     "missing CRL",
			mutate:   func(c *config.ServerConfig) { c.Revocation.CRLFiles = []string{f.caFile + ".crl"} },
			expected: ErrorTypeCredentialLoad,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			server, err := BuildServer(cfg, nil, discardLogger())
			require.Error(t, err)
			assert.Nil(t, server)
			assert.Equal(t, tt.expected, ErrorTypeOf(err), "got %v", err)
		})
	}
}

func TestBuildClientErrors(t *testing.T) {
	f := writeFixtures(t)

	valid := func() config.ClientConfig {
		cfg := config.Default().Client
		cfg.Credentials = config.CredentialsConfig{CertFile: f.clientCert, KeyFile: f.clientKey}
		cfg.TrustAnchorFile = f.caFile
		return cfg
	}

	cfg := valid()
	_, err := BuildClient(cfg, nil, discardLogger())
	require.NoError(t, err)

	cfg = valid()
	cfg.Credentials = config.CredentialsConfig{BundleFile: f.clientP12, Passphrase: "wrong"}
	_, err = BuildClient(cfg, nil, discardLogger())
	assert.Equal(t, ErrorTypeCredentialLoad, ErrorTypeOf(err))

	cfg = valid()
	cfg.ServerAddress = "no-port"
	_, err = BuildClient(cfg, nil, discardLogger())
	assert.Equal(t, ErrorTypeConfigValidation, ErrorTypeOf(err))
}

func TestBuildRevocation(t *testing.T) {
	policy, err := buildRevocation(config.RevocationConfig{})
	require.NoError(t, err)
	assert.Nil(t, policy, "revocation is off without CRLs")

	ca := tlstest.NewCA(t, "Test Root CA")
	now := time.Now()
	crlFile := tlstest.WriteCRL(t, t.TempDir(), "ca", ca.CRL(t, now.Add(-time.Hour), now.Add(time.Hour)))

	policy, err = buildRevocation(config.RevocationConfig{CRLFiles: []string{crlFile}, HardFail: true})
	require.NoError(t, err)
	require.NotNil(t, policy)
	assert.True(t, policy.HardFail)
	assert.NotNil(t, policy.Checker)
}
