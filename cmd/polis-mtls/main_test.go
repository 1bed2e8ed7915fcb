package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mtls "github.com/polisai/polis-mtls/internal/tls"
	"github.com/polisai/polis-mtls/internal/tls/tlstest"
	"github.com/polisai/polis-mtls/pkg/config"
)

type pkiFiles struct {
	dir        string
	ca         string
	serverCert string
	serverKey  string
	clientCert string
	clientKey  string
	otherCert  string
	otherKey   string
}

func writePKI(t *testing.T) pkiFiles {
	t.Helper()
	dir := t.TempDir()
	ca := tlstest.NewCA(t, "Test Root CA")

	f := pkiFiles{dir: dir}
	f.ca = ca.WriteCertPEM(t, dir, "ca")
	f.serverCert, f.serverKey = ca.ServerCert(t).WritePEM(t, dir, "server")
	f.clientCert, f.clientKey = ca.ClientCert(t, "MyClient").WritePEM(t, dir, "client")
	f.otherCert, f.otherKey = ca.ClientCert(t, "SomeoneElse").WritePEM(t, dir, "other")
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

func startServer(t *testing.T, f pkiFiles) string {
	t.Helper()
	addr := freeAddress(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() {
		done <- run(ctx, []string{"server",
			"--listen", addr,
			"--cert", f.serverCert,
			"--key", f.serverKey,
			"--trust-anchor", f.ca,
		}, io.Discard, io.Discard)
	}()
	t.Cleanup(func() {
		cancel()
		assert.Equal(t, exitOK, <-done)
	})

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)
	return addr
}

func runClientCmd(f pkiFiles, addr, cert, key string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"client",
		"--server", addr,
		"--server-name", "localhost",
		"--cert", cert,
		"--key", key,
		"--trust-anchor", f.ca,
		"--timeout", "5s",
	}, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestClientFetchesGreeting(t *testing.T) {
	f := writePKI(t)
	addr := startServer(t, f)

	code, stdout, stderr := runClientCmd(f, addr, f.clientCert, f.clientKey)
	require.Equal(t, exitOK, code, stderr)
	assert.Equal(t, mtls.DefaultGreeting+"\n", stdout)
}

func TestClientNotOnAllowList(t *testing.T) {
	f := writePKI(t)
	addr := startServer(t, f)

	code, stdout, stderr := runClientCmd(f, addr, f.otherCert, f.otherKey)
	assert.Equal(t, exitFailure, code)
	assert.Empty(t, stdout, "no greeting without authentication")
	assert.True(t,
		strings.Contains(stderr, "server rejected our certificate") || strings.Contains(stderr, "could not reach server"),
		stderr)
}

func TestClientUnreachable(t *testing.T) {
	f := writePKI(t)
	code, stdout, stderr := runClientCmd(f, freeAddress(t), f.clientCert, f.clientKey)

	assert.Equal(t, exitFailure, code)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, "could not reach server")
}

func TestServerConfigurationErrors(t *testing.T) {
	f := writePKI(t)

	var stderr bytes.Buffer
	code := run(context.Background(), []string{"server", "--trust-anchor", f.ca}, io.Discard, &stderr)
	assert.Equal(t, exitConfiguration, code)
	assert.Contains(t, stderr.String(), "credentials")

	stderr.Reset()
	code = run(context.Background(), []string{"server",
		"--listen", freeAddress(t),
		"--cert", f.serverCert,
		"--key", f.clientKey,
		"--trust-anchor", f.ca,
	}, io.Discard, &stderr)
	assert.Equal(t, exitConfiguration, code, "mismatched key is a credential failure")
}

func TestServerConfigFile(t *testing.T) {
	f := writePKI(t)
	path := filepath.Join(f.dir, "config.yaml")
	writeFile(t, path, `
server:
  credentials:
    cert_file: `+f.serverCert+`
    key_file: `+f.serverKey+`
  trust_anchor_file: `+f.ca+`
  identity:
    allowed_subjects: []
logging:
  level: loud
`)

	var stderr bytes.Buffer
	code := run(context.Background(), []string{"server", "--config", path}, io.Discard, &stderr)
	assert.Equal(t, exitConfiguration, code)
	assert.Contains(t, stderr.String(), "log")
	assert.Contains(t, stderr.String(), "Suggestions:\n  1. Use one of debug, info, warn, error")
}

func TestInspect(t *testing.T) {
	f := writePKI(t)

	var stdout bytes.Buffer
	code := run(context.Background(), []string{"inspect", f.clientCert}, &stdout, io.Discard)
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout.String(), "Subject:     CN=MyClient")
	assert.Contains(t, stdout.String(), "client_auth")

	stdout.Reset()
	code = run(context.Background(), []string{"inspect", "--json", f.clientCert, f.serverCert}, &stdout, io.Discard)
	require.Equal(t, exitOK, code)

	var reports []mtls.CertificateReport
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &reports))
	require.Len(t, reports, 2)
	assert.Equal(t, "CN=MyClient", reports[0].Subject)
	assert.Equal(t, []string{"localhost"}, reports[1].DNSNames)
}

func TestInspectErrors(t *testing.T) {
	var stderr bytes.Buffer
	code := run(context.Background(), []string{"inspect", filepath.Join(t.TempDir(), "absent.pem")}, io.Discard, &stderr)
	assert.Equal(t, exitConfiguration, code)
	assert.Contains(t, stderr.String(), "Error:")

	code = run(context.Background(), []string{"inspect"}, io.Discard, io.Discard)
	assert.Equal(t, exitFailure, code)
}

func TestDescribeClientError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "network", err: mtls.NewNetworkError("localhost:5001", errors.New("refused")), expected: "could not reach server"},
		{name: "identity", err: mtls.NewIdentityMismatchError("CN=x", "hostname"), expected: "server identity invalid"},
		{name: "chain", err: mtls.NewUntrustedChainError("CN=x", errors.New("unknown authority")), expected: "server identity invalid"},
		{name: "peer", err: mtls.NewPeerRejectedError("localhost:5001", errors.New("bad certificate")), expected: "server rejected our certificate"},
		{name: "status", err: mtls.NewUnexpectedStatusError(404), expected: "unexpected response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := describeClientError(tt.err)
			assert.True(t, strings.HasPrefix(err.Error(), tt.expected), err.Error())
			assert.ErrorIs(t, err, tt.err)
		})
	}

	plain := errors.New("plain")
	assert.Equal(t, plain, describeClientError(plain))
}

func TestErrorReport(t *testing.T) {
	cfgErr := config.NewConfigValidationError("listen_address", "nope", "invalid address").
		WithSuggestion("Use host:port, for example :5001")
	assert.Equal(t,
		"configuration error in field 'listen_address': invalid address\n\nSuggestions:\n  1. Use host:port, for example :5001",
		errorReport(cfgErr))

	tlsErr := mtls.NewCertificateExpiredError("CN=x", "2020-01-01T00:00:00Z")
	report := errorReport(describeClientError(tlsErr))
	assert.True(t, strings.HasPrefix(report, "server identity invalid: [expired]"), report)
	assert.True(t, strings.HasSuffix(report, "\n\nSuggestions:\n  1. Renew the expired certificate"), report)

	assert.Equal(t, "plain", errorReport(errors.New("plain")))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitConfiguration, exitCode(config.NewConfigMissingError("credentials")))
	assert.Equal(t, exitConfiguration, exitCode(mtls.NewCredentialLoadError("x.pem", "read file", nil)))
	assert.Equal(t, exitConfiguration, exitCode(mtls.NewConfigValidationError("identity", "", "empty")))
	assert.Equal(t, exitFailure, exitCode(mtls.NewNetworkError("x", nil)))
	assert.Equal(t, exitFailure, exitCode(errors.New("other")))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}
