// Package main is the entry point for the polis-mtls binary.
// It runs either side of a mutually authenticated TLS exchange: a server that
// greets only clients whose certificates pass its policy, and a client that
// fetches that greeting after verifying the server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	mtls "github.com/polisai/polis-mtls/internal/tls"
	"github.com/polisai/polis-mtls/pkg/config"
	"github.com/polisai/polis-mtls/pkg/logging"
	"github.com/polisai/polis-mtls/pkg/telemetry"
)

// Exit codes.
const (
	exitOK            = 0
	exitFailure       = 1
	exitConfiguration = 2
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	fmt.Fprintf(stderr, "Error: %s\n", errorReport(err))
	return exitCode(err)
}

// errorReport renders err followed by the suggestions of the TLSError or
// ConfigError it wraps.
func errorReport(err error) string {
	var tlsErr *mtls.TLSError
	var cfgErr *config.ConfigError
	switch {
	case errors.As(err, &tlsErr):
		return err.Error() + strings.TrimPrefix(tlsErr.GetDetailedMessage(), tlsErr.Error())
	case errors.As(err, &cfgErr):
		return err.Error() + strings.TrimPrefix(cfgErr.GetDetailedMessage(), cfgErr.Error())
	default:
		return err.Error()
	}
}

func exitCode(err error) int {
	var cfgErr *config.ConfigError
	switch {
	case errors.As(err, &cfgErr),
		mtls.IsCredentialError(err),
		mtls.ErrorTypeOf(err) == mtls.ErrorTypeConfigValidation:
		return exitConfiguration
	default:
		return exitFailure
	}
}

// newRootCmd creates the root command for polis-mtls
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-mtls",
		Short: "Mutual TLS server and client with strict certificate validation",
		Long: `polis-mtls runs one side of a mutually authenticated TLS exchange.

The server requires a client certificate on every connection, verifies it
against its trust anchor, validity window, optional CRLs and an exact subject
allow-list, and only then serves its greeting. The client presents its own
certificate and accepts the server only if its chain and hostname verify.

Example:
  polis-mtls server --cert server.pem --key server-key.pem --trust-anchor ca.pem
  polis-mtls client --bundle client.p12 --trust-anchor ca.pem --server localhost:5001`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", false, "Human readable console logs")

	rootCmd.AddCommand(newServerCmd(), newClientCmd(), newInspectCmd())
	return rootCmd
}

func newServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Serve the greeting to authenticated clients",
		Args:  cobra.NoArgs,
		RunE:  runServer,
	}
	flags := cmd.Flags()
	flags.String("listen", "", "Address to listen on (default "+config.DefaultListenAddress+")")
	flags.String("cert", "", "Server certificate chain (PEM)")
	flags.String("key", "", "Server private key (PEM)")
	flags.String("bundle", "", "Server PKCS#12 bundle; passphrase from the configured env var")
	flags.String("trust-anchor", "", "CA certificate(s) that issue client certificates")
	flags.StringSlice("allow-subject", nil, "Exact client subject DN to accept (repeatable)")
	flags.StringSlice("crl", nil, "CRL file to check client certificates against (repeatable)")
	flags.Bool("hard-fail", false, "Reject clients whose revocation status cannot be determined")
	flags.String("greeting", "", "Body served to authenticated clients")
	flags.String("metrics-address", "", "Address for the Prometheus /metrics endpoint")
	return cmd
}

func newClientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Fetch the greeting from a server over mutual TLS",
		Args:  cobra.NoArgs,
		RunE:  runClient,
	}
	flags := cmd.Flags()
	flags.String("server", "", "Server address host:port (default "+config.DefaultServerAddress+")")
	flags.String("server-name", "", "Hostname the server certificate must match (default: host of --server)")
	flags.String("cert", "", "Client certificate chain (PEM)")
	flags.String("key", "", "Client private key (PEM)")
	flags.String("bundle", "", "Client PKCS#12 bundle; passphrase from the configured env var")
	flags.String("trust-anchor", "", "CA certificate(s) that issue server certificates")
	flags.String("path", "", "Request path")
	flags.Duration("timeout", 0, "Overall request timeout")
	flags.Bool("allow-cn-fallback", false, "Match the hostname against the CN when the certificate has no SANs")
	flags.StringSlice("crl", nil, "CRL file to check the server certificate against (repeatable)")
	flags.Bool("hard-fail", false, "Reject servers whose revocation status cannot be determined")
	return cmd
}

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect FILE...",
		Short: "Print the subject, SANs and validity of certificate files",
		Long: `Print what the validation policy sees in each certificate: the subject DN
to put in allowed_subjects, the SANs used for hostname checks, and the
validity window.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runInspect,
	}
	cmd.Flags().Bool("json", false, "Print reports as JSON")
	return cmd
}

// loadConfig reads the config file named by --config, then applies the
// persistent flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		cfg.Logging.Level = f.Value.String()
	}
	if pretty, _ := cmd.Flags().GetBool("pretty"); pretty {
		cfg.Logging.Pretty = true
	}
	return cfg, nil
}

func applyCredentialFlags(cmd *cobra.Command, creds *config.CredentialsConfig) {
	flags := cmd.Flags()
	if flags.Changed("bundle") {
		creds.BundleFile, _ = flags.GetString("bundle")
		creds.CertFile, creds.KeyFile = "", ""
	}
	if flags.Changed("cert") {
		creds.CertFile, _ = flags.GetString("cert")
		creds.BundleFile = ""
	}
	if flags.Changed("key") {
		creds.KeyFile, _ = flags.GetString("key")
	}
}

func applyRevocationFlags(cmd *cobra.Command, revocation *config.RevocationConfig) {
	flags := cmd.Flags()
	if flags.Changed("crl") {
		revocation.CRLFiles, _ = flags.GetStringSlice("crl")
	}
	if flags.Changed("hard-fail") {
		revocation.HardFail, _ = flags.GetBool("hard-fail")
	}
}

func applyServerFlags(cmd *cobra.Command, cfg *config.ServerConfig) {
	flags := cmd.Flags()
	applyCredentialFlags(cmd, &cfg.Credentials)
	applyRevocationFlags(cmd, &cfg.Revocation)
	if flags.Changed("listen") {
		cfg.ListenAddress, _ = flags.GetString("listen")
	}
	if flags.Changed("trust-anchor") {
		cfg.TrustAnchorFile, _ = flags.GetString("trust-anchor")
	}
	if flags.Changed("allow-subject") {
		cfg.Identity.AllowedSubjects, _ = flags.GetStringSlice("allow-subject")
	}
	if flags.Changed("greeting") {
		cfg.Greeting, _ = flags.GetString("greeting")
	}
	if flags.Changed("metrics-address") {
		cfg.MetricsAddress, _ = flags.GetString("metrics-address")
	}
}

func applyClientFlags(cmd *cobra.Command, cfg *config.ClientConfig) {
	flags := cmd.Flags()
	applyCredentialFlags(cmd, &cfg.Credentials)
	applyRevocationFlags(cmd, &cfg.Revocation)
	if flags.Changed("server") {
		cfg.ServerAddress, _ = flags.GetString("server")
	}
	if flags.Changed("server-name") {
		cfg.ServerName, _ = flags.GetString("server-name")
	}
	if flags.Changed("trust-anchor") {
		cfg.TrustAnchorFile, _ = flags.GetString("trust-anchor")
	}
	if flags.Changed("path") {
		cfg.Path, _ = flags.GetString("path")
	}
	if flags.Changed("timeout") {
		cfg.Timeout, _ = flags.GetDuration("timeout")
	}
	if flags.Changed("allow-cn-fallback") {
		cfg.AllowCommonNameFallback, _ = flags.GetBool("allow-cn-fallback")
	}
}

func setupObservability(ctx context.Context, cmd *cobra.Command, cfg *config.Config) (*slog.Logger, telemetry.ShutdownFunc, error) {
	logger := logging.SetupLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: cmd.ErrOrStderr(),
	})

	shutdown, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.Endpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("setup tracing: %w", err)
	}
	return logger, shutdown, nil
}

// runServer is the entry point for the server command
func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyServerFlags(cmd, &cfg.Server)
	if err := cfg.ValidateServer(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, shutdownTracing, err := setupObservability(ctx, cmd, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Failed to flush traces", "error", err)
		}
	}()

	registry := telemetry.NewRegistry()
	metrics, err := mtls.NewTLSMetricsCollector(registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	server, err := mtls.BuildServer(cfg.Server, metrics, logger)
	if err != nil {
		logger.Log(ctx, mtls.LogLevelFor(err), "Failed to start server", "error", err)
		return err
	}

	if cfg.Server.MetricsAddress != "" {
		metricsServer := telemetry.NewMetricsServer(cfg.Server.MetricsAddress, registry, logger)
		go func() {
			if err := metricsServer.ListenAndServe(ctx); err != nil {
				logger.Error("Metrics endpoint failed", "error", err)
			}
		}()
	}

	logger.Info("Starting polis-mtls server",
		"listen_address", cfg.Server.ListenAddress,
		"trust_anchor_file", cfg.Server.TrustAnchorFile)

	if err := server.ListenAndServe(ctx, cfg.Server.ListenAddress); err != nil {
		logger.Log(ctx, mtls.LogLevelFor(err), "Server error", "error", err)
		return err
	}
	logger.Info("Server stopped")
	return nil
}

// runClient is the entry point for the client command
func runClient(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyClientFlags(cmd, &cfg.Client)
	if err := cfg.ValidateClient(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, shutdownTracing, err := setupObservability(ctx, cmd, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	client, err := mtls.BuildClient(cfg.Client, nil, logger)
	if err != nil {
		return err
	}

	resp, err := client.Fetch(ctx)
	if err != nil {
		return describeClientError(err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), resp.Body)
	return nil
}

// describeClientError prefixes err with the failure class the operator acts on.
func describeClientError(err error) error {
	switch {
	case mtls.IsNetworkError(err):
		return fmt.Errorf("could not reach server: %w", err)
	case mtls.IsValidationError(err):
		return fmt.Errorf("server identity invalid: %w", err)
	case mtls.IsPeerRejected(err):
		return fmt.Errorf("server rejected our certificate: %w", err)
	case mtls.ErrorTypeOf(err) == mtls.ErrorTypeUnexpectedStatus:
		return fmt.Errorf("unexpected response: %w", err)
	default:
		return err
	}
}

// runInspect is the entry point for the inspect command
func runInspect(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()
	now := time.Now()

	var all []*mtls.CertificateReport
	for _, path := range args {
		reports, err := mtls.InspectCertificateFile(path, now)
		if err != nil {
			return err
		}
		if asJSON {
			all = append(all, reports...)
			continue
		}
		for i, report := range reports {
			fmt.Fprintf(out, "%s [%d]\n", path, i)
			writeReport(out, report)
		}
	}

	if asJSON {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(all)
	}
	return nil
}

func writeReport(out io.Writer, r *mtls.CertificateReport) {
	fmt.Fprintf(out, "  Subject:     %s\n", r.Subject)
	fmt.Fprintf(out, "  Issuer:      %s\n", r.Issuer)
	if len(r.DNSNames) > 0 {
		fmt.Fprintf(out, "  DNS names:   %s\n", strings.Join(r.DNSNames, ", "))
	}
	if len(r.IPAddresses) > 0 {
		fmt.Fprintf(out, "  IPs:         %s\n", strings.Join(r.IPAddresses, ", "))
	}
	if len(r.URIs) > 0 {
		fmt.Fprintf(out, "  URIs:        %s\n", strings.Join(r.URIs, ", "))
	}
	fmt.Fprintf(out, "  Serial:      %s\n", r.SerialNumber)
	fmt.Fprintf(out, "  Not before:  %s\n", r.NotBefore.UTC().Format(time.RFC3339))
	fmt.Fprintf(out, "  Not after:   %s (%s)\n", r.NotAfter.UTC().Format(time.RFC3339), r.Expiry)
	if len(r.ExtKeyUsage) > 0 {
		fmt.Fprintf(out, "  Key usage:   %s\n", strings.Join(r.ExtKeyUsage, ", "))
	}
	fmt.Fprintf(out, "  Key:         %s %d\n", r.PublicKeyAlgorithm, r.KeySize)
	fmt.Fprintf(out, "  CA:          %t  self-signed: %t\n", r.IsCA, r.SelfSigned)
	for _, warning := range r.Warnings {
		fmt.Fprintf(out, "  Warning:     %s\n", warning)
	}
}
