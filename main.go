package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vogler75/winccua-pgwire-interface/server"
	"gopkg.in/yaml.v3"
)

func loadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

func env(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config", env("PGWIRE_CONFIG", ""), "Path to YAML config file")
	bindAddr := flag.String("bind-addr", "", "Address to listen on, e.g. 0.0.0.0:5432")
	graphqlURL := flag.String("graphql-url", "", "WinCC Unified GraphQL endpoint URL")
	authMethod := flag.String("auth-method", "", "Wire auth method: cleartext, md5, scram-sha-256, or trust")
	noAuthUsername := flag.String("no-auth-username", "", "Shared GraphQL identity for md5/scram/trust auth")
	noAuthPassword := flag.String("no-auth-password", "", "Shared GraphQL identity password for md5/scram/trust auth")
	tlsEnabled := flag.Bool("tls-enabled", false, "Require TLS on client connections")
	tlsCert := flag.String("tls-cert", "", "TLS certificate file")
	tlsKey := flag.String("tls-key", "", "TLS private key file")
	tlsCAFile := flag.String("tls-ca-cert", "", "TLS client CA bundle, for client certificate verification")
	tlsRequireClientCert := flag.Bool("tls-require-client-cert", false, "Require and verify a client certificate")
	sessionExtInterval := flag.String("session-extension-interval", "", "How often to extend the GraphQL session, e.g. 5m")
	keepAliveInterval := flag.String("keep-alive-interval", "", "TCP keepalive probe interval, e.g. 30s")
	graphqlTimeout := flag.String("graphql-timeout", "", "Per-request GraphQL timeout, e.g. 30s")
	debug := flag.Bool("debug", false, "Enable debug logging")
	logSQLRows := flag.Int("log-sql-rows", 0, "When N > 0, log each simple-query statement's SQL at debug level (result rows are not logged)")
	quietConnections := flag.Bool("quiet-connections", false, "Suppress per-connection info logging")
	showHelp := flag.Bool("help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "winccua-pgwire-interface - PostgreSQL wire protocol gateway for WinCC Unified GraphQL\n\n")
		fmt.Fprintf(os.Stderr, "Usage: winccua-pgwire-interface [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nPrecedence: CLI flags > environment variables > config file > defaults\n")
	}

	flag.Parse()
	if *showHelp {
		flag.Usage()
		return 0
	}

	cli := configCLIInputs{Set: map[string]bool{}}
	flag.Visit(func(f *flag.Flag) { cli.Set[f.Name] = true })
	cli.BindAddr = *bindAddr
	cli.GraphQLURL = *graphqlURL
	cli.AuthMethod = *authMethod
	cli.NoAuthUsername = *noAuthUsername
	cli.NoAuthPassword = *noAuthPassword
	cli.TLSEnabled = *tlsEnabled
	cli.TLSCert = *tlsCert
	cli.TLSKey = *tlsKey
	cli.TLSCAFile = *tlsCAFile
	cli.TLSRequireClientCert = *tlsRequireClientCert
	cli.SessionExtensionInterval = *sessionExtInterval
	cli.KeepAliveInterval = *keepAliveInterval
	cli.GraphQLTimeout = *graphqlTimeout
	cli.Debug = *debug
	cli.LogSQLRows = *logSQLRows
	cli.QuietConnections = *quietConnections

	var fileCfg *FileConfig
	if *configFile != "" {
		var err error
		fileCfg, err = loadConfigFile(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config file: %v\n", err)
			return 1
		}
	}

	var warnings []string
	cfg := resolveEffectiveConfig(fileCfg, cli, os.Getenv, func(msg string) {
		warnings = append(warnings, msg)
	})

	initLogging(cfg.Debug, cfg.QuietConnections)
	for _, w := range warnings {
		slog.Warn(w)
	}

	if cfg.GraphQLURL == "" {
		slog.Error("graphql-url is required")
		return 1
	}
	if cfg.AuthMethod != server.AuthCleartext && (cfg.NoAuthUsername == "" || cfg.NoAuthPassword == "") {
		slog.Error("no-auth-username and no-auth-password are required for md5, scram-sha-256, and trust auth methods",
			"auth_method", cfg.AuthMethod)
		return 1
	}

	if cfg.TLSEnabled {
		if err := server.EnsureDevCertificate(cfg.TLSCertFile, cfg.TLSKeyFile); err != nil {
			slog.Error("failed to ensure TLS certificate", "error", err)
			return 2
		}
		slog.Info("Using TLS certificate.", "cert", cfg.TLSCertFile, "key", cfg.TLSKeyFile)
	}

	srv, err := server.New(cfg)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		return 2
	}

	probeCtx, cancel := context.WithTimeout(context.Background(), cfg.GraphQLTimeout)
	defer cancel()
	if err := srv.ProbeGraphQL(probeCtx); err != nil {
		slog.Error("GraphQL endpoint probe failed", "error", err)
		return 2
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	slog.Info("Listening.", "bind_addr", cfg.BindAddr, "graphql_url", cfg.GraphQLURL, "auth_method", cfg.AuthMethod)

	select {
	case <-sigChan:
		slog.Info("Shutting down.")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("error during shutdown", "error", err)
			return 1
		}
		return 0
	case err := <-serveErr:
		if err != nil {
			slog.Error("server error", "error", err)
			return 2
		}
		return 0
	}
}
