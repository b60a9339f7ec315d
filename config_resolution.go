package main

import (
	"strconv"
	"time"

	"github.com/vogler75/winccua-pgwire-interface/server"
)

// FileConfig is the YAML configuration file shape (§4.M).
type FileConfig struct {
	BindAddr   string           `yaml:"bind_addr"`
	GraphQLURL string           `yaml:"graphql_url"`
	AuthMethod string           `yaml:"auth_method"`
	NoAuth     NoAuthFileConfig `yaml:"no_auth"`
	TLS        TLSFileConfig    `yaml:"tls"`
	Timing     TimingFileConfig `yaml:"timing"`
	Debug      bool             `yaml:"debug"`
	LogSQLRows int              `yaml:"log_sql_rows"`
	Quiet      bool             `yaml:"quiet_connections"`
	RateLimit  RateLimitFileConfig `yaml:"rate_limit"`
}

type NoAuthFileConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type TLSFileConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Cert              string `yaml:"cert"`
	Key               string `yaml:"key"`
	CAFile            string `yaml:"ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
}

type TimingFileConfig struct {
	SessionExtensionInterval string `yaml:"session_extension_interval"`
	KeepAliveInterval        string `yaml:"keep_alive_interval"`
	GraphQLTimeout           string `yaml:"graphql_timeout"`
	ShutdownTimeout          string `yaml:"shutdown_timeout"`
}

type RateLimitFileConfig struct {
	MaxFailedAttempts   int    `yaml:"max_failed_attempts"`
	FailedAttemptWindow string `yaml:"failed_attempt_window"`
	BanDuration         string `yaml:"ban_duration"`
	MaxConnectionsPerIP int    `yaml:"max_connections_per_ip"`
}

// configCLIInputs mirrors the CLI flags actually parsed by main. Set tracks
// which flags the user passed explicitly, since flag.String et al. can't
// distinguish "not passed" from "passed the zero value".
type configCLIInputs struct {
	Set map[string]bool

	BindAddr                 string
	GraphQLURL               string
	AuthMethod               string
	NoAuthUsername           string
	NoAuthPassword           string
	TLSEnabled               bool
	TLSCert                  string
	TLSKey                   string
	TLSCAFile                string
	TLSRequireClientCert     bool
	SessionExtensionInterval string
	KeepAliveInterval        string
	GraphQLTimeout           string
	Debug                    bool
	LogSQLRows               int
	QuietConnections         bool
}

func defaultServerConfig() server.Config {
	return server.Config{
		BindAddr:                 "0.0.0.0:5432",
		GraphQLTimeout:           30 * time.Second,
		AuthMethod:               server.AuthCleartext,
		TLSCertFile:              "./certs/server.crt",
		TLSKeyFile:               "./certs/server.key",
		SessionExtensionInterval: 5 * time.Minute,
		KeepAliveInterval:        30 * time.Second,
		RateLimit:                server.DefaultRateLimitConfig(),
		ShutdownTimeout:          30 * time.Second,
	}
}

// resolveEffectiveConfig applies file, then environment, then CLI overrides
// on top of the defaults, in that ascending priority order (§4.M).
func resolveEffectiveConfig(fileCfg *FileConfig, cli configCLIInputs, getenv func(string) string, warn func(string)) server.Config {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	if warn == nil {
		warn = func(string) {}
	}
	if cli.Set == nil {
		cli.Set = map[string]bool{}
	}

	cfg := defaultServerConfig()

	if fileCfg != nil {
		applyFileConfig(&cfg, fileCfg, warn)
	}
	applyEnvConfig(&cfg, getenv, warn)
	applyCLIConfig(&cfg, cli, warn)

	return cfg
}

func applyFileConfig(cfg *server.Config, f *FileConfig, warn func(string)) {
	if f.BindAddr != "" {
		cfg.BindAddr = f.BindAddr
	}
	if f.GraphQLURL != "" {
		cfg.GraphQLURL = f.GraphQLURL
	}
	if f.AuthMethod != "" {
		cfg.AuthMethod = server.AuthMethod(f.AuthMethod)
	}
	if f.NoAuth.Username != "" {
		cfg.NoAuthUsername = f.NoAuth.Username
	}
	if f.NoAuth.Password != "" {
		cfg.NoAuthPassword = f.NoAuth.Password
	}

	cfg.TLSEnabled = f.TLS.Enabled
	if f.TLS.Cert != "" {
		cfg.TLSCertFile = f.TLS.Cert
	}
	if f.TLS.Key != "" {
		cfg.TLSKeyFile = f.TLS.Key
	}
	if f.TLS.CAFile != "" {
		cfg.TLSCAFile = f.TLS.CAFile
	}
	cfg.TLSRequireClientCert = f.TLS.RequireClientCert

	parseDurationInto(&cfg.SessionExtensionInterval, f.Timing.SessionExtensionInterval, "session_extension_interval", warn)
	parseDurationInto(&cfg.KeepAliveInterval, f.Timing.KeepAliveInterval, "keep_alive_interval", warn)
	parseDurationInto(&cfg.GraphQLTimeout, f.Timing.GraphQLTimeout, "graphql_timeout", warn)
	parseDurationInto(&cfg.ShutdownTimeout, f.Timing.ShutdownTimeout, "shutdown_timeout", warn)

	cfg.Debug = f.Debug
	if f.LogSQLRows != 0 {
		cfg.LogSQLRows = f.LogSQLRows
	}
	cfg.QuietConnections = f.Quiet

	if f.RateLimit.MaxFailedAttempts > 0 {
		cfg.RateLimit.MaxFailedAttempts = f.RateLimit.MaxFailedAttempts
	}
	if f.RateLimit.MaxConnectionsPerIP > 0 {
		cfg.RateLimit.MaxConnectionsPerIP = f.RateLimit.MaxConnectionsPerIP
	}
	parseDurationInto(&cfg.RateLimit.FailedAttemptWindow, f.RateLimit.FailedAttemptWindow, "rate_limit.failed_attempt_window", warn)
	parseDurationInto(&cfg.RateLimit.BanDuration, f.RateLimit.BanDuration, "rate_limit.ban_duration", warn)
}

func applyEnvConfig(cfg *server.Config, getenv func(string) string, warn func(string)) {
	if v := getenv("PGWIRE_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := getenv("PGWIRE_GRAPHQL_URL"); v != "" {
		cfg.GraphQLURL = v
	}
	if v := getenv("PGWIRE_AUTH_METHOD"); v != "" {
		cfg.AuthMethod = server.AuthMethod(v)
	}
	if v := getenv("PGWIRE_NO_AUTH_USERNAME"); v != "" {
		cfg.NoAuthUsername = v
	}
	if v := getenv("PGWIRE_NO_AUTH_PASSWORD"); v != "" {
		cfg.NoAuthPassword = v
	}
	if v := getenv("PGWIRE_TLS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.TLSEnabled = b
		} else {
			warn("Invalid PGWIRE_TLS_ENABLED: " + err.Error())
		}
	}
	if v := getenv("PGWIRE_TLS_CERT"); v != "" {
		cfg.TLSCertFile = v
	}
	if v := getenv("PGWIRE_TLS_KEY"); v != "" {
		cfg.TLSKeyFile = v
	}
	if v := getenv("PGWIRE_TLS_CA_FILE"); v != "" {
		cfg.TLSCAFile = v
	}
	if v := getenv("PGWIRE_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Debug = b
		} else {
			warn("Invalid PGWIRE_DEBUG: " + err.Error())
		}
	}
	if v := getenv("PGWIRE_QUIET_CONNECTIONS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.QuietConnections = b
		} else {
			warn("Invalid PGWIRE_QUIET_CONNECTIONS: " + err.Error())
		}
	}
}

func applyCLIConfig(cfg *server.Config, cli configCLIInputs, warn func(string)) {
	if cli.Set["bind-addr"] {
		cfg.BindAddr = cli.BindAddr
	}
	if cli.Set["graphql-url"] {
		cfg.GraphQLURL = cli.GraphQLURL
	}
	if cli.Set["auth-method"] {
		cfg.AuthMethod = server.AuthMethod(cli.AuthMethod)
	}
	if cli.Set["no-auth-username"] {
		cfg.NoAuthUsername = cli.NoAuthUsername
	}
	if cli.Set["no-auth-password"] {
		cfg.NoAuthPassword = cli.NoAuthPassword
	}
	if cli.Set["tls-enabled"] {
		cfg.TLSEnabled = cli.TLSEnabled
	}
	if cli.Set["tls-cert"] {
		cfg.TLSCertFile = cli.TLSCert
	}
	if cli.Set["tls-key"] {
		cfg.TLSKeyFile = cli.TLSKey
	}
	if cli.Set["tls-ca-cert"] {
		cfg.TLSCAFile = cli.TLSCAFile
	}
	if cli.Set["tls-require-client-cert"] {
		cfg.TLSRequireClientCert = cli.TLSRequireClientCert
	}
	if cli.Set["session-extension-interval"] {
		parseDurationInto(&cfg.SessionExtensionInterval, cli.SessionExtensionInterval, "--session-extension-interval", warn)
	}
	if cli.Set["keep-alive-interval"] {
		parseDurationInto(&cfg.KeepAliveInterval, cli.KeepAliveInterval, "--keep-alive-interval", warn)
	}
	if cli.Set["graphql-timeout"] {
		parseDurationInto(&cfg.GraphQLTimeout, cli.GraphQLTimeout, "--graphql-timeout", warn)
	}
	if cli.Set["debug"] {
		cfg.Debug = cli.Debug
	}
	if cli.Set["log-sql-rows"] {
		cfg.LogSQLRows = cli.LogSQLRows
	}
	if cli.Set["quiet-connections"] {
		cfg.QuietConnections = cli.QuietConnections
	}
}

func parseDurationInto(dst *time.Duration, raw, name string, warn func(string)) {
	if raw == "" {
		return
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		warn("Invalid " + name + " duration: " + err.Error())
		return
	}
	*dst = d
}
