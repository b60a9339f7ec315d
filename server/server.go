package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vogler75/winccua-pgwire-interface/graphqlclient"
)

var processStartTime = time.Now()

var connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "gateway_connections_active",
	Help: "Number of currently open client connections",
})

var queryDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "gateway_query_duration_seconds",
	Help:    "Query execution duration in seconds, by virtual table",
	Buckets: prometheus.DefBuckets,
}, []string{"table"})

var queryErrorsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gateway_query_errors_total",
	Help: "Total number of failed queries, by SQLSTATE",
}, []string{"sqlstate"})

var authFailuresCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "gateway_auth_failures_total",
	Help: "Total number of authentication failures",
})

var graphqlRequestsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gateway_graphql_requests_total",
	Help: "Total number of GraphQL requests issued to the backend, by operation",
}, []string{"operation"})

var sessionExtensionsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "gateway_session_extensions_total",
	Help: "Total number of session token extensions performed",
})

var rateLimitRejectsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "gateway_rate_limit_rejects_total",
	Help: "Total number of connections rejected due to rate limiting",
})

// BackendKey uniquely identifies a backend connection for cancel requests.
type BackendKey struct {
	Pid       int32
	SecretKey int32
}

// AuthMethod selects the wire-protocol authentication strategy (§4.I).
type AuthMethod string

const (
	AuthCleartext AuthMethod = "cleartext"
	AuthMD5       AuthMethod = "md5"
	AuthSCRAM     AuthMethod = "scram-sha-256"
	AuthNone      AuthMethod = "trust"
)

// Config is the gateway's fully resolved runtime configuration (§4.M).
type Config struct {
	BindAddr string

	GraphQLURL     string
	GraphQLTimeout time.Duration

	AuthMethod AuthMethod
	// NoAuthUsername/NoAuthPassword back the degraded MD5/SCRAM verification
	// path and the trust-mode fallback: see SPEC_FULL.md's resolution of
	// Open Question 1.
	NoAuthUsername string
	NoAuthPassword string

	TLSEnabled           bool
	TLSCertFile          string
	TLSKeyFile           string
	TLSCAFile            string
	TLSRequireClientCert bool

	SessionExtensionInterval time.Duration
	KeepAliveInterval        time.Duration

	Debug             bool
	LogSQLRows        int
	QuietConnections  bool

	RateLimit RateLimitConfig

	ShutdownTimeout time.Duration
}

type Server struct {
	cfg         Config
	listener    net.Listener
	tlsConfig   *tls.Config
	rateLimiter *RateLimiter
	graphql     *graphqlclient.Client
	wg          sync.WaitGroup
	closed      bool
	closeMu     sync.Mutex
	activeConns int64

	activeQueries   map[BackendKey]context.CancelFunc
	activeQueriesMu sync.RWMutex
}

func New(cfg Config) (*Server, error) {
	if cfg.RateLimit.MaxFailedAttempts == 0 {
		cfg.RateLimit = DefaultRateLimitConfig()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.GraphQLTimeout == 0 {
		cfg.GraphQLTimeout = 30 * time.Second
	}
	if cfg.AuthMethod == "" {
		cfg.AuthMethod = AuthCleartext
	}

	s := &Server{
		cfg:           cfg,
		rateLimiter:   NewRateLimiter(cfg.RateLimit),
		activeQueries: make(map[BackendKey]context.CancelFunc),
		graphql:       graphqlclient.New(cfg.GraphQLURL, cfg.GraphQLTimeout),
	}

	if cfg.TLSEnabled {
		tlsCfg, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("configuring TLS: %w", err)
		}
		s.tlsConfig = tlsCfg
		slog.Info("TLS enabled.", "cert_file", cfg.TLSCertFile)
	} else {
		slog.Warn("TLS disabled; SSLRequest connections will be rejected (§4.J).")
	}

	slog.Info("Rate limiting enabled.", "max_failed_attempts", cfg.RateLimit.MaxFailedAttempts,
		"window", cfg.RateLimit.FailedAttemptWindow, "ban_duration", cfg.RateLimit.BanDuration)

	return s, nil
}

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS certificate: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}

	if cfg.TLSCAFile != "" {
		caPEM, err := os.ReadFile(cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no certificates found in CA bundle %s", cfg.TLSCAFile)
		}
		tlsCfg.ClientCAs = pool
		if cfg.TLSRequireClientCert {
			tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
		}
	}
	return tlsCfg, nil
}

// ProbeGraphQL performs a lightweight reachability check against the
// configured GraphQL endpoint at startup (§4.M exit code 2 on failure).
func (s *Server) ProbeGraphQL(ctx context.Context) error {
	_, gerr := s.graphql.Login(ctx, "__probe__", "__probe__")
	if gerr == nil {
		return nil
	}
	// An auth rejection means the endpoint answered; only a transport-level
	// failure (empty code, generic message) indicates unreachability.
	if gerr.Code != "" {
		return nil
	}
	return fmt.Errorf("graphql endpoint unreachable: %s", gerr.Message)
}

func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	slog.Info("Listening.", "addr", s.cfg.BindAddr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.closeMu.Lock()
			closed := s.closed
			s.closeMu.Unlock()
			if closed {
				return nil
			}
			slog.Error("Accept error.", "error", err)
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetKeepAlive(true)
			period := s.cfg.KeepAliveInterval
			if period <= 0 {
				period = 30 * time.Second
			}
			_ = tcpConn.SetKeepAlivePeriod(period)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

// Shutdown performs a graceful shutdown with the given context.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeMu.Lock()
	s.closed = true
	s.closeMu.Unlock()

	if s.listener != nil {
		_ = s.listener.Close()
	}

	if active := atomic.LoadInt64(&s.activeConns); active > 0 {
		slog.Info("Waiting for active connections to finish.", "count", active)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timeout := time.After(s.cfg.ShutdownTimeout)
	select {
	case <-done:
		slog.Info("All connections closed gracefully.")
	case <-ctx.Done():
		slog.Warn("Shutdown context cancelled, connections may still be active.")
	case <-timeout:
		slog.Warn("Shutdown timeout exceeded.", "timeout", s.cfg.ShutdownTimeout)
	}

	slog.Info("Shutdown complete.")
	return nil
}

func (s *Server) ActiveConnections() int64 {
	return atomic.LoadInt64(&s.activeConns)
}

func (s *Server) RegisterQuery(key BackendKey, cancel context.CancelFunc) {
	s.activeQueriesMu.Lock()
	s.activeQueries[key] = cancel
	s.activeQueriesMu.Unlock()
}

func (s *Server) UnregisterQuery(key BackendKey) {
	s.activeQueriesMu.Lock()
	delete(s.activeQueries, key)
	s.activeQueriesMu.Unlock()
}

// CancelQuery cancels a running query by its backend key (§9 open question 3:
// the gateway honors CancelRequest by cancelling the connection's in-flight
// GraphQL/executor context, matching PostgreSQL's best-effort semantics).
func (s *Server) CancelQuery(key BackendKey) bool {
	s.activeQueriesMu.RLock()
	cancel, ok := s.activeQueries[key]
	s.activeQueriesMu.RUnlock()

	if ok && cancel != nil {
		cancel()
		slog.Info("Query cancelled via cancel request.", "pid", key.Pid, "secret_key", key.SecretKey)
		return true
	}
	return false
}

func openEmbeddedDB() (*sql.DB, error) {
	db, err := sql.Open("duckdb", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening embedded engine: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging embedded engine: %w", err)
	}
	return db, nil
}

func (s *Server) handleConnection(conn net.Conn) {
	remoteAddr := conn.RemoteAddr()

	if msg := s.rateLimiter.CheckConnection(remoteAddr); msg != "" {
		slog.Warn("Connection rejected.", "remote_addr", remoteAddr, "reason", msg)
		rateLimitRejectsCounter.Inc()
		_ = conn.Close()
		return
	}
	if !s.rateLimiter.RegisterConnection(remoteAddr) {
		slog.Warn("Connection rejected: rate limit exceeded.", "remote_addr", remoteAddr)
		rateLimitRejectsCounter.Inc()
		_ = conn.Close()
		return
	}

	atomic.AddInt64(&s.activeConns, 1)
	connectionsGauge.Inc()
	defer func() {
		atomic.AddInt64(&s.activeConns, -1)
		connectionsGauge.Dec()
		s.rateLimiter.UnregisterConnection(remoteAddr)
		_ = conn.Close()
	}()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Recovered from panic in connection handler.", "remote_addr", remoteAddr, "panic", r)
		}
	}()

	c := &clientConn{server: s, conn: conn}
	if err := c.serve(); err != nil {
		slog.Error("Connection error.", "remote_addr", remoteAddr, "error", err)
	}
}
