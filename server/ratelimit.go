package server

import (
	"net"
	"sync"
	"time"
)

// RateLimitConfig bounds how aggressively a source IP can hammer the
// listener, independent of which auth method or virtual table it targets.
type RateLimitConfig struct {
	MaxFailedAttempts   int           // failed auth attempts allowed within the window before a ban
	FailedAttemptWindow time.Duration // sliding window failed attempts are counted over
	BanDuration         time.Duration // how long a banned IP stays banned
	MaxConnectionsPerIP int           // concurrent connections allowed per IP, 0 = unlimited
}

// DefaultRateLimitConfig mirrors config_resolution.go's RateLimitFileConfig
// defaults when no override is supplied.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxFailedAttempts:   5,
		FailedAttemptWindow: 5 * time.Minute,
		BanDuration:         15 * time.Minute,
		MaxConnectionsPerIP: 100,
	}
}

// ipState is the per-source-IP bookkeeping the limiter keeps: recent
// auth failures, an active ban expiry, and a live connection count.
type ipState struct {
	failures    []time.Time
	bannedUntil time.Time
	openConns   int
}

func (s *ipState) banned(now time.Time) bool {
	return !s.bannedUntil.IsZero() && now.Before(s.bannedUntil)
}

// RateLimiter enforces connection and auth-failure limits per source IP.
// Two independent concerns share one lock: CheckConnection/RegisterConnection/
// UnregisterConnection gate concurrent connections, while
// RecordFailedAuth/RecordSuccessfulAuth track and ban repeated bad logins.
type RateLimiter struct {
	mu    sync.Mutex
	cfg   RateLimitConfig
	byIP  map[string]*ipState
}

// NewRateLimiter starts a limiter with a background sweep that evicts
// stale per-IP state so long-running gateways don't leak memory tracking
// addresses that stopped connecting.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{cfg: cfg, byIP: make(map[string]*ipState)}
	go rl.sweepLoop()
	return rl
}

func sourceIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// CheckConnection returns a non-empty rejection reason if addr should not
// be allowed to open a new connection right now (banned, or already at the
// per-IP connection cap); empty means allowed.
func (rl *RateLimiter) CheckConnection(addr net.Addr) string {
	ip := sourceIP(addr)
	if ip == "" {
		return ""
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	state := rl.state(ip)
	if state.banned(now) {
		return "too many failed authentication attempts, try again in " + time.Until(state.bannedUntil).Round(time.Second).String()
	}
	if rl.cfg.MaxConnectionsPerIP > 0 && state.openConns >= rl.cfg.MaxConnectionsPerIP {
		return "too many connections from your IP address"
	}
	return ""
}

// RegisterConnection atomically re-checks and, if allowed, counts a new
// connection from addr. Returns false if it should be rejected.
func (rl *RateLimiter) RegisterConnection(addr net.Addr) bool {
	ip := sourceIP(addr)
	if ip == "" {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	state := rl.state(ip)
	if state.banned(now) {
		return false
	}
	if rl.cfg.MaxConnectionsPerIP > 0 && state.openConns >= rl.cfg.MaxConnectionsPerIP {
		return false
	}
	state.openConns++
	return true
}

// UnregisterConnection releases the slot RegisterConnection reserved.
func (rl *RateLimiter) UnregisterConnection(addr net.Addr) {
	ip := sourceIP(addr)
	if ip == "" {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if state, ok := rl.byIP[ip]; ok {
		if state.openConns > 0 {
			state.openConns--
		}
	}
}

// RecordFailedAuth logs one failed authentication attempt from addr and
// bans it once failures within FailedAttemptWindow reach MaxFailedAttempts.
// Returns true if this call is what triggered the ban.
func (rl *RateLimiter) RecordFailedAuth(addr net.Addr) bool {
	ip := sourceIP(addr)
	if ip == "" {
		return false
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	state := rl.state(ip)
	state.failures = append(state.failures, now)

	windowStart := now.Add(-rl.cfg.FailedAttemptWindow)
	recent := 0
	for _, t := range state.failures {
		if t.After(windowStart) {
			recent++
		}
	}
	if recent >= rl.cfg.MaxFailedAttempts {
		state.bannedUntil = now.Add(rl.cfg.BanDuration)
		return true
	}
	return false
}

// RecordSuccessfulAuth clears an IP's failure history once it authenticates.
func (rl *RateLimiter) RecordSuccessfulAuth(addr net.Addr) {
	ip := sourceIP(addr)
	if ip == "" {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if state, ok := rl.byIP[ip]; ok {
		state.failures = nil
		state.bannedUntil = time.Time{}
	}
}

// IsBanned reports whether addr is currently under an active ban.
func (rl *RateLimiter) IsBanned(addr net.Addr) bool {
	ip := sourceIP(addr)
	if ip == "" {
		return false
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	state, ok := rl.byIP[ip]
	if !ok {
		return false
	}
	return state.banned(time.Now())
}

// state returns (creating if needed) the tracking record for ip. Caller
// must hold rl.mu.
func (rl *RateLimiter) state(ip string) *ipState {
	state, ok := rl.byIP[ip]
	if !ok {
		state = &ipState{}
		rl.byIP[ip] = state
	}
	return state
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.sweep()
	}
}

// sweep drops per-IP state that no longer carries anything worth
// remembering: no recent failures, no active ban, no open connections.
func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.cfg.FailedAttemptWindow)

	for ip, state := range rl.byIP {
		var live []time.Time
		for _, t := range state.failures {
			if t.After(windowStart) {
				live = append(live, t)
			}
		}
		state.failures = live

		if !state.bannedUntil.IsZero() && now.After(state.bannedUntil) {
			state.bannedUntil = time.Time{}
		}

		if len(state.failures) == 0 && state.bannedUntil.IsZero() && state.openConns == 0 {
			delete(rl.byIP, ip)
		}
	}
}
