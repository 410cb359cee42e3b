package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	corsMethods = "GET, POST, OPTIONS"
	corsHeaders = "Content-Type, Authorization, X-Admin-Token, X-Correlation-ID"
)

// authConfig protects /admin/. Either a token (X-Admin-Token) or a
// username/password pair (Basic) enables it.
type authConfig struct {
	adminUsername string
	adminPassword string
	adminToken    string
	enabled       bool
}

func loadAuthConfig() *authConfig {
	cfg := &authConfig{
		adminUsername: os.Getenv("ADMIN_USERNAME"),
		adminPassword: os.Getenv("ADMIN_PASSWORD"),
		adminToken:    os.Getenv("ADMIN_TOKEN"),
	}
	cfg.enabled = cfg.hasBasic() || cfg.adminToken != ""
	if !cfg.enabled {
		slog.Warn("admin endpoints are unprotected; set ADMIN_TOKEN or ADMIN_USERNAME and ADMIN_PASSWORD",
			slog.String("component", "http"))
	}
	return cfg
}

func (c *authConfig) hasBasic() bool { return c.adminUsername != "" && c.adminPassword != "" }

// authorized accepts a matching token first, then matching Basic credentials.
func (c *authConfig) authorized(r *http.Request) bool {
	if c.adminToken != "" {
		if tok := r.Header.Get("X-Admin-Token"); tok != "" && secureEqual(tok, c.adminToken) {
			return true
		}
	}
	if !c.hasBasic() {
		return false
	}
	user, pass, ok := r.BasicAuth()
	// Compare both fields unconditionally.
	userOK := secureEqual(user, c.adminUsername)
	passOK := secureEqual(pass, c.adminPassword)
	return ok && userOK && passOK
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func adminAuth(next http.Handler, cfg *authConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.enabled || cfg.authorized(r) {
			next.ServeHTTP(w, r)
			return
		}
		slog.Warn("admin auth failed", slog.String("path", r.URL.Path), slog.String("remote_addr", r.RemoteAddr), slog.String("component", "http"))
		w.Header().Set("WWW-Authenticate", `Basic realm="chat-relay admin"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}

// rateLimiterConfig defaults to 10 requests per client IP per minute.
type rateLimiterConfig struct {
	enabled       bool
	requestsPerIP int
	window        time.Duration
}

func loadRateLimiterConfig() *rateLimiterConfig {
	cfg := &rateLimiterConfig{
		enabled:       os.Getenv("RATE_LIMIT_ENABLED") != "0",
		requestsPerIP: 10,
		window:        time.Minute,
	}
	if n := parseInt(os.Getenv("RATE_LIMIT_REQUESTS_PER_IP"), 0); n > 0 {
		cfg.requestsPerIP = n
	}
	if n := parseInt(os.Getenv("RATE_LIMIT_WINDOW_SECONDS"), 0); n > 0 {
		cfg.window = time.Duration(n) * time.Second
	}
	return cfg
}

// ipRateLimiter counts requests per client IP in fixed windows.
type ipRateLimiter struct {
	cfg   *rateLimiterConfig
	clock clockwork.Clock

	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	windowStart time.Time
	count       int
}

// newIPRateLimiter starts a sweeper that ends with ctx.
func newIPRateLimiter(ctx context.Context, cfg *rateLimiterConfig, clock clockwork.Clock) *ipRateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	rl := &ipRateLimiter{cfg: cfg, clock: clock, visitors: make(map[string]*visitor)}
	go rl.sweep(ctx)
	return rl
}

func (rl *ipRateLimiter) sweep(ctx context.Context) {
	t := rl.clock.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			rl.cleanup()
		}
	}
}

// cleanup forgets clients idle for two windows.
func (rl *ipRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	stale := rl.clock.Now().Add(-2 * rl.cfg.window)
	for ip, v := range rl.visitors {
		if v.windowStart.Before(stale) {
			delete(rl.visitors, ip)
		}
	}
}

func (rl *ipRateLimiter) allow(ip string) bool {
	if !rl.cfg.enabled {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	v := rl.visitors[ip]
	if v == nil || now.Sub(v.windowStart) >= rl.cfg.window {
		rl.visitors[ip] = &visitor{windowStart: now, count: 1}
		return true
	}
	if v.count >= rl.cfg.requestsPerIP {
		return false
	}
	v.count++
	return true
}

// clientIP prefers the first X-Forwarded-For hop and strips any port.
func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		ip = strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}

func rateLimitMiddleware(next http.Handler, limiter *ipRateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if limiter.allow(ip) {
			next.ServeHTTP(w, r)
			return
		}
		slog.Warn("rate limit exceeded", slog.String("ip", ip), slog.String("path", r.URL.Path), slog.String("component", "http"))
		w.Header().Set("Retry-After", retryAfter(limiter.cfg.window))
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	})
}

// corsConfig is permissive (any origin) outside production unless
// CORS_PERMISSIVE says otherwise. Restricted mode echoes allowed origins only.
type corsConfig struct {
	allowedOrigins []string
	permissive     bool
}

func loadCORSConfig() *corsConfig {
	env := strings.ToLower(os.Getenv("ENV"))
	cfg := &corsConfig{permissive: env == "" || env == "dev" || env == "development"}
	if v := os.Getenv("CORS_PERMISSIVE"); v != "" {
		cfg.permissive = v == "1" || v == "true"
	}
	for _, o := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.allowedOrigins = append(cfg.allowedOrigins, o)
		}
	}
	if !cfg.permissive && len(cfg.allowedOrigins) == 0 {
		slog.Warn("CORS restricted but CORS_ALLOWED_ORIGINS is empty; cross-origin requests will be refused", slog.String("component", "http"))
	}
	return cfg
}

func withCORSConfig(next http.Handler, cfg *corsConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		switch origin := r.Header.Get("Origin"); {
		case cfg.permissive:
			h.Set("Access-Control-Allow-Origin", "*")
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
		case origin != "" && originAllowed(origin, cfg.allowedOrigins):
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originAllowed matches exact origins and "*.example.com" patterns, which
// also admit the bare domain over http or https.
func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if origin == a {
			return true
		}
		domain, ok := strings.CutPrefix(a, "*.")
		if !ok {
			continue
		}
		if strings.HasSuffix(origin, "."+domain) || origin == "https://"+domain || origin == "http://"+domain {
			return true
		}
	}
	return false
}
