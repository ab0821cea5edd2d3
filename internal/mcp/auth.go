package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"asrai-mcp/internal/wallet"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	defaultMCPMaxBodyBytes int64 = 1 << 20 // 1MiB

	sessionIDHeader = "Mcp-Session-Id"
	keyQueryParam   = "key"

	missingKeyMessage = "Missing wallet key. Connect with: /mcp?key=0x<private_key>"
	invalidKeyMessage = "Invalid private key format."
)

type HTTPHandlerConfig struct {
	// FallbackKey is used when a connection request carries no key.
	FallbackKey     string
	RateLimitPerMin int
	MaxBodyBytes    int64
	// Limiter defaults to an in-memory token bucket of RateLimitPerMin.
	Limiter RateLimiter
}

// ServerFactory builds the MCP server for a new connection's identity.
type ServerFactory func(identity *wallet.Identity) *sdkmcp.Server

// RateLimiter decides whether a request keyed by client may proceed.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type identityKey struct{}

type walletKeyCtx struct{}

// NewHTTPTransportHandler serves the streamable MCP transport. Every new
// connection resolves its own wallet and gets its own server and session.
func NewHTTPTransportHandler(factory ServerFactory, cfg HTTPHandlerConfig) http.Handler {
	base := sdkmcp.NewStreamableHTTPHandler(func(r *http.Request) *sdkmcp.Server {
		identity, ok := r.Context().Value(identityKey{}).(*wallet.Identity)
		if !ok || identity == nil {
			return nil
		}
		return factory(identity)
	}, &sdkmcp.StreamableHTTPOptions{})
	return wrapHTTPHandler(base, cfg)
}

func wrapHTTPHandler(base http.Handler, cfg HTTPHandlerConfig) http.Handler {
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = newHTTPRateLimiter(cfg.RateLimitPerMin)
	}
	h := withBodyLimit(base, cfg.MaxBodyBytes)
	h = withRateLimit(h, limiter)
	h = withWalletKey(h, cfg.FallbackKey)
	return h
}

// StripWalletKey moves the key query parameter into the request context.
// Access logs and spans that run after it never see the key.
func StripWalletKey(r *http.Request) *http.Request {
	query := r.URL.Query()
	if !query.Has(keyQueryParam) {
		return r
	}
	key := query.Get(keyQueryParam)
	query.Del(keyQueryParam)

	r = r.WithContext(context.WithValue(r.Context(), walletKeyCtx{}, key))
	u := *r.URL
	u.RawQuery = query.Encode()
	r.URL = &u
	if r.RequestURI != "" {
		r.RequestURI = u.RequestURI()
	}
	return r
}

// withWalletKey resolves the identity of connection requests, those
// without a session id.
func withWalletKey(next http.Handler, fallbackKey string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get(sessionIDHeader)) != "" {
			next.ServeHTTP(w, StripWalletKey(r))
			return
		}

		r = StripWalletKey(r)
		key, _ := r.Context().Value(walletKeyCtx{}).(string)
		identity, err := wallet.Resolve(key, fallbackKey)
		switch {
		case errors.Is(err, wallet.ErrMissingIdentity):
			writeJSONError(w, http.StatusUnauthorized, "missing_key", missingKeyMessage)
			return
		case err != nil:
			writeJSONError(w, http.StatusBadRequest, "invalid_key", invalidKeyMessage)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identity)))
	})
}

func withBodyLimit(next http.Handler, limit int64) http.Handler {
	if limit <= 0 {
		limit = defaultMCPMaxBodyBytes
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

func withRateLimit(next http.Handler, limiter RateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, err := limiter.Allow(r.Context(), rateLimitKey(r))
		if err != nil {
			slog.Warn("rate limiter unavailable, allowing request", "error", err)
			allowed = true
		}
		if !allowed {
			writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitKey prefers the wallet address, then the session id, then the
// client IP.
func rateLimitKey(r *http.Request) string {
	if identity, ok := r.Context().Value(identityKey{}).(*wallet.Identity); ok && identity != nil {
		return "addr:" + identity.Address().Hex()
	}
	if sid := strings.TrimSpace(r.Header.Get(sessionIDHeader)); sid != "" {
		return "session:" + sid
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		host = strings.TrimSpace(r.RemoteAddr)
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

// idleBucketAge is how long an unused bucket is kept. After a full minute
// a bucket has refilled to burst, so dropping it changes nothing.
const idleBucketAge = time.Minute

type httpRateLimiter struct {
	mu        sync.Mutex
	rate      float64
	burst     float64
	bucket    map[string]*tokenBucket
	lastSweep time.Time
	now       func() time.Time
}

type tokenBucket struct {
	tokens float64
	last   time.Time
}

func newHTTPRateLimiter(perMin int) *httpRateLimiter {
	if perMin <= 0 {
		perMin = 60
	}
	return &httpRateLimiter{
		rate:   float64(perMin) / 60.0,
		burst:  float64(perMin),
		bucket: make(map[string]*tokenBucket),
		now:    time.Now,
	}
}

func (l *httpRateLimiter) Allow(_ context.Context, key string) (bool, error) {
	if l == nil {
		return true, nil
	}
	if key == "" {
		key = "default"
	}

	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)

	b, ok := l.bucket[key]
	if !ok {
		l.bucket[key] = &tokenBucket{tokens: l.burst - 1, last: now}
		return true, nil
	}

	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * l.rate
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
	}
	b.last = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// sweep drops idle buckets at most once per idleBucketAge. Callers hold mu.
func (l *httpRateLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < idleBucketAge {
		return
	}
	l.lastSweep = now
	for key, b := range l.bucket {
		if now.Sub(b.last) >= idleBucketAge {
			delete(l.bucket, key)
		}
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
