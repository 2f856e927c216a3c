package httpapi

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	coverrors "github.com/coverdrop/coverdrop/pkg/errors"
)

// handlerCodeMeta maps this package's short, handler-local error codes onto
// the shared registry's stable Code values, so every error this API returns
// carries the same envelope shape (and retry/kind metadata) as every other
// CoverDrop service, without every call site needing to spell out a
// pkg/errors.Code directly.
var handlerCodeMeta = map[string]coverrors.Code{
	"malformed_form":    coverrors.ProtocolInvalidPadding,
	"malformed_body":    coverrors.ProtocolWrongMessageSize,
	"wrong_message_size": coverrors.ProtocolWrongMessageSize,
	"form_rejected":      coverrors.PKISignatureInvalid,
	"unknown_signer":     coverrors.PKIParentKeyNotFound,
	"identity_expired":   coverrors.PKICertificateExpired,
	"unknown_role":       coverrors.ContractsInvalid,
	"not_found":          coverrors.DeadDropNotFound,
	"invalid_cursor":     coverrors.ContractsInvalid,
	"invalid_param":      coverrors.ContractsInvalid,
	"storage_error":      coverrors.StorageUnavailable,
	"queue_error":        coverrors.DependencyDown,
	"rate_limited":       coverrors.RateLimitExceeded,
	"internal_error":     coverrors.Internal,
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	rc, ok := handlerCodeMeta[code]
	if !ok {
		rc = coverrors.Internal
	}
	env := coverrors.NewEnvelope(rc, message, w.Header().Get(requestIDHeader), "", nil)
	coverrors.WriteHTTP(w, status, env)
}

// recoverer turns a panic in any handler into a 500 rather than crashing the
// listener goroutine.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("pki/httpapi: panic handling %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
				writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

const requestIDHeader = "X-Request-Id"

func validRequestID(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 128 {
		return false
	}
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

func newRequestID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "req_fallback"
	}
	return "req_" + hex.EncodeToString(b[:])
}

// requestID assigns a correlation id to every request, echoing a caller
// supplied one when it looks safe to log and propagate.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if !validRequestID(id) {
			id = newRequestID()
		}
		r.Header.Set(requestIDHeader, id)
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// corsConfig and friends mirror the gateway's permissive-by-default,
// credential-aware CORS policy; the PKI API serves public key material and
// dead-drops to browser-embedded clients, so wide-open GETs are intended.
type corsConfig struct {
	allowedOrigins   []string
	allowedMethods   string
	allowedHeaders   string
	allowCredentials bool
	maxAgeSeconds    int
	allowAllOrigins  bool
}

func defaultCORSConfig() corsConfig {
	return corsConfig{
		allowedOrigins:  []string{"*"},
		allowedMethods:  "GET,POST,OPTIONS",
		allowedHeaders:  "*",
		maxAgeSeconds:   600,
		allowAllOrigins: true,
	}
}

func originAllowed(cfg corsConfig, origin string) (string, bool) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", false
	}
	if cfg.allowCredentials {
		for _, o := range cfg.allowedOrigins {
			if o == origin {
				return origin, true
			}
		}
		return "", false
	}
	if cfg.allowAllOrigins {
		return "*", true
	}
	for _, o := range cfg.allowedOrigins {
		if o == origin {
			return origin, true
		}
	}
	return "", false
}

func setCORSHeaders(w http.ResponseWriter, cfg corsConfig, allowedOrigin string) {
	if allowedOrigin != "" {
		w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		if allowedOrigin != "*" {
			w.Header().Add("Vary", "Origin")
		}
	}
	w.Header().Set("Access-Control-Allow-Methods", cfg.allowedMethods)
	w.Header().Set("Access-Control-Allow-Headers", cfg.allowedHeaders)
	if cfg.allowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	w.Header().Set("Access-Control-Max-Age", strconv.Itoa(cfg.maxAgeSeconds))
}

// cors handles preflight and tags every response with the allowed-origin
// headers. Unlike the gateway's original middleware, a preflight response
// returns immediately instead of falling through to call next as well.
func cors(cfg corsConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowedOrigin, ok := originAllowed(cfg, origin); ok {
				setCORSHeaders(w, cfg, allowedOrigin)
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// token-bucket rate limiter, keyed by a hash of the client IP so raw IPs
// never end up in memory-resident map keys.
type bucket struct {
	tokens     float64
	lastRefill time.Time
	lastSeen   time.Time
}

type limiter struct {
	mu       sync.Mutex
	ratePerS float64
	burst    float64
	buckets  map[string]*bucket
}

func newLimiter(rpm, burst int) *limiter {
	if rpm < 1 {
		rpm = 600
	}
	if burst < 1 {
		burst = 100
	}
	l := &limiter{
		ratePerS: float64(rpm) / 60.0,
		burst:    float64(burst),
		buckets:  make(map[string]*bucket),
	}
	go l.cleanupLoop()
	return l
}

func (l *limiter) cleanupLoop() {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()
	for range t.C {
		cutoff := time.Now().UTC().Add(-15 * time.Minute)
		l.mu.Lock()
		for k, b := range l.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(l.buckets, k)
			}
		}
		l.mu.Unlock()
	}
}

func (l *limiter) allow(key string) (allowed bool, retryAfter time.Duration) {
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, lastRefill: now, lastSeen: now}
		l.buckets[key] = b
	}

	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens = minFloat(l.burst, b.tokens+elapsed*l.ratePerS)
		b.lastRefill = now
	}
	b.lastSeen = now

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true, 0
	}

	need := 1.0 - b.tokens
	secs := need / l.ratePerS
	if secs < 0 {
		secs = 0
	}
	return false, time.Duration(secs * float64(time.Second))
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func ipKey(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:16])
}

func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if parts := strings.Split(xff, ","); len(parts) > 0 {
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
	}
	if host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr)); err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

// rateLimit rejects with 429 once a caller's bucket is empty. Unlike the
// gateway's original middleware, the allowed branch returns after calling
// next instead of falling through into the 429 response path as well.
func rateLimit(l *limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ipKey(clientIP(r))
			ok, retry := l.allow(key)
			if ok {
				next.ServeHTTP(w, r)
				return
			}

			ra := int(retry.Seconds())
			if ra < 1 {
				ra = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(ra))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
		})
	}
}

// cacheControl sets a fixed max-age on GET responses, matching the API's
// per-endpoint caching policy.
func cacheControl(maxAge time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				w.Header().Set("Cache-Control", "max-age="+strconv.Itoa(int(maxAge.Seconds())))
			}
			next.ServeHTTP(w, r)
		})
	}
}
