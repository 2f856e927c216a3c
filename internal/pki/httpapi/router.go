package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// cache-control windows per endpoint, per the API's published caching
// policy: dead-drops refresh slowly, public keys less so, status and
// healthcheck are near-realtime.
const (
	deadDropsCacheTTL   = 300 * time.Second
	publicKeysCacheTTL  = 60 * time.Second
	statusCacheTTL      = 5 * time.Second
	healthcheckCacheTTL = 1 * time.Second
)

// NewRouter builds the gorilla/mux router for the PKI orchestrator's
// external HTTP surface, with request-id, recovery, CORS and rate-limit
// middleware applied in the same order the gateway applies them.
func NewRouter(s *Server) http.Handler {
	r := mux.NewRouter()
	r.StrictSlash(true)

	corsCfg := defaultCORSConfig()
	rl := newLimiter(600, 100)

	r.Use(recoverer)
	r.Use(requestID)
	r.Use(cors(corsCfg))
	r.Use(rateLimit(rl))

	r.Handle("/v1/healthcheck", cacheControl(healthcheckCacheTTL)(http.HandlerFunc(s.Health))).Methods(http.MethodGet)

	r.Handle("/v1/public-keys", cacheControl(publicKeysCacheTTL)(http.HandlerFunc(s.PublicKeys))).Methods(http.MethodGet)
	r.HandleFunc("/v1/public-keys/journalist-profile", s.SubmitJournalistProfile).Methods(http.MethodPost)
	r.HandleFunc("/v1/public-keys/{role}", s.SubmitKeyForm).Methods(http.MethodPost)

	r.Handle("/v1/user/dead-drops", cacheControl(deadDropsCacheTTL)(http.HandlerFunc(s.UserDeadDrops))).Methods(http.MethodGet)
	r.Handle("/v1/journalist/dead-drops", cacheControl(deadDropsCacheTTL)(http.HandlerFunc(s.JournalistDeadDrops))).Methods(http.MethodGet)

	r.HandleFunc("/v1/user/messages", s.UserMessages).Methods(http.MethodPost)
	r.HandleFunc("/v1/journalist/messages", s.JournalistMessages).Methods(http.MethodPost)

	r.Handle("/v1/system/status", cacheControl(statusCacheTTL)(http.HandlerFunc(s.SubmitStatus))).Methods(http.MethodPost)

	// Not wrapped in cacheControl: a WebSocket upgrade has no cacheable
	// response body, and rate-limiting/CORS still apply via r.Use above.
	r.HandleFunc("/v1/journalist/live-status", s.JournalistLiveStatus).Methods(http.MethodGet)

	return r
}
