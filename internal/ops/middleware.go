package ops

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/verihive/backend/internal/config"
)

// adminKeyHeader carries the plaintext admin key on privileged routes.
// The configured value is its bcrypt hash, never the key itself.
const adminKeyHeader = "X-Admin-Key"

// loggingMiddleware logs each request in Cloud Run compatible JSON.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// makeCORSMiddleware returns CORS middleware using config origins.
// Matches the request's Origin header against the allow list and
// supports wildcard patterns (e.g. "https://*.run.app") by suffix.
func makeCORSMiddleware(cfg *config.Config) mux.MiddlewareFunc {
	exact := make(map[string]bool, len(cfg.Server.CORSAllowOrigins))
	var wildcardSuffixes []string
	allowAll := false
	for _, o := range cfg.Server.CORSAllowOrigins {
		if o == "*" {
			allowAll = true
		} else if strings.Contains(o, "*") {
			wildcardSuffixes = append(wildcardSuffixes, strings.Replace(o, "*", "", 1))
		} else {
			exact[o] = true
		}
	}

	originAllowed := func(origin string) bool {
		if exact[origin] {
			return true
		}
		for _, suffix := range wildcardSuffixes {
			// suffix is e.g. "https://.run.app": scheme prefix plus
			// domain suffix.
			parts := strings.SplitN(suffix, "//", 2)
			if len(parts) == 2 {
				scheme := parts[0] + "//"
				if strings.HasPrefix(origin, scheme) && strings.HasSuffix(origin, parts[1]) {
					return true
				}
			} else if strings.HasSuffix(origin, suffix) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && originAllowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				// Vary must be set when the response depends on Origin.
				w.Header().Set("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers",
				"Content-Type, Authorization, X-Admin-Key, X-Request-ID, Accept")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// adminAuthMiddleware gates the admin subrouter with a bcrypt check
// against the configured key hash.
func (s *Server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(adminKeyHeader)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing admin key")
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.Admin.APIKeyHash), []byte(key)); err != nil {
			s.logger.Printf("⚠️ admin auth rejected from %s", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "invalid admin key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
