// Package middleware provides the small set of HTTP middleware the
// bridge layers in front of its API and WebSocket upgrade routes.
package middleware

import "net/http"

// CORS returns middleware that answers cross-origin requests from the
// browser front-end. The bridge is a workstation-local tool (spec
// §6.1: no auth beyond being served on its own port), so the allowed
// origin list is typically just "*"; this still only ever echoes a
// specific Origin back, never the literal wildcard, so the browser
// accepts the response.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	isWildcard := func(origin string) bool {
		for _, o := range allowedOrigins {
			if o == "*" {
				return true
			}
		}
		return false
	}
	isExplicit := func(origin string) bool {
		for _, o := range allowedOrigins {
			if o != "*" && o == origin {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			explicit := isExplicit(origin)
			if explicit || isWildcard(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				// Credentials only for an origin listed by exact value —
				// a request merely matched by the "*" wildcard must never
				// also get this header, or an echoed wildcard origin
				// becomes a CSRF vector.
				if explicit {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
