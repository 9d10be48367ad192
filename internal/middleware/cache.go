package middleware

import (
	"net/http"
)

// NoStore disables caching on every response. The next-question and
// session-status endpoints must always reflect current store state; a cached
// question after a successful submit would look like a stuck session.
func NoStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
		w.Header().Set("Pragma", "no-cache")
		next.ServeHTTP(w, r)
	})
}
