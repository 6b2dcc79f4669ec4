package idptest

import (
	"context"
	"net/http"
	"strings"
)

type contextKey int

const ctxUserID contextKey = iota

// RequestUserID returns the authenticated user ID from the context, or
// "" for requests made with the publishable key only.
func RequestUserID(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

// requireAPIKey rejects requests whose apikey header does not match key.
func requireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" || r.Header.Get("apikey") != key {
				writeJSON(w, http.StatusUnauthorized, map[string]string{
					"message": "Invalid API key",
				})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// bearer resolves the Authorization header. The publishable key maps
// to the anonymous role; an issued access token maps to its user. Any
// other bearer is rejected.
func (s *Server) bearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")

		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"code":    "PGRST301",
				"message": "No suitable key or wrong key type",
			})

			return
		}

		if token == s.opts.APIKey {
			next.ServeHTTP(w, r)
			return
		}

		ti := s.store.ValidateToken(token)
		if ti == nil {
			s.logger.Debug("idptest: invalid bearer token", "path", r.URL.Path)
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"code":    "PGRST301",
				"message": "JWT expired",
			})

			return
		}

		ctx := context.WithValue(r.Context(), ctxUserID, ti.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
