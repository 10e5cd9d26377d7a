package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/devcollab/internal/service"
)

// TokenVerifier is implemented by service.TokenService.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (*service.Claims, error)
}

// BearerToken extracts the token from "Authorization: Bearer ..." and, for
// browser WebSocket clients that cannot set headers, from ?token=.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, tok, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
	}
	return r.URL.Query().Get("token")
}

// BearerAuth rejects requests without a valid, unrevoked token with 401.
func BearerAuth(v TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := BearerToken(r)
			if raw == "" {
				unauthorized(w)
				return
			}
			claims, err := v.Verify(r.Context(), raw)
			if err != nil {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("WWW-Authenticate", `Bearer realm="devcollab"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
}
