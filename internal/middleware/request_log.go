package middleware

import (
	"net/http"
	"time"

	"github.com/devcollab/internal/logger"
)

// RequestLog logs method, path and duration of each request through the async logger.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer logger.DeferLogDuration("http "+r.Method+" "+r.URL.Path, time.Now())()
		next.ServeHTTP(w, r)
	})
}
