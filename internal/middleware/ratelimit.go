package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	rateLimitWindow  = time.Minute
	rateLimitMaxIP   = 200
	rateLimitMaxUser = 100
)

// rateLimiter is a sliding window log keyed by client ip or user id.
type rateLimiter struct {
	mu     sync.Mutex
	times  map[string][]time.Time
	max    int
	window time.Duration
	now    func() time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{times: make(map[string][]time.Time), max: max, window: window, now: time.Now}
}

func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	cutoff := now.Add(-r.window)
	slice := r.times[key]
	i := 0
	for _, t := range slice {
		if t.After(cutoff) {
			slice[i] = t
			i++
		}
	}
	slice = slice[:i]
	if len(slice) >= r.max {
		r.times[key] = slice
		return false
	}
	r.times[key] = append(slice, now)
	return true
}

// RateLimiter limits /api requests per client ip and, after BearerAuth, per user.
type RateLimiter struct {
	byIP   *rateLimiter
	byUser *rateLimiter
}

func NewRateLimiter(perIP, perUser int) *RateLimiter {
	if perIP <= 0 {
		perIP = rateLimitMaxIP
	}
	if perUser <= 0 {
		perUser = rateLimitMaxUser
	}
	return &RateLimiter{
		byIP:   newRateLimiter(perIP, rateLimitWindow),
		byUser: newRateLimiter(perUser, rateLimitWindow),
	}
}

// ByIP must run before authentication so rejected tokens are also counted.
func (l *RateLimiter) ByIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.byIP.allow(clientIP(r)) {
			tooMany(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ByUser must run after BearerAuth.
func (l *RateLimiter) ByUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID := GetUserID(r.Context()); userID != "" && !l.byUser.allow("u:"+userID) {
			tooMany(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if x := r.Header.Get("X-Real-Ip"); x != "" {
		return x
	}
	if x := r.Header.Get("X-Forwarded-For"); x != "" {
		first, _, _ := strings.Cut(x, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func tooMany(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Retry-After", "60")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":"too many requests"}` + "\n"))
}
