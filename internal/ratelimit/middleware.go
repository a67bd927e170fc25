package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"
)

// KeyFunc derives the bucket key of a request.
type KeyFunc func(r *http.Request) string

// ByClient keys requests on surface and the client address.
func ByClient(surface string) KeyFunc {
	return func(r *http.Request) string {
		return Key(surface, ClientAddr(r), "")
	}
}

// ClientAddr returns the host part of r.RemoteAddr.
func ClientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware returns an HTTP middleware that enforces limiter on the key
// returned by keyFn.
//
// Rate-limit headers are always set on the response:
//
//	X-RateLimit-Limit     maximum attempts allowed in the window
//	X-RateLimit-Remaining tokens remaining in the current window
//	X-RateLimit-Reset     Unix timestamp when the bucket is fully replenished
//
// When the limit is exceeded the middleware responds with HTTP 429, a
// Retry-After header and a JSON error body.
func Middleware(limiter *Limiter, keyFn KeyFunc, onReject ...func(r *http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)

			limit, remaining, resetAt := limiter.Status(key)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

			ok, wait := limiter.Allow(key)
			if !ok {
				for _, fn := range onReject {
					fn(r)
				}
				Reject(w, wait)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Reject writes the 429 response used when a limit is exceeded.
func Reject(w http.ResponseWriter, wait time.Duration) {
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    "rate_limited",
			"message": "Too many attempts. Try again later.",
		},
	})
}
